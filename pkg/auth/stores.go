package auth

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"timelessbot/pkg/config"
)

// StaticStore serves a fixed list, typically from config or the
// ALLOWED_PHONE_NUMBERS environment variable.
type StaticStore []string

func (s StaticStore) GetAll(context.Context) ([]string, error) {
	return append([]string(nil), s...), nil
}

// FileStore reads a YAML document of the form `senders: [...]` on every refresh.
type FileStore struct {
	Path string
}

type allowListFile struct {
	Senders []string `yaml:"senders"`
}

func (s FileStore) GetAll(context.Context) ([]string, error) {
	content, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read allow list file: %w", err)
	}

	var doc allowListFile
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("parse allow list file %s: %w", s.Path, err)
	}

	return doc.Senders, nil
}

// RedisStore reads the members of a Redis set.
type RedisStore struct {
	Client redis.UniversalClient
	Key    string
}

func (s RedisStore) GetAll(ctx context.Context) ([]string, error) {
	members, err := s.Client.SMembers(ctx, strings.TrimSpace(s.Key)).Result()
	if err != nil {
		return nil, fmt.Errorf("read allow list set %s: %w", s.Key, err)
	}

	return members, nil
}

// NewStore picks the store for cfg.Source. client is only used by the redis
// source.
func NewStore(cfg config.AllowListConfig, client redis.UniversalClient) (Store, error) {
	switch cfg.Source {
	case "", "static":
		return StaticStore(cfg.Senders), nil
	case "file":
		return FileStore{Path: cfg.File}, nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis allow list requires a redis client")
		}
		return RedisStore{Client: client, Key: cfg.RedisKey}, nil
	default:
		return nil, fmt.Errorf("unsupported allow list source %q", cfg.Source)
	}
}
