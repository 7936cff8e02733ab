// Package reply renders the user-facing messages the gateway sends back to
// conversations.
package reply

import (
	"embed"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"
)

const (
	KeyProcessing          = "reply.processing"
	KeyTranscriptionFailed = "reply.transcription_failed"
	KeyNotRegistered       = "reply.not_registered"
	KeyTransactionAdded    = "reply.transaction_added"
	KeyDirectionIn         = "reply.direction.in"
	KeyDirectionOut        = "reply.direction.out"
)

var requiredKeys = []string{
	KeyProcessing,
	KeyTranscriptionFailed,
	KeyNotRegistered,
	KeyTransactionAdded,
	KeyDirectionIn,
	KeyDirectionOut,
}

//go:embed locales/*.yaml
var localeFS embed.FS

type catalogFile struct {
	Locale   string            `yaml:"locale"`
	Messages map[string]string `yaml:"messages"`
}

var (
	registerOnce sync.Once
	registered   []language.Tag
	registerErr  error
)

// Locales returns the locales with a registered catalog.
func Locales() ([]language.Tag, error) {
	registerOnce.Do(func() {
		registered, registerErr = register(localeFS)
	})
	return registered, registerErr
}

// register loads every locale file and installs its messages into the
// x/text default catalog.
func register(catalogFS fs.FS) ([]language.Tag, error) {
	paths, err := fs.Glob(catalogFS, "locales/*.yaml")
	if err != nil {
		return nil, fmt.Errorf("glob reply catalogs: %w", err)
	}
	slices.Sort(paths)

	tags := make([]language.Tag, 0, len(paths))
	for _, path := range paths {
		data, err := fs.ReadFile(catalogFS, path)
		if err != nil {
			return nil, fmt.Errorf("read catalog %s: %w", path, err)
		}

		var file catalogFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse catalog %s: %w", path, err)
		}

		tag, err := language.Parse(strings.TrimSpace(file.Locale))
		if err != nil {
			return nil, fmt.Errorf("catalog %s: parse locale %q: %w", path, file.Locale, err)
		}
		for _, key := range requiredKeys {
			if strings.TrimSpace(file.Messages[key]) == "" {
				return nil, fmt.Errorf("catalog %s: missing message %q", path, key)
			}
		}
		for key, value := range file.Messages {
			if err := message.SetString(tag, key, value); err != nil {
				return nil, fmt.Errorf("catalog %s: register %q: %w", path, key, err)
			}
		}
		tags = append(tags, tag)
	}

	return tags, nil
}
