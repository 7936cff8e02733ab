package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	// Workspace is the directory holding local state. Defaults to ~/.timelessbot.
	Workspace  string           `json:"workspace" env:"TIMELESS_WORKSPACE"`
	Channels   ChannelsConfig   `json:"channels"`
	OpenAI     OpenAIConfig     `json:"openai"`
	Queue      QueueConfig      `json:"queue"`
	AllowList  AllowListConfig  `json:"allow_list"`
	Extraction ExtractionConfig `json:"extraction"`
	Publish    PublishConfig    `json:"publish"`
	Reply      ReplyConfig      `json:"reply"`
	Blob       BlobConfig       `json:"blob"`
	Gateway    GatewayConfig    `json:"gateway"`
	Telemetry  TelemetryConfig  `json:"telemetry"`
	Logging    LoggingConfig    `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// ChannelsConfig stores transport adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
}

// TelegramConfig configures Telegram channel integration.
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token" env:"TELEGRAM_BOT_TOKEN"`
}

// WhatsAppConfig configures the WhatsApp bridge websocket.
type WhatsAppConfig struct {
	Enabled     bool   `json:"enabled"`
	BridgeURL   string `json:"bridge_url" env:"WHATSAPP_BRIDGE_URL"`
	BridgeToken string `json:"bridge_token" env:"WHATSAPP_BRIDGE_TOKEN"`
}

// OpenAIConfig configures the transcription and vision collaborators.
type OpenAIConfig struct {
	APIKey                string `json:"-" env:"OPENAI_API_KEY"`
	APIKeyEnv             string `json:"api_key_env"`
	BaseURL               string `json:"base_url"`
	Organization          string `json:"organization"`
	Project               string `json:"project"`
	TranscriptionModel    string `json:"transcription_model"`
	VisionModel           string `json:"vision_model"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// QueueConfig selects the queue driver and tunes the result consumer.
type QueueConfig struct {
	Driver                   string `json:"driver" env:"TIMELESS_QUEUE_DRIVER"`
	RedisURL                 string `json:"redis_url" env:"TIMELESS_REDIS_URL"`
	IncomingStream           string `json:"incoming_stream" env:"TIMELESS_INCOMING_STREAM"`
	ResultStream             string `json:"result_stream" env:"TIMELESS_RESULT_STREAM"`
	ConsumerGroup            string `json:"consumer_group"`
	ConsumerName             string `json:"consumer_name" env:"TIMELESS_CONSUMER_NAME"`
	DedupWindowSeconds       int    `json:"dedup_window_seconds"`
	VisibilityTimeoutSeconds int    `json:"visibility_timeout_seconds"`
	PollIntervalMillis       int    `json:"poll_interval_ms"`
	BatchSize                int    `json:"batch_size"`
	Concurrency              int    `json:"concurrency"`
	HandleTimeoutSeconds     int    `json:"handle_timeout_seconds"`
}

// AllowListConfig configures where permitted senders come from.
type AllowListConfig struct {
	Source   string   `json:"source"`
	Senders  []string `json:"senders" env:"ALLOWED_PHONE_NUMBERS"`
	File     string   `json:"file"`
	RedisKey string   `json:"redis_key"`
	Refresh  string   `json:"refresh"`
}

// ExtractionConfig bounds the AI collaborator calls.
type ExtractionConfig struct {
	TimeoutSeconds int    `json:"timeout_seconds"`
	ScratchDir     string `json:"scratch_dir"`
}

// PublishConfig bounds publish retries toward the work queue.
type PublishConfig struct {
	MaxAttempts          int `json:"max_attempts"`
	InitialBackoffMillis int `json:"initial_backoff_ms"`
	MaxBackoffMillis     int `json:"max_backoff_ms"`
}

// ReplyConfig controls user-facing reply behavior.
type ReplyConfig struct {
	Locale        string `json:"locale"`
	Currency      string `json:"currency"`
	AckProcessing bool   `json:"ack_processing"`
	ReactEmoji    string `json:"react_emoji"`
}

// BlobConfig enables the optional media archive.
type BlobConfig struct {
	Enabled bool   `json:"enabled" env:"SEND_MEDIA_TO_BLOB"`
	Path    string `json:"path"`
}

// GatewayConfig configures HTTP status server bind settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// TelemetryConfig enables OTLP trace export.
type TelemetryConfig struct {
	Endpoint    string `json:"endpoint" env:"TIMELESS_OTEL_ENDPOINT"`
	ServiceName string `json:"service_name"`
}

// LoadConfig resolves config.json, unmarshals it, and applies environment overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides injects env-driven settings on top of file config.
//
// Only variables that are actually set replace file values.
func applyEnvOverrides(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	if err := env.ParseWithOptions(cfg, env.Options{Environment: setEnvironment()}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	cfg.AllowList.Senders = compact(cfg.AllowList.Senders)

	return nil
}

// setEnvironment returns the process environment without blank entries so
// empty variables never clobber file values.
func setEnvironment() map[string]string {
	vars := make(map[string]string)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		vars[key] = strings.TrimSpace(value)
	}
	return vars
}

// ApplyDefaults fills unset tunables with their runtime defaults.
func (c *Config) ApplyDefaults() {
	if c.Queue.IncomingStream == "" {
		c.Queue.IncomingStream = "timeless:incoming"
	}
	if c.Queue.ResultStream == "" {
		c.Queue.ResultStream = "timeless:recognized"
	}
	if c.Queue.ConsumerGroup == "" {
		c.Queue.ConsumerGroup = "timeless-bot"
	}
	if c.Queue.ConsumerName == "" {
		if host, err := os.Hostname(); err == nil {
			c.Queue.ConsumerName = host
		} else {
			c.Queue.ConsumerName = "timeless-bot"
		}
	}
	if c.Queue.DedupWindowSeconds <= 0 {
		c.Queue.DedupWindowSeconds = 300
	}
	if c.Queue.VisibilityTimeoutSeconds <= 0 {
		c.Queue.VisibilityTimeoutSeconds = 30
	}
	if c.Queue.PollIntervalMillis <= 0 {
		c.Queue.PollIntervalMillis = 1000
	}
	if c.Queue.BatchSize <= 0 {
		c.Queue.BatchSize = 10
	}
	if c.Queue.Concurrency <= 0 {
		c.Queue.Concurrency = 8
	}
	if c.Queue.HandleTimeoutSeconds <= 0 {
		c.Queue.HandleTimeoutSeconds = 30
	}
	if c.AllowList.Source == "" {
		c.AllowList.Source = "static"
	}
	if c.AllowList.RedisKey == "" {
		c.AllowList.RedisKey = "timeless:allowed-senders"
	}
	if c.AllowList.Refresh == "" {
		c.AllowList.Refresh = "@every 5m"
	}
	if c.Extraction.TimeoutSeconds <= 0 {
		c.Extraction.TimeoutSeconds = 60
	}
	if c.Publish.MaxAttempts <= 0 {
		c.Publish.MaxAttempts = 3
	}
	if c.Publish.InitialBackoffMillis <= 0 {
		c.Publish.InitialBackoffMillis = 200
	}
	if c.Publish.MaxBackoffMillis <= 0 {
		c.Publish.MaxBackoffMillis = 2000
	}
	if c.Reply.Locale == "" {
		c.Reply.Locale = "pt-BR"
	}
	if c.Reply.Currency == "" {
		c.Reply.Currency = "BRL"
	}
	if c.Blob.Path == "" {
		c.Blob.Path = "timeless-media.db"
	}
	if c.OpenAI.TranscriptionModel == "" {
		c.OpenAI.TranscriptionModel = "whisper-1"
	}
	if c.OpenAI.VisionModel == "" {
		c.OpenAI.VisionModel = "gpt-4o-mini"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "timelessbot"
	}
}

// Validate rejects configurations the gateway cannot start with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Queue.Driver {
	case "":
		errs = append(errs, errors.New("queue.driver is required (memory or redis)"))
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Queue.RedisURL) == "" {
			errs = append(errs, errors.New("queue.redis_url is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported queue.driver %q", c.Queue.Driver))
	}

	switch c.AllowList.Source {
	case "static":
	case "file":
		if strings.TrimSpace(c.AllowList.File) == "" {
			errs = append(errs, errors.New("allow_list.file is required for the file source"))
		}
	case "redis":
		if strings.TrimSpace(c.Queue.RedisURL) == "" {
			errs = append(errs, errors.New("queue.redis_url is required for the redis allow list"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported allow_list.source %q", c.AllowList.Source))
	}

	if c.Channels.WhatsApp.Enabled && strings.TrimSpace(c.Channels.WhatsApp.BridgeURL) == "" {
		errs = append(errs, errors.New("channels.whatsapp.bridge_url is required when whatsapp is enabled"))
	}

	return errors.Join(errs...)
}

// DedupWindow returns the queue dedup window.
func (q QueueConfig) DedupWindow() time.Duration {
	return time.Duration(q.DedupWindowSeconds) * time.Second
}

// VisibilityTimeout returns how long an unacked result stays invisible.
func (q QueueConfig) VisibilityTimeout() time.Duration {
	return time.Duration(q.VisibilityTimeoutSeconds) * time.Second
}

// PollInterval returns the pause between empty or failed receives.
func (q QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalMillis) * time.Millisecond
}

// HandleTimeout bounds processing of one result item.
func (q QueueConfig) HandleTimeout() time.Duration {
	return time.Duration(q.HandleTimeoutSeconds) * time.Second
}

// Timeout bounds one collaborator call.
func (e ExtractionConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// compact trims values and drops blanks.
func compact(values []string) []string {
	clean := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is TIMELESS_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv("TIMELESS_CONFIG")); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("TIMELESS_CONFIG does not point to a file: %s", value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config.json not found (checked %s and %s)", candidates[0], candidates[1])
}
