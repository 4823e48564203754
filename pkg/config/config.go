package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/tinyland-inc/fieldchat/pkg/logger"
)

const (
	DefaultPageSize              = 20
	DefaultMessageRetries        = 1
	DefaultDisconnectRetries     = 2
	DefaultDisconnectDestination = "/app/chat.disconnect"
	DefaultMailboxSize           = 64
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Chat ChatConfig `json:"chat" yaml:"chat"`
	Log  LogConfig  `json:"log"  yaml:"log"`
}

type ChatConfig struct {
	APIBase               string `env:"FIELDCHAT_CHAT_API_BASE"                json:"api_base"                yaml:"api_base"`
	UserID                int64  `env:"FIELDCHAT_CHAT_USER_ID"                 json:"user_id"                 yaml:"user_id"`
	Token                 string `env:"FIELDCHAT_CHAT_TOKEN"                   json:"token,omitempty"         yaml:"token,omitempty"`
	WSScheme              string `env:"FIELDCHAT_CHAT_WS_SCHEME"               json:"ws_scheme"               yaml:"ws_scheme"`
	WSPath                string `env:"FIELDCHAT_CHAT_WS_PATH"                 json:"ws_path"                 yaml:"ws_path"`
	PageSize              int    `env:"FIELDCHAT_CHAT_PAGE_SIZE"               json:"page_size"               yaml:"page_size"`
	MessageRetries        int    `env:"FIELDCHAT_CHAT_MESSAGE_RETRIES"         json:"message_retries"         yaml:"message_retries"`
	DisconnectRetries     int    `env:"FIELDCHAT_CHAT_DISCONNECT_RETRIES"      json:"disconnect_retries"      yaml:"disconnect_retries"`
	DisconnectDestination string `env:"FIELDCHAT_CHAT_DISCONNECT_DESTINATION"  json:"disconnect_destination"  yaml:"disconnect_destination"`
	ReceiptTimeoutMS      int    `env:"FIELDCHAT_CHAT_RECEIPT_TIMEOUT_MS"      json:"receipt_timeout_ms"      yaml:"receipt_timeout_ms"`
	HeartbeatSeconds      int    `env:"FIELDCHAT_CHAT_HEARTBEAT_SECONDS"       json:"heartbeat_seconds"       yaml:"heartbeat_seconds"`
	MailboxSize           int    `env:"FIELDCHAT_CHAT_MAILBOX_SIZE"            json:"mailbox_size"            yaml:"mailbox_size"`
	RequestTimeoutSeconds int    `env:"FIELDCHAT_CHAT_REQUEST_TIMEOUT_SECONDS" json:"request_timeout_seconds" yaml:"request_timeout_seconds"`
}

type LogConfig struct {
	Level string `env:"FIELDCHAT_LOG_LEVEL" json:"level"          yaml:"level"`
	File  string `env:"FIELDCHAT_LOG_FILE"  json:"file,omitempty" yaml:"file,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Chat: ChatConfig{
			WSScheme:              "ws",
			WSPath:                "/chat",
			PageSize:              DefaultPageSize,
			MessageRetries:        DefaultMessageRetries,
			DisconnectRetries:     DefaultDisconnectRetries,
			DisconnectDestination: DefaultDisconnectDestination,
			ReceiptTimeoutMS:      5000,
			MailboxSize:           DefaultMailboxSize,
			RequestTimeoutSeconds: 15,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads path (YAML for .yaml/.yml, JSON otherwise), applies
// FIELDCHAT_* environment overrides and validates the result. A missing
// file yields the defaults plus overrides.
func LoadConfig(path string) (*Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads path over the defaults without environment overrides. Use
// it when the result is written back with SaveConfig.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := decode(path, data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, cfg)
	}
	return json.Unmarshal(data, cfg)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func SaveConfig(path string, cfg *Config) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks the settings that would otherwise fail late, at connect.
func (c *Config) Validate() error {
	ch := c.Chat
	if ch.APIBase != "" {
		u, err := url.Parse(ch.APIBase)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: chat.api_base %q must be an http(s) URL", ErrInvalidConfig, ch.APIBase)
		}
	}
	if ch.WSScheme != "ws" && ch.WSScheme != "wss" {
		return fmt.Errorf("%w: chat.ws_scheme must be ws or wss, got %q", ErrInvalidConfig, ch.WSScheme)
	}
	if !strings.HasPrefix(ch.WSPath, "/") {
		return fmt.Errorf("%w: chat.ws_path must start with /", ErrInvalidConfig)
	}
	if ch.PageSize <= 0 {
		return fmt.Errorf("%w: chat.page_size must be positive", ErrInvalidConfig)
	}
	if ch.MessageRetries < 0 || ch.DisconnectRetries < 0 {
		return fmt.Errorf("%w: retry counts cannot be negative", ErrInvalidConfig)
	}
	if ch.ReceiptTimeoutMS < 0 || ch.HeartbeatSeconds < 0 || ch.MailboxSize < 0 || ch.RequestTimeoutSeconds < 0 {
		return fmt.Errorf("%w: timeouts and sizes cannot be negative", ErrInvalidConfig)
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalidConfig, err)
	}
	return nil
}

// ReceiptTimeout is zero when receipts are disabled.
func (c ChatConfig) ReceiptTimeout() time.Duration {
	return time.Duration(c.ReceiptTimeoutMS) * time.Millisecond
}

func (c ChatConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

func (c ChatConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// LogFilePath expands a leading ~ in the configured log file.
func (c *Config) LogFilePath() string {
	return expandHome(c.Log.File)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
