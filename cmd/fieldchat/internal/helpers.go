package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/tinyland-inc/fieldchat/pkg/chat"
	"github.com/tinyland-inc/fieldchat/pkg/config"
	"github.com/tinyland-inc/fieldchat/pkg/logger"
	"github.com/tinyland-inc/fieldchat/pkg/model"
)

const Logo = "💬"

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

// ConfigPathOverride is set by the root --config flag.
var ConfigPathOverride string

func GetHomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".fieldchat")
}

// GetConfigPath prefers config.yaml when it exists, else config.json.
func GetConfigPath() string {
	if ConfigPathOverride != "" {
		return ConfigPathOverride
	}
	yamlPath := filepath.Join(GetHomeDir(), "config.yaml")
	if _, err := os.Stat(yamlPath); err == nil {
		return yamlPath
	}
	return filepath.Join(GetHomeDir(), "config.json")
}

func LoadConfig() (*config.Config, error) {
	return config.LoadConfig(GetConfigPath())
}

// SetupLogging applies the configured level and log file. debug wins over
// the configured level.
func SetupLogging(cfg *config.Config, debug bool) error {
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	if debug {
		level = logger.DEBUG
	}
	logger.SetLevel(level)

	if path := cfg.LogFilePath(); path != "" {
		if err := logger.EnableFileLogging(path); err != nil {
			return err
		}
	}
	return nil
}

// NewClient loads the config, sets up logging and builds a chat client.
func NewClient(debug bool) (*chat.Client, *config.Config, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("error loading config: %w", err)
	}
	if err := SetupLogging(cfg, debug); err != nil {
		return nil, nil, fmt.Errorf("error configuring logging: %w", err)
	}
	if cfg.Chat.APIBase == "" {
		return nil, nil, fmt.Errorf("chat.api_base is not set in %s", GetConfigPath())
	}
	client, err := chat.New(chat.OptionsFromConfig(cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("error creating chat client: %w", err)
	}
	return client, cfg, nil
}

// FormatMessage renders one message line for the terminal.
func FormatMessage(m model.Message, self int64) string {
	who := fmt.Sprintf("#%d", m.SenderID)
	if m.SenderID == self {
		who = "you"
	}
	ts := "--:--"
	if !m.Timestamp.IsZero() {
		ts = m.Timestamp.Local().Format(time.Kitchen)
	}
	return fmt.Sprintf("[%s] %-6s %s  (id %d)", ts, who, m.Summary(), m.ID)
}

// FormatVersion returns the version string with optional git commit
func FormatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// FormatBuildInfo returns build time and go version info
func FormatBuildInfo() (string, string) {
	build := buildTime
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return build, goVer
}

// GetVersion returns the version string
func GetVersion() string {
	return version
}
