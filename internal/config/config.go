package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for tqsync.
type Config struct {
	General  GeneralConfig  `yaml:"general"`
	Telegram TelegramConfig `yaml:"telegram"`
	QQ       QQConfig       `yaml:"qq"`
	Sync     SyncConfig     `yaml:"sync"`
	Retry    RetryConfig    `yaml:"retry"`
	Binding  BindingConfig  `yaml:"binding"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `yaml:"logLevel"` // debug | info | warn | error
	DataDir  string `yaml:"dataDir"`  // sqlite db and downloaded media
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chatId"` // the relayed group chat
}

// QQConfig points at a OneBot v11 endpoint (NapCat, go-cqhttp, ...).
type QQConfig struct {
	WSURL       string `yaml:"wsUrl"`  // event stream
	APIURL      string `yaml:"apiUrl"` // HTTP API for outbound actions
	AccessToken string `yaml:"accessToken,omitempty"`
	GroupID     int64  `yaml:"groupId"` // the relayed group
}

type SyncConfig struct {
	FilterPrefix      string   `yaml:"filterPrefix"`
	FilterKeywords    []string `yaml:"filterKeywords,omitempty"`
	MaxMessageLength  int      `yaml:"maxMessageLength"`
	CooldownSeconds   int      `yaml:"cooldownSeconds"`
	DedupTTLSeconds   int      `yaml:"dedupTTLSeconds"`
	EnableReplyFormat bool     `yaml:"enableReplyFormat"`
	EnableMediaRelay  bool     `yaml:"enableMediaRelay"`
}

type RetryConfig struct {
	MaxRetries       int `yaml:"maxRetries"`
	BaseDelaySeconds int `yaml:"baseDelaySeconds"`
	MaxDelaySeconds  int `yaml:"maxDelaySeconds"`
	PollSeconds      int `yaml:"pollSeconds"`
}

type BindingConfig struct {
	CodeTTLSeconds int `yaml:"codeTTLSeconds"`
	MaxAttempts    int `yaml:"maxAttempts"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// DBPath returns the sqlite database location inside the data dir.
func (c *Config) DBPath() string {
	return filepath.Join(c.General.DataDir, "tqsync.db")
}

// MediaDir returns where downloaded media is staged before re-upload.
func (c *Config) MediaDir() string {
	return filepath.Join(c.General.DataDir, "media")
}

// DefaultConfigDir returns the default config directory (~/.tqsync).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tqsync"
	}
	return filepath.Join(home, ".tqsync")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset
// or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	// The file carries the bot token.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values. A missing platform
// credential is fatal: the relay cannot start half-connected.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Telegram.Token == "" {
		errs = append(errs, "telegram.token is required")
	}
	if cfg.Telegram.ChatID == 0 {
		errs = append(errs, "telegram.chatId is required")
	}

	if cfg.QQ.WSURL == "" {
		errs = append(errs, "qq.wsUrl is required")
	} else if !strings.HasPrefix(cfg.QQ.WSURL, "ws://") && !strings.HasPrefix(cfg.QQ.WSURL, "wss://") {
		errs = append(errs, "qq.wsUrl must start with ws:// or wss://")
	}
	if cfg.QQ.APIURL == "" {
		errs = append(errs, "qq.apiUrl is required")
	} else if !strings.HasPrefix(cfg.QQ.APIURL, "http://") && !strings.HasPrefix(cfg.QQ.APIURL, "https://") {
		errs = append(errs, "qq.apiUrl must start with http:// or https://")
	}
	if cfg.QQ.GroupID == 0 {
		errs = append(errs, "qq.groupId is required")
	}

	if cfg.Sync.FilterPrefix == "" {
		errs = append(errs, "sync.filterPrefix must not be empty")
	}
	if cfg.Sync.MaxMessageLength < 1 {
		errs = append(errs, "sync.maxMessageLength must be >= 1")
	}
	if cfg.Sync.CooldownSeconds < 0 {
		errs = append(errs, "sync.cooldownSeconds must be >= 0")
	}
	if cfg.Sync.DedupTTLSeconds < 1 {
		errs = append(errs, "sync.dedupTTLSeconds must be >= 1")
	}

	if cfg.Retry.MaxRetries < 1 {
		errs = append(errs, "retry.maxRetries must be >= 1")
	}
	if cfg.Retry.BaseDelaySeconds < 1 {
		errs = append(errs, "retry.baseDelaySeconds must be >= 1")
	}
	if cfg.Retry.MaxDelaySeconds < cfg.Retry.BaseDelaySeconds {
		errs = append(errs, "retry.maxDelaySeconds must be >= retry.baseDelaySeconds")
	}
	if cfg.Retry.PollSeconds < 1 {
		errs = append(errs, "retry.pollSeconds must be >= 1")
	}

	if cfg.Binding.CodeTTLSeconds < 1 {
		errs = append(errs, "binding.codeTTLSeconds must be >= 1")
	}
	if cfg.Binding.MaxAttempts < 1 {
		errs = append(errs, "binding.maxAttempts must be >= 1")
	}

	if cfg.Metrics.Port < 0 || cfg.Metrics.Port > 65535 {
		errs = append(errs, "metrics.port must be between 0 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ParseLogLevel converts a config log level string to a slog.Level.
func ParseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
