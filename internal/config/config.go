package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	ModelGPT35Turbo    = "gpt-3.5-turbo"
	ModelGPT35Turbo16K = "gpt-3.5-turbo-16k"
	ModelGPT4          = "gpt-4"
	ModelGPT432K       = "gpt-4-32k"
	ModelGPT4o         = "gpt-4o"
	ModelGPT4oMini     = "gpt-4o-mini"
)

const (
	HostConsole   = "console"
	HostWebSocket = "websocket"
)

// EnvAPIKey overrides the api_key field when set.
const EnvAPIKey = "CHATRELAY_API_KEY"

var knownModels = []string{
	ModelGPT35Turbo,
	ModelGPT35Turbo16K,
	ModelGPT4,
	ModelGPT432K,
	ModelGPT4o,
	ModelGPT4oMini,
}

// Config holds application configuration
type Config struct {
	// Completion endpoint
	Endpoint         string   `toml:"endpoint" yaml:"endpoint"`
	APIKey           string   `toml:"api_key" yaml:"api_key"`
	Model            string   `toml:"model" yaml:"model"`
	CustomModel      string   `toml:"custom_model" yaml:"custom_model"` // Takes precedence over Model when set
	SystemPrompt     string   `toml:"system_prompt" yaml:"system_prompt"`
	Temperature      float64  `toml:"temperature" yaml:"temperature"`
	FrequencyPenalty float64  `toml:"frequency_penalty" yaml:"frequency_penalty"`
	PresencePenalty  float64  `toml:"presence_penalty" yaml:"presence_penalty"`
	MaxTokens        int      `toml:"max_tokens" yaml:"max_tokens"`
	MaxContextLength int      `toml:"max_context_length" yaml:"max_context_length"` // Truncation budget in characters
	RequestTimeout   Duration `toml:"request_timeout" yaml:"request_timeout"`

	// Storage
	DataDir string `toml:"data_dir" yaml:"data_dir"`
	UsageDB string `toml:"usage_db" yaml:"usage_db"`

	// Chat commands
	CommandPrefix string `toml:"command_prefix" yaml:"command_prefix"`
	HelpText      string `toml:"help_text" yaml:"help_text"`

	// Logging
	LogDir   string `toml:"log_dir" yaml:"log_dir"`
	LogLevel string `toml:"log_level" yaml:"log_level"`

	// Messaging host
	Host      string          `toml:"host" yaml:"host"`
	Listen    string          `toml:"listen" yaml:"listen"`
	Directory DirectoryConfig `toml:"directory" yaml:"directory"`
}

// DirectoryConfig configures the optional contact lookup used to resolve
// display names for one platform.
type DirectoryConfig struct {
	Platform string `toml:"platform" yaml:"platform"`
	BaseURL  string `toml:"base_url" yaml:"base_url"`
	Token    string `toml:"token" yaml:"token"`
}

// Enabled reports whether a directory endpoint is configured.
func (d DirectoryConfig) Enabled() bool {
	return d.Platform != "" && d.BaseURL != ""
}

// Duration decodes "30s"-style strings from both TOML and YAML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

// Default returns a configuration with every optional field filled in.
func Default() Config {
	cfg := Config{}
	cfg.SetDefaults()
	return cfg
}

// Load reads configuration from a TOML or YAML file, applies environment
// overrides and defaults, and validates the result.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Read is Load without validation. An empty path yields the defaults plus
// environment overrides.
func Read(path string) (Config, error) {
	var cfg Config
	if path == "" {
		cfg.ApplyEnvOverrides()
		cfg.SetDefaults()
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to decode YAML config %s: %w", path, err)
		}
	default:
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return cfg, fmt.Errorf("failed to decode TOML config %s: %w", path, err)
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	return cfg, nil
}

// ApplyEnvOverrides replaces secrets with values from the environment.
func (c *Config) ApplyEnvOverrides() {
	if key := os.Getenv(EnvAPIKey); key != "" {
		c.APIKey = key
	}
}

// SetDefaults fills zero-valued optional fields.
func (c *Config) SetDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = "https://api.openai.com/v1/chat/completions"
	}
	if c.Model == "" {
		c.Model = ModelGPT35Turbo
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 1024
	}
	if c.MaxContextLength == 0 {
		c.MaxContextLength = 3000
	}
	if c.RequestTimeout.Duration == 0 {
		c.RequestTimeout.Duration = 60 * time.Second
	}
	if c.DataDir == "" {
		c.DataDir = filepath.Join("data", "conversations")
	}
	if c.UsageDB == "" {
		c.UsageDB = filepath.Join("data", "usage.db")
	}
	if c.CommandPrefix == "" {
		c.CommandPrefix = "/"
	}
	if c.HelpText == "" {
		c.HelpText = fmt.Sprintf("Send any message to chat.\n%sreset - forget the conversation\n%shelp - show this message",
			c.CommandPrefix, c.CommandPrefix)
	}
	if c.LogDir == "" {
		c.LogDir = "logs"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Host == "" {
		c.Host = HostConsole
	}
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
}

// Validate checks ranges and required fields.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("api_key is required (or set %s)", EnvAPIKey)
	}
	if !strings.HasPrefix(c.Endpoint, "http://") && !strings.HasPrefix(c.Endpoint, "https://") {
		return fmt.Errorf("endpoint must be an http(s) URL: %q", c.Endpoint)
	}
	if c.CustomModel == "" && !IsKnownModel(c.Model) {
		return fmt.Errorf("unknown model %q (set custom_model for other models)", c.Model)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be within [0, 2], got %v", c.Temperature)
	}
	if c.FrequencyPenalty < -2 || c.FrequencyPenalty > 2 {
		return fmt.Errorf("frequency_penalty must be within [-2, 2], got %v", c.FrequencyPenalty)
	}
	if c.PresencePenalty < -2 || c.PresencePenalty > 2 {
		return fmt.Errorf("presence_penalty must be within [-2, 2], got %v", c.PresencePenalty)
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must be positive, got %d", c.MaxTokens)
	}
	if c.MaxContextLength < 0 {
		return fmt.Errorf("max_context_length must be positive, got %d", c.MaxContextLength)
	}
	if c.RequestTimeout.Duration < 0 {
		return fmt.Errorf("request_timeout must not be negative")
	}
	switch c.Host {
	case HostConsole, HostWebSocket:
	default:
		return fmt.Errorf("unknown host %q (console|websocket)", c.Host)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// EffectiveModel returns the custom model when set, otherwise the
// enumerated one.
func (c *Config) EffectiveModel() string {
	if c.CustomModel != "" {
		return c.CustomModel
	}
	return c.Model
}

// IsKnownModel reports whether name is one of the enumerated models.
func IsKnownModel(name string) bool {
	for _, m := range knownModels {
		if m == name {
			return true
		}
	}
	return false
}

// ParseLogLevel maps a config string to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log_level %q", s)
	}
}
