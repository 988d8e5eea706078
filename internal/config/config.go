// Package config loads the relay configuration from the environment and an
// optional YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable names
const (
	APIKeyEnvVar         = "OPENAI_API_KEY"
	ConfigFileEnvVar     = "CONFIG_FILE"
	RealtimeURLEnvVar    = "REALTIME_URL"
	RealtimeModelEnvVar  = "REALTIME_MODEL"
	RealtimeVoiceEnvVar  = "REALTIME_VOICE"
	InstructionsEnvVar   = "SYSTEM_INSTRUCTIONS"
	GreetingEnvVar       = "GREETING_INSTRUCTIONS"
	ClosingEnvVar        = "CLOSING_INSTRUCTIONS"
	NotifyURLEnvVar      = "NOTIFY_URL"
	PortEnvVar           = "PORT"
	PublicHostEnvVar     = "PUBLIC_HOST"
	ConnectTimeoutEnvVar = "CONNECT_TIMEOUT"
	NotifyTimeoutEnvVar  = "NOTIFY_TIMEOUT"
	LogLevelEnvVar       = "LOG_LEVEL"
	LogFormatEnvVar      = "LOG_FORMAT"
)

// Defaults
const (
	DefaultRealtimeURL    = "wss://api.openai.com/v1/realtime"
	DefaultRealtimeModel  = "gpt-4o-realtime-preview"
	DefaultRealtimeVoice  = "alloy"
	DefaultPort           = 8080
	DefaultConnectTimeout = 10 * time.Second
	DefaultNotifyTimeout  = 10 * time.Second

	DefaultInstructions = "You are a friendly phone assistant. Keep answers short and natural. " +
		"Collect the caller's name and the reason for the call."
	DefaultGreeting = "Greet the caller and ask how you can help."
	DefaultClosing  = "The caller has hung up. Summarize the call and report any extracted fields."
)

// Config is the complete service configuration.
type Config struct {
	Realtime RealtimeConfig `yaml:"realtime"`
	Notify   NotifyConfig   `yaml:"notify"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// RealtimeConfig configures the AI channel.
type RealtimeConfig struct {
	URL            string        `yaml:"url"`
	APIKey         string        `yaml:"api_key"`
	Model          string        `yaml:"model"`
	Voice          string        `yaml:"voice"`
	Instructions   string        `yaml:"instructions"`
	Greeting       string        `yaml:"greeting"`
	Closing        string        `yaml:"closing"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// NotifyConfig configures the summary webhook.
type NotifyConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port       int    `yaml:"port"`
	PublicHost string `yaml:"public_host"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every optional value filled in.
func Default() *Config {
	return &Config{
		Realtime: RealtimeConfig{
			URL:            DefaultRealtimeURL,
			Model:          DefaultRealtimeModel,
			Voice:          DefaultRealtimeVoice,
			Instructions:   DefaultInstructions,
			Greeting:       DefaultGreeting,
			Closing:        DefaultClosing,
			ConnectTimeout: DefaultConnectTimeout,
		},
		Notify: NotifyConfig{
			Timeout: DefaultNotifyTimeout,
		},
		Server: ServerConfig{
			Port: DefaultPort,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// CONFIG_FILE (if set), then environment variables.
func Load() (*Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (*Config, error) {
	cfg := Default()

	if path := getenv(ConfigFileEnvVar); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	setString := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&c.Realtime.APIKey, APIKeyEnvVar)
	setString(&c.Realtime.URL, RealtimeURLEnvVar)
	setString(&c.Realtime.Model, RealtimeModelEnvVar)
	setString(&c.Realtime.Voice, RealtimeVoiceEnvVar)
	setString(&c.Realtime.Instructions, InstructionsEnvVar)
	setString(&c.Realtime.Greeting, GreetingEnvVar)
	setString(&c.Realtime.Closing, ClosingEnvVar)
	setString(&c.Notify.URL, NotifyURLEnvVar)
	setString(&c.Server.PublicHost, PublicHostEnvVar)
	setString(&c.Logging.Level, LogLevelEnvVar)
	setString(&c.Logging.Format, LogFormatEnvVar)

	if v := getenv(PortEnvVar); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", PortEnvVar, v, err)
		}
		c.Server.Port = port
	}

	setDuration := func(dst *time.Duration, key string) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		*dst = d
		return nil
	}
	if err := setDuration(&c.Realtime.ConnectTimeout, ConnectTimeoutEnvVar); err != nil {
		return err
	}
	return setDuration(&c.Notify.Timeout, NotifyTimeoutEnvVar)
}

// Validate checks required values and ranges.
func (c *Config) Validate() error {
	if c.Realtime.APIKey == "" {
		return fmt.Errorf("missing environment variable %s", APIKeyEnvVar)
	}
	if c.Realtime.URL == "" {
		return fmt.Errorf("realtime url is required")
	}
	if c.Realtime.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive, got %v", c.Realtime.ConnectTimeout)
	}
	if c.Notify.Timeout <= 0 {
		return fmt.Errorf("notify timeout must be positive, got %v", c.Notify.Timeout)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Server.Port)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
