package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const FileName = "jobledger.yml"

// Config models jobledger.yml.
type Config struct {
	Marketplace struct {
		Owner              string `yaml:"owner"`
		PlatformFeePercent int    `yaml:"platform_fee_percent"`
	} `yaml:"marketplace"`
	Payouts  PayoutConfig    `yaml:"payouts"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Logging  LoggingConfig   `yaml:"logging"`
}

type PayoutConfig struct {
	// Mode is "ledger" (funds stay in the internal ledger) or "webhook".
	Mode        string `yaml:"mode"`
	URL         string `yaml:"url"`
	CheckURL    string `yaml:"check_url"`
	Secret      string `yaml:"secret"`
	MaxAttempts int    `yaml:"max_attempts"`
	Interval    string `yaml:"interval"`
}

// IntervalDuration returns the sweep interval, zero when unset.
func (p PayoutConfig) IntervalDuration() time.Duration {
	d, _ := time.ParseDuration(p.Interval)
	return d
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServeEnv holds server secrets read from the environment.
type ServeEnv struct {
	JWTSecret      string `env:"JOBLEDGER_JWT_SECRET"`
	JWTIssuer      string `env:"JOBLEDGER_JWT_ISSUER"`
	JWTAudience    string `env:"JOBLEDGER_JWT_AUDIENCE"`
	PayoutURL      string `env:"JOBLEDGER_PAYOUT_URL"`
	PayoutCheckURL string `env:"JOBLEDGER_PAYOUT_CHECK_URL"`
	PayoutSecret   string `env:"JOBLEDGER_PAYOUT_SECRET"`
	LogLevel       string `env:"JOBLEDGER_LOG_LEVEL"`
	LogFormat      string `env:"JOBLEDGER_LOG_FORMAT"`
}

// ParseServeEnv loads ServeEnv from the process environment.
func ParseServeEnv() (ServeEnv, error) {
	var e ServeEnv
	if err := env.Parse(&e); err != nil {
		return ServeEnv{}, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}

// Apply overlays non-empty environment values onto the file config.
func (e ServeEnv) Apply(cfg *Config) {
	if e.PayoutURL != "" {
		cfg.Payouts.URL = e.PayoutURL
		if cfg.Payouts.Mode == "" || cfg.Payouts.Mode == PayoutModeLedger {
			cfg.Payouts.Mode = PayoutModeWebhook
		}
	}
	if e.PayoutCheckURL != "" {
		cfg.Payouts.CheckURL = e.PayoutCheckURL
	}
	if e.PayoutSecret != "" {
		cfg.Payouts.Secret = e.PayoutSecret
	}
	if e.LogLevel != "" {
		cfg.Logging.Level = e.LogLevel
	}
	if e.LogFormat != "" {
		cfg.Logging.Format = e.LogFormat
	}
}

const (
	PayoutModeLedger  = "ledger"
	PayoutModeWebhook = "webhook"
)

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	fee := c.Marketplace.PlatformFeePercent
	if fee < 0 || fee > 100 {
		return fmt.Errorf("config.marketplace.platform_fee_percent must be between 0 and 100, got %d", fee)
	}
	switch c.Payouts.Mode {
	case "", PayoutModeLedger:
	case PayoutModeWebhook:
		if err := checkURL("config.payouts.url", c.Payouts.URL); err != nil {
			return err
		}
		if c.Payouts.CheckURL != "" {
			if err := checkURL("config.payouts.check_url", c.Payouts.CheckURL); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("config.payouts.mode must be 'ledger' or 'webhook', got %q", c.Payouts.Mode)
	}
	if c.Payouts.MaxAttempts < 0 {
		return fmt.Errorf("config.payouts.max_attempts must not be negative")
	}
	if c.Payouts.Interval != "" {
		if d, err := time.ParseDuration(c.Payouts.Interval); err != nil || d <= 0 {
			return fmt.Errorf("config.payouts.interval must be a positive duration, got %q", c.Payouts.Interval)
		}
	}
	for i, hook := range c.Webhooks {
		if err := checkURL(fmt.Sprintf("config.webhooks[%d].url", i), hook.URL); err != nil {
			return err
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

func checkURL(field, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an http(s) URL, got %q", field, raw)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with jl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Marketplace.PlatformFeePercent = 2
	cfg.Payouts.Mode = PayoutModeLedger
	cfg.Payouts.MaxAttempts = 5
	cfg.Payouts.Interval = "5s"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Omitted keys keep
// their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GenerateDefault returns the YAML written by jl init.
func GenerateDefault(owner string, feePercent int) string {
	return fmt.Sprintf(defaultTemplate, owner, feePercent)
}

const defaultTemplate = `marketplace:
  owner: %s
  platform_fee_percent: %d

payouts:
  mode: ledger
  max_attempts: 5
  interval: 5s

logging:
  level: info
  format: text

# webhooks:
#   - url: https://example.com/hooks/jobledger
#     events: [JobCompleted, PayoutSettled]
#     secret: change-me
`
