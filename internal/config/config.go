// Package config loads runtime settings from defaults, an optional YAML file
// and the environment, in that order of precedence (later wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.yaml.in/yaml/v3"

	"github.com/bryan-buckman/showtracker/internal/logx"
)

// Notifier transports.
const (
	NotifierLog      = "log"
	NotifierEmail    = "email"
	NotifierTelegram = "telegram"
	NotifierAMQP     = "amqp"
)

// Config holds all runtime configuration values.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`

	DatabaseDriver string `yaml:"database_driver"` // sqlite or postgres
	DatabasePath   string `yaml:"database_path"`
	DatabaseURL    string `yaml:"database_url"`

	FetchInterval     time.Duration `yaml:"fetch_interval"`
	DispatchInterval  time.Duration `yaml:"dispatch_interval"`
	DispatchBatchSize int           `yaml:"dispatch_batch_size"`
	SendDelay         time.Duration `yaml:"send_delay"`
	ClaimLease        time.Duration `yaml:"claim_lease"`
	MatchThreshold    int           `yaml:"match_threshold"`
	FetchConcurrency  int           `yaml:"fetch_concurrency"`
	HostConcurrency   int           `yaml:"host_concurrency"` // parallel requests to the provider host
	FetchTimeout      time.Duration `yaml:"fetch_timeout"`
	ProviderBaseURL   string        `yaml:"provider_base_url"`
	UserAgent         string        `yaml:"user_agent"`
	Timezone          string        `yaml:"timezone"`

	Notifier         string `yaml:"notifier"`
	BrevoAPIKey      string `yaml:"brevo_api_key"`
	BrevoAPIURL      string `yaml:"brevo_api_url"`
	EmailFrom        string `yaml:"email_from"`
	EmailFromName    string `yaml:"email_from_name"`
	TelegramBotToken string `yaml:"telegram_bot_token"`
	AMQPURL          string `yaml:"amqp_url"`
	AMQPQueue        string `yaml:"amqp_queue"`

	RedisURL string `yaml:"redis_url"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		HTTPAddr:          ":8080",
		DatabaseDriver:    "sqlite",
		DatabasePath:      "./showtracker.db",
		FetchInterval:     2 * time.Minute,
		DispatchInterval:  time.Minute,
		DispatchBatchSize: 50,
		SendDelay:         500 * time.Millisecond,
		ClaimLease:        5 * time.Minute,
		MatchThreshold:    70,
		FetchConcurrency:  4,
		HostConcurrency:   2,
		FetchTimeout:      45 * time.Second,
		ProviderBaseURL:   "https://in.bookmyshow.com",
		UserAgent:         "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
		Timezone:          "Asia/Kolkata",
		Notifier:          NotifierLog,
		BrevoAPIURL:       "https://api.brevo.com/v3/smtp/email",
		EmailFromName:     "Showtracker",
		AMQPQueue:         "showtracker.notifications",
		LogLevel:          "info",
		LogFormat:         "console",
	}
}

// Load reads .env (if present), then CONFIG_FILE (if set), then the process
// environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) mergeFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	envStr(&c.HTTPAddr, "HTTP_ADDR")
	envStr(&c.DatabaseDriver, "DATABASE_DRIVER")
	envStr(&c.DatabasePath, "DATABASE_PATH")
	envStr(&c.DatabaseURL, "DATABASE_URL")
	envStr(&c.ProviderBaseURL, "PROVIDER_BASE_URL")
	envStr(&c.UserAgent, "USER_AGENT")
	envStr(&c.Timezone, "TIMEZONE")
	envStr(&c.Notifier, "NOTIFIER")
	envStr(&c.BrevoAPIKey, "BREVO_API_KEY")
	envStr(&c.BrevoAPIURL, "BREVO_API_URL")
	envStr(&c.EmailFrom, "EMAIL_FROM")
	envStr(&c.EmailFromName, "EMAIL_FROM_NAME")
	envStr(&c.TelegramBotToken, "TELEGRAM_BOT_TOKEN")
	envStr(&c.AMQPURL, "AMQP_URL")
	envStr(&c.AMQPQueue, "AMQP_QUEUE")
	envStr(&c.RedisURL, "REDIS_URL")
	envStr(&c.LogLevel, "LOG_LEVEL")
	envStr(&c.LogFormat, "LOG_FORMAT")
	envStr(&c.LogFile, "LOG_FILE")

	durs := []struct {
		dst *time.Duration
		key string
	}{
		{&c.FetchInterval, "FETCH_INTERVAL"},
		{&c.DispatchInterval, "DISPATCH_INTERVAL"},
		{&c.SendDelay, "SEND_DELAY"},
		{&c.ClaimLease, "CLAIM_LEASE"},
		{&c.FetchTimeout, "FETCH_TIMEOUT"},
	}
	for _, d := range durs {
		if err := envDur(d.dst, d.key); err != nil {
			return err
		}
	}
	ints := []struct {
		dst *int
		key string
	}{
		{&c.DispatchBatchSize, "DISPATCH_BATCH_SIZE"},
		{&c.MatchThreshold, "MATCH_THRESHOLD"},
		{&c.FetchConcurrency, "FETCH_CONCURRENCY"},
		{&c.HostConcurrency, "HOST_CONCURRENCY"},
	}
	for _, i := range ints {
		if err := envInt(i.dst, i.key); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks ranges and that the selected notifier has what it needs.
func (c *Config) Validate() error {
	var errs []error
	switch c.DatabaseDriver {
	case "sqlite":
		if strings.TrimSpace(c.DatabasePath) == "" {
			errs = append(errs, errors.New("DATABASE_PATH is required for sqlite"))
		}
	case "postgres":
		if strings.TrimSpace(c.DatabaseURL) == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown DATABASE_DRIVER %q", c.DatabaseDriver))
	}
	if c.FetchInterval <= 0 || c.DispatchInterval <= 0 {
		errs = append(errs, errors.New("FETCH_INTERVAL and DISPATCH_INTERVAL must be positive"))
	}
	if c.DispatchBatchSize < 1 {
		errs = append(errs, errors.New("DISPATCH_BATCH_SIZE must be at least 1"))
	}
	if c.SendDelay < 0 {
		errs = append(errs, errors.New("SEND_DELAY must not be negative"))
	}
	if c.ClaimLease <= 0 {
		errs = append(errs, errors.New("CLAIM_LEASE must be positive"))
	}
	if c.MatchThreshold < 0 || c.MatchThreshold > 100 {
		errs = append(errs, fmt.Errorf("MATCH_THRESHOLD must be within 0..100, got %d", c.MatchThreshold))
	}
	if c.FetchConcurrency < 1 {
		errs = append(errs, errors.New("FETCH_CONCURRENCY must be at least 1"))
	}
	if c.HostConcurrency < 1 {
		errs = append(errs, errors.New("HOST_CONCURRENCY must be at least 1"))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err))
	}
	if !logx.ValidLevel(c.LogLevel) {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q", c.LogLevel))
	}

	switch c.Notifier {
	case NotifierLog:
	case NotifierEmail:
		if c.BrevoAPIKey == "" || c.EmailFrom == "" {
			errs = append(errs, errors.New("NOTIFIER=email needs BREVO_API_KEY and EMAIL_FROM"))
		}
	case NotifierTelegram:
		if c.TelegramBotToken == "" {
			errs = append(errs, errors.New("NOTIFIER=telegram needs TELEGRAM_BOT_TOKEN"))
		}
	case NotifierAMQP:
		if c.AMQPURL == "" || c.AMQPQueue == "" {
			errs = append(errs, errors.New("NOTIFIER=amqp needs AMQP_URL and AMQP_QUEUE"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown NOTIFIER %q", c.Notifier))
	}
	return errors.Join(errs...)
}

// Location returns the configured time zone, UTC if it cannot be loaded.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Log returns the logging section.
func (c *Config) Log() logx.Config {
	return logx.Config{Level: c.LogLevel, Format: c.LogFormat, File: c.LogFile}
}

func envStr(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func envInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envDur(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}
