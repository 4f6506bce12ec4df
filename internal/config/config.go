package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/georgeshao/mail-dam/internal/dispatcher"
	"github.com/georgeshao/mail-dam/internal/mailer"
)

const (
	StorageSQLite = "sqlite"
	StoragePebble = "pebble"
)

// Config holds all settings read from the environment.
type Config struct {
	Port int `envconfig:"PORT" default:"8080"`

	// StorageDriver selects the backend: sqlite or pebble.
	StorageDriver     string `envconfig:"STORAGE_DRIVER" default:"sqlite"`
	StoragePath       string `envconfig:"STORAGE_PATH" default:"./data/mail-dam.db"`
	PebbleBatchWrites bool   `envconfig:"PEBBLE_BATCH_WRITES" default:"false"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// MailerDriver selects the outbound transport: endpoint, resend, smtp or noop.
	MailerDriver      string        `envconfig:"MAILER_DRIVER" default:"endpoint"`
	MailerEndpointURL string        `envconfig:"MAILER_ENDPOINT_URL"`
	MailerAPIKey      string        `envconfig:"MAILER_API_KEY"`
	MailerFrom        string        `envconfig:"MAILER_FROM"`
	MailerTimeout     time.Duration `envconfig:"MAILER_TIMEOUT" default:"30s"`

	ResendAPIKey  string `envconfig:"RESEND_API_KEY"`
	ResendReplyTo string `envconfig:"RESEND_REPLY_TO"`

	SMTPHost       string `envconfig:"SMTP_HOST"`
	SMTPPort       int    `envconfig:"SMTP_PORT" default:"587"`
	SMTPUsername   string `envconfig:"SMTP_USERNAME"`
	SMTPPassword   string `envconfig:"SMTP_PASSWORD"`
	SMTPEncryption string `envconfig:"SMTP_ENCRYPTION" default:"starttls"`

	DispatchBatchSize         int           `envconfig:"DISPATCH_BATCH_SIZE" default:"1"`
	DispatchDelay             time.Duration `envconfig:"DISPATCH_DELAY" default:"1500ms"`
	DispatchMaxRetries        int           `envconfig:"DISPATCH_MAX_RETRIES" default:"3"`
	DispatchRetryBaseDelay    time.Duration `envconfig:"DISPATCH_RETRY_BASE_DELAY" default:"1s"`
	DispatchRequestsPerSecond float64       `envconfig:"DISPATCH_REQUESTS_PER_SECOND" default:"0"`
	DispatchResetDelay        time.Duration `envconfig:"DISPATCH_RESET_DELAY" default:"3s"`
}

// Load reads an optional .env file and then the process environment. Values
// already present in the environment win over the file.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading env file: %w", err)
	}

	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}

	switch c.StorageDriver {
	case StorageSQLite, StoragePebble:
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}
	if c.StoragePath == "" {
		return errors.New("STORAGE_PATH is required")
	}

	switch c.MailerDriver {
	case mailer.DriverEndpoint:
		if c.MailerEndpointURL == "" {
			return errors.New("MAILER_ENDPOINT_URL is required for the endpoint driver")
		}
	case mailer.DriverResend:
		if c.ResendAPIKey == "" {
			return errors.New("RESEND_API_KEY is required for the resend driver")
		}
		if c.MailerFrom == "" {
			return errors.New("MAILER_FROM is required for the resend driver")
		}
	case mailer.DriverSMTP:
		if c.SMTPHost == "" {
			return errors.New("SMTP_HOST is required for the smtp driver")
		}
		if c.MailerFrom == "" {
			return errors.New("MAILER_FROM is required for the smtp driver")
		}
	case mailer.DriverNoop:
	default:
		return fmt.Errorf("unknown MAILER_DRIVER %q", c.MailerDriver)
	}

	if c.DispatchRequestsPerSecond < 0 {
		return errors.New("DISPATCH_REQUESTS_PER_SECOND must not be negative")
	}
	if c.DispatchResetDelay < 0 {
		return errors.New("DISPATCH_RESET_DELAY must not be negative")
	}
	if _, err := dispatcher.ApplyOptions(c.Dispatcher().Options(), nil); err != nil {
		return fmt.Errorf("DISPATCH_* settings: %w", err)
	}
	return nil
}

func (c *Config) Mailer() mailer.Config {
	return mailer.Config{
		Driver: c.MailerDriver,
		From:   c.MailerFrom,
		Endpoint: mailer.EndpointConfig{
			URL:     c.MailerEndpointURL,
			APIKey:  c.MailerAPIKey,
			Timeout: c.MailerTimeout,
		},
		Resend: mailer.ResendConfig{
			APIKey:  c.ResendAPIKey,
			ReplyTo: c.ResendReplyTo,
		},
		SMTP: mailer.SMTPConfig{
			Host:       c.SMTPHost,
			Port:       c.SMTPPort,
			Username:   c.SMTPUsername,
			Password:   c.SMTPPassword,
			FromAddr:   c.MailerFrom,
			Encryption: c.SMTPEncryption,
			Timeout:    c.MailerTimeout,
		},
	}
}

func (c *Config) Dispatcher() dispatcher.Config {
	return dispatcher.Config{
		BatchSize:         c.DispatchBatchSize,
		Delay:             c.DispatchDelay,
		MaxRetries:        c.DispatchMaxRetries,
		RetryBaseDelay:    c.DispatchRetryBaseDelay,
		RequestsPerSecond: c.DispatchRequestsPerSecond,
		ResetDelay:        c.DispatchResetDelay,
	}
}
