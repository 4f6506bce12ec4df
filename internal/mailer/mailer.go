// Package mailer delivers rendered messages to an outbound mail service.
//
// A Sender performs exactly one outbound call per Send. The dispatcher owns
// pacing and retries; senders only classify failures (see errors.go).
package mailer

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Message is one outbound call: the same rendered document addressed to
// every recipient of a chunk.
type Message struct {
	TemplateID string
	Recipients []string
	Subject    string
	HTML       string
	Variables  map[string]string
}

// Result is the delivery outcome for a single recipient.
type Result struct {
	Email     string `json:"email"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

type Sender interface {
	// Name identifies the downstream service. Senders with the same name
	// share a rate limiter.
	Name() string
	Send(ctx context.Context, msg Message) ([]Result, error)
}

const (
	DriverEndpoint = "endpoint"
	DriverResend   = "resend"
	DriverSMTP     = "smtp"
	DriverNoop     = "noop"
)

type Config struct {
	Driver   string
	From     string
	Endpoint EndpointConfig
	Resend   ResendConfig
	SMTP     SMTPConfig
}

// New builds the Sender selected by cfg.Driver.
func New(cfg Config, logger *zap.Logger) (Sender, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Driver {
	case DriverEndpoint, "":
		if cfg.Endpoint.URL == "" {
			return nil, fmt.Errorf("endpoint driver requires an endpoint URL")
		}
		return NewEndpointSender(cfg.Endpoint, logger), nil
	case DriverResend:
		if cfg.Resend.APIKey == "" {
			return nil, fmt.Errorf("resend driver requires an API key")
		}
		return NewResendSender(cfg.Resend, cfg.From, logger), nil
	case DriverSMTP:
		if cfg.SMTP.Host == "" {
			return nil, fmt.Errorf("smtp driver requires a host")
		}
		smtpCfg := cfg.SMTP
		if smtpCfg.FromAddr == "" {
			smtpCfg.FromAddr = cfg.From
		}
		if smtpCfg.FromAddr == "" {
			return nil, fmt.Errorf("smtp driver requires a from address")
		}
		return NewSMTPSender(smtpCfg, logger), nil
	case DriverNoop:
		return NewNoopSender(logger), nil
	default:
		return nil, fmt.Errorf("unknown mailer driver: %s", cfg.Driver)
	}
}

func failedResults(recipients []string, err error) []Result {
	results := make([]Result, len(recipients))
	for i, addr := range recipients {
		results[i] = Result{Email: addr, Error: err.Error()}
	}
	return results
}

func sentResult(addr, messageID string) Result {
	return Result{Email: addr, Success: true, MessageID: messageID}
}
