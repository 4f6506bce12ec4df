package mailer

import (
	"context"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

// SMTPConfig holds connection parameters for the SMTP sender.
type SMTPConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	FromAddr   string
	Encryption string // "none", "starttls", "ssl_tls"
	Timeout    time.Duration
}

// SMTPSender delivers each recipient its own message over one SMTP session.
type SMTPSender struct {
	config SMTPConfig
	logger *zap.Logger
}

func NewSMTPSender(config SMTPConfig, logger *zap.Logger) *SMTPSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SMTPSender{config: config, logger: logger}
}

func (s *SMTPSender) Name() string {
	return fmt.Sprintf("smtp:%s:%d", s.config.Host, s.config.Port)
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) ([]Result, error) {
	results := make([]Result, len(msg.Recipients))
	var (
		msgs  []*mail.Msg
		index []int
	)

	for i, addr := range msg.Recipients {
		m, err := s.buildMsg(msg, addr)
		if err != nil {
			results[i] = Result{Email: addr, Error: err.Error()}
			continue
		}
		msgs = append(msgs, m)
		index = append(index, i)
	}

	if len(msgs) == 0 {
		return results, nil
	}

	client, err := mail.NewClient(s.config.Host, s.clientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create mail client: %w", err)
	}

	sendErr := client.DialAndSendWithContext(ctx, msgs...)
	if sendErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
	}

	delivered, temporary := 0, 0
	for j, m := range msgs {
		i := index[j]
		addr := msg.Recipients[i]
		switch {
		case m.HasSendError():
			if m.SendErrorIsTemp() {
				temporary++
			}
			results[i] = Result{Email: addr, Error: m.SendError().Error()}
		case sendErr != nil:
			results[i] = Result{Email: addr, Error: sendErr.Error()}
		default:
			delivered++
			results[i] = sentResult(addr, "")
		}
	}

	if delivered == 0 {
		// 4xx replies are the server asking us to slow down.
		if temporary == len(msgs) {
			return nil, fmt.Errorf("%w: %v", ErrRateLimited, sendErr)
		}
		if sendErr != nil && !hasSendErrors(msgs) {
			return nil, fmt.Errorf("%w: %v", ErrTransport, sendErr)
		}
	}

	return results, nil
}

func (s *SMTPSender) buildMsg(msg Message, addr string) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(s.config.FromAddr); err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	if err := m.To(addr); err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", addr, err)
	}
	m.Subject(msg.Subject)
	if msg.TemplateID != "" {
		m.SetGenHeader(mail.Header("X-Template-ID"), msg.TemplateID)
	}
	m.SetBodyString(mail.TypeTextHTML, msg.HTML)
	return m, nil
}

func (s *SMTPSender) clientOptions() []mail.Option {
	opts := []mail.Option{
		mail.WithTLSPolicy(tlsPolicyFromEncryption(s.config.Encryption)),
	}
	if s.config.Encryption == "ssl_tls" {
		opts = append(opts, mail.WithSSL())
	}
	if s.config.Port != 0 {
		opts = append(opts, mail.WithPort(s.config.Port))
	}
	if s.config.Timeout != 0 {
		opts = append(opts, mail.WithTimeout(s.config.Timeout))
	}
	if s.config.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.config.Username),
			mail.WithPassword(s.config.Password),
		)
	}
	return opts
}

func hasSendErrors(msgs []*mail.Msg) bool {
	for _, m := range msgs {
		if m.HasSendError() {
			return true
		}
	}
	return false
}

func tlsPolicyFromEncryption(enc string) mail.TLSPolicy {
	switch enc {
	case "ssl_tls":
		return mail.TLSMandatory
	case "starttls":
		return mail.TLSOpportunistic
	default:
		return mail.NoTLS
	}
}
