package mailer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"

	"github.com/resend/resend-go/v2"
	"go.uber.org/zap"
)

type ResendConfig struct {
	APIKey  string
	ReplyTo string
}

// ResendSender delivers through the Resend API. A single-recipient message
// uses the emails endpoint; larger chunks go through the batch endpoint with
// one email per recipient.
type ResendSender struct {
	client  *resend.Client
	from    string
	replyTo string
	logger  *zap.Logger
}

var tagValueSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]`)

func NewResendSender(cfg ResendConfig, from string, logger *zap.Logger) *ResendSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResendSender{
		client:  resend.NewClient(cfg.APIKey),
		from:    from,
		replyTo: cfg.ReplyTo,
		logger:  logger,
	}
}

func (s *ResendSender) Name() string { return "resend" }

func (s *ResendSender) Send(ctx context.Context, msg Message) ([]Result, error) {
	if len(msg.Recipients) == 0 {
		return nil, nil
	}

	if len(msg.Recipients) == 1 {
		addr := msg.Recipients[0]
		sent, err := s.client.Emails.SendWithContext(ctx, s.request(msg, addr))
		if err != nil {
			return nil, s.classify(ctx, err)
		}
		s.logger.Debug("resend accepted email", zap.String("message_id", sent.Id), zap.String("to", addr))
		return []Result{sentResult(addr, sent.Id)}, nil
	}

	params := make([]*resend.SendEmailRequest, len(msg.Recipients))
	for i, addr := range msg.Recipients {
		params[i] = s.request(msg, addr)
	}

	resp, err := s.client.Batch.SendWithOptions(ctx, params, &resend.BatchSendEmailOptions{
		BatchValidation: resend.BatchValidationPermissive,
	})
	if err != nil {
		return nil, s.classify(ctx, err)
	}

	return s.batchResults(msg.Recipients, resp), nil
}

// batchResults maps a permissive batch answer back to the chunk. Errors carry
// the index of the rejected email and data lists the accepted ones in request
// order.
func (s *ResendSender) batchResults(recipients []string, resp *resend.BatchEmailResponse) []Result {
	rejected := make(map[int]string, len(resp.Errors))
	for _, batchErr := range resp.Errors {
		if batchErr.Index >= 0 && batchErr.Index < len(recipients) {
			rejected[batchErr.Index] = batchErr.Message
		}
	}

	results := make([]Result, 0, len(recipients))
	next := 0
	for i, addr := range recipients {
		if msg, ok := rejected[i]; ok {
			results = append(results, Result{Email: addr, Error: msg})
			continue
		}
		if next >= len(resp.Data) {
			continue
		}
		results = append(results, sentResult(addr, resp.Data[next].Id))
		next++
	}
	s.logger.Debug("resend accepted batch",
		zap.Int("accepted", len(resp.Data)),
		zap.Int("rejected", len(rejected)),
	)

	return results
}

func (s *ResendSender) request(msg Message, addr string) *resend.SendEmailRequest {
	req := &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{addr},
		Subject: msg.Subject,
		Html:    msg.HTML,
		ReplyTo: s.replyTo,
	}
	if msg.TemplateID != "" {
		req.Tags = []resend.Tag{{Name: "template_id", Value: tagValueSanitizer.ReplaceAllString(msg.TemplateID, "_")}}
	}
	return req
}

func (s *ResendSender) classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, resend.ErrRateLimit) {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return fmt.Errorf("resend send failed: %w", err)
}
