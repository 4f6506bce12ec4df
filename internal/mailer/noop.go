package mailer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// NoopSender logs sends without delivering anything.
type NoopSender struct {
	logger *zap.Logger
}

func NewNoopSender(logger *zap.Logger) *NoopSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NoopSender{logger: logger}
}

func (s *NoopSender) Name() string { return "noop" }

func (s *NoopSender) Send(_ context.Context, msg Message) ([]Result, error) {
	results := make([]Result, len(msg.Recipients))
	for i, addr := range msg.Recipients {
		s.logger.Info("noop send", zap.String("to", addr), zap.String("subject", msg.Subject))
		results[i] = sentResult(addr, fmt.Sprintf("noop-%d-%d", time.Now().UnixNano(), i))
	}
	return results, nil
}
