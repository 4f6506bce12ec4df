package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const maxResponseBytes = 1 << 20

type EndpointConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// EndpointSender posts each message to an HTTP mail-sending endpoint that
// answers with one result per recipient.
type EndpointSender struct {
	url        string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

type endpointPayload struct {
	TemplateID string            `json:"template_id"`
	Recipients []string          `json:"recipients"`
	Subject    string            `json:"subject,omitempty"`
	HTML       string            `json:"html"`
	Variables  map[string]string `json:"variables"`
}

type endpointResponse struct {
	Results []Result `json:"results"`
}

func NewEndpointSender(cfg EndpointConfig, logger *zap.Logger) *EndpointSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &EndpointSender{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (s *EndpointSender) Name() string {
	return "endpoint:" + s.url
}

func (s *EndpointSender) Send(ctx context.Context, msg Message) ([]Result, error) {
	variables := msg.Variables
	if variables == nil {
		variables = map[string]string{}
	}

	body, err := json.Marshal(endpointPayload{
		TemplateID: msg.TemplateID,
		Recipients: msg.Recipients,
		Subject:    msg.Subject,
		HTML:       msg.HTML,
		Variables:  variables,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal send payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrTransport, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.Debug("mail endpoint rejected send",
			zap.Int("status", resp.StatusCode),
			zap.Strings("recipients", msg.Recipients))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var decoded endpointResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode mail endpoint response: %w", err)
	}

	return decoded.Results, nil
}
