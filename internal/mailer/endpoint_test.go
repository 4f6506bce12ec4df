package mailer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestEndpointSenderSuccess(t *testing.T) {
	var got endpointPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"success":true,"email":"a@x.com"}]}`))
	}))
	defer srv.Close()

	s := NewEndpointSender(EndpointConfig{URL: srv.URL, APIKey: "secret"}, zaptest.NewLogger(t))
	results, err := s.Send(context.Background(), Message{
		TemplateID: "tpl_1",
		Recipients: []string{"a@x.com"},
		Subject:    "Hello",
		HTML:       "<p>hi</p>",
		Variables:  map[string]string{"team": "U12"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, "a@x.com", results[0].Email)

	assert.Equal(t, "tpl_1", got.TemplateID)
	assert.Equal(t, []string{"a@x.com"}, got.Recipients)
	assert.Equal(t, "<p>hi</p>", got.HTML)
	assert.Equal(t, "U12", got.Variables["team"])
}

func TestEndpointSenderRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	s := NewEndpointSender(EndpointConfig{URL: srv.URL}, nil)
	_, err := s.Send(context.Background(), Message{Recipients: []string{"a@x.com"}, HTML: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.True(t, IsRetryable(err))

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusTooManyRequests, statusErr.Code)
	assert.Equal(t, "slow down", statusErr.Body)
}

func TestEndpointSenderPermanentStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewEndpointSender(EndpointConfig{URL: srv.URL}, nil)
	_, err := s.Send(context.Background(), Message{Recipients: []string{"a@x.com"}, HTML: "x"})
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "status 500")
}

func TestEndpointSenderBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	s := NewEndpointSender(EndpointConfig{URL: srv.URL}, nil)
	_, err := s.Send(context.Background(), Message{Recipients: []string{"a@x.com"}, HTML: "x"})
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}

func TestEndpointSenderTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	s := NewEndpointSender(EndpointConfig{URL: url, Timeout: 2 * time.Second}, nil)
	_, err := s.Send(context.Background(), Message{Recipients: []string{"a@x.com"}, HTML: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestEndpointSenderContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewEndpointSender(EndpointConfig{URL: srv.URL}, nil)
	_, err := s.Send(ctx, Message{Recipients: []string{"a@x.com"}, HTML: "x"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsRetryable(err))
}

func TestNew(t *testing.T) {
	_, err := New(Config{Driver: DriverEndpoint}, nil)
	assert.Error(t, err)

	s, err := New(Config{Driver: DriverEndpoint, Endpoint: EndpointConfig{URL: "http://mail.local/send"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "endpoint:http://mail.local/send", s.Name())

	_, err = New(Config{Driver: DriverResend}, nil)
	assert.Error(t, err)

	s, err = New(Config{Driver: DriverResend, From: "club@x.com", Resend: ResendConfig{APIKey: "re_123"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "resend", s.Name())

	_, err = New(Config{Driver: DriverSMTP, SMTP: SMTPConfig{Host: "localhost"}}, nil)
	assert.Error(t, err, "from address is required")

	s, err = New(Config{Driver: DriverSMTP, From: "club@x.com", SMTP: SMTPConfig{Host: "localhost", Port: 2525}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "smtp:localhost:2525", s.Name())

	s, err = New(Config{Driver: DriverNoop}, nil)
	require.NoError(t, err)
	assert.Equal(t, "noop", s.Name())

	_, err = New(Config{Driver: "carrier-pigeon"}, nil)
	assert.Error(t, err)
}

func TestNoopSender(t *testing.T) {
	s := NewNoopSender(zaptest.NewLogger(t))
	results, err := s.Send(context.Background(), Message{Recipients: []string{"a@x.com", "b@x.com"}})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for i, r := range results {
		assert.True(t, r.Success)
		assert.Equal(t, []string{"a@x.com", "b@x.com"}[i], r.Email)
		assert.NotEmpty(t, r.MessageID)
	}
}
