package mailer

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrRateLimited marks a call the downstream service refused because of
	// throttling. It is worth retrying after a pause.
	ErrRateLimited = errors.New("rate limited by mail service")

	// ErrTransport marks a call that never produced a response.
	ErrTransport = errors.New("mail service unreachable")
)

// StatusError is a non-2xx answer from the HTTP mail endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("mail endpoint returned status %d", e.Code)
	}
	return fmt.Sprintf("mail endpoint returned status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrRateLimited && e.Code == http.StatusTooManyRequests
}

// IsRetryable reports whether a Send error is transient.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransport)
}
