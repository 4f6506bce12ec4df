package dispatcher

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// linearBackOff grows the pause in proportion to the attempt number:
// base, 2*base, 3*base...
type linearBackOff struct {
	base    time.Duration
	attempt int
}

func newLinearBackOff(base time.Duration) *linearBackOff {
	return &linearBackOff{base: base}
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.base * time.Duration(b.attempt)
}

// clockTimer lets backoff wait through a Clock. Start blocks for the whole
// pause and only fires when the pause was not interrupted by ctx.
type clockTimer struct {
	ctx   context.Context
	clock Clock
	c     chan time.Time
}

func (t *clockTimer) Start(d time.Duration) {
	t.c = make(chan time.Time, 1)
	if err := t.clock.Sleep(t.ctx, d); err == nil {
		t.c <- t.clock.Now()
	}
}

func (t *clockTimer) Stop() {}

func (t *clockTimer) C() <-chan time.Time { return t.c }

// retry calls fn until it succeeds, returns an error retryable rejects, or
// maxAttempts calls have been made. The pause before each retry comes from
// policy and there is no pause after the last attempt. notify, when set, runs
// before every pause.
func retry(
	ctx context.Context,
	clock Clock,
	maxAttempts int,
	policy backoff.BackOff,
	retryable func(error) bool,
	notify backoff.Notify,
	fn func(attempt int) error,
) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempt := 0
	op := func() error {
		attempt++
		err := fn(attempt)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(maxAttempts-1)), ctx)
	return backoff.RetryNotifyWithTimer(op, b, notify, &clockTimer{ctx: ctx, clock: clock})
}
