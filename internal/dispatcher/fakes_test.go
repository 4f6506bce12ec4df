package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/georgeshao/mail-dam/internal/mailer"
)

// fakeClock never blocks. Every positive sleep advances Now and is written
// to the shared event log.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
	events *eventLog
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		now:    time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC),
		events: &eventLog{},
	}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}

	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()

	c.events.add("sleep " + d.String())
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type respondFunc func(call int, msg mailer.Message) ([]mailer.Result, error)

// fakeSender records every call and answers with respond, or with success
// for every recipient when respond is nil.
type fakeSender struct {
	name    string
	events  *eventLog
	respond respondFunc
	// block, when set, holds every Send until it is closed or ctx ends.
	block chan struct{}

	mu    sync.Mutex
	calls []mailer.Message
}

func newFakeSender(events *eventLog, respond respondFunc) *fakeSender {
	return &fakeSender{name: "fake", events: events, respond: respond}
}

func (s *fakeSender) Name() string { return s.name }

func (s *fakeSender) Send(ctx context.Context, msg mailer.Message) ([]mailer.Result, error) {
	s.mu.Lock()
	call := len(s.calls)
	s.calls = append(s.calls, msg)
	s.mu.Unlock()

	if s.events != nil {
		s.events.add(fmt.Sprintf("send %v", msg.Recipients))
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.respond != nil {
		return s.respond(call, msg)
	}
	return allSent(msg), nil
}

func (s *fakeSender) Calls() []mailer.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mailer.Message(nil), s.calls...)
}

func (s *fakeSender) CallsFor(addr string) int {
	n := 0
	for _, c := range s.Calls() {
		for _, r := range c.Recipients {
			if r == addr {
				n++
			}
		}
	}
	return n
}

func allSent(msg mailer.Message) []mailer.Result {
	results := make([]mailer.Result, len(msg.Recipients))
	for i, addr := range msg.Recipients {
		results[i] = mailer.Result{Email: addr, Success: true, MessageID: "msg-" + addr}
	}
	return results
}

// rateLimitedFor answers 429 for the given address and success for others.
func rateLimitedFor(addr string) respondFunc {
	return func(_ int, msg mailer.Message) ([]mailer.Result, error) {
		for _, r := range msg.Recipients {
			if r == addr {
				return nil, &mailer.StatusError{Code: 429, Body: "slow down"}
			}
		}
		return allSent(msg), nil
	}
}
