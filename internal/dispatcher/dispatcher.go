package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/georgeshao/mail-dam/internal/mailer"
	"github.com/georgeshao/mail-dam/internal/metrics"
	"github.com/georgeshao/mail-dam/internal/render"
)

var (
	// ErrPrecondition wraps every rejection that happens before any send.
	ErrPrecondition     = errors.New("dispatch precondition failed")
	ErrNoRecipients     = errors.New("no recipients")
	ErrInvalidRecipient = errors.New("invalid recipient address")
	ErrInvalidOptions   = errors.New("invalid dispatch options")

	// ErrDispatchFailed is returned when at least one recipient did not
	// receive the message.
	ErrDispatchFailed = errors.New("dispatch failed")

	errCancelled = errors.New("dispatch cancelled")
)

type Config struct {
	BatchSize         int
	Delay             time.Duration
	MaxRetries        int
	RetryBaseDelay    time.Duration
	RequestsPerSecond float64
	ResetDelay        time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:         1,
		Delay:             1500 * time.Millisecond,
		MaxRetries:        3,
		RetryBaseDelay:    time.Second,
		RequestsPerSecond: 0,
		ResetDelay:        3 * time.Second,
	}
}

// Options are the per-run knobs. MaxRetries is the total number of attempts
// made for a chunk.
type Options struct {
	BatchSize      int
	Delay          time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
}

func (c Config) Options() Options {
	return Options{
		BatchSize:      c.BatchSize,
		Delay:          c.Delay,
		MaxRetries:     c.MaxRetries,
		RetryBaseDelay: c.RetryBaseDelay,
	}
}

type Request struct {
	Template   render.Template
	Recipients []string
	Variables  map[string]string
	// Options overrides the dispatcher defaults when set.
	Options *Options
}

type Report struct {
	Results  []mailer.Result
	Progress Progress
	Err      error
}

func (r *Report) Succeeded() bool {
	return r != nil && r.Err == nil
}

type Dispatcher struct {
	sender       mailer.Sender
	config       Config
	clock        Clock
	logger       *zap.Logger
	metrics      *metrics.Metrics
	validate     *validator.Validate
	mu           sync.Mutex
	rateLimiters map[string]*rate.Limiter
}

type Option func(*Dispatcher)

func WithClock(c Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func New(sender mailer.Sender, config Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sender:       sender,
		config:       config,
		clock:        SystemClock{},
		logger:       zap.NewNop(),
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		rateLimiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Config() Config {
	return d.config
}

// Validate runs the precondition checks of Dispatch without sending anything.
func (d *Dispatcher) Validate(req Request) error {
	_, _, err := d.prepare(req)
	return err
}

// Dispatch sends the rendered template to every recipient, one chunk at a
// time, and reports progress to observe after each chunk. Precondition
// failures return a nil Report. Otherwise the Report holds exactly one result
// per recipient and the returned error equals Report.Err.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, observe Observer) (*Report, error) {
	opts, rendered, err := d.prepare(req)
	if err != nil {
		return nil, err
	}

	total := len(req.Recipients)
	logger := d.logger.With(
		zap.String("template_id", req.Template.ID),
		zap.String("sender", d.sender.Name()),
	)
	logger.Info("dispatch started", zap.Int("recipients", total), zap.Int("batch_size", opts.BatchSize))

	chunks := chunk(req.Recipients, opts.BatchSize)
	limiter := d.getRateLimiter(d.sender.Name())
	results := make([]mailer.Result, 0, total)
	progress := Progress{Total: total}
	notify(observe, progress, nil)

	for i, batch := range chunks {
		if ctx.Err() != nil {
			break
		}

		msg := mailer.Message{
			TemplateID: req.Template.ID,
			Recipients: batch,
			Subject:    rendered.Subject,
			HTML:       rendered.HTML,
			Variables:  render.MergeVariables(req.Template.Variables, req.Variables),
		}
		chunkResults := d.sendChunk(ctx, logger, limiter, opts, msg)
		results = append(results, chunkResults...)
		for _, r := range chunkResults {
			d.metrics.ObserveSend(r.Success)
		}

		progress = tally(total, results)
		notify(observe, progress, chunkResults)

		if i < len(chunks)-1 {
			if err := d.clock.Sleep(ctx, opts.Delay); err != nil {
				break
			}
		}
	}

	if len(results) < total {
		rest := failedResults(req.Recipients[len(results):], errCancelled)
		results = append(results, rest...)
		progress = tally(total, results)
		notify(observe, progress, rest)
	}

	report := &Report{Results: results, Progress: progress}
	if progress.Failed > 0 {
		summary := summarize(results)
		if ctxErr := ctx.Err(); ctxErr != nil {
			report.Err = fmt.Errorf("%w (%w):\n%s", ErrDispatchFailed, ctxErr, summary)
		} else {
			report.Err = fmt.Errorf("%w:\n%s", ErrDispatchFailed, summary)
		}
		logger.Warn("dispatch finished with failures",
			zap.Int("sent", progress.Sent),
			zap.Int("failed", progress.Failed),
		)
	} else {
		logger.Info("dispatch completed", zap.Int("sent", progress.Sent))
	}

	return report, report.Err
}

func (d *Dispatcher) prepare(req Request) (Options, *render.Rendered, error) {
	opts := d.config.Options()
	if req.Options != nil {
		opts = *req.Options
	}

	if err := render.Validate(req.Template); err != nil {
		return opts, nil, fmt.Errorf("%w: %w", ErrPrecondition, err)
	}
	if len(req.Recipients) == 0 {
		return opts, nil, fmt.Errorf("%w: %w", ErrPrecondition, ErrNoRecipients)
	}
	for _, addr := range req.Recipients {
		if err := d.validate.Var(addr, "required,email"); err != nil {
			return opts, nil, fmt.Errorf("%w: %w: %q", ErrPrecondition, ErrInvalidRecipient, addr)
		}
	}
	if err := validateOptions(opts); err != nil {
		return opts, nil, fmt.Errorf("%w: %w", ErrPrecondition, err)
	}

	rendered, err := render.Render(req.Template, req.Variables)
	if err != nil {
		return opts, nil, fmt.Errorf("%w: %w", ErrPrecondition, err)
	}
	return opts, rendered, nil
}

func (d *Dispatcher) sendChunk(
	ctx context.Context,
	logger *zap.Logger,
	limiter *rate.Limiter,
	opts Options,
	msg mailer.Message,
) []mailer.Result {
	var results []mailer.Result

	onRetry := func(err error, next time.Duration) {
		d.metrics.ObserveRetry()
		logger.Debug("retrying send",
			zap.Strings("recipients", msg.Recipients),
			zap.Duration("backoff", next),
			zap.Error(err),
		)
	}

	err := retry(ctx, d.clock, opts.MaxRetries, newLinearBackOff(opts.RetryBaseDelay), mailer.IsRetryable, onRetry,
		func(int) error {
			if err := d.wait(ctx, limiter); err != nil {
				return err
			}

			res, err := d.sender.Send(ctx, msg)
			if err != nil {
				return err
			}
			results = res
			return nil
		})

	if err != nil {
		if ctx.Err() != nil {
			return failedResults(msg.Recipients, errCancelled)
		}
		logger.Warn("send failed",
			zap.Strings("recipients", msg.Recipients),
			zap.Error(err),
		)
		return failedResults(msg.Recipients, err)
	}

	return normalizeResults(msg.Recipients, results)
}

// wait blocks until the shared limiter admits one more call.
func (d *Dispatcher) wait(ctx context.Context, limiter *rate.Limiter) error {
	if limiter == nil {
		return nil
	}

	now := d.clock.Now()
	r := limiter.ReserveN(now, 1)
	if !r.OK() {
		return fmt.Errorf("rate limiter rejected reservation")
	}

	if err := d.clock.Sleep(ctx, r.DelayFrom(now)); err != nil {
		r.CancelAt(d.clock.Now())
		return err
	}
	return nil
}

// getRateLimiter returns the limiter shared by every run that sends through
// the same downstream service. It is nil when rate limiting is disabled.
func (d *Dispatcher) getRateLimiter(key string) *rate.Limiter {
	if d.config.RequestsPerSecond <= 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if limiter, ok := d.rateLimiters[key]; ok {
		return limiter
	}

	limiter := rate.NewLimiter(rate.Limit(d.config.RequestsPerSecond), 1)
	d.rateLimiters[key] = limiter
	return limiter
}

func notify(observe Observer, p Progress, chunk []mailer.Result) {
	if observe != nil {
		observe(p, chunk)
	}
}
