package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/georgeshao/mail-dam/internal/mailer"
	"github.com/georgeshao/mail-dam/internal/metrics"
	"github.com/georgeshao/mail-dam/internal/render"
	"github.com/georgeshao/mail-dam/internal/storage"
	"github.com/georgeshao/mail-dam/pkg/types"
)

var (
	ErrTemplateNotFound   = errors.New("template not found")
	ErrDispatchInProgress = errors.New("dispatch already in progress for template")
	ErrRunNotActive       = errors.New("dispatch is not running")
)

type StartInput struct {
	TemplateID string
	Recipients []string
	Variables  map[string]string
	Options    *types.DispatchOptions
}

type activeRun struct {
	id         string
	templateID string
	startedAt  time.Time
	cancel     context.CancelFunc
}

// Manager runs dispatches in the background and persists their progress.
// It allows one active run per template.
type Manager struct {
	store      storage.Store
	dispatcher *Dispatcher
	logger     *zap.Logger
	metrics    *metrics.Metrics

	mu         sync.Mutex
	active     map[string]*activeRun
	byTemplate map[string]string
	lastPhase  types.Phase
	lastRunID  string
	finishedAt time.Time
	wg         sync.WaitGroup
}

func NewManager(store storage.Store, d *Dispatcher) *Manager {
	return &Manager{
		store:      store,
		dispatcher: d,
		logger:     d.logger,
		metrics:    d.metrics,
		active:     make(map[string]*activeRun),
		byTemplate: make(map[string]string),
	}
}

// Start validates the request, records a new run and dispatches it
// asynchronously. Precondition failures are returned before anything is
// stored.
func (m *Manager) Start(ctx context.Context, in StartInput) (*storage.RunRecord, error) {
	tpl, err := m.store.GetTemplate(ctx, in.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load template: %w", err)
	}
	if tpl == nil {
		return nil, ErrTemplateNotFound
	}

	opts, err := ApplyOptions(m.dispatcher.config.Options(), in.Options)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrecondition, err)
	}

	req := Request{
		Template:   TemplateFromRecord(tpl),
		Recipients: in.Recipients,
		Variables:  in.Variables,
		Options:    &opts,
	}
	if err := m.dispatcher.Validate(req); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.byTemplate[tpl.ID]; busy {
		return nil, ErrDispatchInProgress
	}
	// DeleteTemplate holds the lock too, so this sees any delete that landed
	// after the first load.
	if current, err := m.store.GetTemplate(ctx, tpl.ID); err != nil {
		return nil, fmt.Errorf("failed to load template: %w", err)
	} else if current == nil {
		return nil, ErrTemplateNotFound
	}

	now := m.dispatcher.clock.Now().UTC()
	run := &storage.RunRecord{
		ID:         "disp_" + uuid.New().String(),
		TemplateID: tpl.ID,
		Status:     types.StatusSending,
		Total:      len(in.Recipients),
		CreatedAt:  now,
	}
	if err := m.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.active[run.ID] = &activeRun{id: run.ID, templateID: tpl.ID, startedAt: now, cancel: cancel}
	m.byTemplate[tpl.ID] = run.ID
	m.metrics.RunStarted()

	m.wg.Add(1)
	go m.execute(runCtx, cancel, *run, req)

	return run, nil
}

func (m *Manager) execute(ctx context.Context, cancel context.CancelFunc, run storage.RunRecord, req Request) {
	defer m.wg.Done()
	defer cancel()

	logger := m.logger.With(zap.String("dispatch_id", run.ID), zap.String("template_id", run.TemplateID))

	// Persistence outlives cancellation so a cancelled run still records
	// every outcome.
	storeCtx := context.Background()
	seq := 0
	observe := func(p Progress, chunk []mailer.Result) {
		if len(chunk) > 0 {
			now := m.dispatcher.clock.Now().UTC()
			records := make([]*storage.ResultRecord, len(chunk))
			for i, r := range chunk {
				records[i] = resultRecord(run.ID, seq, r, now)
				seq++
			}
			if err := m.store.AppendResults(storeCtx, run.ID, records); err != nil {
				logger.Error("failed to store results", zap.Error(err))
			}
		}
		if err := m.store.UpdateRunProgress(storeCtx, run.ID, p.Sent, p.Failed); err != nil {
			logger.Error("failed to update progress", zap.Error(err))
		}
	}

	report, err := m.dispatcher.Dispatch(ctx, req, observe)

	status := types.StatusSucceeded
	var errMsg *string
	if err != nil {
		msg := err.Error()
		errMsg = &msg
		status = types.StatusFailed
		if report != nil && errors.Is(err, context.Canceled) {
			status = types.StatusCancelled
		}
	}

	if err := m.store.FinishRun(storeCtx, run.ID, status, errMsg); err != nil {
		logger.Error("failed to finish run", zap.Error(err))
	}
	m.finish(run, status)
	m.metrics.RunFinished(string(status))

	logger.Info("run finished", zap.String("status", string(status)))
}

func (m *Manager) finish(run storage.RunRecord, status types.RunStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.active, run.ID)
	delete(m.byTemplate, run.TemplateID)

	m.lastRunID = run.ID
	m.finishedAt = m.dispatcher.clock.Now()
	if status == types.StatusSucceeded {
		m.lastPhase = types.PhaseSuccess
	} else {
		m.lastPhase = types.PhaseError
	}
}

// Cancel stops an active run. Recipients not yet sent are recorded as failed.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.active[id]
	if !ok {
		return ErrRunNotActive
	}
	run.cancel()
	return nil
}

// Phase reports the banner state and the run it refers to. A finished run
// shows success or error until ResetDelay has passed, then idle.
func (m *Manager) Phase() (types.Phase, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *activeRun
	for _, run := range m.active {
		if latest == nil || run.startedAt.After(latest.startedAt) {
			latest = run
		}
	}
	if latest != nil {
		return types.PhaseSending, latest.id
	}

	if m.lastPhase != "" && m.dispatcher.clock.Now().Sub(m.finishedAt) < m.dispatcher.config.ResetDelay {
		return m.lastPhase, m.lastRunID
	}
	return types.PhaseIdle, ""
}

// DeleteTemplate removes a template and its runs unless a run for it is
// sending. It returns the number of runs deleted.
func (m *Manager) DeleteTemplate(ctx context.Context, templateID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.byTemplate[templateID]; busy {
		return 0, ErrDispatchInProgress
	}

	tpl, err := m.store.GetTemplate(ctx, templateID)
	if err != nil {
		return 0, fmt.Errorf("failed to load template: %w", err)
	}
	if tpl == nil {
		return 0, ErrTemplateNotFound
	}

	return m.store.DeleteTemplate(ctx, templateID)
}

func (m *Manager) IsActive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[id]
	return ok
}

// Wait blocks until every started run has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close cancels all active runs and waits for them.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, run := range m.active {
		run.cancel()
	}
	m.mu.Unlock()

	m.Wait()
}

// TemplateFromRecord converts a stored template into its renderable form.
func TemplateFromRecord(tpl *storage.TemplateRecord) render.Template {
	return render.Template{
		ID:        tpl.ID,
		Subject:   tpl.Subject,
		Body:      tpl.Body,
		Format:    string(tpl.Format),
		Variables: tpl.Variables,
	}
}

func resultRecord(runID string, seq int, r mailer.Result, now time.Time) *storage.ResultRecord {
	rec := &storage.ResultRecord{
		RunID:     runID,
		Seq:       seq,
		Email:     r.Email,
		Success:   r.Success,
		CreatedAt: now,
	}
	if r.Error != "" {
		e := r.Error
		rec.Error = &e
	}
	if r.MessageID != "" {
		id := r.MessageID
		rec.MessageID = &id
	}
	return rec
}
