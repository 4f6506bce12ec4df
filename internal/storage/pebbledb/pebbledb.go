package pebbledb

import (
	"bytes"
	"cmp"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/georgeshao/mail-dam/internal/storage"
	"github.com/georgeshao/mail-dam/pkg/types"
)

// Key prefixes
const (
	prefixTpl     = "tpl:"   // tpl:{id} → template JSON
	prefixTplName = "tname:" // tname:{name} → template id
	prefixRun     = "run:"   // run:{id} → run JSON
	prefixSt      = "st:"    // st:{template}:{status}:{ts}:{id} → empty
	prefixCount   = "count:" // count:{template}:{status} → int64
	prefixRes     = "res:"   // res:{run}:{seq} → result JSON
)

const defaultLimit = 100

type PebbleStore struct {
	db          *pebble.DB
	batchWriter *BatchWriter
	useBatch    bool
	// mu serialises read-modify-write cycles on template and run values.
	mu sync.Mutex
}

type templateData struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Subject     string            `json:"subject"`
	Body        string            `json:"body"`
	Format      string            `json:"format"`
	Variables   map[string]string `json:"variables,omitempty"`
	CreatedAt   int64             `json:"created_at"` // Unix nano
	UpdatedAt   int64             `json:"updated_at"` // Unix nano
}

type runData struct {
	ID          string  `json:"id"`
	TemplateID  string  `json:"template_id"`
	Status      string  `json:"status"`
	Total       int     `json:"total"`
	Sent        int     `json:"sent"`
	Failed      int     `json:"failed"`
	Error       *string `json:"error,omitempty"`
	CreatedAt   int64   `json:"created_at"`
	CompletedAt *int64  `json:"completed_at,omitempty"`
}

type resultData struct {
	Seq       int     `json:"seq"`
	Email     string  `json:"email"`
	Success   bool    `json:"success"`
	Error     *string `json:"error,omitempty"`
	MessageID *string `json:"message_id,omitempty"`
	CreatedAt int64   `json:"created_at"`
}

// New opens the store at dbPath. With useBatch, result appends are queued on
// a BatchWriter and committed in groups.
func New(dbPath string, useBatch bool, logger *zap.Logger) (*PebbleStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	opts := &pebble.Options{
		Merger: &pebble.Merger{
			Name: "int64_add",
			Merge: func(key, value []byte) (pebble.ValueMerger, error) {
				return &int64Merger{sum: decodeInt64(value)}, nil
			},
		},
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}

	store := &PebbleStore{
		db:       db,
		useBatch: useBatch,
	}

	if useBatch {
		store.batchWriter = NewBatchWriter(db, DefaultBatchWriterConfig(), logger)
	}

	return store, nil
}

func (s *PebbleStore) Close() error {
	// flush queued writes before the db goes away
	if s.batchWriter != nil {
		if err := s.batchWriter.Close(); err != nil {
			return fmt.Errorf("failed to close batch writer: %w", err)
		}
	}
	return s.db.Close()
}

func tplKey(id string) []byte {
	return []byte(prefixTpl + id)
}

func tplNameKey(name string) []byte {
	return []byte(prefixTplName + name)
}

func runKey(id string) []byte {
	return []byte(prefixRun + id)
}

func stKey(templateID, status string, ts int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%020d:%s", prefixSt, templateID, status, ts, id))
}

func stPrefix(templateID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixSt, templateID))
}

func countKey(templateID, status string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixCount, templateID, status))
}

func resKey(runID string, seq int) []byte {
	return []byte(fmt.Sprintf("%s%s:%010d", prefixRes, runID, seq))
}

func resPrefix(runID string) []byte {
	return []byte(prefixRes + runID + ":")
}

func encodeInt64(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

func decodeInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

type int64Merger struct {
	sum int64
}

func (m *int64Merger) MergeNewer(value []byte) error {
	m.sum += decodeInt64(value)
	return nil
}

func (m *int64Merger) MergeOlder(value []byte) error {
	m.sum += decodeInt64(value)
	return nil
}

func (m *int64Merger) Finish(includesBase bool) ([]byte, io.Closer, error) {
	return encodeInt64(m.sum), nil, nil
}

func upperBound(prefix []byte) []byte {
	ub := make([]byte, len(prefix))
	copy(ub, prefix)
	for i := len(ub) - 1; i >= 0; i-- {
		if ub[i] < 0xff {
			ub[i]++
			return ub
		}
		ub[i] = 0
	}
	return append(ub, 0)
}

func (s *PebbleStore) CreateTemplate(ctx context.Context, tpl *storage.TemplateRecord) error {
	value, err := json.Marshal(fromTemplateRecord(tpl))
	if err != nil {
		return fmt.Errorf("failed to marshal template: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	taken, err := s.has(tplNameKey(tpl.Name))
	if err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("failed to create template %q: %w", tpl.Name, storage.ErrDuplicateName)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	batch.Set(tplKey(tpl.ID), value, nil)
	batch.Set(tplNameKey(tpl.Name), []byte(tpl.ID), nil)
	return batch.Commit(pebble.Sync)
}

func (s *PebbleStore) GetTemplate(ctx context.Context, id string) (*storage.TemplateRecord, error) {
	data, err := s.getTemplateData(id)
	if err != nil || data == nil {
		return nil, err
	}
	return toTemplateRecord(data), nil
}

func (s *PebbleStore) GetTemplateByName(ctx context.Context, name string) (*storage.TemplateRecord, error) {
	value, closer, err := s.db.Get(tplNameKey(name))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template name: %w", err)
	}
	id := string(value)
	closer.Close()

	return s.GetTemplate(ctx, id)
}

func (s *PebbleStore) getTemplateData(id string) (*templateData, error) {
	value, closer, err := s.db.Get(tplKey(id))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	defer closer.Close()

	var data templateData
	if err := json.Unmarshal(value, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal template: %w", err)
	}
	return &data, nil
}

func (s *PebbleStore) UpdateTemplate(ctx context.Context, tpl *storage.TemplateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getTemplateData(tpl.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		return storage.ErrNotFound
	}

	data := fromTemplateRecord(tpl)
	data.Name = existing.Name
	data.CreatedAt = existing.CreatedAt

	value, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal template: %w", err)
	}

	return s.db.Set(tplKey(tpl.ID), value, pebble.Sync)
}

func (s *PebbleStore) DeleteTemplate(ctx context.Context, id string) (int, error) {
	if s.useBatch {
		s.batchWriter.Flush()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getTemplateData(id)
	if err != nil {
		return 0, err
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	deletedCount := 0

	prefix := stPrefix(id)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create iterator: %w", err)
	}
	for iter.First(); iter.Valid(); iter.Next() {
		entry, ok := parseStKey(iter.Key())
		if !ok {
			continue
		}
		batch.Delete(runKey(entry.id), nil)
		batch.Delete(iter.Key(), nil)
		rp := resPrefix(entry.id)
		if err := batch.DeleteRange(rp, upperBound(rp), nil); err != nil {
			iter.Close()
			return 0, fmt.Errorf("failed to delete results: %w", err)
		}
		deletedCount++
	}
	iter.Close()

	for _, status := range storage.RunStatuses {
		batch.Delete(countKey(id, string(status)), nil)
	}

	if existing != nil {
		batch.Delete(tplNameKey(existing.Name), nil)
	}
	batch.Delete(tplKey(id), nil)

	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}

	return deletedCount, nil
}

// ListTemplates returns templates ordered by name.
func (s *PebbleStore) ListTemplates(ctx context.Context) ([]*storage.TemplateRecord, error) {
	prefix := []byte(prefixTplName)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var records []*storage.TemplateRecord
	for iter.First(); iter.Valid(); iter.Next() {
		data, err := s.getTemplateData(string(iter.Value()))
		if err != nil {
			return nil, err
		}
		if data != nil {
			records = append(records, toTemplateRecord(data))
		}
	}

	return records, nil
}

func (s *PebbleStore) GetTemplateStats(ctx context.Context, id string) (*types.TemplateStats, error) {
	stats := &types.TemplateStats{}

	for _, status := range storage.RunStatuses {
		count, err := s.getCount(id, string(status))
		if err != nil {
			return nil, err
		}
		switch status {
		case types.StatusSending:
			stats.Sending = int(count)
		case types.StatusSucceeded:
			stats.Succeeded = int(count)
		case types.StatusFailed:
			stats.Failed = int(count)
		case types.StatusCancelled:
			stats.Cancelled = int(count)
		}
		stats.TotalRuns += int(count)
	}

	return stats, nil
}

func (s *PebbleStore) getCount(templateID, status string) (int64, error) {
	value, closer, err := s.db.Get(countKey(templateID, status))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get run count: %w", err)
	}
	defer closer.Close()
	return decodeInt64(value), nil
}

func (s *PebbleStore) CreateRun(ctx context.Context, run *storage.RunRecord) error {
	data := fromRunRecord(run)
	value, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	batch.Set(runKey(run.ID), value, nil)
	batch.Set(stKey(run.TemplateID, data.Status, data.CreatedAt, run.ID), nil, nil)
	batch.Merge(countKey(run.TemplateID, data.Status), encodeInt64(1), nil)
	return batch.Commit(pebble.Sync)
}

func (s *PebbleStore) GetRun(ctx context.Context, id string) (*storage.RunRecord, error) {
	data, err := s.getRunData(id)
	if err != nil || data == nil {
		return nil, err
	}
	return toRunRecord(data), nil
}

func (s *PebbleStore) getRunData(id string) (*runData, error) {
	value, closer, err := s.db.Get(runKey(id))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	defer closer.Close()

	var data runData
	if err := json.Unmarshal(value, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &data, nil
}

// ListRuns walks the status index and returns runs in creation order. The
// total ignores the cursor and the limit.
func (s *PebbleStore) ListRuns(ctx context.Context, filter storage.RunFilter) ([]*storage.RunRecord, int, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	prefix := []byte(prefixSt)
	if filter.TemplateID != nil {
		prefix = stPrefix(*filter.TemplateID)
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create iterator: %w", err)
	}

	var entries []stEntry
	for iter.First(); iter.Valid(); iter.Next() {
		entry, ok := parseStKey(iter.Key())
		if !ok {
			continue
		}
		if filter.Status != nil && entry.status != string(*filter.Status) {
			continue
		}
		entries = append(entries, entry)
	}
	if err := iter.Close(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate runs: %w", err)
	}

	slices.SortFunc(entries, func(a, b stEntry) int {
		if c := cmp.Compare(a.ts, b.ts); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})

	total := len(entries)
	var records []*storage.RunRecord
	for _, entry := range entries {
		if filter.Cursor != nil && !afterCursor(entry, filter.Cursor.UnixNano(), filter.CursorID) {
			continue
		}
		if len(records) >= limit {
			break
		}
		data, err := s.getRunData(entry.id)
		if err != nil {
			return nil, 0, err
		}
		if data != nil {
			records = append(records, toRunRecord(data))
		}
	}

	return records, total, nil
}

// afterCursor orders entries by (ts, id), the same order ListRuns returns.
func afterCursor(entry stEntry, ts int64, id string) bool {
	if entry.ts != ts {
		return entry.ts > ts
	}
	return id != "" && entry.id > id
}

func (s *PebbleStore) UpdateRunProgress(ctx context.Context, id string, sent, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.getRunData(id)
	if err != nil {
		return err
	}
	if data == nil {
		return storage.ErrNotFound
	}

	data.Sent = sent
	data.Failed = failed

	value, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	return s.db.Set(runKey(id), value, pebble.Sync)
}

func (s *PebbleStore) FinishRun(ctx context.Context, id string, status types.RunStatus, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.getRunData(id)
	if err != nil {
		return err
	}
	if data == nil {
		return storage.ErrNotFound
	}

	oldStatus := data.Status
	data.Status = string(status)
	data.Error = errMsg
	completedNano := time.Now().UnixNano()
	data.CompletedAt = &completedNano

	value, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	batch.Set(runKey(id), value, nil)
	if oldStatus != data.Status {
		batch.Delete(stKey(data.TemplateID, oldStatus, data.CreatedAt, id), nil)
		batch.Set(stKey(data.TemplateID, data.Status, data.CreatedAt, id), nil, nil)
		batch.Merge(countKey(data.TemplateID, oldStatus), encodeInt64(-1), nil)
		batch.Merge(countKey(data.TemplateID, data.Status), encodeInt64(1), nil)
	}

	return batch.Commit(pebble.Sync)
}

func (s *PebbleStore) AppendResults(ctx context.Context, runID string, results []*storage.ResultRecord) error {
	if len(results) == 0 {
		return nil
	}

	if s.useBatch {
		for _, r := range results {
			value, err := json.Marshal(fromResultRecord(r))
			if err != nil {
				return fmt.Errorf("failed to marshal result: %w", err)
			}
			s.batchWriter.Set(resKey(runID, r.Seq), value)
		}
		return nil
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	for _, r := range results {
		value, err := json.Marshal(fromResultRecord(r))
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		batch.Set(resKey(runID, r.Seq), value, nil)
	}
	return batch.Commit(pebble.Sync)
}

func (s *PebbleStore) ListResults(ctx context.Context, runID string) ([]*storage.ResultRecord, error) {
	if s.useBatch {
		s.batchWriter.Flush()
	}

	prefix := resPrefix(runID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var records []*storage.ResultRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var data resultData
		if err := json.Unmarshal(iter.Value(), &data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
		records = append(records, toResultRecord(runID, &data))
	}

	return records, nil
}

func (s *PebbleStore) has(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read key: %w", err)
	}
	closer.Close()
	return true, nil
}

// --- Conversion helpers ---

func fromTemplateRecord(tpl *storage.TemplateRecord) templateData {
	return templateData{
		ID:          tpl.ID,
		Name:        tpl.Name,
		Description: tpl.Description,
		Subject:     tpl.Subject,
		Body:        tpl.Body,
		Format:      string(tpl.Format),
		Variables:   tpl.Variables,
		CreatedAt:   tpl.CreatedAt.UnixNano(),
		UpdatedAt:   tpl.UpdatedAt.UnixNano(),
	}
}

func toTemplateRecord(data *templateData) *storage.TemplateRecord {
	return &storage.TemplateRecord{
		ID:          data.ID,
		Name:        data.Name,
		Description: data.Description,
		Subject:     data.Subject,
		Body:        data.Body,
		Format:      types.TemplateFormat(data.Format),
		Variables:   data.Variables,
		CreatedAt:   time.Unix(0, data.CreatedAt).UTC(),
		UpdatedAt:   time.Unix(0, data.UpdatedAt).UTC(),
	}
}

func fromRunRecord(run *storage.RunRecord) runData {
	data := runData{
		ID:         run.ID,
		TemplateID: run.TemplateID,
		Status:     string(run.Status),
		Total:      run.Total,
		Sent:       run.Sent,
		Failed:     run.Failed,
		Error:      run.Error,
		CreatedAt:  run.CreatedAt.UnixNano(),
	}
	if run.CompletedAt != nil {
		completed := run.CompletedAt.UnixNano()
		data.CompletedAt = &completed
	}
	return data
}

func toRunRecord(data *runData) *storage.RunRecord {
	record := &storage.RunRecord{
		ID:         data.ID,
		TemplateID: data.TemplateID,
		Status:     types.RunStatus(data.Status),
		Total:      data.Total,
		Sent:       data.Sent,
		Failed:     data.Failed,
		Error:      data.Error,
		CreatedAt:  time.Unix(0, data.CreatedAt).UTC(),
	}
	if data.CompletedAt != nil {
		t := time.Unix(0, *data.CompletedAt).UTC()
		record.CompletedAt = &t
	}
	return record
}

func fromResultRecord(r *storage.ResultRecord) resultData {
	return resultData{
		Seq:       r.Seq,
		Email:     r.Email,
		Success:   r.Success,
		Error:     r.Error,
		MessageID: r.MessageID,
		CreatedAt: r.CreatedAt.UnixNano(),
	}
}

func toResultRecord(runID string, data *resultData) *storage.ResultRecord {
	return &storage.ResultRecord{
		RunID:     runID,
		Seq:       data.Seq,
		Email:     data.Email,
		Success:   data.Success,
		Error:     data.Error,
		MessageID: data.MessageID,
		CreatedAt: time.Unix(0, data.CreatedAt).UTC(),
	}
}

type stEntry struct {
	templateID string
	status     string
	ts         int64
	id         string
}

// parseStKey splits a status index key.
// Key format: st:{template}:{status}:{ts}:{id}
func parseStKey(key []byte) (stEntry, bool) {
	parts := bytes.Split(bytes.TrimPrefix(key, []byte(prefixSt)), []byte(":"))
	if len(parts) != 4 {
		return stEntry{}, false
	}
	ts, err := strconv.ParseInt(string(parts[2]), 10, 64)
	if err != nil {
		return stEntry{}, false
	}
	return stEntry{
		templateID: string(parts[0]),
		status:     string(parts[1]),
		ts:         ts,
		id:         string(parts[3]),
	}, true
}
