package pebbledb

import (
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

type BatchWriterConfig struct {
	MaxBatchSize      int // flush after this many ops
	ChannelBufferSize int
	FlushInterval     time.Duration
}

func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		MaxBatchSize:      1000,
		ChannelBufferSize: 10000,
		FlushInterval:     time.Second,
	}
}

type writeOp struct {
	key     []byte
	value   []byte
	delete  bool
	merge   bool
	flushed chan struct{}
}

// BatchWriter groups writes into pebble batches that are committed when full,
// on a timer, on Flush, and on Close.
type BatchWriter struct {
	db      *pebble.DB
	config  BatchWriterConfig
	logger  *zap.Logger
	opCh    chan writeOp
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped atomic.Bool
}

func NewBatchWriter(db *pebble.DB, config BatchWriterConfig, logger *zap.Logger) *BatchWriter {
	defaults := DefaultBatchWriterConfig()
	if config.MaxBatchSize == 0 {
		config.MaxBatchSize = defaults.MaxBatchSize
	}
	if config.ChannelBufferSize == 0 {
		config.ChannelBufferSize = defaults.ChannelBufferSize
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = defaults.FlushInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	bw := &BatchWriter{
		db:     db,
		config: config,
		logger: logger,
		opCh:   make(chan writeOp, config.ChannelBufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	go bw.flusher()

	return bw
}

func (bw *BatchWriter) Set(key, value []byte) {
	if bw.stopped.Load() {
		return
	}
	bw.opCh <- writeOp{key: key, value: value}
}

func (bw *BatchWriter) Delete(key []byte) {
	if bw.stopped.Load() {
		return
	}
	bw.opCh <- writeOp{key: key, delete: true}
}

func (bw *BatchWriter) Merge(key, value []byte) {
	if bw.stopped.Load() {
		return
	}
	bw.opCh <- writeOp{key: key, value: value, merge: true}
}

// Flush blocks until every op queued before the call is committed.
func (bw *BatchWriter) Flush() {
	if bw.stopped.Load() {
		return
	}
	done := make(chan struct{})
	select {
	case bw.opCh <- writeOp{flushed: done}:
	case <-bw.doneCh:
		return
	}
	select {
	case <-done:
	case <-bw.doneCh:
	}
}

func (bw *BatchWriter) Close() error {
	if bw.stopped.Swap(true) {
		return nil
	}
	close(bw.stopCh)
	<-bw.doneCh
	return nil
}

func (bw *BatchWriter) flusher() {
	defer close(bw.doneCh)

	ticker := time.NewTicker(bw.config.FlushInterval)
	defer ticker.Stop()

	batch := bw.db.NewBatch()
	opCount := 0

	flush := func() {
		if opCount == 0 {
			return
		}
		if err := batch.Commit(pebble.Sync); err != nil {
			bw.logger.Error("batch commit failed", zap.Int("ops", opCount), zap.Error(err))
		}
		batch.Close()
		batch = bw.db.NewBatch()
		opCount = 0
	}

	apply := func(op writeOp) {
		switch {
		case op.flushed != nil:
			flush()
			close(op.flushed)
			return
		case op.delete:
			batch.Delete(op.key, nil)
		case op.merge:
			batch.Merge(op.key, op.value, nil)
		default:
			batch.Set(op.key, op.value, nil)
		}
		opCount++
		if opCount >= bw.config.MaxBatchSize {
			flush()
		}
	}

	for {
		select {
		case op := <-bw.opCh:
			apply(op)

		case <-ticker.C:
			flush()

		case <-bw.stopCh:
			for {
				select {
				case op := <-bw.opCh:
					apply(op)
				default:
					flush()
					batch.Close()
					return
				}
			}
		}
	}
}
