package duckdb

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinytelemetry/probelog/internal/model"
)

// DefaultPublishQueueSize is the number of runs that can wait for a write.
const DefaultPublishQueueSize = model.DefaultPublishQueueSize

// ErrBufferStopped is returned by Publish after Stop.
var ErrBufferStopped = errors.New("run buffer stopped")

// RunBuffer decouples run publishing from DuckDB writes. Publish never waits
// on IO while the queue has room; a full queue writes inline.
type RunBuffer struct {
	writer model.RunWriter
	log    *slog.Logger
	queue  chan *model.Run

	onWritten func(*model.Run)

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup

	written atomic.Int64
	failed  atomic.Int64

	// backpressureCount tracks inline writes for throttled logging.
	backpressureCount atomic.Int64
	lastBPLog         atomic.Int64
}

// RunBufferConfig holds tunable parameters for the run buffer.
type RunBufferConfig struct {
	QueueSize int
	Logger    *slog.Logger
	// OnWritten is called after a run is stored.
	OnWritten func(*model.Run)
}

// NewRunBuffer starts the write worker.
func NewRunBuffer(writer model.RunWriter, conf ...RunBufferConfig) *RunBuffer {
	size := DefaultPublishQueueSize
	logger := slog.Default()
	var onWritten func(*model.Run)
	if len(conf) > 0 {
		onWritten = conf[0].OnWritten
		if conf[0].QueueSize > 0 {
			size = conf[0].QueueSize
		}
		if conf[0].Logger != nil {
			logger = conf[0].Logger
		}
	}

	b := &RunBuffer{
		writer: writer,
		log:    logger.With("component", "duckdb"),
		queue:  make(chan *model.Run, size),

		onWritten: onWritten,
	}
	b.wg.Add(1)
	go b.writeWorker()
	return b
}

func (b *RunBuffer) writeWorker() {
	defer b.wg.Done()
	for run := range b.queue {
		b.write(run)
	}
}

func (b *RunBuffer) write(run *model.Run) error {
	if err := b.writer.InsertRun(run); err != nil {
		b.failed.Add(1)
		b.log.Error("run insert failed", "run_id", run.ID, "agent", string(run.Agent), "error", err)
		return err
	}
	b.written.Add(1)
	if b.onWritten != nil {
		b.onWritten(run)
	}
	return nil
}

// logBackpressure warns at most once per 10 seconds.
func (b *RunBuffer) logBackpressure() {
	count := b.backpressureCount.Add(1)
	now := time.Now().Unix()
	last := b.lastBPLog.Load()
	if now-last >= 10 && b.lastBPLog.CompareAndSwap(last, now) {
		b.log.Warn("backpressure: writing runs inline, queue full", "inline_writes", count)
	}
}

// Publish queues a run for insertion. It implements model.RunSink.
func (b *RunBuffer) Publish(run *model.Run) error {
	if run == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return ErrBufferStopped
	}

	select {
	case b.queue <- run:
		return nil
	default:
		b.logBackpressure()
		return b.write(run)
	}
}

// Stats returns the number of runs written and failed so far.
func (b *RunBuffer) Stats() (written, failed int64) {
	return b.written.Load(), b.failed.Load()
}

// Stop drains the queue and waits for all writes to complete.
func (b *RunBuffer) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	close(b.queue)
	b.mu.Unlock()
	b.wg.Wait()
}
