package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dialdesk/dialdesk/internal/core"
	"github.com/dialdesk/dialdesk/internal/domain"
)

// AsyncWriter wraps a CallStore so writes happen off the signaling path.
// A single worker preserves write order (a terminal patch must not land
// before its create). Failures are logged and retried once; they are
// never surfaced to the live call.
type AsyncWriter struct {
	inner      core.CallStore
	jobs       chan asyncJob
	done       chan struct{}
	retryDelay time.Duration
	timeout    time.Duration
	wg         sync.WaitGroup
}

type asyncJob struct {
	callID string
	op     string
	fn     func(context.Context) error
}

var _ core.CallStore = (*AsyncWriter)(nil)

func NewAsyncWriter(inner core.CallStore) *AsyncWriter {
	w := &AsyncWriter{
		inner:      inner,
		jobs:       make(chan asyncJob, 256),
		done:       make(chan struct{}),
		retryDelay: time.Second,
		timeout:    5 * time.Second,
	}
	go w.loop()
	return w
}

func (w *AsyncWriter) CreateCallRecord(_ context.Context, rec domain.CallRecord) error {
	w.enqueue(asyncJob{callID: string(rec.CallID), op: "create", fn: func(ctx context.Context) error {
		return w.inner.CreateCallRecord(ctx, rec)
	}})
	return nil
}

func (w *AsyncWriter) UpdateCallRecord(_ context.Context, id domain.CallID, patch core.CallPatch) error {
	w.enqueue(asyncJob{callID: string(id), op: "update", fn: func(ctx context.Context) error {
		return w.inner.UpdateCallRecord(ctx, id, patch)
	}})
	return nil
}

// enqueue never blocks the caller: if the queue is saturated the write
// is dropped and logged, per the isolation policy.
func (w *AsyncWriter) enqueue(j asyncJob) {
	w.wg.Add(1)
	select {
	case w.jobs <- j:
	default:
		w.wg.Done()
		log.Error().Str("module", "store.async").Str("call", j.callID).Str("op", j.op).Msg("write queue full, record dropped")
	}
}

func (w *AsyncWriter) loop() {
	defer close(w.done)
	for j := range w.jobs {
		w.exec(j)
		w.wg.Done()
	}
}

func (w *AsyncWriter) exec(j asyncJob) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := j.fn(ctx); err != nil {
		log.Warn().Err(err).Str("module", "store.async").Str("call", j.callID).Str("op", j.op).Msg("call record write failed, retrying")
		time.Sleep(w.retryDelay)
		if err := j.fn(ctx); err != nil {
			log.Error().Err(err).Str("module", "store.async").Str("call", j.callID).Str("op", j.op).Msg("call record write failed permanently")
		}
	}
}

// Flush waits for queued writes to land; used on shutdown and in tests.
func (w *AsyncWriter) Flush() {
	w.wg.Wait()
}

func (w *AsyncWriter) Close() error {
	w.Flush()
	close(w.jobs)
	<-w.done
	return w.inner.Close()
}
