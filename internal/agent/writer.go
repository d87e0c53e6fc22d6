package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/spachava753/buda/internal/docstore"
)

// DefaultWriteTimeout bounds a single batch insert.
const DefaultWriteTimeout = 30 * time.Second

type batch struct {
	flow    string
	records []Record
}

// writer inserts batches in the order they were queued. A failed batch is
// reported and the writer moves on to the next one.
type writer struct {
	coll     docstore.Collection
	timeout  time.Duration
	observer Observer
	state    *stateTracker

	queue chan batch
	done  chan struct{}
}

func newWriter(coll docstore.Collection, timeout time.Duration, observer Observer, state *stateTracker) *writer {
	return &writer{
		coll:     coll,
		timeout:  timeout,
		observer: observer,
		state:    state,
		queue:    make(chan batch, 16),
		done:     make(chan struct{}),
	}
}

func (w *writer) run() {
	defer close(w.done)
	for b := range w.queue {
		w.write(b)
	}
}

func (w *writer) write(b batch) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	if err := w.insert(ctx, b.records); err != nil {
		CounterBatchFailures.Inc()
		w.state.batchFailed()
		w.observer.BatchFailed(b.flow, len(b.records), err)
		return
	}
	CounterBatches.Inc()
	CounterRecords.Add(float64(len(b.records)))
	w.state.batchWritten(len(b.records))
	w.observer.BatchWritten(b.flow, len(b.records))
}

// insert turns a panicking store into a failed batch.
func (w *writer) insert(ctx context.Context, records []Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("store panicked: %v", r)
		}
	}()
	return w.coll.InsertMany(ctx, records)
}

// close stops accepting batches and waits up to timeout for the queue to
// drain. It reports whether the writer finished.
func (w *writer) close(timeout time.Duration) bool {
	close(w.queue)
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-w.done:
		return true
	case <-t.C:
		return false
	}
}
