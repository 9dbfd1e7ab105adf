package store

import (
	"database/sql"
	"sync"

	"github.com/rs/zerolog/log"
)

const DefaultQueueSize = 10000

// writeOp is one buffered database write.
type writeOp struct {
	desc string
	fn   func(db *sql.DB) error
	done chan struct{} // non-nil only for flush barriers
}

// AsyncWriter executes enqueued operations in FIFO order on a single
// worker goroutine. The queue is bounded; on overflow the oldest pending
// write is dropped so the request path never blocks.
type AsyncWriter struct {
	db    *sql.DB
	queue chan writeOp

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

func NewAsyncWriter(db *sql.DB, queueSize int) *AsyncWriter {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &AsyncWriter{
		db:    db,
		queue: make(chan writeOp, queueSize),
	}
}

func (w *AsyncWriter) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.wg.Add(1)
	go w.run()
}

// Stop drains the queue and stops the worker. The close happens under the
// same lock every sender holds, so no send can race it.
func (w *AsyncWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.queue)
	w.mu.Unlock()

	w.wg.Wait()
}

// Enqueue schedules a write without blocking. If the queue is full the
// oldest pending write is discarded to make room.
func (w *AsyncWriter) Enqueue(desc string, fn func(db *sql.DB) error) {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		// Writer stopped, execute inline so shutdown persistence is not lost.
		if err := fn(w.db); err != nil {
			log.Error().Err(err).Str("op", desc).Msg("inline db write failed")
		}
		return
	}
	defer w.mu.Unlock()

	op := writeOp{desc: desc, fn: fn}
	select {
	case w.queue <- op:
		return
	default:
	}

	// Queue full: drop the oldest entry, then try once more.
	select {
	case dropped := <-w.queue:
		log.Warn().Str("dropped", dropped.desc).Msg("db write queue full, dropping oldest")
	default:
	}
	select {
	case w.queue <- op:
	default:
		log.Warn().Str("op", desc).Msg("db write queue full, dropping write")
	}
}

// Flush blocks until every write enqueued before the call has executed.
func (w *AsyncWriter) Flush() {
	done := make(chan struct{})

	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	sent := false
	select {
	case w.queue <- writeOp{desc: "flush", done: done}:
		sent = true
	default:
		// Queue full of real work; nothing to wait for that we can order after.
	}
	w.mu.Unlock()

	if sent {
		<-done
	}
}

func (w *AsyncWriter) run() {
	defer w.wg.Done()
	for op := range w.queue {
		if op.done != nil {
			close(op.done)
			continue
		}
		if err := op.fn(w.db); err != nil {
			log.Error().Err(err).Str("op", op.desc).Msg("async db write failed")
		}
	}
}

// QueueDepth reports the number of pending writes.
func (w *AsyncWriter) QueueDepth() int {
	return len(w.queue)
}
