package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Log is the persistence collaborator: an append-only record of messages
// and session lifecycle metadata. The Engine never blocks routing on it —
// writes go through an ordered background writer and failures are logged,
// not propagated. In-memory state stays authoritative for live routing.
type Log interface {
	AppendMessage(ctx context.Context, sessionID string, msg Message) error
	ReadHistory(ctx context.Context, sessionID string) ([]Message, error)
	RecordSessionCreated(ctx context.Context, sessionID string, meta SessionMeta) error
	RecordSessionEnded(ctx context.Context, sessionID string, meta SessionMeta) error
}

// logWriter serializes all Log operations through a single goroutine so
// that appends reach the log in relay acceptance order. Reads go through
// the same queue, which makes a history read a natural barrier behind any
// appends accepted before it.
type logWriter struct {
	log     Log
	timeout time.Duration
	ops     chan func(ctx context.Context)
	done    chan struct{}

	mu     sync.RWMutex // guards closed and sends on ops against close
	closed bool
}

func newLogWriter(l Log, queueSize int, timeout time.Duration) *logWriter {
	w := &logWriter{
		log:     l,
		timeout: timeout,
		ops:     make(chan func(ctx context.Context), queueSize),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *logWriter) run() {
	for op := range w.ops {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		op(ctx)
		cancel()
	}
	close(w.done)
}

// enqueue submits an operation without blocking. When the queue is full
// the operation is dropped: durability is best-effort relative to live
// delivery. A write racing shutdown is dropped the same way rather than
// panicking on the closed channel.
func (w *logWriter) enqueue(op func(ctx context.Context)) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		log.Printf("[engine] log writer closed, dropping write")
		return false
	}
	select {
	case w.ops <- op:
		return true
	default:
		log.Printf("[engine] log queue full, dropping write")
		return false
	}
}

func (w *logWriter) appendMessage(sessionID string, msg Message) {
	w.enqueue(func(ctx context.Context) {
		if err := w.log.AppendMessage(ctx, sessionID, msg); err != nil {
			log.Printf("[engine] append message session=%s id=%s: %v", sessionID, msg.ID, err)
		}
	})
}

func (w *logWriter) recordCreated(sessionID string, meta SessionMeta) {
	w.enqueue(func(ctx context.Context) {
		if err := w.log.RecordSessionCreated(ctx, sessionID, meta); err != nil {
			log.Printf("[engine] record session created session=%s: %v", sessionID, err)
		}
	})
}

func (w *logWriter) recordEnded(sessionID string, meta SessionMeta) {
	w.enqueue(func(ctx context.Context) {
		if err := w.log.RecordSessionEnded(ctx, sessionID, meta); err != nil {
			log.Printf("[engine] record session ended session=%s: %v", sessionID, err)
		}
	})
}

// readHistory reads the persisted history for a session through the op
// queue, so any append accepted before the call is visible in the result.
// It blocks the caller (not the Engine lock) until the writer reaches the
// read or ctx expires.
func (w *logWriter) readHistory(ctx context.Context, sessionID string) ([]Message, error) {
	type result struct {
		msgs []Message
		err  error
	}
	resCh := make(chan result, 1)

	op := func(opCtx context.Context) {
		msgs, err := w.log.ReadHistory(opCtx, sessionID)
		resCh <- result{msgs, err}
	}

	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return nil, fmt.Errorf("engine: read history: log writer closed")
	}
	select {
	case w.ops <- op:
		w.mu.RUnlock()
	case <-ctx.Done():
		w.mu.RUnlock()
		return nil, fmt.Errorf("engine: read history enqueue: %w", ctx.Err())
	}

	select {
	case res := <-resCh:
		return res.msgs, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("engine: read history: %w", ctx.Err())
	}
}

// close drains pending operations and stops the writer goroutine. The
// write lock waits out any in-flight enqueue before the channel closes;
// later enqueues see the closed flag and drop. Idempotent.
func (w *logWriter) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.ops)
	w.mu.Unlock()
	<-w.done
}
