package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/convsync/pkg/chatmodel"
)

type writeOp struct {
	upsert *chatmodel.Conversation
	remove string
	flush  chan struct{}
}

// Writer applies conversation writes to a store in order on a background
// goroutine. Callers never block on the store and never see its errors;
// failures are logged and the in-memory list is left as is.
type Writer struct {
	store   ConversationStore
	ops     chan writeOp
	timeout time.Duration
	logger  zerolog.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

const defaultWriterQueue = 1024

func NewWriter(store ConversationStore) *Writer {
	w := &Writer{
		store:   store,
		ops:     make(chan writeOp, defaultWriterQueue),
		timeout: 5 * time.Second,
		logger:  log.With().Str("component", "store_writer").Logger(),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// Store returns the wrapped store.
func (w *Writer) Store() ConversationStore {
	return w.store
}

func (w *Writer) Upsert(c chatmodel.Conversation) {
	w.enqueue(writeOp{upsert: &c})
}

func (w *Writer) Remove(uid string) {
	w.enqueue(writeOp{remove: uid})
}

// Flush blocks until every write queued before the call has been applied.
func (w *Writer) Flush() {
	ch := make(chan struct{})
	if !w.enqueue(writeOp{flush: ch}) {
		return
	}
	<-ch
}

// Close drains pending writes and stops the goroutine. It does not close the
// wrapped store.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.closed = true
	close(w.ops)
	w.mu.Unlock()
	<-w.done
}

func (w *Writer) enqueue(op writeOp) bool {
	if w == nil || w.store == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		w.logger.Warn().Msg("write dropped: writer closed")
		return false
	}
	w.ops <- op
	return true
}

func (w *Writer) run() {
	defer close(w.done)
	for op := range w.ops {
		switch {
		case op.flush != nil:
			close(op.flush)
		case op.upsert != nil:
			ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
			if err := w.store.Upsert(ctx, *op.upsert); err != nil {
				w.logger.Warn().Err(err).Str("uid", op.upsert.UID).Msg("persist conversation failed")
			}
			cancel()
		default:
			ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
			if err := w.store.Remove(ctx, op.remove); err != nil {
				w.logger.Warn().Err(err).Str("uid", op.remove).Msg("remove persisted conversation failed")
			}
			cancel()
		}
	}
}
