package turn

import (
	"context"
	"sync"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/engine"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/query"
)

// handle is what the turn registers in the query registry. It exists before
// the engine query does, so an abort that lands while the engine is still
// starting interrupts the query as soon as it is attached. Interrupting it
// also cancels the turn's approval wait.
type handle struct {
	mu          sync.Mutex
	query       engine.Query
	cancel      context.CancelFunc
	interrupted bool
}

func newHandle(cancel context.CancelFunc) *handle {
	return &handle{cancel: cancel}
}

// Interrupt stops the turn. Only the first call has an effect; later calls
// return query.ErrAlreadyInterrupted.
func (h *handle) Interrupt(ctx context.Context) error {
	h.mu.Lock()
	if h.interrupted {
		h.mu.Unlock()
		return query.ErrAlreadyInterrupted
	}
	h.interrupted = true
	q := h.query
	h.mu.Unlock()

	if h.cancel != nil {
		h.cancel()
	}
	if q == nil {
		return nil
	}
	return q.Interrupt(ctx)
}

// attach binds the started query; it reports false if the turn was
// interrupted in the meantime, in which case the query has been told to stop.
func (h *handle) attach(ctx context.Context, q engine.Query) bool {
	h.mu.Lock()
	h.query = q
	interrupted := h.interrupted
	h.mu.Unlock()
	if interrupted {
		q.Interrupt(ctx)
		return false
	}
	return true
}

func (h *handle) wasInterrupted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interrupted
}
