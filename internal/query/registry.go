// Package query tracks the single in-flight engine query of each session so
// that a separate request can interrupt it.
package query

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/logging"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/pkg/types"
)

// ErrSessionBusy is returned by Register under the reject policy.
var ErrSessionBusy = errors.New("session already has an active query")

// ErrAlreadyInterrupted is returned by a Handle that was interrupted before.
var ErrAlreadyInterrupted = errors.New("query already interrupted")

// interruptTimeout bounds the interrupt of a replaced handle.
const interruptTimeout = 5 * time.Second

// Handle is a cancellable in-flight operation.
type Handle interface {
	Interrupt(ctx context.Context) error
}

// Registry maps session ids to their active handle.
type Registry struct {
	mu          sync.Mutex
	active      map[string]Handle
	onDuplicate string
	log         zerolog.Logger
}

// NewRegistry creates a registry with the given duplicate policy
// (types.DuplicateInterrupt, types.DuplicateReplace or types.DuplicateReject).
func NewRegistry(onDuplicate string) *Registry {
	if onDuplicate == "" {
		onDuplicate = types.DuplicateInterrupt
	}
	return &Registry{
		active:      make(map[string]Handle),
		onDuplicate: onDuplicate,
		log:         logging.Component("query"),
	}
}

// Register stores handle as the active query of the session.
func (r *Registry) Register(sessionID string, handle Handle) error {
	r.mu.Lock()
	old, exists := r.active[sessionID]
	if exists && r.onDuplicate == types.DuplicateReject {
		r.mu.Unlock()
		r.log.Warn().Str("sessionID", sessionID).Msg("rejected query registration, session busy")
		return ErrSessionBusy
	}
	r.active[sessionID] = handle
	policy := r.onDuplicate
	r.mu.Unlock()

	if !exists {
		return nil
	}

	r.log.Warn().
		Str("sessionID", sessionID).
		Str("policy", policy).
		Msg("session already had an active query, replacing it")

	if policy == types.DuplicateInterrupt && old != handle {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), interruptTimeout)
			defer cancel()
			if err := old.Interrupt(ctx); err != nil && !errors.Is(err, ErrAlreadyInterrupted) {
				r.log.Error().Err(err).Str("sessionID", sessionID).Msg("failed to interrupt replaced query")
			}
		}()
	}
	return nil
}

// Unregister removes the session's entry if present.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	delete(r.active, sessionID)
	r.mu.Unlock()
}

// UnregisterHandle removes the entry only if it still holds handle.
func (r *Registry) UnregisterHandle(sessionID string, handle Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.active[sessionID]; ok && cur == handle {
		delete(r.active, sessionID)
		return true
	}
	return false
}

// Interrupt cancels the session's active query. It returns false when there
// is none, when it was interrupted already or when the cancel itself fails;
// failures are logged, not returned.
func (r *Registry) Interrupt(ctx context.Context, sessionID string) bool {
	r.mu.Lock()
	handle, ok := r.active[sessionID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	if err := handle.Interrupt(ctx); err != nil {
		if errors.Is(err, ErrAlreadyInterrupted) {
			r.log.Debug().Str("sessionID", sessionID).Msg("query already interrupted")
			return false
		}
		r.log.Error().Err(err).Str("sessionID", sessionID).Msg("failed to interrupt query")
		return false
	}
	r.log.Info().Str("sessionID", sessionID).Msg("query interrupted")
	return true
}

// Has reports whether the session has an active query.
func (r *Registry) Has(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[sessionID]
	return ok
}

// Count returns the number of active queries.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// ActiveSessionIDs returns the sessions with an active query, sorted.
func (r *Registry) ActiveSessionIDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}
