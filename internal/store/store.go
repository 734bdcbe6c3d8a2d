// Package store persists sessions, messages and the approval audit trail.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/approval"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/logging"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/pkg/types"
)

var (
	// ErrSessionNotFound is returned for a session id the store has never seen.
	ErrSessionNotFound = errors.New("session not found")
)

// Store is the persistence the turn orchestrator and the read-only API need.
type Store interface {
	// GetOrCreateSession returns the session with the given id. An empty id
	// creates a new session carrying the placeholder title.
	GetOrCreateSession(ctx context.Context, id string) (*types.Session, error)
	GetSession(ctx context.Context, id string) (*types.Session, error)
	// ListSessions returns sessions, most recently updated first.
	ListSessions(ctx context.Context) ([]*types.Session, error)

	AppendMessage(ctx context.Context, sessionID string, role types.Role, content string, meta *types.MessageMetadata) (*types.Message, error)
	// ListMessages returns the messages of a session in creation order.
	ListMessages(ctx context.Context, sessionID string) ([]*types.Message, error)

	UpdateSessionEngineID(ctx context.Context, sessionID, engineID string) error
	UpdateSessionTitle(ctx context.Context, sessionID, title string) error

	SaveApproval(ctx context.Context, rec approval.Record) error
	// ListApprovals returns the approval records of a session, oldest first.
	ListApprovals(ctx context.Context, sessionID string) ([]approval.Record, error)

	Close() error
}

// Open creates the backend selected by cfg. An empty path falls back to
// defaultPath, which callers derive from the XDG data directory.
func Open(cfg types.StoreConfig, defaultPath string) (Store, error) {
	path := cfg.Path
	if path == "" {
		path = defaultPath
	}
	switch cfg.Backend {
	case "", types.StoreFile:
		return NewFileStore(path), nil
	case types.StoreSQLite:
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// Recorder persists approval records handed over by the coordinator.
// Failures are logged; the coordinator never waits on the store.
func Recorder(s Store) approval.Recorder {
	log := logging.Component("store")
	return approval.RecorderFunc(func(rec approval.Record) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.SaveApproval(ctx, rec); err != nil {
			log.Error().Err(err).Str("requestID", rec.RequestID).Msg("failed to save approval record")
		}
	})
}

func newID() string {
	return ulid.Make().String()
}

func now() int64 {
	return time.Now().UnixMilli()
}

func newSession() *types.Session {
	ts := now()
	return &types.Session{
		ID:    newID(),
		Title: types.DefaultSessionTitle,
		Time:  types.SessionTime{Created: ts, Updated: ts},
	}
}
