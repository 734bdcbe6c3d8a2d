package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/approval"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/pkg/types"
)

func backends(t *testing.T) map[string]Store {
	sqliteStore, err := NewSQLiteStore(filepath.Join(t.TempDir(), "db", "agentchat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqliteStore.Close() })

	return map[string]Store{
		"file":   NewFileStore(t.TempDir()),
		"sqlite": sqliteStore,
	}
}

func TestSessions(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			created, err := s.GetOrCreateSession(ctx, "")
			require.NoError(t, err)
			assert.NotEmpty(t, created.ID)
			assert.Equal(t, types.DefaultSessionTitle, created.Title)
			assert.True(t, created.HasDefaultTitle())

			got, err := s.GetOrCreateSession(ctx, created.ID)
			require.NoError(t, err)
			assert.Equal(t, created.ID, got.ID)

			_, err = s.GetOrCreateSession(ctx, "missing")
			assert.ErrorIs(t, err, ErrSessionNotFound)
			_, err = s.GetSession(ctx, "missing")
			assert.ErrorIs(t, err, ErrSessionNotFound)

			require.NoError(t, s.UpdateSessionTitle(ctx, created.ID, "Fix the build"))
			require.NoError(t, s.UpdateSessionEngineID(ctx, created.ID, "engine-1"))
			got, err = s.GetSession(ctx, created.ID)
			require.NoError(t, err)
			assert.Equal(t, "Fix the build", got.Title)
			assert.Equal(t, "engine-1", got.EngineSessionID)
			assert.False(t, got.HasDefaultTitle())

			assert.ErrorIs(t, s.UpdateSessionTitle(ctx, "missing", "x"), ErrSessionNotFound)
			assert.ErrorIs(t, s.UpdateSessionEngineID(ctx, "missing", "x"), ErrSessionNotFound)
		})
	}
}

func TestListSessionsMostRecentFirst(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first, err := s.GetOrCreateSession(ctx, "")
			require.NoError(t, err)
			time.Sleep(5 * time.Millisecond)
			second, err := s.GetOrCreateSession(ctx, "")
			require.NoError(t, err)

			sessions, err := s.ListSessions(ctx)
			require.NoError(t, err)
			require.Len(t, sessions, 2)
			assert.Equal(t, second.ID, sessions[0].ID)

			time.Sleep(5 * time.Millisecond)
			_, err = s.AppendMessage(ctx, first.ID, types.RoleUser, "hi", nil)
			require.NoError(t, err)

			sessions, err = s.ListSessions(ctx)
			require.NoError(t, err)
			assert.Equal(t, first.ID, sessions[0].ID)
		})
	}
}

func TestMessages(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			session, err := s.GetOrCreateSession(ctx, "")
			require.NoError(t, err)

			_, err = s.AppendMessage(ctx, session.ID, types.RoleUser, "write a file", nil)
			require.NoError(t, err)
			meta := &types.MessageMetadata{
				Model:       "claude-sonnet",
				Usage:       &types.Usage{InputTokens: 12, OutputTokens: 3},
				CostUSD:     0.01,
				DurationMs:  1500,
				Interrupted: true,
			}
			reply, err := s.AppendMessage(ctx, session.ID, types.RoleAssistant, "done", meta)
			require.NoError(t, err)
			assert.Equal(t, session.ID, reply.SessionID)

			messages, err := s.ListMessages(ctx, session.ID)
			require.NoError(t, err)
			require.Len(t, messages, 2)
			assert.Equal(t, types.RoleUser, messages[0].Role)
			assert.Nil(t, messages[0].Metadata)
			assert.Equal(t, reply.ID, messages[1].ID)
			require.NotNil(t, messages[1].Metadata)
			assert.Equal(t, 12, messages[1].Metadata.Usage.InputTokens)
			assert.True(t, messages[1].Metadata.Interrupted)

			_, err = s.AppendMessage(ctx, "missing", types.RoleUser, "x", nil)
			assert.ErrorIs(t, err, ErrSessionNotFound)
			_, err = s.ListMessages(ctx, "missing")
			assert.ErrorIs(t, err, ErrSessionNotFound)
		})
	}
}

func TestApprovals(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

			later := approval.Record{
				RequestID:  "b",
				SessionID:  "s1",
				ToolName:   "Write",
				Decision:   approval.Deny,
				Cause:      approval.CauseTimeout,
				CreatedAt:  base.Add(time.Second),
				ResolvedAt: base.Add(time.Minute),
			}
			earlier := approval.Record{
				RequestID:   "a",
				SessionID:   "s1",
				ToolName:    "Bash",
				ToolInput:   json.RawMessage(`{"command":"ls"}`),
				IsDangerous: true,
				Decision:    approval.Allow,
				Cause:       approval.CauseClient,
				CreatedAt:   base,
				ResolvedAt:  base.Add(2 * time.Second),
			}
			require.NoError(t, s.SaveApproval(ctx, later))
			require.NoError(t, s.SaveApproval(ctx, earlier))
			require.NoError(t, s.SaveApproval(ctx, approval.Record{RequestID: "c", SessionID: "s2", Decision: approval.Interrupt}))

			records, err := s.ListApprovals(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, records, 2)
			assert.Equal(t, "a", records[0].RequestID)
			assert.True(t, records[0].IsDangerous)
			assert.JSONEq(t, `{"command":"ls"}`, string(records[0].ToolInput))
			assert.Equal(t, 2*time.Second, records[0].Latency())
			assert.Equal(t, approval.CauseTimeout, records[1].Cause)

			records, err = s.ListApprovals(ctx, "nobody")
			require.NoError(t, err)
			assert.Empty(t, records)
		})
	}
}

func TestRecorder(t *testing.T) {
	s := NewFileStore(t.TempDir())
	Recorder(s).RecordApproval(approval.Record{RequestID: "r1", SessionID: "s1", Decision: approval.Allow})

	records, err := s.ListApprovals(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "r1", records[0].RequestID)
}

func TestFileStoreConcurrentAppends(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)
	ctx := context.Background()
	session, err := s.GetOrCreateSession(ctx, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AppendMessage(ctx, session.ID, types.RoleUser, "x", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	messages, err := s.ListMessages(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, messages, 20)

	// No temp or lock files are left behind.
	entries, err := os.ReadDir(filepath.Join(dir, "message", session.ID))
	require.NoError(t, err)
	assert.Len(t, entries, 20)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(types.StoreConfig{}, dir)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = Open(types.StoreConfig{Backend: types.StoreSQLite, Path: filepath.Join(dir, "x.db")}, "")
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(types.StoreConfig{Backend: "redis"}, dir)
	assert.Error(t, err)
}
