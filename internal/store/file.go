package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/internal/approval"
	"github.com/KoheiYamashita/agent-sdk-chat-sub001/pkg/types"
)

// FileStore keeps everything as JSON files:
//
//	session/<id>.json
//	message/<sessionID>/<messageID>.json
//	approval/<sessionID>/<requestID>.json
type FileStore struct {
	tree *jsonTree

	// mu serializes read-modify-write of session documents.
	mu sync.Mutex
}

// NewFileStore creates a file store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{tree: newJSONTree(dir)}
}

func (s *FileStore) GetOrCreateSession(ctx context.Context, id string) (*types.Session, error) {
	if id != "" {
		return s.GetSession(ctx, id)
	}
	session := newSession()
	if err := s.tree.put([]string{"session", session.ID}, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *FileStore) GetSession(ctx context.Context, id string) (*types.Session, error) {
	var session types.Session
	if err := s.tree.get([]string{"session", id}, &session); err != nil {
		if errors.Is(err, errNoEntry) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &session, nil
}

func (s *FileStore) ListSessions(ctx context.Context) ([]*types.Session, error) {
	sessions := []*types.Session{}
	err := s.tree.scan([]string{"session"}, func(key string, data []byte) error {
		var session types.Session
		if err := json.Unmarshal(data, &session); err != nil {
			return nil
		}
		sessions = append(sessions, &session)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].Time.Updated > sessions[j].Time.Updated
	})
	return sessions, nil
}

func (s *FileStore) AppendMessage(ctx context.Context, sessionID string, role types.Role, content string, meta *types.MessageMetadata) (*types.Message, error) {
	msg := &types.Message{
		ID:        newID(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Metadata:  meta,
		Created:   now(),
	}
	err := s.updateSession(sessionID, func(session *types.Session) error {
		return s.tree.put([]string{"message", sessionID, msg.ID}, msg)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *FileStore) ListMessages(ctx context.Context, sessionID string) ([]*types.Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	messages := []*types.Message{}
	err := s.tree.scan([]string{"message", sessionID}, func(key string, data []byte) error {
		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil
		}
		messages = append(messages, &msg)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *FileStore) UpdateSessionEngineID(ctx context.Context, sessionID, engineID string) error {
	return s.updateSession(sessionID, func(session *types.Session) error {
		session.EngineSessionID = engineID
		return nil
	})
}

func (s *FileStore) UpdateSessionTitle(ctx context.Context, sessionID, title string) error {
	return s.updateSession(sessionID, func(session *types.Session) error {
		session.Title = title
		return nil
	})
}

func (s *FileStore) SaveApproval(ctx context.Context, rec approval.Record) error {
	return s.tree.put([]string{"approval", rec.SessionID, rec.RequestID}, rec)
}

func (s *FileStore) ListApprovals(ctx context.Context, sessionID string) ([]approval.Record, error) {
	records := []approval.Record{}
	err := s.tree.scan([]string{"approval", sessionID}, func(key string, data []byte) error {
		var rec approval.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

func (s *FileStore) Close() error { return nil }

// updateSession applies fn to the stored session and bumps its update time.
func (s *FileStore) updateSession(id string, fn func(*types.Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var session types.Session
	if err := s.tree.get([]string{"session", id}, &session); err != nil {
		if errors.Is(err, errNoEntry) {
			return ErrSessionNotFound
		}
		return err
	}
	if err := fn(&session); err != nil {
		return err
	}
	session.Time.Updated = now()
	return s.tree.put([]string{"session", id}, &session)
}
