// Package session persists conversation sessions. Three backends are
// provided: an in-process map for tests and single-node use, Redis for
// distributed hot storage, and a relational database for durable cold
// storage, plus a hybrid tier combining the last two.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/convoflow-dev/convoflow/types"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrVersionConflict = errors.New("session version conflict")
)

// Store is the full session persistence contract. Save is guarded by an
// optimistic version check: it succeeds only when the stored copy still
// carries the version the caller loaded, and bumps the version on commit.
type Store interface {
	Get(ctx context.Context, sessionID string) (*types.Session, error)
	Save(ctx context.Context, session *types.Session) error
	Delete(ctx context.Context, sessionID string) error
	// AppendMessage atomically appends one message to a stored session.
	AppendMessage(ctx context.Context, sessionID string, msg types.Message) error
}

// ColdStore is the narrower contract a durable backing store needs to
// serve the hybrid tier.
type ColdStore interface {
	Get(ctx context.Context, sessionID string) (*types.Session, error)
	Save(ctx context.Context, session *types.Session) error
	Delete(ctx context.Context, sessionID string) error
}

// MemoryStore keeps sessions in an in-process map. Sessions are deep
// copied at every boundary so callers can never alias stored state.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*types.Session
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*types.Session)}
}

func (s *MemoryStore) Get(ctx context.Context, sessionID string) (*types.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session.Clone(), nil
}

func (s *MemoryStore) Save(ctx context.Context, session *types.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if stored, ok := s.sessions[session.ID]; ok && stored.Version != session.Version {
		return ErrVersionConflict
	}
	session.Version++
	s.sessions[session.ID] = session.Clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, sessionID string, msg types.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	session.Messages = append(session.Messages, msg.Clone())
	session.LastActiveAt = time.Now()
	session.Version++
	return nil
}

var _ Store = (*MemoryStore)(nil)

// ColdOnlyStore adapts a ColdStore into the full Store contract for
// deployments that run without a hot tier. Appends are read-modify-write,
// so write serialization falls to the caller's per-session locking.
type ColdOnlyStore struct {
	cold ColdStore
}

// NewColdOnlyStore wraps cold as a full Store.
func NewColdOnlyStore(cold ColdStore) *ColdOnlyStore {
	return &ColdOnlyStore{cold: cold}
}

func (s *ColdOnlyStore) Get(ctx context.Context, sessionID string) (*types.Session, error) {
	return s.cold.Get(ctx, sessionID)
}

func (s *ColdOnlyStore) Save(ctx context.Context, session *types.Session) error {
	return s.cold.Save(ctx, session)
}

func (s *ColdOnlyStore) Delete(ctx context.Context, sessionID string) error {
	return s.cold.Delete(ctx, sessionID)
}

func (s *ColdOnlyStore) AppendMessage(ctx context.Context, sessionID string, msg types.Message) error {
	session, err := s.cold.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	session.Messages = append(session.Messages, msg.Clone())
	session.LastActiveAt = time.Now()
	session.Version++
	return s.cold.Save(ctx, session)
}

var _ Store = (*ColdOnlyStore)(nil)
