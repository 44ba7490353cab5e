package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/convoflow-dev/convoflow/types"
)

// HybridStore serves reads from Redis, falls back to the cold store on a
// miss and backfills, and persists writes to the cold store from an async
// worker so the hot path never waits on the database.
type HybridStore struct {
	hot  *RedisStore
	cold ColdStore
	log  *zap.Logger

	persistCh   chan *types.Session
	persistOnce sync.Once
	closeOnce   sync.Once
}

// NewHybridStore creates the hybrid tier. Call StartPersistWorker before
// the first write.
func NewHybridStore(rdb *redis.Client, cold ColdStore, ttl time.Duration, log *zap.Logger) *HybridStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &HybridStore{
		hot:       NewRedisStore(rdb, ttl, log),
		cold:      cold,
		log:       log,
		persistCh: make(chan *types.Session, 100),
	}
}

// StartPersistWorker launches the async cold-store writer. Subsequent
// calls are no-ops.
func (h *HybridStore) StartPersistWorker(ctx context.Context) {
	h.persistOnce.Do(func() {
		go h.persistWorker(ctx)
	})
}

func (h *HybridStore) persistWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case session, ok := <-h.persistCh:
			if !ok {
				return
			}
			if err := h.cold.Save(ctx, session); err != nil {
				h.log.Error("cold-store persist failed",
					zap.String("session_id", session.ID),
					zap.Error(err))
				continue
			}
			h.log.Debug("session persisted to cold store",
				zap.String("session_id", session.ID))
		}
	}
}

func (h *HybridStore) enqueuePersist(session *types.Session) {
	select {
	case h.persistCh <- session.Clone():
	default:
		h.log.Warn("persist queue full, dropping snapshot",
			zap.String("session_id", session.ID))
	}
}

func (h *HybridStore) Get(ctx context.Context, sessionID string) (*types.Session, error) {
	session, err := h.hot.Get(ctx, sessionID)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		h.log.Warn("redis get failed, falling back to cold store",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	session, err = h.cold.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// Backfill the hot tier. The stored version must round-trip as is.
	backfill := session.Clone()
	backfill.Version--
	if err := h.hot.Save(ctx, backfill); err != nil {
		h.log.Warn("redis backfill failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	return session, nil
}

func (h *HybridStore) Save(ctx context.Context, session *types.Session) error {
	if err := h.hot.Save(ctx, session); err != nil {
		return err
	}
	h.enqueuePersist(session)
	return nil
}

func (h *HybridStore) Delete(ctx context.Context, sessionID string) error {
	if err := h.hot.Delete(ctx, sessionID); err != nil {
		h.log.Warn("redis delete failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	return h.cold.Delete(ctx, sessionID)
}

func (h *HybridStore) AppendMessage(ctx context.Context, sessionID string, msg types.Message) error {
	err := h.hot.AppendMessage(ctx, sessionID, msg)
	if errors.Is(err, ErrSessionNotFound) {
		// Session aged out of Redis; reload from the cold store.
		session, coldErr := h.cold.Get(ctx, sessionID)
		if coldErr != nil {
			return coldErr
		}
		session.Messages = append(session.Messages, msg)
		session.LastActiveAt = time.Now()
		return h.Save(ctx, session)
	}
	if err != nil {
		return err
	}

	if session, getErr := h.hot.Get(ctx, sessionID); getErr == nil {
		h.enqueuePersist(session)
	}
	return nil
}

// Close stops accepting persist work. In-flight snapshots drain until the
// worker's context ends.
func (h *HybridStore) Close() {
	h.closeOnce.Do(func() {
		close(h.persistCh)
	})
}

var _ Store = (*HybridStore)(nil)
