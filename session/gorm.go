package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/convoflow-dev/convoflow/types"
)

// sessionRecord is the relational shape of a session. The message history
// and scratchpad travel as one JSON document; queries only ever need the
// id and the activity timestamp. Data carries no explicit column type so
// the dialector picks the native one, bytea on postgres and blob on sqlite.
type sessionRecord struct {
	ID           string `gorm:"primaryKey;size:64"`
	Data         []byte
	Version      int
	LastActiveAt time.Time `gorm:"index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (sessionRecord) TableName() string { return "sessions" }

// GormStore is the durable cold store behind the hybrid tier. It also
// works standalone for single-node deployments without Redis.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore migrates the schema and returns the store.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&sessionRecord{}); err != nil {
		return nil, fmt.Errorf("migrate sessions table: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Get(ctx context.Context, sessionID string) (*types.Session, error) {
	var rec sessionRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var session types.Session
	if err := json.Unmarshal(rec.Data, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &session, nil
}

func (s *GormStore) Save(ctx context.Context, session *types.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	rec := sessionRecord{
		ID:           session.ID,
		Data:         data,
		Version:      session.Version,
		LastActiveAt: session.LastActiveAt,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "version", "last_active_at", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *GormStore) Delete(ctx context.Context, sessionID string) error {
	return s.db.WithContext(ctx).Delete(&sessionRecord{}, "id = ?", sessionID).Error
}

// PruneInactive deletes sessions idle for longer than maxIdle and returns
// how many were removed.
func (s *GormStore) PruneInactive(ctx context.Context, maxIdle time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxIdle)
	res := s.db.WithContext(ctx).Delete(&sessionRecord{}, "last_active_at < ?", cutoff)
	return res.RowsAffected, res.Error
}

var _ ColdStore = (*GormStore)(nil)
