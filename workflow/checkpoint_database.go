package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// checkpointRecord 是 checkpoints 表的 gorm 模型。
// State 列存 ExecutionState 的 JSON（跨方言最稳的表示）。
type checkpointRecord struct {
	SessionID string    `gorm:"column:session_id;primaryKey;size:191"`
	Version   int       `gorm:"column:version;not null"`
	State     string    `gorm:"column:state;type:text;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (checkpointRecord) TableName() string { return "checkpoints" }

// DatabaseCheckpointStore 把 Checkpoint 存入关系库（postgres / mysql / sqlite，
// 方言由 internal/database 打开的 *gorm.DB 决定）。
type DatabaseCheckpointStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewDatabaseCheckpointStore 包装一个已打开的 gorm 连接。
// 表结构由 internal/migration 维护；测试环境可用 AutoMigrate 建表。
func NewDatabaseCheckpointStore(db *gorm.DB, logger *zap.Logger) *DatabaseCheckpointStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DatabaseCheckpointStore{
		db:     db,
		logger: logger.With(zap.String("component", "database_checkpoint_store")),
	}
}

// AutoMigrate 建表，仅供测试与本地开发；生产走 migrate 子命令。
func (s *DatabaseCheckpointStore) AutoMigrate() error {
	return s.db.AutoMigrate(&checkpointRecord{})
}

func (s *DatabaseCheckpointStore) Get(ctx context.Context, sessionID string) (*Checkpoint, error) {
	var record checkpointRecord
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("session %q: %w", sessionID, ErrCheckpointNotFound)
		}
		return nil, fmt.Errorf("query checkpoint: %w", err)
	}

	var state ExecutionState
	if err := json.Unmarshal([]byte(record.State), &state); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint for session %q: %w", sessionID, err)
	}
	return &Checkpoint{
		SessionID: record.SessionID,
		Version:   record.Version,
		State:     &state,
		UpdatedAt: record.UpdatedAt,
	}, nil
}

func (s *DatabaseCheckpointStore) Put(ctx context.Context, ckpt *Checkpoint) error {
	if ckpt == nil || ckpt.SessionID == "" {
		return fmt.Errorf("checkpoint requires a session id")
	}

	version := 1
	var prev checkpointRecord
	err := s.db.WithContext(ctx).
		Select("version").
		Where("session_id = ?", ckpt.SessionID).
		First(&prev).Error
	switch {
	case err == nil:
		version = prev.Version + 1
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return fmt.Errorf("query checkpoint version: %w", err)
	}

	stateJSON, err := json.Marshal(ckpt.State.Clone())
	if err != nil {
		return fmt.Errorf("marshal checkpoint state: %w", err)
	}
	updatedAt := ckpt.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	record := checkpointRecord{
		SessionID: ckpt.SessionID,
		Version:   version,
		State:     string(stateJSON),
		UpdatedAt: updatedAt,
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"version", "state", "updated_at"}),
		}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}

	s.logger.Debug("checkpoint stored",
		zap.String("session_id", ckpt.SessionID),
		zap.Int("version", version))
	return nil
}

func (s *DatabaseCheckpointStore) Delete(ctx context.Context, sessionID string) error {
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Delete(&checkpointRecord{}).Error
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

var _ CheckpointStore = (*DatabaseCheckpointStore)(nil)
