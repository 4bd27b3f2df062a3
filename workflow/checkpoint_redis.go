package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultCheckpointPrefix 是 Redis 键前缀：flowgraph:ckpt:<session_id>。
const DefaultCheckpointPrefix = "flowgraph:ckpt:"

// RedisCheckpointOptions 配置 Redis Checkpoint 存储。
type RedisCheckpointOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	// KeyPrefix 为空时使用 DefaultCheckpointPrefix。
	KeyPrefix string
	// TTL 为 0 时键不过期。
	TTL    time.Duration
	Logger *zap.Logger
}

// RedisCheckpointStore 把 Checkpoint 以 JSON 存入 Redis，适合多实例部署
// 共享会话状态。引擎单写者契约下，版本递增用 GET+SET 即可。
type RedisCheckpointStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCheckpointStore 建立连接并 Ping 确认可用。
func NewRedisCheckpointStore(opts RedisCheckpointOptions) (*RedisCheckpointStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisCheckpointStoreFromClient(client, opts.KeyPrefix, opts.TTL, opts.Logger), nil
}

// NewRedisCheckpointStoreFromClient 复用既有客户端（测试注入 miniredis 用）。
func NewRedisCheckpointStoreFromClient(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *RedisCheckpointStore {
	if prefix == "" {
		prefix = DefaultCheckpointPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCheckpointStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "redis_checkpoint_store")),
	}
}

func (s *RedisCheckpointStore) key(sessionID string) string {
	return s.prefix + sessionID
}

func (s *RedisCheckpointStore) Get(ctx context.Context, sessionID string) (*Checkpoint, error) {
	data, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("session %q: %w", sessionID, ErrCheckpointNotFound)
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var ckpt Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint for session %q: %w", sessionID, err)
	}
	return &ckpt, nil
}

func (s *RedisCheckpointStore) Put(ctx context.Context, ckpt *Checkpoint) error {
	if ckpt == nil || ckpt.SessionID == "" {
		return fmt.Errorf("checkpoint requires a session id")
	}

	stored := ckpt.Clone()
	stored.Version = 1
	if prev, err := s.Get(ctx, ckpt.SessionID); err == nil {
		stored.Version = prev.Version + 1
	} else if !errors.Is(err, ErrCheckpointNotFound) {
		return err
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := s.client.Set(ctx, s.key(ckpt.SessionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	s.logger.Debug("checkpoint stored",
		zap.String("session_id", ckpt.SessionID),
		zap.Int("version", stored.Version))
	return nil
}

func (s *RedisCheckpointStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close 释放底层连接。
func (s *RedisCheckpointStore) Close() error {
	return s.client.Close()
}

var _ CheckpointStore = (*RedisCheckpointStore)(nil)
