package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCheckpointNotFound 表示会话尚无 Checkpoint。
// 调用方用 errors.Is 判断，首轮执行会命中该分支。
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// CheckpointStore 按 session id 持久化执行状态快照。
//
// 契约：Put 负责递增版本号并深拷贝状态（写入后调用方继续改动状态不影响
// 已存快照）；引擎保证单次执行内对同一会话只有一个写入者，默认实现因此
// 无需按键加锁。写入是 last-writer-wins。
type CheckpointStore interface {
	// Get 读取会话最新的 Checkpoint，不存在时返回 ErrCheckpointNotFound。
	Get(ctx context.Context, sessionID string) (*Checkpoint, error)
	// Put 写入快照：版本号在已存版本上递增，状态深拷贝。
	Put(ctx context.Context, ckpt *Checkpoint) error
	// Delete 删除会话快照。不存在时不报错（幂等）。
	Delete(ctx context.Context, sessionID string) error
}

// MemoryCheckpointStore 是进程内默认实现：RWMutex 保护的 map，存取双向深拷贝。
type MemoryCheckpointStore struct {
	mu   sync.RWMutex
	data map[string]*Checkpoint
}

// NewMemoryCheckpointStore 创建内存 Checkpoint 存储。
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{data: make(map[string]*Checkpoint)}
}

func (s *MemoryCheckpointStore) Get(_ context.Context, sessionID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ckpt, ok := s.data[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", sessionID, ErrCheckpointNotFound)
	}
	return ckpt.Clone(), nil
}

func (s *MemoryCheckpointStore) Put(_ context.Context, ckpt *Checkpoint) error {
	if ckpt == nil || ckpt.SessionID == "" {
		return fmt.Errorf("checkpoint requires a session id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := ckpt.Clone()
	stored.Version = 1
	if prev, ok := s.data[ckpt.SessionID]; ok {
		stored.Version = prev.Version + 1
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now().UTC()
	}
	s.data[ckpt.SessionID] = stored
	return nil
}

func (s *MemoryCheckpointStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, sessionID)
	return nil
}

// Len 返回已存会话数，供测试与运维探针使用。
func (s *MemoryCheckpointStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

var _ CheckpointStore = (*MemoryCheckpointStore)(nil)
