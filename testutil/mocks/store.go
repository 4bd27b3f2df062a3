// MockCheckpointStore 的检查点存储测试模拟实现。
//
// 包装进程内存储并支持按操作注入错误，用于引擎容错路径测试。
package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/flowgraph/workflow"
)

// --- MockCheckpointStore 结构 ---

// MockCheckpointStore 是 workflow.CheckpointStore 的模拟实现
type MockCheckpointStore struct {
	mu    sync.Mutex
	inner *workflow.MemoryCheckpointStore

	// 错误注入
	getErr    error
	putErr    error
	deleteErr error

	// 操作计数
	gets    int
	puts    int
	deletes int
}

// NewMockCheckpointStore 创建新的 MockCheckpointStore
func NewMockCheckpointStore() *MockCheckpointStore {
	return &MockCheckpointStore{inner: workflow.NewMemoryCheckpointStore()}
}

// --- Builder 方法 ---

// WithGetError 设置 Get 返回错误
func (m *MockCheckpointStore) WithGetError(err error) *MockCheckpointStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getErr = err
	return m
}

// WithPutError 设置 Put 返回错误
func (m *MockCheckpointStore) WithPutError(err error) *MockCheckpointStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putErr = err
	return m
}

// WithDeleteError 设置 Delete 返回错误
func (m *MockCheckpointStore) WithDeleteError(err error) *MockCheckpointStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteErr = err
	return m
}

// --- CheckpointStore 实现 ---

// Get 实现 workflow.CheckpointStore
func (m *MockCheckpointStore) Get(ctx context.Context, sessionID string) (*workflow.Checkpoint, error) {
	m.mu.Lock()
	m.gets++
	err := m.getErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.inner.Get(ctx, sessionID)
}

// Put 实现 workflow.CheckpointStore
func (m *MockCheckpointStore) Put(ctx context.Context, ckpt *workflow.Checkpoint) error {
	m.mu.Lock()
	m.puts++
	err := m.putErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.inner.Put(ctx, ckpt)
}

// Delete 实现 workflow.CheckpointStore
func (m *MockCheckpointStore) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	m.deletes++
	err := m.deleteErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.inner.Delete(ctx, sessionID)
}

// --- 操作计数查询 ---

// Gets 返回 Get 调用次数
func (m *MockCheckpointStore) Gets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets
}

// Puts 返回 Put 调用次数
func (m *MockCheckpointStore) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

// Deletes 返回 Delete 调用次数
func (m *MockCheckpointStore) Deletes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deletes
}
