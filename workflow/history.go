package workflow

import (
	"sync"
	"time"
)

// NodeRun 记录一次执行中单个节点的起止与结果。
type NodeRun struct {
	NodeID    string        `json:"node_id"`
	NodeType  string        `json:"node_type"`
	Status    string        `json:"status"` // running / completed / failed
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at,omitempty"`
	Duration  time.Duration `json:"duration_ns,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// ExecutionRecord 是一次执行的全量历史：标识、状态机、各节点起止。
type ExecutionRecord struct {
	ExecutionID string          `json:"execution_id"`
	WorkflowID  string          `json:"workflow_id,omitempty"`
	SessionID   string          `json:"session_id"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	EndedAt     time.Time       `json:"ended_at,omitempty"`
	Nodes       []NodeRun       `json:"nodes"`
	Error       string          `json:"error,omitempty"`
}

func (r *ExecutionRecord) clone() *ExecutionRecord {
	cp := *r
	cp.Nodes = make([]NodeRun, len(r.Nodes))
	copy(cp.Nodes, r.Nodes)
	return &cp
}

// HistoryFilter 约束 List 查询。零值字段不过滤。
type HistoryFilter struct {
	Status     ExecutionStatus
	WorkflowID string
	SessionID  string
	// Limit <= 0 表示不限。
	Limit int
}

// ExecutionHistoryStore 在内存中记录最近 N 次执行，供
// GET /api/v1/executions 查询。容量满后淘汰最旧记录。
type ExecutionHistoryStore struct {
	mu       sync.RWMutex
	byID     map[string]*ExecutionRecord
	order    []string // 插入序，头部最旧
	capacity int
}

// DefaultHistoryCapacity 是历史记录的默认容量。
const DefaultHistoryCapacity = 1000

// NewExecutionHistoryStore 创建历史存储。capacity <= 0 时用默认容量。
func NewExecutionHistoryStore(capacity int) *ExecutionHistoryStore {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &ExecutionHistoryStore{
		byID:     make(map[string]*ExecutionRecord),
		capacity: capacity,
	}
}

// Begin 登记一次新执行（状态 Running）。
func (s *ExecutionHistoryStore) Begin(executionID, workflowID, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[executionID]; exists {
		return
	}
	for len(s.order) >= s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.byID, oldest)
	}
	s.byID[executionID] = &ExecutionRecord{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		SessionID:   sessionID,
		Status:      StatusRunning,
		StartedAt:   time.Now().UTC(),
		Nodes:       make([]NodeRun, 0, 8),
	}
	s.order = append(s.order, executionID)
}

// NodeStart 记录节点开始。
func (s *ExecutionHistoryStore) NodeStart(executionID, nodeID, nodeType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.byID[executionID]
	if !ok {
		return
	}
	record.Nodes = append(record.Nodes, NodeRun{
		NodeID:    nodeID,
		NodeType:  nodeType,
		Status:    "running",
		StartedAt: time.Now().UTC(),
	})
}

// NodeEnd 记录节点结束。按节点 id 从尾部找最近一条 running 记录回填。
func (s *ExecutionHistoryStore) NodeEnd(executionID, nodeID string, nodeErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.byID[executionID]
	if !ok {
		return
	}
	for i := len(record.Nodes) - 1; i >= 0; i-- {
		run := &record.Nodes[i]
		if run.NodeID != nodeID || run.Status != "running" {
			continue
		}
		run.EndedAt = time.Now().UTC()
		run.Duration = run.EndedAt.Sub(run.StartedAt)
		if nodeErr != nil {
			run.Status = "failed"
			run.Error = nodeErr.Error()
		} else {
			run.Status = "completed"
		}
		return
	}
}

// Complete 终结一次执行。
func (s *ExecutionHistoryStore) Complete(executionID string, status ExecutionStatus, execErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.byID[executionID]
	if !ok {
		return
	}
	record.Status = status
	record.EndedAt = time.Now().UTC()
	if execErr != nil {
		record.Error = execErr.Error()
	}
}

// Get 按执行 id 查询，返回深拷贝。
func (s *ExecutionHistoryStore) Get(executionID string) (*ExecutionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.byID[executionID]
	if !ok {
		return nil, false
	}
	return record.clone(), true
}

// List 按过滤条件返回执行记录，最新的在前。
func (s *ExecutionHistoryStore) List(filter HistoryFilter) []*ExecutionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ExecutionRecord, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		record := s.byID[s.order[i]]
		if filter.Status != "" && record.Status != filter.Status {
			continue
		}
		if filter.WorkflowID != "" && record.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.SessionID != "" && record.SessionID != filter.SessionID {
			continue
		}
		out = append(out, record.clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// Len 返回当前记录数。
func (s *ExecutionHistoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
