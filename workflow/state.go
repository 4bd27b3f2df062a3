package workflow

import (
	"encoding/json"
	"time"
)

// ExecutionStatus 是一次执行的状态机取值：Pending → Running → Completed | Failed。
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// TraceStep 是执行轨迹中的一条记录：每个成功完成的节点产生一条。
type TraceStep struct {
	NodeID    string         `json:"node_id"`
	Output    map[string]any `json:"output"`
	Timestamp time.Time      `json:"timestamp"`
}

// ExecutionState 是单个会话的可变执行记录。
//
// 同一会话的多轮执行共享并延续该状态（经由 CheckpointStore）；
// 不同会话之间绝不共享。主循环内状态单线程访问，扇出分支各自持有
// Clone 出的副本。
type ExecutionState struct {
	SessionID string         `json:"session_id"`
	Bindings  map[string]any `json:"bindings"`
	Visited   []TraceStep    `json:"visited"`
	Memory    map[string]any `json:"memory"`
}

// NewExecutionState 创建空白会话状态。
func NewExecutionState(sessionID string) *ExecutionState {
	return &ExecutionState{
		SessionID: sessionID,
		Bindings:  make(map[string]any),
		Visited:   make([]TraceStep, 0),
		Memory:    make(map[string]any),
	}
}

// Clone 深拷贝状态。经由 JSON 往返实现，同时把绑定值归一化为
// JSON 基础类型（数值统一为 float64），这也是路由条件做深度相等
// 比较时依赖的归一化语义。
func (s *ExecutionState) Clone() *ExecutionState {
	if s == nil {
		return nil
	}
	cp := &ExecutionState{
		SessionID: s.SessionID,
		Bindings:  deepCopyMap(s.Bindings),
		Memory:    deepCopyMap(s.Memory),
		Visited:   make([]TraceStep, len(s.Visited)),
	}
	for i, step := range s.Visited {
		cp.Visited[i] = TraceStep{
			NodeID:    step.NodeID,
			Output:    deepCopyMap(step.Output),
			Timestamp: step.Timestamp,
		}
	}
	return cp
}

// SetBinding 写入一个变量绑定。
func (s *ExecutionState) SetBinding(key string, value any) {
	if s.Bindings == nil {
		s.Bindings = make(map[string]any)
	}
	s.Bindings[key] = value
}

// Binding 读取一个变量绑定。
func (s *ExecutionState) Binding(key string) (any, bool) {
	v, ok := s.Bindings[key]
	return v, ok
}

// MergeBindings 把一个节点的输出合并进绑定表，后写覆盖同名键。
func (s *ExecutionState) MergeBindings(output map[string]any) {
	if len(output) == 0 {
		return
	}
	if s.Bindings == nil {
		s.Bindings = make(map[string]any)
	}
	for k, v := range output {
		s.Bindings[k] = v
	}
}

// Checkpoint 是 ExecutionState 的版本化可序列化快照，按 session id 持久化。
// 不变式：只有节点成功完成后才写入 —— 半途失败的节点绝不污染 Checkpoint。
type Checkpoint struct {
	SessionID string          `json:"session_id"`
	Version   int             `json:"version"`
	State     *ExecutionState `json:"state"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Clone 深拷贝 Checkpoint。
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	return &Checkpoint{
		SessionID: c.SessionID,
		Version:   c.Version,
		State:     c.State.Clone(),
		UpdatedAt: c.UpdatedAt,
	}
}

// deepCopyMap 经 JSON 往返深拷贝任意 map。不可序列化的值会整体浅拷贝兜底。
func deepCopyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	if len(in) == 0 {
		return out
	}
	data, err := json.Marshal(in)
	if err != nil {
		for k, v := range in {
			out[k] = v
		}
		return out
	}
	if err := json.Unmarshal(data, &out); err != nil {
		for k, v := range in {
			out[k] = v
		}
	}
	return out
}

// normalizeValue 把任意值经 JSON 往返归一化（map[string]any / []any / float64 / string / bool / nil）。
// 路由条件的深度相等比较在归一化之后进行，避免 int 与 float64 等表示差异。
func normalizeValue(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
