package workflow

import (
	"context"
	"time"
)

// StepEventType 是流式事件类型。
type StepEventType string

const (
	// StepEventNode 表示一个节点成功完成。
	StepEventNode StepEventType = "node_completed"
	// StepEventCompleted 表示执行到达终止节点，Result 为最终结果。
	StepEventCompleted StepEventType = "completed"
	// StepEventFailed 表示执行失败，Result 携带部分轨迹。
	StepEventFailed StepEventType = "failed"
)

// StepEvent 是流式执行的事件单元。节点事件携带该节点的输出；
// 终止事件（completed / failed）恰好出现一次，携带与同步执行
// 完全一致的 ExecutionResult，之后通道关闭。
type StepEvent struct {
	Type        StepEventType    `json:"type"`
	ExecutionID string           `json:"execution_id,omitempty"`
	NodeID      string           `json:"node_id,omitempty"`
	NodeType    string           `json:"node_type,omitempty"`
	Output      map[string]any   `json:"output,omitempty"`
	Result      *ExecutionResult `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	Err         error            `json:"-"`
	Timestamp   time.Time        `json:"timestamp"`
}

// Terminal 报告事件是否为终止事件。
func (ev StepEvent) Terminal() bool {
	return ev.Type == StepEventCompleted || ev.Type == StepEventFailed
}

// streamBuffer 给慢消费者留的余量；写满后生产侧阻塞，随 ctx 取消退出。
const streamBuffer = 16

// ExecuteStream 流式执行：每个节点完成即收到一个事件，最后恰好一个
// 终止事件，然后通道关闭。扇出分支的节点事件按实际完成顺序交错到达。
// 取消 ctx 即停止执行并释放生产协程；终止事件会尽力投递。
func (e *Engine) ExecuteStream(ctx context.Context, graph *CompiledGraph, req ExecutionRequest) <-chan StepEvent {
	events := make(chan StepEvent, streamBuffer)

	go func() {
		defer close(events)

		emit := func(ev StepEvent) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		}

		result := e.run(ctx, graph, req, emit)

		terminal := StepEvent{
			ExecutionID: result.ExecutionID,
			Result:      result,
			Timestamp:   time.Now().UTC(),
		}
		if result.Err != nil {
			terminal.Type = StepEventFailed
			terminal.Err = result.Err
			terminal.Error = result.Err.Error()
		} else {
			terminal.Type = StepEventCompleted
		}

		select {
		case events <- terminal:
		case <-ctx.Done():
			// 消费者已离开，尽力投递后关闭
			select {
			case events <- terminal:
			default:
			}
		}
	}()

	return events
}
