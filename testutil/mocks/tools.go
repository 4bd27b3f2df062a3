// 工具函数的测试模拟实现。
//
// 提供回显、固定结果、错误注入与调用记录四类常用工具。
package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/flowgraph/workflow"
)

// EchoTool 返回原样回显参数的工具函数
func EchoTool() workflow.ToolFunc {
	return func(_ context.Context, args map[string]any) (any, error) {
		return args, nil
	}
}

// StaticTool 返回固定结果的工具函数
func StaticTool(result any) workflow.ToolFunc {
	return func(_ context.Context, _ map[string]any) (any, error) {
		return result, nil
	}
}

// FailingTool 返回固定错误的工具函数
func FailingTool(err error) workflow.ToolFunc {
	return func(_ context.Context, _ map[string]any) (any, error) {
		return nil, err
	}
}

// RecordingTool 包装工具函数并记录每次调用的参数
type RecordingTool struct {
	mu    sync.Mutex
	inner workflow.ToolFunc
	calls []map[string]any
}

// NewRecordingTool 创建记录调用的工具包装
func NewRecordingTool(inner workflow.ToolFunc) *RecordingTool {
	return &RecordingTool{inner: inner}
}

// Func 返回可注册到 ToolRegistry 的函数
func (r *RecordingTool) Func() workflow.ToolFunc {
	return func(ctx context.Context, args map[string]any) (any, error) {
		r.mu.Lock()
		copied := make(map[string]any, len(args))
		for k, v := range args {
			copied[k] = v
		}
		r.calls = append(r.calls, copied)
		r.mu.Unlock()
		return r.inner(ctx, args)
	}
}

// Calls 返回所有调用参数的副本
func (r *RecordingTool) Calls() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]map[string]any, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallCount 返回调用次数
func (r *RecordingTool) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
