// MockInvoker 的模型后端测试模拟实现。
//
// 支持固定响应、按提示词脚本化响应与错误注入场景。
package mocks

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/flowgraph/workflow"
)

// --- MockInvoker 结构 ---

// MockInvoker 是 workflow.ModelInvoker 的模拟实现
type MockInvoker struct {
	mu sync.RWMutex

	// 响应配置
	response string
	scripted map[string]string // 提示词包含 key 时返回对应值
	err      error

	// Token 使用统计
	inputTokens  int
	outputTokens int

	// 调用记录
	calls      []MockInvokerCall
	invokeFunc func(ctx context.Context, req workflow.ModelRequest) (*workflow.ModelResponse, error)

	// 行为控制
	delay     time.Duration // 模拟延迟
	failAfter int           // 在第 N 次调用后失败
	callCount int
}

// MockInvokerCall 记录单次调用
type MockInvokerCall struct {
	Request  workflow.ModelRequest
	Response *workflow.ModelResponse
	Error    error
}

// --- 构造函数和 Builder 方法 ---

// NewMockInvoker 创建新的 MockInvoker
func NewMockInvoker() *MockInvoker {
	return &MockInvoker{
		response:     "Mock response",
		inputTokens:  10,
		outputTokens: 20,
	}
}

// WithResponse 设置固定响应内容
func (m *MockInvoker) WithResponse(response string) *MockInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = response
	return m
}

// WithScriptedResponse 当提示词包含 key 时返回 response
func (m *MockInvoker) WithScriptedResponse(key, response string) *MockInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scripted == nil {
		m.scripted = make(map[string]string)
	}
	m.scripted[key] = response
	return m
}

// WithError 设置返回错误
func (m *MockInvoker) WithError(err error) *MockInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithDelay 设置每次调用前的模拟延迟
func (m *MockInvoker) WithDelay(d time.Duration) *MockInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithFailAfter 设置在第 n 次调用后开始失败
func (m *MockInvoker) WithFailAfter(n int, err error) *MockInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
	m.err = err
	return m
}

// WithInvokeFunc 完全自定义调用行为
func (m *MockInvoker) WithInvokeFunc(fn func(ctx context.Context, req workflow.ModelRequest) (*workflow.ModelResponse, error)) *MockInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invokeFunc = fn
	return m
}

// WithTokenUsage 设置响应的 token 统计
func (m *MockInvoker) WithTokenUsage(input, output int) *MockInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputTokens = input
	m.outputTokens = output
	return m
}

// --- ModelInvoker 实现 ---

// Invoke 实现 workflow.ModelInvoker
func (m *MockInvoker) Invoke(ctx context.Context, req workflow.ModelRequest) (*workflow.ModelResponse, error) {
	// 快照配置，延迟与回调在锁外执行
	m.mu.Lock()
	m.callCount++
	count := m.callCount
	delay := m.delay
	fn := m.invokeFunc
	failAfter := m.failAfter
	injectErr := m.err
	text := m.response
	for key, scripted := range m.scripted {
		if strings.Contains(req.Prompt, key) {
			text = scripted
			break
		}
	}
	inputTokens, outputTokens := m.inputTokens, m.outputTokens
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			m.record(req, nil, ctx.Err())
			return nil, ctx.Err()
		}
	}

	if fn != nil {
		resp, err := fn(ctx, req)
		m.record(req, resp, err)
		return resp, err
	}

	if injectErr != nil && (failAfter == 0 || count > failAfter) {
		m.record(req, nil, injectErr)
		return nil, injectErr
	}

	resp := &workflow.ModelResponse{
		Text:         text,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	}
	m.record(req, resp, nil)
	return resp, nil
}

// --- 调用记录查询 ---

// Calls 返回所有调用记录的副本
func (m *MockInvoker) Calls() []MockInvokerCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MockInvokerCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount 返回调用次数
func (m *MockInvoker) CallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callCount
}

// Prompts 返回收到的全部提示词
func (m *MockInvoker) Prompts() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.calls))
	for i, c := range m.calls {
		out[i] = c.Request.Prompt
	}
	return out
}

// Reset 清空调用记录和计数
func (m *MockInvoker) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.callCount = 0
}

func (m *MockInvoker) record(req workflow.ModelRequest, resp *workflow.ModelResponse, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockInvokerCall{Request: req, Response: resp, Error: err})
}
