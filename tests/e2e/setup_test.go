// E2E 测试环境与通用辅助函数。
//
// 通过 httptest 启动完整的 HTTP 服务（路由与生产 server 一致），
// 提供端到端测试的统一初始化与资源清理逻辑。
//go:build e2e

package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowgraph/api"
	"github.com/BaSui01/flowgraph/api/handlers"
	"github.com/BaSui01/flowgraph/testutil"
	"github.com/BaSui01/flowgraph/testutil/mocks"
	"github.com/BaSui01/flowgraph/workflow"
)

// --- 测试环境 ---

// TestEnv E2E 测试环境。Server 暴露与生产进程一致的路由，
// 引擎的模型调用、工具执行与检查点存储全部接在 mock 上。
type TestEnv struct {
	Logger  *zap.Logger
	Server  *httptest.Server
	Invoker *mocks.MockInvoker
	Tool    *mocks.RecordingTool
	Store   *mocks.MockCheckpointStore
	History *workflow.ExecutionHistoryStore

	ctx    context.Context
	cancel context.CancelFunc
}

// --- 环境设置 ---

// NewTestEnv 创建新的测试环境
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()

	// 创建上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)

	// 创建 logger
	logger, _ := zap.NewDevelopment()

	// 创建 mock 组件
	invoker := mocks.NewMockInvoker()
	tool := mocks.NewRecordingTool(mocks.EchoTool())
	store := mocks.NewMockCheckpointStore()
	history := workflow.NewExecutionHistoryStore(100)

	tools := workflow.NewToolRegistry()
	tools.Register("echo", tool.Func())

	// 组装引擎与处理器，路由布局与 cmd/flowgraph 的 server 保持一致
	registry := workflow.DefaultRegistry()
	builder := workflow.NewBuilder(registry, logger)
	engine := workflow.NewEngine(
		workflow.WithEngineLogger(logger),
		workflow.WithCheckpointStore(store),
		workflow.WithHistory(history),
	)

	bctx := &workflow.BuildContext{
		Invoker: invoker,
		Tools:   tools,
		Logger:  logger,
	}

	validateHandler := handlers.NewValidateHandler(registry, logger)
	executeHandler := handlers.NewExecuteHandler(builder, engine, bctx, logger)
	executionsHandler := handlers.NewExecutionsHandler(history, logger)
	healthHandler := handlers.NewHealthHandler(logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler.HandleHealth)
	mux.HandleFunc("POST /validate", validateHandler.HandleValidate)
	mux.HandleFunc("POST /api/v1/validate", validateHandler.HandleValidate)
	mux.HandleFunc("POST /execute", executeHandler.HandleExecute)
	mux.HandleFunc("POST /api/v1/execute", executeHandler.HandleExecute)
	mux.HandleFunc("GET /api/v1/execute/ws", executeHandler.HandleExecuteWS)
	mux.HandleFunc("GET /api/v1/executions", executionsHandler.HandleList)
	mux.HandleFunc("GET /api/v1/executions/{id}", executionsHandler.HandleGet)

	server := httptest.NewServer(mux)

	env := &TestEnv{
		Logger:  logger,
		Server:  server,
		Invoker: invoker,
		Tool:    tool,
		Store:   store,
		History: history,
		ctx:     ctx,
		cancel:  cancel,
	}

	// 注册清理函数
	t.Cleanup(func() {
		env.Cleanup()
	})

	return env
}

// Context 返回测试上下文
func (e *TestEnv) Context() context.Context {
	return e.ctx
}

// Cleanup 清理测试环境
func (e *TestEnv) Cleanup() {
	e.Server.Close()
	e.cancel()
	if e.Logger != nil {
		e.Logger.Sync()
	}
}

// Reset 重置所有 mock 状态
func (e *TestEnv) Reset() {
	e.Invoker.Reset()
}

// URL 拼接服务地址与路径
func (e *TestEnv) URL(path string) string {
	return e.Server.URL + path
}

// --- HTTP 辅助 ---

// PostJSON 向服务发送 JSON POST 请求并返回响应与完整 body
func (e *TestEnv) PostJSON(t *testing.T, path string, body []byte) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequestWithContext(e.ctx, http.MethodPost, e.URL(path), bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.Server.Client().Do(req)
	if err != nil {
		t.Fatalf("Request %s failed: %v", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	return resp, data
}

// GetJSON 向服务发送 GET 请求并返回响应与完整 body
func (e *TestEnv) GetJSON(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequestWithContext(e.ctx, http.MethodGet, e.URL(path), nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}

	resp, err := e.Server.Client().Do(req)
	if err != nil {
		t.Fatalf("Request %s failed: %v", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	return resp, data
}

// Validate 提交文档校验并解析结果
func (e *TestEnv) Validate(t *testing.T, doc []byte) workflow.ValidationResult {
	t.Helper()

	resp, data := e.PostJSON(t, "/validate", doc)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Validate returned status %d: %s", resp.StatusCode, data)
	}

	var result workflow.ValidationResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("Failed to decode validation result: %v", err)
	}
	return result
}

// Execute 提交同步执行请求并解析结果
func (e *TestEnv) Execute(t *testing.T, req api.ExecuteRequest) api.ExecuteResponse {
	t.Helper()

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal execute request: %v", err)
	}

	resp, data := e.PostJSON(t, "/execute", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Execute returned status %d: %s", resp.StatusCode, data)
	}

	var result api.ExecuteResponse
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("Failed to decode execute response: %v", err)
	}
	return result
}

// ExecuteStream 提交流式执行请求，返回按序到达的 SSE data 载荷
// （不含结束标记 [DONE]）。
func (e *TestEnv) ExecuteStream(t *testing.T, req api.ExecuteRequest) []workflow.StepEvent {
	t.Helper()

	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal execute request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(e.ctx, http.MethodPost, e.URL("/execute"), bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.Server.Client().Do(httpReq)
	if err != nil {
		t.Fatalf("Stream request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("Stream returned status %d: %s", resp.StatusCode, data)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Expected SSE content type, got %q", ct)
	}

	var events []workflow.StepEvent
	sawDone := false

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if payload == "[DONE]" {
			sawDone = true
			break
		}

		var ev workflow.StepEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			t.Fatalf("Failed to decode SSE event %q: %v", payload, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("SSE scan failed: %v", err)
	}
	if !sawDone {
		t.Fatal("SSE stream ended without [DONE] marker")
	}
	return events
}

// --- 环境检查 ---

// SkipIfNoRedis 如果没有 Redis 则跳过测试
func SkipIfNoRedis(t *testing.T) {
	t.Helper()
	if os.Getenv("FLOWGRAPH_REDIS_ADDR") == "" {
		t.Skip("Skipping test: Redis not configured (set FLOWGRAPH_REDIS_ADDR)")
	}
}

// SkipIfNoPostgres 如果没有 PostgreSQL 则跳过测试
func SkipIfNoPostgres(t *testing.T) {
	t.Helper()
	if os.Getenv("FLOWGRAPH_DATABASE_HOST") == "" {
		t.Skip("Skipping test: PostgreSQL not configured (set FLOWGRAPH_DATABASE_HOST)")
	}
}

// SkipIfShort 如果是短测试模式则跳过
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping long-running test in short mode")
	}
}

// --- 测试辅助 ---

// WaitForCondition 等待条件满足
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()
	if !testutil.WaitFor(condition, timeout) {
		t.Fatalf("Condition not met within %v: %s", timeout, msg)
	}
}

// AssertEventually 断言条件最终满足
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	testutil.AssertEventuallyTrue(t, condition, timeout)
}

// --- 指标收集 ---

// TestMetrics 测试指标收集器
type TestMetrics struct {
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Iterations   int
	Errors       int
	SuccessRate  float64
	CustomValues map[string]any
}

// NewTestMetrics 创建新的指标收集器
func NewTestMetrics() *TestMetrics {
	return &TestMetrics{
		StartTime:    time.Now(),
		CustomValues: make(map[string]any),
	}
}

// Start 开始计时
func (m *TestMetrics) Start() {
	m.StartTime = time.Now()
}

// Stop 停止计时
func (m *TestMetrics) Stop() {
	m.EndTime = time.Now()
	m.Duration = m.EndTime.Sub(m.StartTime)
}

// RecordIteration 记录一次迭代
func (m *TestMetrics) RecordIteration(success bool) {
	m.Iterations++
	if !success {
		m.Errors++
	}
	m.SuccessRate = float64(m.Iterations-m.Errors) / float64(m.Iterations)
}

// Set 设置自定义值
func (m *TestMetrics) Set(key string, value any) {
	m.CustomValues[key] = value
}

// Report 报告指标
func (m *TestMetrics) Report(t *testing.T) {
	t.Helper()
	t.Logf("Test Metrics:")
	t.Logf("  Duration: %v", m.Duration)
	t.Logf("  Iterations: %d", m.Iterations)
	t.Logf("  Errors: %d", m.Errors)
	t.Logf("  Success Rate: %.2f%%", m.SuccessRate*100)
	for k, v := range m.CustomValues {
		t.Logf("  %s: %v", k, v)
	}
}
