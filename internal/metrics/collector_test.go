package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.httpRequestDuration)
	assert.NotNil(t, collector.workflowExecutionsTotal)
	assert.NotNil(t, collector.workflowExecutionDuration)
	assert.NotNil(t, collector.nodeExecutionsTotal)
	assert.NotNil(t, collector.checkpointWritesTotal)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	// 记录请求
	collector.RecordHTTPRequest("GET", "/test", 200, 100*time.Millisecond, 1024, 2048)

	// 验证指标
	count := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.Greater(t, count, 0)

	// 再记录一次相同的请求
	collector.RecordHTTPRequest("GET", "/test", 200, 50*time.Millisecond, 512, 1024)

	// 验证计数增加
	newCount := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.GreaterOrEqual(t, newCount, count)
}

func TestCollector_RecordWorkflowExecution(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	// 记录工作流执行
	collector.RecordWorkflowExecution("completed", 500*time.Millisecond, 5)
	collector.RecordWorkflowExecution("failed", 120*time.Millisecond, 2)

	// 验证指标
	count := testutil.CollectAndCount(collector.workflowExecutionsTotal)
	assert.Greater(t, count, 0)

	// completed / failed 各占一个 label 组合
	completed := testutil.ToFloat64(collector.workflowExecutionsTotal.WithLabelValues("completed"))
	assert.Equal(t, float64(1), completed)

	failed := testutil.ToFloat64(collector.workflowExecutionsTotal.WithLabelValues("failed"))
	assert.Equal(t, float64(1), failed)
}

func TestCollector_RecordNodeExecution(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	// 按节点类型记录
	collector.RecordNodeExecution("llm", "success", 800*time.Millisecond)
	collector.RecordNodeExecution("llm", "success", 300*time.Millisecond)
	collector.RecordNodeExecution("tool", "error", 20*time.Millisecond)

	llmCount := testutil.ToFloat64(collector.nodeExecutionsTotal.WithLabelValues("llm", "success"))
	assert.Equal(t, float64(2), llmCount)

	toolCount := testutil.ToFloat64(collector.nodeExecutionsTotal.WithLabelValues("tool", "error"))
	assert.Equal(t, float64(1), toolCount)
}

func TestCollector_RecordCheckpointWrite(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordCheckpointWrite("success", 5*time.Millisecond)
	collector.RecordCheckpointWrite("error", 30*time.Millisecond)

	count := testutil.CollectAndCount(collector.checkpointWritesTotal)
	assert.Greater(t, count, 0)

	success := testutil.ToFloat64(collector.checkpointWritesTotal.WithLabelValues("success"))
	assert.Equal(t, float64(1), success)
}

func TestCollector_RecordDatabaseQuery(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	// 记录数据库查询
	collector.RecordDBQuery("postgres", "SELECT", 20*time.Millisecond)

	// 验证指标
	count := testutil.CollectAndCount(collector.dbQueryDuration)
	assert.Greater(t, count, 0)
}

func TestCollector_UpdateConnectionPool(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	// 更新连接池状态
	collector.RecordDBConnections("postgres", 10, 5)

	// 验证指标
	openCount := testutil.CollectAndCount(collector.dbConnectionsOpen)
	assert.Greater(t, openCount, 0)

	idleCount := testutil.CollectAndCount(collector.dbConnectionsIdle)
	assert.Greater(t, idleCount, 0)
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	// 并发记录多个指标
	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func(id int) {
			collector.RecordHTTPRequest("GET", "/test", 200, 100*time.Millisecond, 1024, 2048)
			collector.RecordWorkflowExecution("completed", 500*time.Millisecond, 3)
			collector.RecordNodeExecution("passthrough", "success", time.Millisecond)
			done <- true
		}(i)
	}

	// 等待所有 goroutine 完成
	for i := 0; i < 10; i++ {
		<-done
	}

	// 验证指标被正确记录
	httpCount := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.Greater(t, httpCount, 0)

	executions := testutil.ToFloat64(collector.workflowExecutionsTotal.WithLabelValues("completed"))
	assert.Equal(t, float64(10), executions)

	nodes := testutil.ToFloat64(collector.nodeExecutionsTotal.WithLabelValues("passthrough", "success"))
	assert.Equal(t, float64(10), nodes)
}

func TestCollector_MetricsRegistration(t *testing.T) {
	logger := zap.NewNop()

	// 创建自定义 registry
	registry := prometheus.NewRegistry()

	// 创建 collector（会自动注册到默认 registry）
	collector := NewCollector(nextTestNamespace(), logger)

	// 手动注册到自定义 registry
	registry.MustRegister(collector.httpRequestsTotal)
	registry.MustRegister(collector.httpRequestDuration)

	// 记录一些数据
	collector.RecordHTTPRequest("GET", "/test", 200, 100*time.Millisecond, 0, 0)

	// 验证可以从自定义 registry 收集指标
	count := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.Greater(t, count, 0)
}
