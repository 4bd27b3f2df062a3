package api

import (
	"encoding/json"

	"github.com/BaSui01/flowgraph/workflow"
)

// =============================================================================
// 执行接口类型
// =============================================================================

// ExecuteRequest 是 POST /execute 的请求体，也是 WebSocket 端点的首条消息。
// @Description 工作流执行请求结构
type ExecuteRequest struct {
	// 工作流文档（可视化编辑器导出的 nodes/edges JSON）
	Flow json.RawMessage `json:"flow"`
	// 入口输入绑定
	Inputs map[string]any `json:"inputs,omitempty"`
	// 是否流式返回（SSE）
	Stream bool `json:"stream,omitempty"`
	// 会话标识，留空时服务端生成一次性会话
	SessionID string `json:"session_id,omitempty"`
	// 工作流标识，仅用于历史记录归档
	WorkflowID string `json:"workflow_id,omitempty"`
}

// TraceStep 复用引擎的轨迹记录类型，规范定义见 workflow.TraceStep。
type TraceStep = workflow.TraceStep

// ExecuteResponse 是同步执行的响应体。执行失败时 Status 为 failed，
// Error 携带错误码与出错节点，Trace 保留已成功节点的部分轨迹。
// @Description 工作流执行响应结构
type ExecuteResponse struct {
	// 执行标识
	ExecutionID string `json:"execution_id"`
	// 会话标识
	SessionID string `json:"session_id"`
	// 终态（completed / failed）
	Status string `json:"status"`
	// 终止节点的输出
	Output map[string]any `json:"output,omitempty"`
	// 执行轨迹
	Trace []TraceStep `json:"trace"`
	// 失败详情
	Error *ErrorDetail `json:"error,omitempty"`
}

// StepEvent 复用引擎的流式事件类型，SSE 与 WebSocket 直接序列化该结构。
type StepEvent = workflow.StepEvent

// =============================================================================
// 校验接口类型
// =============================================================================

// ValidateResponse 是 POST /validate 的响应体，与
// workflow.ValidationResult 的线格式一致。
type ValidateResponse = workflow.ValidationResult

// =============================================================================
// 执行历史类型
// =============================================================================

// ExecutionRecord 复用历史存储的记录类型。
type ExecutionRecord = workflow.ExecutionRecord

// ExecutionListResponse 是 GET /api/v1/executions 的数据载荷。
// @Description 执行历史列表
type ExecutionListResponse struct {
	// 执行记录，最新在前
	Executions []*ExecutionRecord `json:"executions"`
	// 记录数
	Count int `json:"count"`
}

// =============================================================================
// 错误类型
// =============================================================================

// ErrorDetail 表示错误详细信息。
// @Description 错误详细结构
type ErrorDetail struct {
	// 错误代码
	Code string `json:"code" example:"NODE_EXECUTION_ERROR"`
	// 人类可读的错误消息
	Message string `json:"message" example:"node executor failed"`
	// HTTP 状态码
	HTTPStatus int `json:"http_status,omitempty" example:"400"`
	// 请求是否可以重试
	Retryable bool `json:"retryable,omitempty" example:"false"`
	// 出错的节点 id，供编辑器高亮
	NodeID string `json:"node_id,omitempty" example:"n3"`
}
