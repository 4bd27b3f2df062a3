package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/BaSui01/flowgraph/api"
	"github.com/BaSui01/flowgraph/types"
	"github.com/BaSui01/flowgraph/workflow"
	"go.uber.org/zap"
)

// =============================================================================
// ⚡ 工作流执行 Handler
// =============================================================================

// ExecuteHandler 工作流执行处理器。同一个编译产物服务同步、SSE 与
// WebSocket 三种模式。
type ExecuteHandler struct {
	builder *workflow.Builder
	engine  *workflow.Engine
	bctx    *workflow.BuildContext
	logger  *zap.Logger

	// wsOrigins 传给 WebSocket 握手的 OriginPatterns，空表示仅允许同源。
	wsOrigins []string
}

// NewExecuteHandler 创建执行处理器。bctx 是所有请求共用的编译环境
// （模型调用器、工具表、执行限额）。
func NewExecuteHandler(builder *workflow.Builder, engine *workflow.Engine, bctx *workflow.BuildContext, logger *zap.Logger) *ExecuteHandler {
	return &ExecuteHandler{
		builder: builder,
		engine:  engine,
		bctx:    bctx,
		logger:  logger,
	}
}

// SetWSOrigins 配置 WebSocket 握手允许的来源模式。
func (h *ExecuteHandler) SetWSOrigins(origins []string) {
	h.wsOrigins = origins
}

// HandleExecute 处理工作流执行请求
// @Summary 执行工作流
// @Description 编译并执行工作流文档；stream=true 时以 SSE 推送步级事件
// @Tags 工作流
// @Accept json
// @Produce json
// @Produce text/event-stream
// @Param request body api.ExecuteRequest true "执行请求"
// @Success 200 {object} api.ExecuteResponse "执行结果"
// @Failure 400 {object} Response "无效请求或文档"
// @Security ApiKeyAuth
// @Router /execute [post]
func (h *ExecuteHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	req, ok := h.readRequest(w, r)
	if !ok {
		return
	}

	graph, wreq, terr := h.compile(req)
	if terr != nil {
		WriteError(w, terr, h.logger)
		return
	}

	if req.Stream {
		h.streamExecution(w, r, graph, wreq)
		return
	}

	result, _ := h.engine.Execute(r.Context(), graph, wreq)

	// 运行期失败仍然返回结果对象：终态、部分轨迹与出错节点都在 body 里，
	// HTTP 层只对请求级错误（解析 / 校验 / 鉴权）使用 4xx/5xx。
	h.logger.Info("workflow execution finished",
		zap.String("execution_id", result.ExecutionID),
		zap.String("session_id", result.SessionID),
		zap.String("status", string(result.Status)),
		zap.Int("trace_steps", len(result.Trace)),
	)

	WriteJSON(w, http.StatusOK, executeResponse(result))
}

// readRequest 读取并解析执行请求体。失败时已写出错误响应。
func (h *ExecuteHandler) readRequest(w http.ResponseWriter, r *http.Request) (*api.ExecuteRequest, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDocumentBytes+1))
	if err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "failed to read request body").
			WithCause(err), h.logger)
		return nil, false
	}
	if len(body) > maxDocumentBytes {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "request body too large").
			WithHTTPStatus(http.StatusRequestEntityTooLarge), h.logger)
		return nil, false
	}

	var req api.ExecuteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "invalid JSON body").
			WithCause(err), h.logger)
		return nil, false
	}
	return &req, true
}

// compile 解析并编译请求携带的工作流文档，返回可执行图与执行请求。
// 校验失败与编译失败都折叠为结构化错误（含出错节点 id）。
func (h *ExecuteHandler) compile(req *api.ExecuteRequest) (*workflow.CompiledGraph, workflow.ExecutionRequest, *types.Error) {
	var zero workflow.ExecutionRequest

	if len(req.Flow) == 0 {
		return nil, zero, types.NewError(types.ErrInvalidRequest, "flow document is required")
	}

	doc, err := workflow.ParseDocument(req.Flow)
	if err != nil {
		return nil, zero, types.NewError(types.ErrInvalidRequest, "invalid workflow document").WithCause(err)
	}

	graph, err := h.builder.Build(doc, h.bctx)
	if err != nil {
		return nil, zero, types.AsError(err, types.ErrStructural)
	}

	return graph, workflow.ExecutionRequest{
		WorkflowID: req.WorkflowID,
		SessionID:  req.SessionID,
		Inputs:     req.Inputs,
	}, nil
}

// streamExecution 以 SSE 推送执行过程：每个节点完成一个 data 事件，
// 失败为 event: error，最后统一以 data: [DONE] 收尾。
func (h *ExecuteHandler) streamExecution(w http.ResponseWriter, r *http.Request, graph *workflow.CompiledGraph, wreq workflow.ExecutionRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, types.NewError(types.ErrInternalError, "streaming not supported"), h.logger)
		return
	}

	// 设置 SSE 响应头
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // 禁用 nginx 缓冲

	events := h.engine.ExecuteStream(r.Context(), graph, wreq)

	for ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			h.logger.Error("failed to marshal step event", zap.Error(err))
			continue
		}

		if ev.Type == workflow.StepEventFailed {
			w.Write([]byte("event: error\n"))
		}
		w.Write([]byte("data: "))
		w.Write(payload)
		w.Write([]byte("\n\n"))
		flusher.Flush()
	}

	// 发送结束标记
	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

// executeResponse 把引擎结果转换为 API 响应。
func executeResponse(result *workflow.ExecutionResult) *api.ExecuteResponse {
	resp := &api.ExecuteResponse{
		ExecutionID: result.ExecutionID,
		SessionID:   result.SessionID,
		Status:      string(result.Status),
		Output:      result.Output,
		Trace:       result.Trace,
	}
	if resp.Trace == nil {
		resp.Trace = make([]api.TraceStep, 0)
	}
	if result.Err != nil {
		e := types.AsError(result.Err, types.ErrInternalError)
		resp.Error = &api.ErrorDetail{
			Code:      string(e.Code),
			Message:   e.Message,
			Retryable: e.Retryable,
			NodeID:    e.NodeID,
		}
	}
	return resp
}
