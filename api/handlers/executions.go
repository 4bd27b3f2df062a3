package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/flowgraph/api"
	"github.com/BaSui01/flowgraph/types"
	"github.com/BaSui01/flowgraph/workflow"
)

// =============================================================================
// 📜 执行历史 Handler
// =============================================================================

// ExecutionsHandler 暴露引擎的执行历史查询接口。
type ExecutionsHandler struct {
	history *workflow.ExecutionHistoryStore
	logger  *zap.Logger
}

// NewExecutionsHandler 创建执行历史处理器。
func NewExecutionsHandler(history *workflow.ExecutionHistoryStore, logger *zap.Logger) *ExecutionsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecutionsHandler{history: history, logger: logger}
}

// HandleList 列出最近的执行记录，支持状态 / 工作流 / 会话过滤。
// @Summary 列出执行记录
// @Description 按时间倒序返回最近的执行记录，可选 status、workflow_id、session_id、limit 过滤
// @Tags 执行历史
// @Produce json
// @Param status query string false "执行状态（running / completed / failed）"
// @Param workflow_id query string false "工作流 ID"
// @Param session_id query string false "会话 ID"
// @Param limit query int false "最大返回条数"
// @Success 200 {object} Response{data=api.ExecutionListResponse}
// @Security ApiKeyAuth
// @Router /executions [get]
func (h *ExecutionsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := workflow.HistoryFilter{
		Status:     workflow.ExecutionStatus(q.Get("status")),
		WorkflowID: q.Get("workflow_id"),
		SessionID:  q.Get("session_id"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			WriteError(w, types.NewError(types.ErrInvalidRequest, "limit must be a non-negative integer"), h.logger)
			return
		}
		filter.Limit = limit
	}

	records := h.history.List(filter)
	WriteSuccess(w, api.ExecutionListResponse{
		Executions: records,
		Count:      len(records),
	})
}

// HandleGet 按执行 ID 返回单条执行记录。
// @Summary 查询执行记录
// @Description 按执行 ID 返回执行的节点级历史
// @Tags 执行历史
// @Produce json
// @Param id path string true "执行 ID"
// @Success 200 {object} Response{data=api.ExecutionRecord}
// @Failure 404 {object} Response
// @Security ApiKeyAuth
// @Router /executions/{id} [get]
func (h *ExecutionsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("id")
	if executionID == "" {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "execution id is required"), h.logger)
		return
	}

	record, ok := h.history.Get(executionID)
	if !ok {
		WriteError(w, types.NewError(types.ErrNotFound, "execution not found: "+executionID), h.logger)
		return
	}
	WriteSuccess(w, record)
}
