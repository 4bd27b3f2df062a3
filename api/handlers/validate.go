package handlers

import (
	"io"
	"net/http"

	"github.com/BaSui01/flowgraph/types"
	"github.com/BaSui01/flowgraph/workflow"
	"go.uber.org/zap"
)

// =============================================================================
// ✅ 工作流校验 Handler
// =============================================================================

// maxDocumentBytes 限制校验与执行请求体的大小。
const maxDocumentBytes = 4 << 20 // 4 MiB

// ValidateHandler 工作流文档校验处理器
type ValidateHandler struct {
	validator *workflow.Validator
	logger    *zap.Logger
}

// NewValidateHandler 创建校验处理器
func NewValidateHandler(registry *workflow.Registry, logger *zap.Logger) *ValidateHandler {
	return &ValidateHandler{
		validator: workflow.NewValidator(registry, logger),
		logger:    logger,
	}
}

// HandleValidate 处理工作流文档校验请求
// @Summary 校验工作流文档
// @Description 校验可视化编辑器导出的 nodes/edges 文档，聚合返回全部问题
// @Tags 工作流
// @Accept json
// @Produce json
// @Param request body workflow.WorkflowDocument true "工作流文档"
// @Success 200 {object} workflow.ValidationResult "校验结果"
// @Failure 400 {object} Response "无效请求"
// @Security ApiKeyAuth
// @Router /validate [post]
func (h *ValidateHandler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	doc, ok := h.readDocument(w, r)
	if !ok {
		return
	}

	result := h.validator.Validate(doc)

	// 校验结果本身是 200：问题清单在 body 里整体返回
	WriteJSON(w, http.StatusOK, result)
}

// readDocument 读取请求体并解析为工作流文档。解析失败时已写出错误响应。
// 文档经 ParseDocument 解析以保留 condition_chains 的声明顺序。
func (h *ValidateHandler) readDocument(w http.ResponseWriter, r *http.Request) (*workflow.WorkflowDocument, bool) {
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

	doc, err := workflow.ParseDocument(body)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "invalid workflow document").
			WithCause(err), h.logger)
		return nil, false
	}
	return doc, true
}
