package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/flowgraph/api"
	"github.com/BaSui01/flowgraph/types"
)

// =============================================================================
// 🔌 WebSocket 执行流 Handler
// =============================================================================

// wsRequestTimeout 限制客户端发送首条执行请求的等待时间。
const wsRequestTimeout = 10 * time.Second

// HandleExecuteWS 处理 WebSocket 执行请求：客户端升级连接后发送一条
// ExecuteRequest JSON，服务端把步级事件逐条推回，终止事件后正常关闭。
// WebSocket 不支持并发写，这里的写入全部发生在单个事件循环内。
// @Summary WebSocket 执行工作流
// @Description 升级为 WebSocket 后发送一条执行请求，按消息接收步级事件
// @Tags 工作流
// @Success 101 {string} string "协议切换"
// @Security ApiKeyAuth
// @Router /execute/ws [get]
func (h *ExecuteHandler) HandleExecuteWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.wsOrigins,
	})
	if err != nil {
		// Accept 已写出 HTTP 错误响应
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	req, ok := h.readWSRequest(ctx, conn)
	if !ok {
		return
	}

	graph, wreq, terr := h.compile(req)
	if terr != nil {
		h.writeWSError(ctx, conn, terr)
		conn.Close(websocket.StatusPolicyViolation, "invalid workflow")
		return
	}

	// 此后连接只写不读；CloseRead 在客户端断开时取消 ctx，
	// 进而终止执行并释放事件生产协程。
	ctx = conn.CloseRead(ctx)

	events := h.engine.ExecuteStream(ctx, graph, wreq)
	for ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			h.logger.Error("failed to marshal step event", zap.Error(err))
			continue
		}
		if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
			h.logger.Debug("websocket write failed, client likely gone", zap.Error(err))
			return
		}
	}

	conn.Close(websocket.StatusNormalClosure, "stream complete")
}

// readWSRequest 读取并解析首条执行请求消息。失败时已回写错误并关闭连接。
func (h *ExecuteHandler) readWSRequest(ctx context.Context, conn *websocket.Conn) (*api.ExecuteRequest, bool) {
	readCtx, cancel := context.WithTimeout(ctx, wsRequestTimeout)
	defer cancel()

	_, data, err := conn.Read(readCtx)
	if err != nil {
		h.logger.Debug("websocket request read failed", zap.Error(err))
		conn.Close(websocket.StatusPolicyViolation, "execute request expected")
		return nil, false
	}

	var req api.ExecuteRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.writeWSError(ctx, conn, types.NewError(types.ErrInvalidRequest, "invalid execute request").WithCause(err))
		conn.Close(websocket.StatusUnsupportedData, "invalid execute request")
		return nil, false
	}
	return &req, true
}

// writeWSError 以统一响应结构回写一条错误消息。
func (h *ExecuteHandler) writeWSError(ctx context.Context, conn *websocket.Conn, terr *types.Error) {
	payload, err := json.Marshal(Response{
		Success: false,
		Error: &ErrorInfo{
			Code:      string(terr.Code),
			Message:   terr.Message,
			NodeID:    terr.NodeID,
			Retryable: terr.Retryable,
		},
		Timestamp: time.Now(),
	})
	if err != nil {
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		h.logger.Debug("websocket error write failed", zap.Error(err))
	}
}
