// Copyright (c) FlowGraph Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 FlowGraph HTTP API 的请求处理器实现。

# 概述

handlers 包实现了 FlowGraph 所有 HTTP 端点的请求处理逻辑，
包括图校验、同步 / 流式执行、执行历史查询、健康检查以及统一的
响应 / 错误处理。所有 Handler 均遵循标准 net/http 接口，通过
Swagger 注解生成 API 文档。

# 核心类型

  - ValidateHandler   — 图文档校验（POST /validate）
  - ExecuteHandler    — 编译并执行工作流，支持同步 JSON、SSE 与 WebSocket
  - ExecutionsHandler — 执行历史列表与单条查询
  - HealthHandler     — 服务健康检查（/health, /healthz, /ready）
  - Response          — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo         — 结构化错误信息，含 code、message、node_id、retryable
  - ResponseWriter    — 包装 http.ResponseWriter 以捕获状态码并透传 Flush
  - HealthCheck       — 可插拔健康检查接口（Database、Redis、Mongo）

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteJSON 辅助函数
  - 请求验证：decodeJSONBody（1 MB 限制 + 严格模式）、ValidateContentType
  - ErrorCode → HTTP 状态码自动映射（4xx/5xx）
  - 执行失败仍返回 200 结果对象，携带部分 trace 与结构化错误
  - SSE 流式输出：逐节点事件 + 终止事件 + data: [DONE] 终止符
  - WebSocket 执行流：一条请求消息换整条事件流
  - 可扩展健康检查：RegisterCheck 注册自定义 HealthCheck 实现

# 使用示例

	registry := workflow.NewRegistry()
	validate := handlers.NewValidateHandler(registry, logger)
	execute := handlers.NewExecuteHandler(builder, engine, bctx, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /validate", validate.HandleValidate)
	mux.HandleFunc("POST /execute", execute.HandleExecute)
	mux.HandleFunc("GET /execute/ws", execute.HandleExecuteWS)

错误响应遵循统一结构，HTTP 状态码由 types.ErrorCode 自动映射。
运行期节点失败不在其列，它们属于执行结果的一部分而非请求错误。
*/
package handlers
