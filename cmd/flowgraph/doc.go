// Copyright (c) FlowGraph Authors.
// Licensed under the MIT License.

/*
Package main 提供 FlowGraph 服务端程序入口。

# 概述

cmd/flowgraph 是 FlowGraph 引擎的可执行入口，对外暴露工作流文档的
校验与执行 HTTP API，并提供数据库迁移、健康检查和版本查询等子命令。
程序支持 YAML 配置文件加载、结构化日志（zap）、Prometheus 指标采集
与 OpenTelemetry 链路追踪。

# 核心类型

  - Server           — 主服务器，装配注册表/构建器/引擎与 HTTP、Metrics 双端口
  - Middleware        — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - responseWriter    — 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 子命令：serve（启动服务）、migrate（数据库迁移）、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    MetricsMiddleware、OTelTracing、CORS、Auth（X-API-Key 或 JWT Bearer，
    HS256/RS256）、RateLimiter（租户优先，匿名退化为 IP）
  - 检查点存储：memory / redis / database / mongo，由配置选择并接入健康检查
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号监听 → 关闭 HTTP → 关闭 Metrics → 释放存储 → 关闭遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
