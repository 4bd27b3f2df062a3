// Copyright (c) FlowGraph Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的全链路指标采集能力，覆盖
HTTP、工作流、节点、检查点与数据库五大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理；实现引擎的
    workflow.ExecutionMetrics 接口，可直接注入 Engine。

# 主要能力

  - HTTP 指标：请求总数、请求耗时、请求/响应体大小，
    按 method/path/status 分组，状态码归类为 2xx/3xx/4xx/5xx。
  - 工作流指标：执行总数、执行耗时、单次执行步数分布，
    按 status（completed/failed）分组。
  - 节点指标：节点执行总数与耗时，按 node_type/status 分组。
  - 检查点指标：写入总数与写入耗时，按 status 分组。
  - 数据库指标：活跃/空闲连接数 Gauge、查询耗时 Histogram，
    按 database/operation 分组。
*/
package metrics
