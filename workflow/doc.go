// Copyright (c) FlowGraph Authors.
// Licensed under the MIT License.

/*
Package workflow 提供工作流图的校验、编译与执行引擎。

# 概述

workflow 包是 FlowGraph 的核心：接收可视化编辑器产出的声明式工作流文档
（节点 + 边），校验其结构与配置，编译为可执行图（含已解析的节点执行器与
分支解析器），并以同步或流式两种模式运行，支持多轮会话的 Checkpoint 状态
持久化。

# 核心接口与类型

  - WorkflowDocument   — 声明式工作流文档（NodeSpec + EdgeSpec）
  - Registry / NodeType — 节点类型注册表与能力描述符
  - Validator          — 图校验器（聚合全部错误，绝不 fail-fast）
  - Builder            — 图编译器，产出不可变的 CompiledGraph
  - NodeExecutor       — 节点执行接口 Execute(ctx, state, input) (output, error)
  - BranchResolver     — 数据依赖分支决策接口（conditional / router）
  - Engine             — 执行引擎（Execute / ExecuteStream）
  - CheckpointStore    — 会话状态持久化（memory / redis / database / mongo）
  - ExecutionHistoryStore — 执行历史记录与查询
  - CircuitBreaker     — 节点级熔断器（Closed/Open/HalfOpen）

# 主要能力

  - 标准节点目录：start、passthrough、llm、memory、tool、document_loader、
    text_splitter、vector_store、conditional、router、sequential_chain、
    map_reduce_chain
  - 分支路由：conditional（contains/equals/startswith/custom 表达式），
    router（first_match/all_matches/best_match）
  - 并发扇出：all_matches 路由与 map_reduce 的 map 阶段均为有界并发，
    join 时收集全部成功与失败
  - 会话状态：ExecutionState 按 session 隔离，节点成功后才写入 Checkpoint
  - 流式执行：每个完成节点产出一个 StepEvent，终止事件与同步结果一致
*/
package workflow
