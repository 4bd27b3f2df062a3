// Copyright (c) FlowGraph Authors.
// Licensed under the MIT License.

/*
# 概述

Package openapi 提供从 OpenAPI 规范自动生成工作流工具的能力。

该包解析 OpenAPI 3.x JSON 规范，将每个 API Operation 转换为可注册进
workflow.ToolRegistry 的 GeneratedTool：tool 节点按名称调用后，由生成的
ToolFunc 完成参数映射与 HTTP 调用。

# 核心接口/类型

  - Generator — OpenAPI 工具生成器，负责加载规范和生成工具
  - OpenAPISpec — 解析后的 OpenAPI 规范（Info / Servers / Paths）
  - GeneratedTool — 生成的工具定义，Func() 返回可执行的 workflow.ToolFunc
  - GenerateOptions — 工具生成选项（BaseURL 覆盖、Tag 过滤、名称前缀）
  - Operation / Parameter / RequestBody / JSONSchema — OpenAPI 结构体映射

# 主要能力

  - 规范加载：从 URL 或本地文件加载 OpenAPI JSON，内置缓存避免重复请求
  - 工具生成：遍历 Paths 中的所有 Operation，自动生成 GeneratedTool 列表
  - 批量注册：RegisterAll 把生成的工具装入 workflow.ToolRegistry
  - Tag 过滤：通过 IncludeTags / ExcludeTags 控制生成范围
  - 参数映射：path 参数替换路径段，query / header 参数映射到对应位置，
    body 参数 JSON 编码为请求体；JSON 响应自动解码
*/
package openapi
