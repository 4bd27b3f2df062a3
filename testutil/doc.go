// Copyright (c) FlowGraph Authors.
// Licensed under the MIT License.

/*
Package testutil 提供 FlowGraph 测试的共享工具和辅助函数。

# 概述

testutil 包为整个项目的单元测试与基准测试提供统一的辅助能力，
避免各包重复实现相似的测试基础设施。端到端测试与基准测试应优先
使用此包中的工具函数和 Mock 实现。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 断言工具: AssertJSONEqual / AssertNoError / AssertError /
    AssertContains 等
  - 异步断言: AssertEventuallyTrue / AssertEventuallyEqual，
    支持超时轮询等待条件满足
  - 数据工具: MustJSON / MustParseJSON / MustParseDocument，
    简化测试数据构造
  - 流式辅助: CollectEvents / NodeOrder，用于流式执行事件断言
  - 基准辅助: BenchmarkHelper 封装 testing.B 常用操作

# 子包

  - testutil/mocks: Mock 实现，包括 MockInvoker（模型后端）、
    MockCheckpointStore（检查点存储）与工具函数模拟，
    均支持 Builder 模式与错误注入
  - testutil/fixtures: 测试数据工厂，提供线性、条件分支、路由扇出、
    RAG 入库、链式节点等预置工作流文档

# 使用示例

	ctx := testutil.TestContext(t)
	invoker := mocks.NewMockInvoker().WithResponse("hello")
	rt := flowgraph.New(flowgraph.WithModel(invoker))
	result, err := rt.Run(ctx, fixtures.LinearDocument(), nil)
	testutil.AssertNoError(t, err)
*/
package testutil
