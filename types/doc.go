// Copyright (c) FlowGraph Authors.
// Licensed under the MIT License.

/*
Package types 提供 FlowGraph 引擎的全局共享类型定义。

# 概述

types 是引擎最底层的公共包，不依赖任何内部包，为 workflow、api、config
等上层模块提供统一的类型契约。跨包共享的错误码、结构化错误以及 Context
传播辅助均定义于此，以避免循环依赖。

# 核心接口与类型

  - Error / ErrorCode — 结构化错误体系，含 HTTP 状态码、Retryable、NodeID 标记
  - 校验与编译错误码：UNKNOWN_NODE_TYPE / INVALID_CONFIG / STRUCTURAL_ERROR
  - 执行错误码：NO_BRANCH_MATCHED / NODE_TIMEOUT / NODE_EXECUTION_ERROR /
    STEP_LIMIT_EXCEEDED / CHECKPOINT_IO_ERROR

# 主要能力

  - Context 传播：WithTraceID / WithTenantID / WithUserID / WithExecutionID /
    WithSessionID 等
  - 错误工具链：AsError / GetErrorCode / GetNodeID / IsRetryable
  - 链式构造：NewError(code, msg).WithNodeID(id).WithCause(err)
*/
package types
