// Copyright (c) MediaFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 MediaFlow 服务的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 generation、api、cmd
等上层模块提供统一的错误码与上下文传播约定，以避免循环依赖。

# 核心类型

  - Error / ErrorCode：结构化错误体系，含 HTTP 状态码、Retryable、Provider 标记
  - 生成相关错误码：UNSUPPORTED_MODEL、CATALOG_UNAVAILABLE、NO_JOB_ID_RETURNED、
    PROVIDER_REJECTED、POLL_TRANSIENT、DEGRADED、INSUFFICIENT_BALANCE、PROMPT_BLOCKED

# 主要能力

  - Context 传播：WithTraceID / WithTenantID / WithUserID / WithRequestID
  - 错误工具链：AsError / IsCode / GetErrorCode / IsRetryable
*/
package types
