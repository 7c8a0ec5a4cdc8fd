// Copyright (c) MediaFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 MediaFlow HTTP API 的请求处理器实现。

# 概述

handlers 包实现生成任务的提交、查询、历史与 websocket 订阅，
模型目录查询、参考图上传、积分余额以及健康检查。所有 Handler
遵循标准 net/http 接口，依赖以接口形式注入，便于 httptest 测试。

# 核心类型

  - GenerationHandler：提交、查询、历史、websocket watch
  - ModelHandler：模型目录与能力描述
  - UploadHandler：multipart 参考图上传
  - CreditsHandler：积分余额与管理员充值
  - HealthHandler：服务健康检查（/health, /healthz, /ready, /version）
  - Response：统一 JSON 响应结构（success + data + error + timestamp）

# 错误映射

WriteError 按 types.ErrorCode 映射 HTTP 状态码；提交失败但任务已创建时，
WriteErrorWithData 同时返回任务信息与错误。
*/
package handlers
