// Copyright (c) MediaFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 MediaFlow 服务端程序入口。

# 概述

cmd/mediaflow 装配生成任务编排服务：上游适配器（WaveSpeed、KIE）、
模型目录、积分准入、任务存储、媒体持久化与后台对账，并通过 HTTP
API 对外提供提交、查询、历史、WebSocket 订阅、上传与积分接口。

# 核心类型

  - Server：持有全部组件，负责初始化顺序、运行与优雅关闭
  - Middleware：HTTP 中间件函数签名 func(http.Handler) http.Handler
  - switchableModerator：可热切换的提示词审核开关

# 主要能力

  - 子命令：serve、migrate（golang-migrate，仅 postgres/mysql）、version、health
  - 中间件链：Recovery、RequestID、OTelTracing、Metrics、SecurityHeaders、
    RequestLogger、CORS、RateLimiter（基于 IP）、Identity（JWT 或 API Key）
  - 管理接口：/api/v1/admin/ 下的路由使用 X-Admin-Key 单独鉴权
  - 配置热重载：日志级别、价格表与审核开关即时生效，其余变更记录告警
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号监听 → 停止热更新 → 停止对账 → 关闭 HTTP → 关闭存储
*/
package main
