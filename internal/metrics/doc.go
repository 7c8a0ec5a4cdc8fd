// Copyright (c) MediaFlow Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖 HTTP、生成任务、
轮询、准入、模型目录缓存、对账与数据库几个维度。

# 概述

Collector 通过 promauto 注册全部指标，所有指标按 namespace 隔离。
它同时实现 poll、admission、catalog、reconcile 与 generation 各包
声明的 Recorder/Observer 接口，由 cmd/mediaflow 统一注入。

# 主要能力

  - HTTP 指标：请求总数、耗时、请求/响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - 生成任务指标：提交结果、状态变更、扣费后失败次数与积分、媒体持久化计数。
  - 轮询指标：按 outcome 统计循环次数、尝试次数与耗时。
  - 准入指标：admitted/insufficient/error 决策计数与扣费积分。
  - 目录缓存指标：hit/stale/miss/refreshed/fetch_error 事件。
  - 对账指标：每次 sweep 扫描、推进、完成、放弃的任务数与耗时。
  - 数据库指标：活跃/空闲连接数与查询耗时。
*/
package metrics
