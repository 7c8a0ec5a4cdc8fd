// Copyright (c) MediaFlow Authors.
// Licensed under the MIT License.

// Package config 提供 MediaFlow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（MEDIAFLOW_ 前缀）的顺序叠加，
// 覆盖服务器、上游服务、模型目录、轮询、任务存储、积分价格、
// 媒体持久化和对账等各部分。Reloader 监听配置文件，
// 价格表、日志级别与审核开关可在运行时生效。
package config
