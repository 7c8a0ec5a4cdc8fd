// Copyright (c) MediaFlow Authors.
// Licensed under the MIT License.

// Package telemetry 封装 OpenTelemetry SDK 初始化逻辑，
// 为 MediaFlow 提供集中式的 TracerProvider 和 MeterProvider 配置。
// 生成服务的提交与轮询 span 通过全局 provider 导出；
// 禁用时使用 noop 实现，不连接任何外部服务。
package telemetry
