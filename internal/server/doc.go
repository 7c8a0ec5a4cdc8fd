// Copyright (c) MediaFlow Authors.
// Licensed under the MIT License.

/*
包 server 管理 HTTP 服务器的生命周期。

Manager 封装 net/http.Server，提供非阻塞的 Start/StartTLS、
随 context 取消而优雅关闭的 Run，以及异步错误通道。
MediaFlow 用它分别承载 API 服务器与 Prometheus 指标服务器。
TLS 模式使用 tlsutil 的加固配置。
*/
package server
