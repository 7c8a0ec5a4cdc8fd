// Copyright (c) MediaFlow Authors.
// Licensed under the MIT License.

// Package tlsutil 为出站的供应商 API、对象存储与媒体下载客户端
// 提供统一的加固 TLS 传输层（TLS 1.2+，仅 AEAD 密码套件）。
package tlsutil
