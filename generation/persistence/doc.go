// Copyright (c) MediaFlow Authors.
// Licensed under the MIT License.

/*
Package persistence 提供生成任务的持久化存储。

# 后端

  - memory：进程内存，适合开发与单实例部署
  - redis：JSON 字符串 + 有序集合索引，Mutate 基于 WATCH/MULTI
  - database：gorm（PostgreSQL / MySQL / SQLite），Mutate 基于 version 列比较交换
  - mongodb：文档存储，Mutate 基于带 version 过滤的 ReplaceOne

所有后端的 Mutate 都保证同一任务的读-改-写是原子的，冲突时自动重试，
超过 MaxMutateAttempts 次返回 ErrConflict。任务从不删除。
*/
package persistence
