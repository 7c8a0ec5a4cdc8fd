// Copyright (c) MediaFlow Authors.
// Licensed under the MIT License.

/*
包 database 提供基于 GORM 的数据库连接与连接池管理。

Open 按驱动名（postgres/mysql/sqlite）打开连接并把 GORM 日志接入 zap；
PoolManager 负责连接池参数、后台健康检查与连接数指标上报，
并提供带重试的事务执行。任务表存储与积分账本都通过它拿到 *gorm.DB。
*/
package database
