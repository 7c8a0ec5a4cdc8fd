// Copyright (c) MediaFlow Authors.
// Licensed under the MIT License.

/*
包 migration 基于 golang-migrate 管理 MediaFlow 的数据库 Schema，
支持 PostgreSQL 与 MySQL。

迁移文件内嵌在 migrations/<dialect>/ 下，建立 generation_tasks
任务表与 credit_accounts 积分账户表。sqlite 仅用于本地开发，
其表结构由 GORM AutoMigrate 创建，迁移器对其返回 ErrSQLiteUnsupported。

DefaultMigrator 提供 Up/Down/Steps/Goto/Force/Status 等操作，
CLI 在其上输出面向终端的格式化结果，供 mediaflow migrate 子命令使用。
*/
package migration
