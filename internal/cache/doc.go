// 版权所有 2024 MediaFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供基于 Redis 的缓存管理能力。

# 概述

本包封装 go-redis 客户端，为生成服务提供两类共享状态：

  - 模型目录快照：多实例共享同一份 provider 目录，减少对上游目录接口的拉取。
  - 分布式互斥：对账任务在多实例部署下只由一个实例执行一轮扫描。

# 核心类型

  - Manager：缓存管理器，提供 Get/Set/Delete、GetJSON/SetJSON 与 TryLock。
  - Config：地址、密码、键前缀、默认 TTL、连接池大小与健康检查间隔。

# 错误语义

ErrCacheMiss 表示键不存在，ErrClosed 表示管理器已关闭。
*/
package cache
