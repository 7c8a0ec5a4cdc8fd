// Copyright (c) MediaFlow Authors.
// Licensed under the MIT License.

/*
Package generation 编排图像与视频生成任务的完整流程。

# 提交

Service.Submit 按固定顺序执行：

 1. 校验请求
 2. 按模型与场景计价
 3. 余额检查（admission.Gate.Check）
 4. 提示词审核（仅 WaveSpeed，审核服务不可用时放行）
 5. 扣费（admission.Gate.Charge），被拦截的提示词不会扣费
 6. 解析模型（catalog.Resolver）
 7. 合成参数（params.Synthesize）
 8. 创建 pending 任务并提交到提供方
 9. 记录外部任务 ID，或在提交失败时直接标记 failed

扣费之后的任何失败都不会自动退款，只记录告警日志与 charged_failed 指标。

# 查询

Service.Query 在任务未结束时执行一次对账（拉取提供方状态并交给
task.Manager.OnPolled），任务成功后把临时媒体链接持久化到对象存储。
Service.Watch 用 poll.Engine 重复执行同一步骤，并在每次尝试后回调。
*/
package generation
