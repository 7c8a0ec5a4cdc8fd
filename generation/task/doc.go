// Copyright (c) MediaFlow Authors.
// Licensed under the MIT License.

/*
Package task 定义生成任务模型与生命周期状态机。

# 状态

任务状态只有四种：pending、processing、success、failed。前两者为非终态，
后两者为终态，一旦进入便不可再变。状态按 pending < processing < 终态排序，
任何更新都不会让任务回退到更低的状态。

# 生命周期

Manager 是唯一修改任务的组件。每次状态变更都在 Store.Mutate 内基于当前存储
的任务计算，因此多个轮询方并发调用 OnPolled 也是安全的：

  - Create：创建 pending 任务，尚无外部任务 ID
  - OnSubmitted：记录外部任务 ID 与提交响应，进入 processing（排队中则保持 pending）
  - OnSubmitFailed：提交失败，直接进入 failed，错误写入原始响应
  - OnPolled：依据轮询响应归一化状态并提取媒体

Policy 控制媒体与状态字段的关系：提取到媒体即强制成功，以及
提供方报告成功但媒体尚未出现时继续保持 processing。
*/
package task
