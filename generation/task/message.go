package task

import (
	"fmt"
	"time"
)

// GenericFailureMessage is shown when the provider gave no failure text.
const GenericFailureMessage = "生成失败，请稍后重试"

// HumanMessage is the user-facing progress text for t at now. The message
// gets more specific the longer a task runs.
func HumanMessage(t *Task, now time.Time) string {
	switch t.Status {
	case StatusSuccess:
		return "生成完成"
	case StatusFailed:
		if t.ErrorMessage != "" {
			return t.ErrorMessage
		}
		return GenericFailureMessage
	}

	if n := t.ResultMedia.Len(); n > 0 {
		return fmt.Sprintf("生成中，已出图 %d 张", n)
	}

	start := t.CreatedAt
	if t.SubmittedAt != nil {
		start = *t.SubmittedAt
	}
	elapsed := now.Sub(start)
	switch {
	case t.Status == StatusPending && elapsed < 15*time.Second:
		return "任务排队中..."
	case elapsed < 60*time.Second:
		return "生成中..."
	case elapsed < 180*time.Second:
		return "仍在生成，请耐心等待..."
	default:
		return fmt.Sprintf("仍在生成，已等待 %d 分钟", int(elapsed/time.Minute))
	}
}
