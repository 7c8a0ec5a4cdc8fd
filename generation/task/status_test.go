package task

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/BaSui01/mediaflow/generation/extract"
)

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]Status{
		"":             StatusProcessing,
		"SUCCESS":      StatusSuccess,
		"Succeeded":    StatusSuccess,
		"completed":    StatusSuccess,
		"done":         StatusSuccess,
		"FAILED":       StatusFailed,
		"error":        StatusFailed,
		"cancelled":    StatusFailed,
		"pending":      StatusPending,
		"IN_QUEUE":     StatusPending,
		"waiting":      StatusPending,
		"generating":   StatusProcessing,
		"created":      StatusProcessing,
		"  Running  ":  StatusProcessing,
		"create_error": StatusFailed,
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeStatus(in), "token %q", in)
	}
}

func TestObserve_FieldOrder(t *testing.T) {
	v, err := extract.Parse([]byte(`{"status":"failed","data":{"status":"success"}}`))
	assert.NoError(t, err)
	obs := Observe(v)
	assert.Equal(t, StatusSuccess, obs.Status)
	assert.Equal(t, "success", obs.Token)

	v, _ = extract.Parse([]byte(`{"data":{"successFlag":0}}`))
	obs = Observe(v)
	assert.True(t, obs.Reported)
	assert.Equal(t, StatusProcessing, obs.Status)

	v, _ = extract.Parse([]byte(`{"code":200,"msg":"success","data":{"taskId":"t"}}`))
	obs = Observe(v)
	assert.False(t, obs.Reported)
	assert.Equal(t, StatusProcessing, obs.Status)

	v, _ = extract.Parse([]byte(`{"data":{"status":"failed","error":{"message":"bad prompt"}}}`))
	assert.Equal(t, "bad prompt", Observe(v).ErrorMessage)
}

func TestHumanMessage(t *testing.T) {
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	base := Task{CreatedAt: created}

	at := func(tk Task, d time.Duration) string { return HumanMessage(&tk, created.Add(d)) }

	pending := base
	pending.Status = StatusPending
	assert.Equal(t, "任务排队中...", at(pending, 5*time.Second))
	assert.Equal(t, "生成中...", at(pending, 20*time.Second))

	proc := base
	proc.Status = StatusProcessing
	assert.Equal(t, "生成中...", at(proc, 30*time.Second))
	assert.Equal(t, "仍在生成，请耐心等待...", at(proc, 90*time.Second))
	assert.Equal(t, "仍在生成，已等待 4 分钟", at(proc, 4*time.Minute+10*time.Second))

	partial := proc
	partial.ResultMedia = extract.Result{Images: []string{"a", "b"}}
	assert.Equal(t, "生成中，已出图 2 张", at(partial, time.Minute))

	failed := base
	failed.Status = StatusFailed
	assert.Equal(t, GenericFailureMessage, at(failed, 0))
	failed.ErrorMessage = "content policy violation"
	assert.Equal(t, "content policy violation", at(failed, 0))

	done := base
	done.Status = StatusSuccess
	assert.Equal(t, "生成完成", at(done, time.Hour))
}

var pollResponses = []string{
	`{"status":"pending"}`,
	`{"status":"processing"}`,
	`{"data":{"status":"IN_QUEUE"}}`,
	`{"data":{"status":"completed","outputs":[]}}`,
	`{"data":{"status":"completed","outputs":["https://cdn.x/a.png"]}}`,
	`{"status":"failed","error":"boom"}`,
	`{"data":{"successFlag":1,"response":{"resultUrls":["https://cdn.x/b.png"]}}}`,
	`{"data":{"successFlag":2}}`,
	`{"data":{"state":"generating","resultJson":"{\"resultUrls\":[\"https://cdn.x/c.mp4\"]}"}}`,
	`{}`,
}

// 任意轮询序列下状态等级单调不减，终态之后任务不再变化
func TestProperty_OnPolledMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("status rank never decreases and terminal tasks are frozen", prop.ForAll(
		func(seq []int) bool {
			ctx := context.Background()
			store := newFakeStore()
			m := NewManager(store, WithIDGenerator(func() string { return "p" }))
			tk, err := m.Create(ctx, Spec{UserID: "u", Provider: "p", Model: "m", MediaKind: extract.MediaImage})
			if err != nil {
				return false
			}

			prev := tk
			for _, idx := range seq {
				raw := pollResponses[idx]
				next, _, err := m.OnPolled(ctx, tk.ID, []byte(raw))
				if err != nil {
					t.Logf("poll %s: %v", raw, err)
					return false
				}
				if next.Status.Rank() < prev.Status.Rank() {
					t.Logf("downgrade %s -> %s on %s", prev.Status, next.Status, raw)
					return false
				}
				if prev.IsTerminal() {
					if next.Status != prev.Status || next.Version != prev.Version ||
						fmt.Sprint(next.ResultMedia) != fmt.Sprint(prev.ResultMedia) {
						t.Logf("terminal task changed on %s", raw)
						return false
					}
				}
				prev = next
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(pollResponses)-1)),
	))

	properties.TestingRun(t)
}
