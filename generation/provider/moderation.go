package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/mediaflow/generation/extract"
	"github.com/BaSui01/mediaflow/generation/task"
	"github.com/BaSui01/mediaflow/types"
)

// DefaultModerationModel is the WaveSpeed text moderator.
const DefaultModerationModel = "wavespeed-ai/molmo2/text-content-moderator"

// ModerationConfig configures prompt moderation.
type ModerationConfig struct {
	Enabled     bool          `yaml:"enabled" json:"enabled" env:"ENABLED"`
	Model       string        `yaml:"model" json:"model" env:"MODEL"`
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts" env:"MAX_ATTEMPTS"`
	Interval    time.Duration `yaml:"interval" json:"interval" env:"INTERVAL"`
	Budget      time.Duration `yaml:"budget" json:"budget" env:"BUDGET"`
	// Threshold 数值型标签超过该值视为命中
	Threshold float64 `yaml:"threshold" json:"threshold" env:"THRESHOLD"`
}

// DefaultModerationConfig polls the moderator once a second for up to 15s.
func DefaultModerationConfig() ModerationConfig {
	return ModerationConfig{
		Enabled:     true,
		Model:       DefaultModerationModel,
		MaxAttempts: 15,
		Interval:    time.Second,
		Budget:      15 * time.Second,
		Threshold:   0.5,
	}
}

// Moderator screens prompts with the WaveSpeed moderation model.
type Moderator struct {
	adapter Adapter
	cfg     ModerationConfig
	logger  *zap.Logger
}

// NewModerator creates a moderator that submits through adapter.
func NewModerator(adapter Adapter, cfg ModerationConfig, logger *zap.Logger) *Moderator {
	def := DefaultModerationConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Budget <= 0 {
		cfg.Budget = def.Budget
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Moderator{adapter: adapter, cfg: cfg, logger: logger.With(zap.String("component", "moderation"))}
}

// Moderate returns the flagged labels for text, sorted.
func (m *Moderator) Moderate(ctx context.Context, text string) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Budget)
	defer cancel()

	id, raw, err := m.adapter.Submit(ctx, SubmitRequest{
		Model:  m.cfg.Model,
		Params: map[string]any{"text": text, "enable_sync_mode": false},
	})
	if err != nil {
		return nil, fmt.Errorf("submit moderation: %w", err)
	}

	latest := []byte(raw)
	for attempt := 0; attempt < m.cfg.MaxAttempts; attempt++ {
		polled, err := m.adapter.FetchStatus(ctx, id, m.cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("poll moderation: %w", err)
		}
		latest = polled
		v, err := extract.Parse(polled)
		if err == nil && task.Observe(v).Status.IsTerminal() {
			break
		}
		if attempt == m.cfg.MaxAttempts-1 {
			break
		}
		timer := time.NewTimer(m.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("poll moderation: %w", ctx.Err())
		case <-timer.C:
		}
	}

	v, err := extract.Parse(latest)
	if err != nil {
		return nil, fmt.Errorf("decode moderation result: %w", err)
	}
	return flaggedLabels(v, m.cfg.Threshold), nil
}

// Check returns PROMPT_BLOCKED when the prompt is flagged. Moderation
// failures are logged and let the prompt through.
func (m *Moderator) Check(ctx context.Context, text string) error {
	if !m.cfg.Enabled {
		return nil
	}
	labels, err := m.Moderate(ctx, text)
	if err != nil {
		m.logger.Warn("prompt moderation unavailable, allowing prompt", zap.Error(err))
		return nil
	}
	if len(labels) == 0 {
		return nil
	}
	return types.NewError(types.ErrPromptBlocked,
		fmt.Sprintf("Prompt blocked by safety (%s)", strings.Join(labels, ", "))).
		WithProvider(NameWaveSpeed)
}

func flaggedLabels(v extract.Value, threshold float64) []string {
	var outputs extract.Value
	for _, p := range [][]string{{"data", "outputs"}, {"outputs"}, {"task", "outputs"}} {
		if o, ok := v.Path(p...); ok && o.Kind == extract.KindArray {
			outputs = o
			break
		}
	}
	if outputs.Kind != extract.KindArray {
		return nil
	}

	set := map[string]struct{}{}
	for _, item := range outputs.Arr.Items {
		if item.Kind != extract.KindObject {
			continue
		}
		for _, key := range item.Obj.Keys {
			f := item.Obj.Fields[key]
			switch {
			case f.Kind == extract.KindBool && f.Bool:
				set[key] = struct{}{}
			case f.Kind == extract.KindNumber && f.Num > threshold:
				set[key] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
