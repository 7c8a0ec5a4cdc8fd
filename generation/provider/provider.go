package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/BaSui01/mediaflow/generation/extract"
	"github.com/BaSui01/mediaflow/generation/params"
	"github.com/BaSui01/mediaflow/types"
)

// Provider names.
const (
	NameWaveSpeed = "wavespeed"
	NameKIE       = "kie"
)

// SubmitRequest carries everything an adapter may need to start a job.
// Schema-driven adapters send Params as is; bespoke adapters shape their
// own body from the generic fields.
type SubmitRequest struct {
	Model     string
	Params    map[string]any
	MediaKind extract.MediaKind
	Scene     string
	Prompt    string
	ImageURLs []string
	Options   params.Options
}

// Adapter starts and inspects jobs on one provider.
type Adapter interface {
	Name() string
	// Submit starts a job and returns the provider job id with the raw
	// response. A response without a job id is NO_JOB_ID_RETURNED; non-2xx
	// or malformed responses are PROVIDER_REJECTED.
	Submit(ctx context.Context, req SubmitRequest) (string, json.RawMessage, error)
	// FetchStatus returns the raw status document of a job. Errors are
	// POLL_TRANSIENT so callers can retry on the next poll.
	FetchStatus(ctx context.Context, externalID, model string) (json.RawMessage, error)
}

// Registry holds adapters by provider name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates a registry with the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces an adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[strings.ToLower(a.Name())] = a
}

// Get returns the adapter for name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, types.NewError(types.ErrUnknownProvider, fmt.Sprintf("provider not supported: %s", name)).
			WithProvider(name)
	}
	return a, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// IsLongRunning reports whether a call should get the long timeout.
func IsLongRunning(kind extract.MediaKind, model string) bool {
	return kind == extract.MediaVideo || strings.Contains(strings.ToLower(model), "video")
}
