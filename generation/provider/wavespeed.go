package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/mediaflow/generation/catalog"
	"github.com/BaSui01/mediaflow/generation/extract"
	"github.com/BaSui01/mediaflow/types"
)

// DefaultWaveSpeedBaseURL is the WaveSpeed v3 API root.
const DefaultWaveSpeedBaseURL = "https://api.wavespeed.ai/api/v3"

var waveSpeedJobIDPaths = [][]string{
	{"data", "task_id"},
	{"data", "taskId"},
	{"task_id"},
	{"taskId"},
	{"id"},
	{"data", "id"},
}

// WaveSpeed is the schema-driven adapter: the synthesized params are the
// request body and the model id is the URL path.
type WaveSpeed struct {
	http *httpClient
}

// NewWaveSpeed creates the WaveSpeed adapter.
func NewWaveSpeed(cfg Config, logger *zap.Logger) *WaveSpeed {
	cfg = cfg.withDefaults(DefaultWaveSpeedBaseURL)
	return &WaveSpeed{http: newHTTPClient(NameWaveSpeed, cfg, logger)}
}

// Name implements Adapter.
func (w *WaveSpeed) Name() string { return NameWaveSpeed }

// FetchModels lists the catalog with request schemas. It implements catalog.Fetcher.
func (w *WaveSpeed) FetchModels(ctx context.Context) ([]catalog.Descriptor, error) {
	resp, err := w.http.do(ctx, http.MethodGet, w.http.cfg.BaseURL+"/models", nil, false)
	if err != nil {
		return nil, fmt.Errorf("wavespeed list models: %w", err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("wavespeed list models: %s", ErrorText(resp.Body, resp.Status))
	}
	return catalog.ParseModelList(resp.Body)
}

// Submit implements Adapter.
func (w *WaveSpeed) Submit(ctx context.Context, req SubmitRequest) (string, json.RawMessage, error) {
	body := req.Params
	if body == nil {
		body = map[string]any{}
	}
	endpoint := w.http.cfg.BaseURL + "/" + escapeModelPath(req.Model)

	resp, err := w.http.do(ctx, http.MethodPost, endpoint, body, IsLongRunning(req.MediaKind, req.Model))
	if err != nil {
		return "", nil, w.http.rejected("WaveSpeed: submit failed", err)
	}
	if !resp.OK() {
		return "", nil, w.http.rejected(ErrorText(resp.Body, resp.Status), nil)
	}

	v, err := extract.Parse(resp.Body)
	if err != nil {
		return "", nil, w.http.rejected("WaveSpeed: malformed submit response", err)
	}
	id := firstID(v, waveSpeedJobIDPaths...)
	if id == "" {
		return "", json.RawMessage(resp.Body), types.NewError(types.ErrNoJobIDReturned, "WaveSpeed: no task_id returned from submit").
			WithProvider(NameWaveSpeed)
	}
	return id, json.RawMessage(resp.Body), nil
}

// FetchStatus implements Adapter. The result, task and prediction endpoints
// are tried in turn; only a 404 moves on to the next one.
func (w *WaveSpeed) FetchStatus(ctx context.Context, externalID, model string) (json.RawMessage, error) {
	id := url.PathEscape(externalID)
	endpoints := []string{
		w.http.cfg.BaseURL + "/predictions/" + id + "/result",
		w.http.cfg.BaseURL + "/task/" + id,
		w.http.cfg.BaseURL + "/predictions/" + id,
	}

	var last *types.Error
	for _, endpoint := range endpoints {
		resp, err := w.http.do(ctx, http.MethodGet, endpoint, nil, false)
		if err != nil {
			return nil, w.http.transient("WaveSpeed: status request failed", 0, err)
		}
		if resp.OK() {
			if !json.Valid(resp.Body) {
				return nil, w.http.transient("WaveSpeed: malformed status response", 0, nil)
			}
			return json.RawMessage(resp.Body), nil
		}
		last = w.http.transient(ErrorText(resp.Body, resp.Status), resp.Status, nil)
		if resp.Status != http.StatusNotFound {
			return nil, last
		}
	}
	return nil, last
}

// escapeModelPath escapes each path segment of a model id.
func escapeModelPath(model string) string {
	parts := strings.Split(strings.Trim(model, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
