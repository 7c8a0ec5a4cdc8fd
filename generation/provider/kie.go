package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/mediaflow/generation/extract"
	"github.com/BaSui01/mediaflow/generation/params"
	"github.com/BaSui01/mediaflow/types"
)

// DefaultKIEBaseURL is the KIE v1 API root.
const DefaultKIEBaseURL = "https://api.kie.ai/api/v1"

// KIE families.
const (
	FamilyJobs        = "jobs"
	FamilyFluxKontext = "flux-kontext"
	FamilyMidjourney  = "midjourney"
	FamilyVeo         = "veo"
	FamilyGPT4oImage  = "gpt4o-image"
)

var kieJobIDPaths = [][]string{
	{"result"},
	{"data", "taskId"},
	{"data", "id"},
	{"data", "recordId"},
	{"data", "record_id"},
	{"taskId"},
}

// kieCall is the normalized view of a submit request used by body builders.
type kieCall struct {
	model  string
	lower  string
	prompt string
	scene  string
	kind   extract.MediaKind
	images []string
	opts   params.Options
}

func newKIECall(req SubmitRequest) kieCall {
	opts := params.Options{}
	for k, v := range req.Params {
		opts[k] = v
	}
	// 调用方原始选项优先于通用参数
	for k, v := range req.Options {
		opts[k] = v
	}
	kind := req.MediaKind
	if kind == "" {
		kind = kieMediaKind(req.Model)
	}
	var images []string
	for _, u := range req.ImageURLs {
		if u = strings.TrimSpace(u); u != "" {
			images = append(images, u)
		}
	}
	return kieCall{
		model:  req.Model,
		lower:  strings.ToLower(req.Model),
		prompt: strings.TrimSpace(req.Prompt),
		scene:  strings.ToLower(req.Scene),
		kind:   kind,
		images: images,
		opts:   opts,
	}
}

func (c kieCall) video() bool { return c.kind == extract.MediaVideo || strings.Contains(c.lower, "video") }

// imageMode reports an image-conditioned request.
func (c kieCall) imageMode() bool {
	if strings.Contains(c.lower, "image-to-") || strings.HasPrefix(c.scene, "image-to-") {
		return true
	}
	return c.video() && len(c.images) > 0
}

// editMode reports an image-to-image request that has a source image.
func (c kieCall) editMode() bool {
	if len(c.images) == 0 {
		return false
	}
	return c.scene == SceneImageToImage || strings.Contains(c.lower, "image-to-image") || strings.Contains(c.lower, "edit")
}

// videoPrompt never sends an empty prompt; the jobs API rejects it.
func (c kieCall) videoPrompt() string {
	if c.prompt == "" {
		return " "
	}
	return c.prompt
}

func (c kieCall) aspect(def string) string {
	if s := c.opts.String("aspectRatio", "aspect_ratio", "size"); s != "" {
		return s
	}
	return def
}

func (c kieCall) str(def string, keys ...string) string {
	if s := c.opts.String(keys...); s != "" {
		return s
	}
	return def
}

func (c kieCall) flag(keys ...string) bool {
	b, _ := c.opts.Bool(keys...)
	return b
}

func (c kieCall) requireImage() error {
	if len(c.images) == 0 {
		return types.NewError(types.ErrProviderRejected, "Image is required for "+c.model).WithProvider(NameKIE)
	}
	return nil
}

// kieFamily is one KIE API surface.
type kieFamily struct {
	name   string
	create string
	record string
	build  func(c kieCall) (map[string]any, error)
}

// kieRoute matches on the model id only, so submit and status polling always
// agree on the family.
type kieRoute struct {
	match  func(model, lower string) bool
	family kieFamily
}

var jobsPrefixes = []string{
	"google/nano-banana", "nano-banana-pro", "z-image", "flux-2", "grok-imagine",
	"qwen/", "wan/", "kling", "hailuo/", "sora-", "bytedance/",
}

// IsJobsModel reports whether a KIE model goes through the unified jobs API.
func IsJobsModel(model string) bool {
	m := strings.ToLower(model)
	for _, p := range jobsPrefixes {
		if strings.HasPrefix(m, p) {
			return true
		}
	}
	return strings.Contains(m, "seedream") || strings.Contains(m, "seedance") || m == "ideogram/v3-text-to-image"
}

// kieRoutes is evaluated in order; the more specific families come first.
var kieRoutes = []kieRoute{
	{
		match:  func(_, lower string) bool { return IsJobsModel(lower) },
		family: kieFamily{FamilyJobs, "/jobs/createTask", "/jobs/recordInfo", buildJobs},
	},
	{
		match:  func(_, lower string) bool { return strings.Contains(lower, "flux-kontext") },
		family: kieFamily{FamilyFluxKontext, "/flux/kontext/generate", "/flux/kontext/record-info", buildFluxKontext},
	},
	{
		match:  func(_, lower string) bool { return strings.HasPrefix(lower, "mj/") },
		family: kieFamily{FamilyMidjourney, "/mj/generate", "/mj/record-info", buildMidjourney},
	},
	{
		match: func(model, lower string) bool {
			return strings.Contains(lower, "veo") || kieMediaKind(model) == extract.MediaVideo
		},
		family: kieFamily{FamilyVeo, "/veo/generate", "/veo/record-info", buildVeo},
	},
	{
		match:  func(string, string) bool { return true },
		family: kieFamily{FamilyGPT4oImage, "/gpt4o-image/generate", "/gpt4o-image/record-info", buildGPT4o},
	},
}

func routeFor(model string) kieFamily {
	lower := strings.ToLower(strings.TrimSpace(model))
	for _, r := range kieRoutes {
		if r.match(model, lower) {
			return r.family
		}
	}
	return kieRoutes[len(kieRoutes)-1].family
}

// KIE is the bespoke adapter: each model family has its own endpoint and
// request shape.
type KIE struct {
	http *httpClient
}

// NewKIE creates the KIE adapter.
func NewKIE(cfg Config, logger *zap.Logger) *KIE {
	cfg = cfg.withDefaults(DefaultKIEBaseURL)
	return &KIE{http: newHTTPClient(NameKIE, cfg, logger)}
}

// Name implements Adapter.
func (k *KIE) Name() string { return NameKIE }

// Family returns the family a request routes to.
func (k *KIE) Family(req SubmitRequest) string { return routeFor(req.Model).name }

// Preview builds the exact body Submit would send.
func (k *KIE) Preview(req SubmitRequest) (map[string]any, error) {
	c := newKIECall(req)
	return routeFor(c.model).build(c)
}

// Submit implements Adapter.
func (k *KIE) Submit(ctx context.Context, req SubmitRequest) (string, json.RawMessage, error) {
	c := newKIECall(req)
	fam := routeFor(c.model)
	body, err := fam.build(c)
	if err != nil {
		return "", nil, err
	}

	resp, err := k.http.do(ctx, http.MethodPost, k.http.cfg.BaseURL+fam.create, body, IsLongRunning(c.kind, c.model))
	if err != nil {
		return "", nil, k.http.rejected("KIE: submit failed", err)
	}
	v, perr := extract.Parse(resp.Body)
	if !resp.OK() || perr != nil || !kieAccepted(v) {
		return "", nil, k.http.rejected(ErrorText(resp.Body, resp.Status), perr)
	}

	id := firstID(v, kieJobIDPaths...)
	if id == "" {
		return "", json.RawMessage(resp.Body), types.NewError(types.ErrNoJobIDReturned, "KIE: no taskId returned from "+fam.name).
			WithProvider(NameKIE)
	}
	return id, json.RawMessage(resp.Body), nil
}

// FetchStatus implements Adapter.
func (k *KIE) FetchStatus(ctx context.Context, externalID, model string) (json.RawMessage, error) {
	fam := routeFor(model)
	endpoint := k.http.cfg.BaseURL + fam.record + "?taskId=" + url.QueryEscape(externalID)

	resp, err := k.http.do(ctx, http.MethodGet, endpoint, nil, false)
	if err != nil {
		return nil, k.http.transient("KIE: status request failed", 0, err)
	}
	if !resp.OK() {
		return nil, k.http.transient(ErrorText(resp.Body, resp.Status), resp.Status, nil)
	}
	if !json.Valid(resp.Body) {
		return nil, k.http.transient("KIE: malformed status response", 0, nil)
	}
	return json.RawMessage(resp.Body), nil
}

// kieAccepted: code 0 or 200, or a result field.
func kieAccepted(v extract.Value) bool {
	if _, ok := v.Path("result"); ok {
		return true
	}
	code, ok := v.Path("code")
	if !ok {
		return false
	}
	switch code.Text() {
	case "0", "200":
		return true
	}
	return false
}

// ---- 请求体构造 ----

func jobsBody(c kieCall, input map[string]any) map[string]any {
	return map[string]any{"model": c.model, "callBackUrl": "", "input": input}
}

func buildJobs(c kieCall) (map[string]any, error) {
	var input map[string]any
	var err error
	switch m := c.lower; {
	case strings.HasPrefix(m, "bytedance/") || strings.Contains(m, "seedance"):
		input, err = seedanceInput(c)
	case strings.HasPrefix(m, "sora-"):
		input, err = soraInput(c)
	case strings.HasPrefix(m, "hailuo/"):
		input, err = hailuoInput(c)
	case strings.HasPrefix(m, "grok-imagine"):
		input, err = grokInput(c)
	case strings.HasPrefix(m, "kling"):
		input, err = klingInput(c)
	case strings.HasPrefix(m, "wan/"):
		input = wanInput(c)
	case strings.HasPrefix(m, "qwen"):
		input = qwenInput(c)
	case strings.HasPrefix(m, "z-image"):
		input = zImageInput(c)
	case strings.Contains(m, "nano-banana"):
		input = nanoBananaInput(c)
	case strings.Contains(m, "seedream"):
		input = seedreamInput(c)
	case strings.HasPrefix(m, "flux-2"):
		input = flux2Input(c)
	default:
		input = fallbackImageInput(c)
	}
	if err != nil {
		return nil, err
	}
	return jobsBody(c, input), nil
}

// seconds normalizes "5", 5 or "5s" to the bare number of seconds.
func seconds(c kieCall, def string) string {
	d := strings.TrimSuffix(strings.ToLower(c.opts.String("duration")), "s")
	if d == "" {
		return def
	}
	return d
}

func seedanceInput(c kieCall) (map[string]any, error) {
	seed := -1
	if s, ok := c.opts.Int("seed"); ok {
		seed = s
	}
	in := map[string]any{
		"prompt":       c.videoPrompt(),
		"resolution":   c.str("720p", "resolution"),
		"duration":     seconds(c, "5") + "s",
		"camera_fixed": c.flag("cameraFixed", "camera_fixed"),
		"seed":         seed,
	}
	if c.imageMode() {
		if err := c.requireImage(); err != nil {
			return nil, err
		}
		in["image_url"] = c.images[0]
	} else {
		in["aspect_ratio"] = c.aspect("16:9")
	}
	return in, nil
}

func soraInput(c kieCall) (map[string]any, error) {
	ratio := strings.ToLower(c.str("landscape", "aspectRatio", "aspect_ratio"))
	switch ratio {
	case "16:9":
		ratio = "landscape"
	case "9:16":
		ratio = "portrait"
	}
	in := map[string]any{
		"prompt":           c.videoPrompt(),
		"aspect_ratio":     ratio,
		"n_frames":         seconds(c, "10"),
		"size":             strings.ToLower(c.str("standard", "soraSize", "sora_size")),
		"remove_watermark": c.flag("removeWatermark", "remove_watermark"),
	}
	if c.imageMode() {
		if err := c.requireImage(); err != nil {
			return nil, err
		}
		in["image_urls"] = c.images
	}
	return in, nil
}

func hailuoInput(c kieCall) (map[string]any, error) {
	if err := c.requireImage(); err != nil {
		return nil, err
	}
	duration := seconds(c, "6")
	resolution := c.str("768p", "resolution")
	if duration == "10" && strings.EqualFold(resolution, "1080p") {
		return nil, types.NewError(types.ErrProviderRejected,
			"Hailuo 2.3: 10s videos are not supported for 1080p resolution.").WithProvider(NameKIE)
	}
	return map[string]any{
		"prompt":     c.videoPrompt(),
		"image_url":  c.images[0],
		"duration":   duration,
		"resolution": resolution,
	}, nil
}

func grokInput(c kieCall) (map[string]any, error) {
	mode := c.str("normal", "mode")
	if !c.video() {
		return map[string]any{"prompt": c.prompt, "aspect_ratio": c.aspect("1:1"), "mode": mode}, nil
	}
	in := map[string]any{"prompt": c.videoPrompt()}
	if c.imageMode() {
		if err := c.requireImage(); err != nil {
			return nil, err
		}
		if mode == "spicy" {
			mode = "normal"
		}
		in["image_urls"] = []string{c.images[0]}
	} else {
		in["aspect_ratio"] = c.aspect("16:9")
	}
	in["mode"] = mode
	return in, nil
}

func klingInput(c kieCall) (map[string]any, error) {
	in := map[string]any{
		"prompt":   c.videoPrompt(),
		"duration": seconds(c, "5"),
		"sound":    c.flag("sound"),
	}
	if c.imageMode() {
		if err := c.requireImage(); err != nil {
			return nil, err
		}
		in["image_urls"] = c.images
	} else {
		in["aspect_ratio"] = c.aspect("16:9")
	}
	return in, nil
}

func wanInput(c kieCall) map[string]any {
	in := map[string]any{
		"prompt":      c.videoPrompt(),
		"duration":    seconds(c, "5"),
		"resolution":  c.str("1080p", "resolution"),
		"multi_shots": false,
	}
	if c.imageMode() && len(c.images) > 0 {
		in["image_url"] = c.images[0]
	}
	return in
}

var qwenSizes = map[string]string{
	"1:1":  "square_hd",
	"16:9": "landscape_16_9",
	"4:3":  "landscape_4_3",
	"3:2":  "landscape_4_3",
	"21:9": "landscape_16_9",
	"5:4":  "landscape_4_3",
	"9:16": "portrait_16_9",
	"3:4":  "portrait_4_3",
	"2:3":  "portrait_4_3",
	"4:5":  "portrait_4_3",
}

// QwenImageSize maps an aspect ratio onto Qwen's named sizes.
func QwenImageSize(ratio string) string {
	if s, ok := qwenSizes[strings.TrimSpace(ratio)]; ok {
		return s
	}
	return "square_hd"
}

func qwenInput(c kieCall) map[string]any {
	in := map[string]any{
		"prompt":                c.prompt,
		"image_size":            QwenImageSize(c.aspect("1:1")),
		"num_inference_steps":   30,
		"guidance_scale":        2.5,
		"enable_safety_checker": true,
		"output_format":         "png",
		"acceleration":          "none",
	}
	if c.editMode() {
		in["image_url"] = c.images[0]
		in["strength"] = 0.75
	}
	return in
}

func zImageInput(c kieCall) map[string]any {
	in := map[string]any{"prompt": c.prompt, "aspect_ratio": c.aspect("1:1")}
	if c.editMode() {
		in["image_url"] = c.images[0]
		in["strength"] = 0.75
	}
	return in
}

func nanoBananaInput(c kieCall) map[string]any {
	in := map[string]any{
		"prompt":        c.prompt,
		"aspect_ratio":  c.aspect("1:1"),
		"resolution":    c.str("1K", "resolution"),
		"output_format": "png",
	}
	if c.editMode() {
		in["image_urls"] = c.images
		in["strength"] = 0.55
	}
	return in
}

func seedreamInput(c kieCall) map[string]any {
	in := map[string]any{
		"prompt":       c.prompt,
		"aspect_ratio": c.aspect("1:1"),
		"quality":      c.str("basic", "quality"),
	}
	if c.editMode() {
		in["image_url"] = c.images[0]
	}
	return in
}

func flux2Input(c kieCall) map[string]any {
	in := map[string]any{
		"prompt":       c.prompt,
		"aspect_ratio": c.aspect("1:1"),
		"resolution":   c.str("1K", "resolution"),
	}
	if c.editMode() {
		in["input_urls"] = c.images
	}
	return in
}

func fallbackImageInput(c kieCall) map[string]any {
	n := 1
	if v, ok := c.opts.Int("numImages", "num_images", "n"); ok && v > 0 {
		n = v
	}
	in := map[string]any{
		"prompt":        c.prompt,
		"image_size":    c.aspect("1:1"),
		"num_images":    n,
		"output_format": "png",
	}
	if c.editMode() {
		in["image_url"] = c.images[0]
		in["strength"] = 0.55
	}
	return in
}

func buildFluxKontext(c kieCall) (map[string]any, error) {
	body := map[string]any{
		"model":             c.model,
		"prompt":            c.prompt,
		"aspectRatio":       c.aspect("1:1"),
		"enableTranslation": true,
		"outputFormat":      "jpeg",
		"promptUpsampling":  false,
		"safetyTolerance":   2,
	}
	if c.editMode() {
		body["inputImage"] = c.images[0]
	}
	return body, nil
}

func buildGPT4o(c kieCall) (map[string]any, error) {
	n := 1
	if v, ok := c.opts.Int("numImages", "num_images", "nVariants", "n"); ok && v > 0 {
		n = v
	}
	body := map[string]any{
		"prompt":         c.prompt,
		"size":           c.aspect("1:1"),
		"nVariants":      n,
		"isEnhance":      false,
		"uploadCn":       false,
		"enableFallback": false,
		"fallbackModel":  "FLUX_MAX",
		"callBackUrl":    "",
	}
	if c.editMode() {
		body["filesUrl"] = c.images
	}
	return body, nil
}

func buildVeo(c kieCall) (map[string]any, error) {
	body := map[string]any{
		"prompt":            c.prompt,
		"model":             c.model,
		"aspectRatio":       c.aspect("16:9"),
		"enableFallback":    false,
		"enableTranslation": true,
		"generationType":    "TEXT_2_VIDEO",
	}
	if len(c.images) > 0 {
		body["generationType"] = "REFERENCE_2_VIDEO"
		body["imageUrls"] = c.images
	}
	if seed, ok := c.opts.Int("seed", "seeds"); ok {
		body["seeds"] = seed
	}
	return body, nil
}

func buildMidjourney(c kieCall) (map[string]any, error) {
	body := map[string]any{
		"taskType":    "mj_txt2img",
		"prompt":      c.prompt,
		"aspectRatio": c.aspect("1:1"),
		"version":     c.str("7", "version"),
		"speed":       c.str("fast", "speed"),
	}
	if len(c.images) > 0 {
		body["taskType"] = "mj_img2img"
		body["fileUrls"] = c.images
	}
	return body, nil
}
