package params

import (
	"math"
	"strings"

	"github.com/BaSui01/mediaflow/generation/catalog"
)

// AlignStep is the pixel grid computed dimensions snap to.
const AlignStep = 64

// DefaultLongEdge is used when neither the request nor the schema hint one.
const DefaultLongEdge = 1024

// Request is the provider-neutral parameter set of a generation request.
type Request struct {
	Prompt          string
	MediaKind       string
	Scene           string
	Options         Options
	ReferenceImages []string
}

// keys removed unless the schema declares them explicitly.
var schemaGated = []string{
	"aspect_ratio", "num_images", "n",
	"image_urls", "image_url", "image",
	"camera_fixed", "remove_watermark",
}

// Synthesize maps req onto the parameters d accepts. Without a schema every
// generic parameter passes through. A filter that would leave nothing falls
// back to the unfiltered set, and an empty prompt is never sent.
func Synthesize(d catalog.Descriptor, req Request) map[string]any {
	opts := req.Options
	if opts == nil {
		opts = Options{}
	}
	ratio, hasRatio := RatioFromOptions(opts)
	longEdge, hasLongEdge := longEdgeFromOptions(opts)

	out := generic(req, opts, imageConditioned(req.Scene, d.Type))

	if d.HasSchema() {
		if d.Accepts("size") && !d.Accepts("aspect_ratio") {
			if size := chooseSize(d, opts, ratio, hasRatio, longEdge, hasLongEdge); size != "" {
				out["size"] = size
			}
		}
		if d.Accepts("width") && d.Accepts("height") && hasRatio {
			edge := DefaultLongEdge
			if hasLongEdge {
				edge = longEdge
			}
			out["width"], out["height"] = Dimensions(ratio, edge, AlignStep)
		}
		for _, k := range schemaGated {
			if !d.Accepts(k) {
				delete(out, k)
			}
		}
	}

	final := out
	if d.HasSchema() {
		filtered := make(map[string]any, len(out))
		for k, v := range out {
			if d.Accepts(k) {
				filtered[k] = v
			}
		}
		if len(filtered) > 0 {
			final = filtered
		}
	}
	if p, ok := final["prompt"].(string); ok && p == "" {
		delete(final, "prompt")
	}
	return final
}

func generic(req Request, opts Options, withImages bool) map[string]any {
	out := map[string]any{}
	if req.Prompt != "" {
		out["prompt"] = req.Prompt
	}
	if ar := opts.String("size", "aspectRatio", "aspect_ratio"); ar != "" {
		out["aspect_ratio"] = ar
	}
	for _, k := range []string{"duration", "resolution", "quality", "mode"} {
		if v, ok := opts.Lookup(k); ok {
			out[k] = v
		}
	}
	if b, ok := opts.Bool("removeWatermark", "remove_watermark"); ok {
		out["remove_watermark"] = b
	}
	if b, ok := opts.Bool("sound"); ok {
		out["sound"] = b
	}
	if b, ok := opts.Bool("cameraFixed", "camera_fixed"); ok {
		out["camera_fixed"] = b
	}
	if n, ok := opts.Lookup("numImages", "num_images", "n"); ok {
		out["num_images"] = n
		out["n"] = n
	}
	if withImages && len(req.ReferenceImages) > 0 {
		out["image_urls"] = append([]string(nil), req.ReferenceImages...)
		out["image_url"] = req.ReferenceImages[0]
		out["image"] = req.ReferenceImages[0]
	}
	return out
}

// imageConditioned reports whether reference images belong in the request.
// An explicit scene decides; without one the model type decides, and an
// untyped model takes whatever references the caller sent.
func imageConditioned(scene, modelType string) bool {
	if scene = strings.ToLower(strings.TrimSpace(scene)); scene != "" {
		return strings.HasPrefix(scene, "image-to-")
	}
	if modelType = strings.ToLower(strings.TrimSpace(modelType)); modelType != "" {
		return strings.HasPrefix(modelType, "image-to-")
	}
	return true
}

func longEdgeFromOptions(opts Options) (int, bool) {
	for _, k := range []string{"resolution", "res"} {
		if v, ok := opts.Lookup(k); ok {
			if n, ok := LongEdgeHint(v); ok {
				return n, true
			}
		}
	}
	return 0, false
}

// chooseSize picks a size value for schemas that take "size" rather than
// an aspect ratio: the closest enum member, then a literal size option,
// then a size computed from the ratio and the schema default.
func chooseSize(d catalog.Descriptor, opts Options, ratio Ratio, hasRatio bool, longEdge int, hasLongEdge bool) string {
	spec, _ := d.Property("size")
	if enum := spec.EnumStrings(); len(enum) > 0 {
		var r *Ratio
		if hasRatio {
			r = &ratio
		}
		edge := 0
		if hasLongEdge {
			edge = longEdge
		}
		if s, ok := ClosestSize(enum, r, edge); ok {
			return s
		}
	}
	if tok, ok := ParseSizeToken(opts.String("size")); ok {
		return tok.String()
	}

	def, hasDef := ParseSizeToken(spec.DefaultString())
	if !hasRatio {
		if hasDef {
			return def.String()
		}
		return ""
	}
	sep := "x"
	edge := 0
	if hasDef {
		sep = def.Sep
		edge = def.LongEdge()
	}
	if hasLongEdge {
		edge = longEdge
	}
	if edge == 0 {
		edge = DefaultLongEdge
	}
	w, h := Dimensions(ratio, edge, AlignStep)
	return SizeToken{W: w, H: h, Sep: sep}.String()
}

// ClosestSize scores each parseable candidate by ratio distance and
// long-edge distance and returns the best. Ties keep the earlier candidate.
// A zero longEdge means no hint.
func ClosestSize(candidates []string, ratio *Ratio, longEdge int) (string, bool) {
	if ratio == nil && longEdge <= 0 {
		return "", false
	}
	best, bestScore, found := "", math.Inf(-1), false
	for _, c := range candidates {
		tok, ok := ParseSizeToken(c)
		if !ok {
			continue
		}
		score := 0.0
		if ratio != nil {
			score -= math.Abs(float64(tok.W)/float64(tok.H)-ratio.Value()) * 10
		}
		if longEdge > 0 {
			score -= math.Abs(float64(tok.LongEdge()-longEdge)) / 50
		}
		if !found || score > bestScore {
			best, bestScore, found = c, score, true
		}
	}
	return best, found
}
