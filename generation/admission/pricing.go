package admission

import (
	"strings"

	"github.com/BaSui01/mediaflow/generation/extract"
)

// Price is the cost of one generation, by conditioning mode.
type Price struct {
	Text  int64 `yaml:"text" json:"text"`
	Image int64 `yaml:"image" json:"image"`
}

// PriceTable maps requested model ids to prices per media kind.
type PriceTable struct {
	Image        map[string]Price `yaml:"image" json:"image"`
	Video        map[string]Price `yaml:"video" json:"video"`
	ImageDefault Price            `yaml:"image_default" json:"image_default"`
	VideoDefault Price            `yaml:"video_default" json:"video_default"`
}

// DefaultPriceTable returns the built-in credit prices.
func DefaultPriceTable() PriceTable {
	return PriceTable{
		Image: map[string]Price{
			// 基础模型
			"google/nano-banana": {5, 10},
			"nano-banana":        {1, 2},
			"z-image":            {1, 2},
			"z-image-turbo":      {1, 2},
			// 高级模型
			"nano-banana-pro":            {3, 6},
			"qwen/text-to-image":         {3, 6},
			"qwen-image":                 {3, 6},
			"flux-2/pro-text-to-image":   {3, 6},
			"flux-2-pro":                 {3, 6},
			"seedream/4.5-text-to-image": {3, 6},
			"seedream":                   {3, 6},
			// 特殊模型
			"grok-imagine/text-to-image": {3, 3},
			"grok-imagine":               {3, 3},
			"gpt4o-image":                {8, 12},
		},
		Video: map[string]Price{
			"veo3":                            {15, 15},
			"veo-3-1-quality":                 {15, 15},
			"veo3_fast":                       {10, 10},
			"veo-3-1-fast":                    {10, 10},
			"sora-2-pro":                      {20, 20},
			"sora-2-pro-text-to-video":        {20, 20},
			"sora-2-pro-image-to-video":       {20, 20},
			"bytedance/v1-pro-text-to-video":  {15, 15},
			"bytedance/v1-pro-image-to-video": {15, 15},
			"seedance-v1":                     {15, 15},
			"kling-2.6":                       {12, 12},
			"kling-2.6/text-to-video":         {12, 12},
			"kling-2.6/image-to-video":        {12, 12},
			"wan-2.6":                         {12, 12},
			"wan/2-6-text-to-video":           {12, 12},
			"wan/2-6-image-to-video":          {12, 12},
			"hailuo-2.3":                      {15, 15},
			"hailuo/2-3-image-to-video-pro":   {15, 15},
			"grok-imagine":                    {12, 12},
		},
		ImageDefault: Price{Text: 2, Image: 4},
		VideoDefault: Price{Text: 15, Image: 15},
	}
}

// Merge returns a copy of t with overrides applied on top. Zero defaults
// in overrides are ignored.
func (t PriceTable) Merge(overrides PriceTable) PriceTable {
	out := PriceTable{
		Image:        make(map[string]Price, len(t.Image)+len(overrides.Image)),
		Video:        make(map[string]Price, len(t.Video)+len(overrides.Video)),
		ImageDefault: t.ImageDefault,
		VideoDefault: t.VideoDefault,
	}
	for k, v := range t.Image {
		out.Image[k] = v
	}
	for k, v := range t.Video {
		out.Video[k] = v
	}
	for k, v := range overrides.Image {
		out.Image[k] = v
	}
	for k, v := range overrides.Video {
		out.Video[k] = v
	}
	if overrides.ImageDefault != (Price{}) {
		out.ImageDefault = overrides.ImageDefault
	}
	if overrides.VideoDefault != (Price{}) {
		out.VideoDefault = overrides.VideoDefault
	}
	return out
}

// Lookup returns the price entry for model, falling back to the kind default.
func (t PriceTable) Lookup(kind extract.MediaKind, model string) Price {
	table, def := t.Image, t.ImageDefault
	if kind == extract.MediaVideo {
		table, def = t.Video, t.VideoDefault
	}
	model = strings.TrimSpace(model)
	if p, ok := table[model]; ok {
		return p
	}
	if p, ok := table[strings.ToLower(model)]; ok {
		return p
	}
	return def
}

// Cost prices one request. The image price applies to image-conditioned
// scenes and whenever reference images are attached.
func (t PriceTable) Cost(kind extract.MediaKind, model, scene string, hasReferences bool) int64 {
	p := t.Lookup(kind, model)
	if hasReferences || IsImageConditioned(scene) {
		return p.Image
	}
	return p.Text
}

// IsImageConditioned reports image-to-image and image-to-video scenes.
func IsImageConditioned(scene string) bool {
	s := strings.ToLower(strings.TrimSpace(scene))
	return s == "image-to-image" || s == "image-to-video"
}
