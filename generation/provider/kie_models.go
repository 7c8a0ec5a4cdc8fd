package provider

import (
	"strings"

	"github.com/BaSui01/mediaflow/generation/catalog"
	"github.com/BaSui01/mediaflow/generation/extract"
)

// Scene types used in the static KIE catalog.
const (
	SceneTextToImage  = "text-to-image"
	SceneImageToImage = "image-to-image"
	SceneTextToVideo  = "text-to-video"
	SceneImageToVideo = "image-to-video"
)

type kieModel struct {
	id    string
	name  string
	scene string
}

// KIE 没有模型列表接口，这里维护已接入的模型
var kieModels = []kieModel{
	{"google/nano-banana", "Nano Banana", SceneTextToImage},
	{"google/nano-banana-edit", "Nano Banana Edit", SceneImageToImage},
	{"nano-banana-pro", "Nano Banana Pro", SceneTextToImage},
	{"z-image", "Z-Image", SceneTextToImage},
	{"z-image-turbo", "Z-Image Turbo", SceneTextToImage},
	{"qwen/text-to-image", "Qwen Image", SceneTextToImage},
	{"qwen/image-to-image", "Qwen Image Edit", SceneImageToImage},
	{"seedream/4.5-text-to-image", "Seedream 4.5", SceneTextToImage},
	{"seedream/4.5-edit", "Seedream 4.5 Edit", SceneImageToImage},
	{"flux-2/pro-text-to-image", "Flux 2 Pro", SceneTextToImage},
	{"flux-2/pro-image-to-image", "Flux 2 Pro Edit", SceneImageToImage},
	{"grok-imagine/text-to-image", "Grok Imagine", SceneTextToImage},
	{"ideogram/v3-text-to-image", "Ideogram V3", SceneTextToImage},
	{"flux-kontext-pro", "Flux Kontext Pro", SceneTextToImage},
	{"flux-kontext-max", "Flux Kontext Max", SceneTextToImage},
	{"gpt4o-image", "GPT-4o Image", SceneTextToImage},
	{"mj/imagine", "Midjourney", SceneTextToImage},
	{"veo3", "Veo 3.1 Quality", SceneTextToVideo},
	{"veo3_fast", "Veo 3.1 Fast", SceneTextToVideo},
	{"sora-2-pro-text-to-video", "Sora 2 Pro", SceneTextToVideo},
	{"sora-2-pro-image-to-video", "Sora 2 Pro I2V", SceneImageToVideo},
	{"bytedance/v1-pro-text-to-video", "Seedance V1 Pro", SceneTextToVideo},
	{"bytedance/v1-pro-image-to-video", "Seedance V1 Pro I2V", SceneImageToVideo},
	{"kling-2.6/text-to-video", "Kling 2.6", SceneTextToVideo},
	{"kling-2.6/image-to-video", "Kling 2.6 I2V", SceneImageToVideo},
	{"wan/2-6-text-to-video", "Wan 2.6", SceneTextToVideo},
	{"wan/2-6-image-to-video", "Wan 2.6 I2V", SceneImageToVideo},
	{"hailuo/2-3-image-to-video-pro", "Hailuo 2.3 Pro", SceneImageToVideo},
	{"grok-imagine/text-to-video", "Grok Imagine Video", SceneTextToVideo},
	{"grok-imagine/image-to-video", "Grok Imagine Video I2V", SceneImageToVideo},
}

// KIEAliases maps the short names clients send onto catalog ids.
var KIEAliases = map[string]string{
	"veo-3-1-quality":  "veo3",
	"veo-3-1-fast":     "veo3_fast",
	"sora-2-pro":       "sora-2-pro-text-to-video",
	"seedance-v1":      "bytedance/v1-pro-text-to-video",
	"kling-2.6":        "kling-2.6/text-to-video",
	"wan-2.6":          "wan/2-6-text-to-video",
	"hailuo-2.3":       "hailuo/2-3-image-to-video-pro",
	"qwen-image":       "qwen/text-to-image",
	"flux-2-pro":       "flux-2/pro-text-to-image",
	"seedream":         "seedream/4.5-text-to-image",
	"grok-imagine":     "grok-imagine/text-to-image",
	"midjourney":       "mj/imagine",
	"gpt-4o-image":     "gpt4o-image",
	"flux-kontext":     "flux-kontext-pro",
	"nano-banana-edit": "google/nano-banana-edit",
}

// KIEModels returns the static KIE catalog. Entries carry no properties.
func KIEModels() []catalog.Descriptor {
	out := make([]catalog.Descriptor, len(kieModels))
	for i, m := range kieModels {
		order := i + 1
		out[i] = catalog.Descriptor{
			ModelID:   m.id,
			Name:      m.name,
			Type:      m.scene,
			SortOrder: &order,
		}
	}
	return out
}

// kieMediaKind infers the media kind of a KIE model id.
func kieMediaKind(model string) extract.MediaKind {
	for _, m := range kieModels {
		if m.id == model {
			if strings.Contains(m.scene, "video") {
				return extract.MediaVideo
			}
			return extract.MediaImage
		}
	}
	if strings.Contains(strings.ToLower(model), "video") {
		return extract.MediaVideo
	}
	return ""
}
