package extract

import (
	"net/url"
	"regexp"
	"strings"
)

// MediaKind is the classification of a result URL.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// Result holds deduplicated media URLs in first-seen order.
type Result struct {
	Images []string `json:"images"`
	Videos []string `json:"videos"`
}

// Len returns the total number of URLs.
func (r Result) Len() int { return len(r.Images) + len(r.Videos) }

// Empty reports whether nothing was extracted.
func (r Result) Empty() bool { return r.Len() == 0 }

// All returns images followed by videos.
func (r Result) All() []string {
	out := make([]string, 0, r.Len())
	out = append(out, r.Images...)
	return append(out, r.Videos...)
}

var (
	videoExtRe = regexp.MustCompile(`(?i)\.(mp4|mov|webm|mkv|avi)(\?|#|$)`)
	imageExtRe = regexp.MustCompile(`(?i)\.(png|jpg|jpeg|webp|gif|bmp|svg)(\?|#|$)`)
	urlRe      = regexp.MustCompile(`https?://[^"'\s\\]+`)
)

// priorityKeys are checked before the remaining object fields.
var priorityKeys = []string{
	"url", "video_url", "image_url", "media", "outputs", "result",
	"resultUrls", "resultUrl", "originUrls",
	"rawData", "response", "data", "output", "resultJson",
}

// echoKeys hold the request a provider echoes back, or free text the user
// wrote. Neither ever carries result media.
var echoKeys = map[string]struct{}{
	"param": {}, "params": {}, "input": {},
	"prompt": {}, "negative_prompt": {}, "callBackUrl": {},
}

var mediaTerms = []string{
	"url", "image", "video", "output", "result", "media", "file",
	"download", "source", "src", "uri",
}

type item struct {
	val Value
	key string
	tag string
}

type collector struct {
	hint   MediaKind
	seen   map[string]struct{}
	result Result
	// leaves are the plain string values reached by the walk.
	leaves []string
}

// Extract walks v depth-first and returns the media URLs it finds. hint is
// the media kind expected by the caller and only applies to strings whose
// key or type tag looks media related.
func Extract(v Value, hint MediaKind) Result {
	return walk(v, hint).result
}

func walk(v Value, hint MediaKind) *collector {
	c := &collector{hint: hint, seen: make(map[string]struct{})}
	visitedArr := make(map[*Array]struct{})
	visitedObj := make(map[*Object]struct{})

	stack := []item{{val: v}}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch it.val.Kind {
		case KindString:
			if nested, ok := parseEmbedded(it.val.Str); ok {
				stack = append(stack, item{val: nested, key: it.key, tag: it.tag})
				continue
			}
			c.leaves = append(c.leaves, it.val.Str)
			c.add(it.val.Str, it.key, it.tag)

		case KindArray:
			arr := it.val.Arr
			if arr == nil {
				continue
			}
			if _, ok := visitedArr[arr]; ok {
				continue
			}
			visitedArr[arr] = struct{}{}
			for i := len(arr.Items) - 1; i >= 0; i-- {
				stack = append(stack, item{val: arr.Items[i], key: it.key, tag: it.tag})
			}

		case KindObject:
			obj := it.val.Obj
			if obj == nil {
				continue
			}
			if _, ok := visitedObj[obj]; ok {
				continue
			}
			visitedObj[obj] = struct{}{}

			tag := it.tag
			if t, ok := obj.Get("type"); ok && t.Kind == KindString && t.Str != "" {
				tag = t.Str
			}
			children := orderedChildren(obj, tag, it.key)
			for i := len(children) - 1; i >= 0; i-- {
				stack = append(stack, children[i])
			}
		}
	}
	return c
}

// ExtractJSON parses raw and extracts media URLs. When structural extraction
// yields at most one URL but the walked string values hold several
// URL-shaped substrings, a regex scan of those values supplements the
// result. Skipped subtrees are never scanned.
func ExtractJSON(raw []byte, hint MediaKind) Result {
	v, err := Parse(raw)
	if err != nil {
		return Result{}
	}
	c := walk(v, hint)
	if c.result.Len() > 1 {
		return c.result
	}

	var matches []string
	for _, leaf := range c.leaves {
		matches = append(matches, urlRe.FindAllString(leaf, -1)...)
	}
	if len(matches) <= 1 {
		return c.result
	}
	for _, m := range matches {
		c.addClassified(strings.TrimRight(m, ",.;:)]}"))
	}
	return c.result
}

// orderedChildren lists the fields of obj with well-known media keys first.
func orderedChildren(obj *Object, tag, parentKey string) []item {
	out := make([]item, 0, len(obj.Keys))
	used := make(map[string]struct{}, len(priorityKeys))

	for _, k := range priorityKeys {
		v, ok := obj.Get(k)
		if !ok {
			continue
		}
		used[k] = struct{}{}
		switch k {
		case "url":
			// A bare url field is classified by its container's type tag,
			// falling back to the key it sits under.
			out = append(out, item{val: v, key: strings.TrimSpace(parentKey + " url"), tag: tag})
		case "video_url":
			out = append(out, item{val: v, key: k, tag: string(MediaVideo)})
		case "image_url":
			out = append(out, item{val: v, key: k, tag: string(MediaImage)})
		default:
			out = append(out, item{val: v, key: k, tag: tag})
		}
	}
	for _, k := range obj.Keys {
		if _, ok := used[k]; ok {
			continue
		}
		if k == "type" {
			continue
		}
		if _, ok := echoKeys[k]; ok {
			continue
		}
		out = append(out, item{val: obj.Fields[k], key: k, tag: tag})
	}
	return out
}

func parseEmbedded(s string) (Value, bool) {
	t := strings.TrimSpace(s)
	if len(t) < 2 || !strings.Contains(t, "http") {
		return Value{}, false
	}
	if !(t[0] == '{' && t[len(t)-1] == '}') && !(t[0] == '[' && t[len(t)-1] == ']') {
		return Value{}, false
	}
	v, err := Parse([]byte(t))
	if err != nil {
		return Value{}, false
	}
	return v, true
}

func (c *collector) add(raw, key, tag string) {
	u := strings.TrimSpace(raw)
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return
	}
	if _, ok := c.seen[u]; ok {
		return
	}

	semantic := strings.ToLower(tag + " " + key)
	kind, ok := classifyByExtension(u)
	if !ok {
		if IsProviderEndpoint(u) {
			return
		}
		switch {
		case strings.Contains(semantic, "video"):
			kind, ok = MediaVideo, true
		case strings.Contains(semantic, "image") || strings.Contains(semantic, "img"):
			kind, ok = MediaImage, true
		case c.hint != "" && hasMediaTerm(semantic):
			kind, ok = c.hint, true
		}
	}
	if !ok {
		return
	}
	c.record(u, kind)
}

// addClassified accepts only URLs whose extension identifies the media kind.
func (c *collector) addClassified(u string) {
	if _, ok := c.seen[u]; ok {
		return
	}
	kind, ok := classifyByExtension(u)
	if !ok {
		return
	}
	c.record(u, kind)
}

func (c *collector) record(u string, kind MediaKind) {
	if IsProviderEndpoint(u) && !extensionMatch(u) {
		return
	}
	c.seen[u] = struct{}{}
	if kind == MediaVideo {
		c.result.Videos = append(c.result.Videos, u)
		return
	}
	c.result.Images = append(c.result.Images, u)
}

func classifyByExtension(u string) (MediaKind, bool) {
	switch {
	case videoExtRe.MatchString(u):
		return MediaVideo, true
	case imageExtRe.MatchString(u):
		return MediaImage, true
	}
	return "", false
}

func extensionMatch(u string) bool {
	_, ok := classifyByExtension(u)
	return ok
}

func hasMediaTerm(s string) bool {
	for _, term := range mediaTerms {
		if strings.Contains(s, term) {
			return true
		}
	}
	return false
}

// IsProviderEndpoint reports whether u points at a provider's own API rather
// than at a media file.
func IsProviderEndpoint(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	path := strings.ToLower(parsed.Path)

	switch {
	case host == "api.kie.ai":
		return true
	case strings.HasPrefix(host, "api.") && strings.HasPrefix(path, "/api/"):
		return true
	case strings.Contains(host, "api.wavespeed.ai") && strings.Contains(path, "/predictions/"):
		return true
	}
	return false
}
