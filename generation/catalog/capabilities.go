package catalog

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Capabilities are client-side filtering hints derived from a schema.
type Capabilities struct {
	AspectRatios []string `json:"aspectRatios,omitempty"`
	SupportsAll  bool     `json:"supportsAllAspectRatios,omitempty"`
	Sizes        []string `json:"sizes,omitempty"`
}

var (
	numericRatioRe = regexp.MustCompile(`^\d+(?:\.\d+)?:\d+(?:\.\d+)?$`)
	sizeTokenRe    = regexp.MustCompile(`(?i)^(\d+)\s*[x*]\s*(\d+)$`)
)

var aspectKeys = []string{"aspect_ratio", "aspectRatio", "ratio"}

// DeriveCapabilities computes capability hints for d. It returns nil when the
// schema says nothing about shape.
func DeriveCapabilities(d Descriptor) *Capabilities {
	if !d.HasSchema() {
		return nil
	}

	var ratios []string
	hasAspectKey, hasAspectEnum := false, false
	for _, key := range aspectKeys {
		p, ok := d.Property(key)
		if !ok {
			continue
		}
		hasAspectKey = true
		if p.Enum != nil {
			hasAspectEnum = true
		}
		for _, v := range p.Enum {
			if r := ParseNumericRatio(fmt.Sprint(v)); r != "" {
				ratios = append(ratios, r)
			}
		}
		if p.Default != nil {
			if r := ParseNumericRatio(fmt.Sprint(p.Default)); r != "" {
				ratios = append(ratios, r)
			}
		}
	}

	var sizes []string
	if p, ok := d.Property("size"); ok {
		for _, v := range p.Enum {
			if s := fmt.Sprint(v); s != "" {
				sizes = append(sizes, s)
			}
		}
		if s := p.DefaultString(); s != "" {
			sizes = append(sizes, s)
		}
	}
	for _, s := range sizes {
		if r := RatioFromSizeToken(s); r != "" {
			ratios = append(ratios, r)
		}
	}
	ratios = append(ratios, ratiosFromExamples(d.Examples)...)

	caps := &Capabilities{
		AspectRatios: uniqStrings(ratios),
		SupportsAll:  (d.Accepts("width") && d.Accepts("height")) || (hasAspectKey && !hasAspectEnum),
		Sizes:        uniqStrings(sizes),
	}
	if len(caps.AspectRatios) == 0 && !caps.SupportsAll && len(caps.Sizes) == 0 {
		return nil
	}
	return caps
}

// ParseNumericRatio returns s without whitespace when it is an "a:b" ratio.
func ParseNumericRatio(s string) string {
	s = strings.Join(strings.Fields(s), "")
	if !numericRatioRe.MatchString(s) {
		return ""
	}
	return s
}

// RatioFromSizeToken reduces a "WxH" or "W*H" token to its lowest-terms ratio.
func RatioFromSizeToken(token string) string {
	w, h, ok := ParseSizeToken(token)
	if !ok {
		return ""
	}
	g := gcd(w, h)
	return fmt.Sprintf("%d:%d", w/g, h/g)
}

// ParseSizeToken parses "WxH" or "W*H".
func ParseSizeToken(token string) (int, int, bool) {
	m := sizeTokenRe.FindStringSubmatch(strings.TrimSpace(token))
	if m == nil {
		return 0, 0, false
	}
	w, err1 := strconv.Atoi(m[1])
	h, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}

// MatchesMedia reports whether a model type belongs to media ("image" or
// "video") or to one of the explicit types.
func MatchesMedia(d Descriptor, media string, types []string) bool {
	switch media {
	case "image":
		types = []string{"text-to-image", "image-to-image"}
	case "video":
		types = []string{"text-to-video", "image-to-video"}
	}
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if d.Type == t {
			return true
		}
	}
	return false
}

func ratiosFromExamples(examples []any) []string {
	var out []string
	stack := append([]any(nil), examples...)
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		switch t := node.(type) {
		case []any:
			stack = append(stack, t...)
		case map[string]any:
			for key, v := range t {
				switch {
				case key == "aspect_ratio" || key == "aspectRatio":
					if r := ParseNumericRatio(fmt.Sprint(v)); r != "" {
						out = append(out, r)
					}
				case key == "size":
					if s, ok := v.(string); ok {
						if r := RatioFromSizeToken(s); r != "" {
							out = append(out, r)
						}
					}
				default:
					switch v.(type) {
					case []any, map[string]any:
						stack = append(stack, v)
					}
				}
			}
		}
	}
	return out
}

func uniqStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	if a == 0 {
		return 1
	}
	return a
}
