package params

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Options is the caller's loosely typed generation option bag.
type Options map[string]any

// Lookup returns the first present, non-nil value among keys.
func (o Options) Lookup(keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := o[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// String returns the first non-empty string form among keys.
func (o Options) String(keys ...string) string {
	for _, k := range keys {
		v, ok := o[k]
		if !ok || v == nil {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case float64:
			s = strconv.FormatFloat(t, 'f', -1, 64)
		case int:
			s = strconv.Itoa(t)
		case json.Number:
			s = t.String()
		case bool:
			s = strconv.FormatBool(t)
		default:
			s = fmt.Sprint(t)
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// Bool reports the truthiness of the first present key and whether any was present.
func (o Options) Bool(keys ...string) (bool, bool) {
	v, ok := o.Lookup(keys...)
	if !ok {
		return false, false
	}
	return truthy(v), true
}

// Int returns the first key that parses as an integer.
func (o Options) Int(keys ...string) (int, bool) {
	for _, k := range keys {
		v, ok := o[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case int:
			return t, true
		case int64:
			return int(t), true
		case float64:
			return int(t), true
		case json.Number:
			if n, err := t.Int64(); err == nil {
				return int(n), true
			}
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s != "" && s != "false" && s != "0" && s != "no"
	case float64:
		return t != 0
	case int:
		return t != 0
	case nil:
		return false
	default:
		return true
	}
}

// Ratio is a parsed width:height aspect ratio.
type Ratio struct {
	W, H float64
}

// Value returns W/H.
func (r Ratio) Value() float64 { return r.W / r.H }

// Landscape reports whether the ratio is at least as wide as tall.
func (r Ratio) Landscape() bool { return r.W >= r.H }

var ratioRe = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*:\s*(\d+(?:\.\d+)?)$`)

// ParseRatio parses "W:H".
func ParseRatio(s string) (Ratio, bool) {
	m := ratioRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Ratio{}, false
	}
	w, err1 := strconv.ParseFloat(m[1], 64)
	h, err2 := strconv.ParseFloat(m[2], 64)
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return Ratio{}, false
	}
	return Ratio{W: w, H: h}, true
}

// RatioFromOptions reads the requested ratio from size, aspectRatio or
// aspect_ratio, in that order.
func RatioFromOptions(o Options) (Ratio, bool) {
	for _, k := range []string{"size", "aspectRatio", "aspect_ratio"} {
		if r, ok := ParseRatio(o.String(k)); ok {
			return r, true
		}
	}
	return Ratio{}, false
}

// MaxLongEdge caps resolution hints.
const MaxLongEdge = 8192

// LongEdgeHint converts a resolution hint (1k, 2k, 4k, 720p, or a number)
// into a long-edge pixel count, capped at MaxLongEdge.
func LongEdgeHint(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return clampLongEdge(t)
	case int:
		return clampLongEdge(float64(t))
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		switch s {
		case "":
			return 0, false
		case "1k":
			return 1024, true
		case "2k":
			return 2048, true
		case "4k":
			return 4096, true
		}
		n, err := strconv.ParseFloat(strings.TrimSuffix(s, "p"), 64)
		if err != nil {
			return 0, false
		}
		return clampLongEdge(n)
	}
	return 0, false
}

func clampLongEdge(n float64) (int, bool) {
	if math.IsNaN(n) || n < 1 {
		return 0, false
	}
	if n > MaxLongEdge {
		return MaxLongEdge, true
	}
	return int(n), true
}

// AlignTo rounds v to the nearest multiple of step, never below step.
func AlignTo(v float64, step int) int {
	n := int(math.Round(v/float64(step))) * step
	if n < step {
		return step
	}
	return n
}

// Dimensions derives width and height for ratio with the given long edge,
// aligned to step.
func Dimensions(r Ratio, longEdge, step int) (int, int) {
	if r.Landscape() {
		return AlignTo(float64(longEdge), step), AlignTo(float64(longEdge)/r.Value(), step)
	}
	return AlignTo(float64(longEdge)*r.Value(), step), AlignTo(float64(longEdge), step)
}

// SizeToken is a parsed "WxH" or "W*H" size.
type SizeToken struct {
	W, H int
	Sep  string
}

var sizeRe = regexp.MustCompile(`(?i)^(\d+)\s*([x*])\s*(\d+)$`)

// ParseSizeToken parses "WxH" or "W*H", keeping the separator.
func ParseSizeToken(s string) (SizeToken, bool) {
	m := sizeRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return SizeToken{}, false
	}
	w, _ := strconv.Atoi(m[1])
	h, _ := strconv.Atoi(m[3])
	if w <= 0 || h <= 0 {
		return SizeToken{}, false
	}
	return SizeToken{W: w, H: h, Sep: strings.ToLower(m[2])}, true
}

// String formats the token with its separator.
func (s SizeToken) String() string {
	return fmt.Sprintf("%d%s%d", s.W, s.Sep, s.H)
}

// LongEdge returns the larger dimension.
func (s SizeToken) LongEdge() int {
	if s.W > s.H {
		return s.W
	}
	return s.H
}
