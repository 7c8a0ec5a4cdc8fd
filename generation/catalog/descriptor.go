package catalog

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// PropertySpec describes one accepted request parameter of a model.
type PropertySpec struct {
	Type     string   `json:"type,omitempty"`
	Enum     []any    `json:"enum,omitempty"`
	Default  any      `json:"default,omitempty"`
	Examples []any    `json:"examples,omitempty"`
	Minimum  *float64 `json:"minimum,omitempty"`
	Maximum  *float64 `json:"maximum,omitempty"`
}

// EnumStrings returns the string members of the enum.
func (p PropertySpec) EnumStrings() []string {
	out := make([]string, 0, len(p.Enum))
	for _, v := range p.Enum {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// DefaultString returns the default when it is a string.
func (p PropertySpec) DefaultString() string {
	s, _ := p.Default.(string)
	return s
}

// Descriptor is the accepted-parameter schema of a canonical model.
type Descriptor struct {
	ModelID     string                  `json:"model_id"`
	Name        string                  `json:"name,omitempty"`
	Type        string                  `json:"type,omitempty"`
	Description string                  `json:"description,omitempty"`
	BasePrice   any                     `json:"base_price,omitempty"`
	SortOrder   *int                    `json:"sort_order,omitempty"`
	Properties  map[string]PropertySpec `json:"properties,omitempty"`
	// Examples holds request examples published with the schema.
	Examples []any `json:"examples,omitempty"`
}

func (d Descriptor) sortKey() int {
	if d.SortOrder == nil {
		return math.MaxInt
	}
	return *d.SortOrder
}

// Accepts reports whether the schema declares key.
func (d Descriptor) Accepts(key string) bool {
	_, ok := d.Properties[key]
	return ok
}

// Property returns the schema entry for key.
func (d Descriptor) Property(key string) (PropertySpec, bool) {
	p, ok := d.Properties[key]
	return p, ok
}

// Keys returns the accepted keys in sorted order.
func (d Descriptor) Keys() []string {
	keys := make([]string, 0, len(d.Properties))
	for k := range d.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HasSchema reports whether the descriptor declares any parameter.
func (d Descriptor) HasSchema() bool { return len(d.Properties) > 0 }

// ParseModelList decodes a provider model listing. The list may be the
// document root or sit under "data" or "models".
func ParseModelList(body []byte) ([]Descriptor, error) {
	var root any
	if err := json.Unmarshal(body, &root); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}

	var items []any
	switch t := root.(type) {
	case []any:
		items = t
	case map[string]any:
		for _, key := range []string{"data", "models"} {
			if arr, ok := t[key].([]any); ok {
				items = arr
				break
			}
		}
		if items == nil {
			return nil, fmt.Errorf("decode model list: no model array in response")
		}
	default:
		return nil, fmt.Errorf("decode model list: unexpected document type %T", root)
	}

	out := make([]Descriptor, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		d, ok := descriptorFromModel(m)
		if !ok {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func descriptorFromModel(m map[string]any) (Descriptor, bool) {
	id := firstString(m, "model_id", "id")
	if id == "" {
		return Descriptor{}, false
	}
	props, examples := schemaProperties(m)
	d := Descriptor{
		ModelID:     id,
		Name:        firstString(m, "name", "display_name"),
		Type:        firstString(m, "type"),
		Description: firstString(m, "description"),
		Properties:  props,
		Examples:    examples,
	}
	switch bp := m["base_price"].(type) {
	case float64, string:
		d.BasePrice = bp
	}
	if n, ok := m["sort_order"].(float64); ok {
		order := int(n)
		d.SortOrder = &order
	}
	if d.Name == "" {
		d.Name = id
	}
	return d, true
}

// schemaProperties locates the request schema properties in either the
// api_schema object form or the api_schemas list form. Request examples of
// every schema found are returned alongside.
func schemaProperties(m map[string]any) (map[string]PropertySpec, []any) {
	var schema map[string]any
	for _, key := range []string{"api_schema", "apiSchema"} {
		if s, ok := m[key].(map[string]any); ok {
			schema = s
			break
		}
	}

	var props map[string]any
	var examples []any
	if schema != nil {
		props = requestProperties(schema)
		examples = append(examples, requestExamples(schema)...)
	}
	list, ok := m["api_schemas"].([]any)
	if !ok && schema != nil {
		list, _ = schema["api_schemas"].([]any)
	}
	for _, entry := range list {
		if em, ok := entry.(map[string]any); ok {
			examples = append(examples, requestExamples(em)...)
		}
	}
	if props == nil {
		if len(list) > 0 {
			var fallback map[string]any
			for _, entry := range list {
				em, ok := entry.(map[string]any)
				if !ok {
					continue
				}
				p := requestProperties(em)
				if p == nil {
					continue
				}
				if t, _ := em["type"].(string); t == "model_run" {
					props = p
					break
				}
				if fallback == nil {
					fallback = p
				}
			}
			if props == nil {
				props = fallback
			}
		}
	}

	out := make(map[string]PropertySpec, len(props))
	for key, raw := range props {
		pm, ok := raw.(map[string]any)
		if !ok {
			out[key] = PropertySpec{}
			continue
		}
		spec := PropertySpec{
			Default: pm["default"],
		}
		spec.Type, _ = pm["type"].(string)
		if e, ok := pm["enum"].([]any); ok {
			spec.Enum = e
		}
		if ex, ok := pm["examples"].([]any); ok {
			spec.Examples = ex
		}
		if v, ok := pm["minimum"].(float64); ok {
			spec.Minimum = &v
		}
		if v, ok := pm["maximum"].(float64); ok {
			spec.Maximum = &v
		}
		out[key] = spec
	}
	return out, examples
}

func requestExamples(schema map[string]any) []any {
	var out []any
	for _, key := range []string{"request_schema", "requestSchema"} {
		rs, ok := schema[key].(map[string]any)
		if !ok {
			continue
		}
		for _, ek := range []string{"examples", "example"} {
			switch ex := rs[ek].(type) {
			case []any:
				out = append(out, ex...)
			case map[string]any:
				out = append(out, ex)
			}
		}
	}
	return out
}

func requestProperties(schema map[string]any) map[string]any {
	for _, key := range []string{"request_schema", "requestSchema"} {
		rs, ok := schema[key].(map[string]any)
		if !ok {
			continue
		}
		if props, ok := rs["properties"].(map[string]any); ok {
			return props
		}
	}
	return nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
