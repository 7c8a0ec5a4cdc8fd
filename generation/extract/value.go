package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// Value is a JSON value as a tagged union. Containers are held by pointer so
// that shared or cyclic substructures keep a stable identity.
type Value struct {
	Kind Kind
	Bool bool
	Num  float64
	Str  string
	Arr  *Array
	Obj  *Object
}

// Array is a JSON array container.
type Array struct {
	Items []Value
}

// Object is a JSON object container that preserves key order.
type Object struct {
	Keys   []string
	Fields map[string]Value
}

// Get returns the field value for key.
func (o *Object) Get(key string) (Value, bool) {
	if o == nil {
		return Value{}, false
	}
	v, ok := o.Fields[key]
	return v, ok
}

// Set adds or replaces a field, keeping first insertion order.
func (o *Object) Set(key string, v Value) {
	if o.Fields == nil {
		o.Fields = make(map[string]Value)
	}
	if _, ok := o.Fields[key]; !ok {
		o.Keys = append(o.Keys, key)
	}
	o.Fields[key] = v
}

// String builds a string value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// NewObject builds an empty object value.
func NewObject() Value { return Value{Kind: KindObject, Obj: &Object{Fields: map[string]Value{}}} }

// NewArray builds an array value from items.
func NewArray(items ...Value) Value { return Value{Kind: KindArray, Arr: &Array{Items: items}} }

// Path walks object keys and returns the value found, if any.
func (v Value) Path(keys ...string) (Value, bool) {
	cur := v
	for _, k := range keys {
		if cur.Kind != KindObject {
			return Value{}, false
		}
		next, ok := cur.Obj.Get(k)
		if !ok {
			return Value{}, false
		}
		cur = next
	}
	return cur, true
}

// Text returns a string form of scalar values; containers and null yield "".
func (v Value) Text() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return ""
	}
}

// IsNull reports whether the value is null or absent.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Parse decodes JSON into a Value. Nesting is handled with an explicit stack.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	type frame struct {
		val     Value
		pendKey string
		hasKey  bool
	}
	var (
		stack []*frame
		root  Value
		done  bool
	)

	attach := func(v Value) error {
		if len(stack) == 0 {
			if done {
				return errors.New("extract: multiple top-level values")
			}
			root, done = v, true
			return nil
		}
		top := stack[len(stack)-1]
		switch top.val.Kind {
		case KindArray:
			top.val.Arr.Items = append(top.val.Arr.Items, v)
		case KindObject:
			if !top.hasKey {
				return errors.New("extract: object value without key")
			}
			top.val.Obj.Set(top.pendKey, v)
			top.hasKey = false
		}
		return nil
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Value{}, fmt.Errorf("extract: decode: %w", err)
		}

		switch t := tok.(type) {
		case json.Delim:
			switch t {
			case '{':
				stack = append(stack, &frame{val: NewObject()})
			case '[':
				stack = append(stack, &frame{val: Value{Kind: KindArray, Arr: &Array{}}})
			case '}', ']':
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				if err := attach(top.val); err != nil {
					return Value{}, err
				}
			}
			continue
		case string:
			if len(stack) > 0 {
				top := stack[len(stack)-1]
				if top.val.Kind == KindObject && !top.hasKey {
					top.pendKey, top.hasKey = t, true
					continue
				}
			}
			err = attach(String(t))
		case json.Number:
			f, _ := t.Float64()
			err = attach(Value{Kind: KindNumber, Num: f})
		case bool:
			err = attach(Value{Kind: KindBool, Bool: t})
		case nil:
			err = attach(Value{Kind: KindNull})
		}
		if err != nil {
			return Value{}, err
		}
	}
	if !done {
		return Value{}, errors.New("extract: empty document")
	}
	return root, nil
}

// FromAny converts values produced by encoding/json (map[string]any, []any,
// string, float64, bool, nil) into a Value. Map keys are sorted for a stable
// traversal order.
func FromAny(in any) Value {
	switch t := in.(type) {
	case nil:
		return Value{Kind: KindNull}
	case Value:
		return t
	case string:
		return String(t)
	case bool:
		return Value{Kind: KindBool, Bool: t}
	case float64:
		return Value{Kind: KindNumber, Num: t}
	case int:
		return Value{Kind: KindNumber, Num: float64(t)}
	case int64:
		return Value{Kind: KindNumber, Num: float64(t)}
	case json.Number:
		f, _ := t.Float64()
		return Value{Kind: KindNumber, Num: f}
	case json.RawMessage:
		v, err := Parse(t)
		if err != nil {
			return Value{Kind: KindNull}
		}
		return v
	case []string:
		arr := &Array{Items: make([]Value, 0, len(t))}
		for _, s := range t {
			arr.Items = append(arr.Items, String(s))
		}
		return Value{Kind: KindArray, Arr: arr}
	case []any:
		arr := &Array{Items: make([]Value, 0, len(t))}
		for _, item := range t {
			arr.Items = append(arr.Items, FromAny(item))
		}
		return Value{Kind: KindArray, Arr: arr}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		obj := &Object{Fields: make(map[string]Value, len(t))}
		for _, k := range keys {
			obj.Set(k, FromAny(t[k]))
		}
		return Value{Kind: KindObject, Obj: obj}
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return Value{Kind: KindNull}
		}
		v, err := Parse(data)
		if err != nil {
			return Value{Kind: KindNull}
		}
		return v
	}
}
