// Package schema validates outbound messages against per-type field
// schemas before they enter the durable queue. A message is an unordered
// mapping with a required "type" key; each registered type has exactly one
// schema describing its permitted fields and their value types.
package schema

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// InvalidError is returned when a value does not conform to its schema.
type InvalidError struct {
	Path string
	Msg  string
}

func (e *InvalidError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("schema: %s", e.Msg)
	}
	return fmt.Sprintf("schema: %s: %s", e.Path, e.Msg)
}

func invalidf(path, format string, args ...interface{}) error {
	return &InvalidError{Path: path, Msg: fmt.Sprintf(format, args...)}
}

// Type coerces a raw value into its canonical representation, failing
// with InvalidError on mismatch.
type Type interface {
	Coerce(v interface{}) (interface{}, error)
}

// Int accepts int, int32 and int64 values and canonicalises to int64.
type Int struct{}

func (Int) Coerce(v interface{}) (interface{}, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	}
	return nil, invalidf("", "expected integer, got %T", v)
}

// Float accepts floats and integers, canonicalising to float64.
type Float struct{}

func (Float) Coerce(v interface{}) (interface{}, error) {
	switch n := v.(type) {
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return nil, invalidf("", "expected float, got %T", v)
}

// Bool accepts booleans.
type Bool struct{}

func (Bool) Coerce(v interface{}) (interface{}, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	return nil, invalidf("", "expected bool, got %T", v)
}

// String accepts strings.
type String struct{}

func (String) Coerce(v interface{}) (interface{}, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	return nil, invalidf("", "expected string, got %T", v)
}

// Bytes accepts byte strings, including their BSON binary form.
type Bytes struct{}

func (Bytes) Coerce(v interface{}) (interface{}, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case bson.Binary:
		return b.Data, nil
	}
	return nil, invalidf("", "expected bytes, got %T", v)
}

// Time accepts epoch seconds, time.Time and BSON datetimes,
// canonicalising to epoch seconds.
type Time struct{}

func (Time) Coerce(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case float64:
		return int64(t), nil
	case time.Time:
		return t.Unix(), nil
	case bson.DateTime:
		return t.Time().Unix(), nil
	}
	return nil, invalidf("", "expected timestamp, got %T", v)
}

// Any accepts anything, including nil.
type Any struct{}

func (Any) Coerce(v interface{}) (interface{}, error) {
	return v, nil
}

// Constant accepts only the given string value.
type Constant struct {
	Value string
}

func (c Constant) Coerce(v interface{}) (interface{}, error) {
	if s, ok := v.(string); ok && s == c.Value {
		return s, nil
	}
	return nil, invalidf("", "expected constant %q, got %v", c.Value, v)
}

// List accepts a sequence whose items all coerce with Item.
type List struct {
	Item Type
}

func (l List) Coerce(v interface{}) (interface{}, error) {
	var items []interface{}
	switch seq := v.(type) {
	case []interface{}:
		items = seq
	case bson.A:
		items = []interface{}(seq)
	case []string:
		items = make([]interface{}, len(seq))
		for i, s := range seq {
			items[i] = s
		}
	default:
		return nil, invalidf("", "expected list, got %T", v)
	}
	out := make([]interface{}, len(items))
	for i, item := range items {
		coerced, err := l.Item.Coerce(item)
		if err != nil {
			return nil, prefixPath(fmt.Sprintf("[%d]", i), err)
		}
		out[i] = coerced
	}
	return out, nil
}

// KeyDict accepts a mapping with a fixed set of typed keys. Keys listed
// in Optional may be absent; all others are required. Unknown keys are
// rejected.
type KeyDict struct {
	Fields   map[string]Type
	Optional []string
}

func (d KeyDict) Coerce(v interface{}) (interface{}, error) {
	m, ok := asMap(v)
	if !ok {
		return nil, invalidf("", "expected mapping, got %T", v)
	}
	optional := make(map[string]bool, len(d.Optional))
	for _, k := range d.Optional {
		optional[k] = true
	}
	out := bson.M{}
	for k, raw := range m {
		t, known := d.Fields[k]
		if !known {
			return nil, invalidf(k, "unknown field")
		}
		coerced, err := t.Coerce(raw)
		if err != nil {
			return nil, prefixPath(k, err)
		}
		out[k] = coerced
	}
	for k := range d.Fields {
		if _, present := out[k]; !present && !optional[k] {
			return nil, invalidf(k, "required field missing")
		}
	}
	return out, nil
}

func prefixPath(prefix string, err error) error {
	if ie, ok := err.(*InvalidError); ok {
		path := prefix
		if ie.Path != "" {
			path = prefix + "." + ie.Path
		}
		return &InvalidError{Path: path, Msg: ie.Msg}
	}
	return err
}

func asMap(v interface{}) (bson.M, bool) {
	switch m := v.(type) {
	case bson.M:
		return m, true
	case map[string]interface{}:
		return bson.M(m), true
	default:
		return nil, false
	}
}
