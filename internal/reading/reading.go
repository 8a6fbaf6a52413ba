// Package reading decodes rtl_433 JSON events into an ordered, read-only
// view. Field order is preserved as received so that log summaries list
// keys in the same order rtl_433 emitted them.
package reading

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// DecodeError reports an inbound payload that is not a JSON object.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "decode reading: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Reading is one decoded sensor event. The zero value is an empty reading.
type Reading struct {
	keys   []string
	values map[string]any
}

// Decode parses a JSON object. Numbers are kept as [json.Number] so their
// textual form survives ("7" stays "7", never "7.0"). Duplicate keys keep
// the position of the first occurrence and the value of the last.
func Decode(data []byte) (Reading, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return Reading{}, &DecodeError{Err: err}
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return Reading{}, &DecodeError{Err: fmt.Errorf("expected JSON object, got %v", tok)}
	}

	r := Reading{values: make(map[string]any)}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return Reading{}, &DecodeError{Err: err}
		}
		key, ok := tok.(string)
		if !ok {
			return Reading{}, &DecodeError{Err: fmt.Errorf("unexpected object key %v", tok)}
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return Reading{}, &DecodeError{Err: fmt.Errorf("field %q: %w", key, err)}
		}
		if _, seen := r.values[key]; !seen {
			r.keys = append(r.keys, key)
		}
		r.values[key] = v
	}

	if _, err := dec.Token(); err != nil {
		return Reading{}, &DecodeError{Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Reading{}, &DecodeError{Err: errors.New("trailing data after JSON object")}
	}
	return r, nil
}

// FromPairs builds a reading from alternating key/value arguments. It is
// meant for tests and the dry-run command; odd trailing keys are ignored.
func FromPairs(kv ...any) Reading {
	r := Reading{values: make(map[string]any)}
	for i := 0; i+1 < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		if _, seen := r.values[key]; !seen {
			r.keys = append(r.keys, key)
		}
		r.values[key] = kv[i+1]
	}
	return r
}

// Keys returns the field names in received order.
func (r Reading) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Len returns the number of fields.
func (r Reading) Len() int { return len(r.keys) }

// Has reports whether the field is present (a JSON null counts as present).
func (r Reading) Has(key string) bool {
	_, ok := r.values[key]
	return ok
}

// Value returns the raw decoded value.
func (r Reading) Value(key string) (any, bool) {
	v, ok := r.values[key]
	return v, ok
}

// String returns the field rendered as text, the form used in topics and
// device identifiers. Nested objects and arrays are rendered as compact
// JSON.
func (r Reading) String(key string) (string, bool) {
	v, ok := r.values[key]
	if !ok {
		return "", false
	}
	return format(v), true
}

func format(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	default:
		return fmt.Sprint(x)
	}
}
