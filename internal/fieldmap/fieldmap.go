// Package fieldmap holds the hand-curated table that maps rtl_433 field
// names to Home Assistant discovery metadata.
//
// The table is built once at package init and never mutated. Callers
// receive [Mapping] values whose discovery template can only be read
// through [Mapping.Template], which returns a deep copy, so no caller can
// change what the next reading sees.
//
// Value templates are opaque Jinja strings rendered by Home Assistant,
// not by this process. Unit conversions (m/s to km/h, inches to mm) live
// inside those strings.
package fieldmap

import (
	"sort"
)

// EntityType is the Home Assistant MQTT component a field is announced as.
type EntityType string

const (
	Sensor           EntityType = "sensor"
	BinarySensor     EntityType = "binary_sensor"
	DeviceAutomation EntityType = "device_automation"
)

// SecretKnockField is the reading key that produces two trigger entities
// (Honeywell ActivLink doorbells).
const SecretKnockField = "secret_knock"

// Mapping describes how one reading field becomes a discovery entity.
type Mapping struct {
	Field      string
	EntityType EntityType
	Suffix     string
	template   map[string]any
}

// Template returns a deep copy of the discovery config template.
func (m Mapping) Template() map[string]any {
	return cloneMap(m.template)
}

// TemplateName returns the configured display name, if any.
func (m Mapping) TemplateName() (string, bool) {
	name, ok := m.template["name"].(string)
	return name, ok
}

// Lookup returns the mapping for a field.
func Lookup(field string) (Mapping, bool) {
	m, ok := table[field]
	return m, ok
}

// Fields returns every mapped field name, sorted.
func Fields() []string {
	out := make([]string, 0, len(table))
	for k := range table {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SecretKnock returns the short-press and triple-press trigger mappings
// announced for [SecretKnockField].
func SecretKnock() []Mapping {
	out := make([]Mapping, len(secretKnock))
	copy(out, secretKnock)
	return out
}

// DefaultSkipFields lists reading keys that are expected to be unmapped
// (identity and radio metadata) and must not show up as skipped.
func DefaultSkipFields() []string {
	return []string{
		"type",
		"model",
		"subtype",
		"channel",
		"id",
		"mic",
		"mod",
		"freq",
		"sequence_num",
		"message_type",
		"exception",
		"raw_msg",
	}
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	default:
		return v
	}
}

var table = buildTable()

func buildTable() map[string]Mapping {
	t := make(map[string]Mapping, len(definitions))
	for _, d := range definitions {
		if _, dup := t[d.Field]; dup {
			panic("fieldmap: duplicate field " + d.Field)
		}
		t[d.Field] = d
	}
	return t
}
