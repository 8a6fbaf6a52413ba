// Package identity derives a device's base topic and composite identifier
// from a reading using a configurable path template.
//
// A template interleaves literal text with bracketed tokens of the form
// [sep?key[:default]]:
//
//	devices[/type][/model][/subtype][/channel][/id]
//
// For each token whose key is present in the reading, the optional
// separator and the sanitized value are emitted and the value becomes one
// component of the device id. An absent key emits its default literal
// (which never contributes to the id) or nothing at all.
package identity

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/nugget/rtl433-discovery/internal/reading"
)

// ErrNoDeviceID is returned when no template token matched the reading,
// leaving nothing to identify the device by.
var ErrNoDeviceID = errors.New("no device identifier derivable from reading")

// DefaultTemplate mirrors rtl_433's own default device topic layout.
const DefaultTemplate = "devices[/type][/model][/subtype][/channel][/id]"

var tokenRe = regexp.MustCompile(`\[(/?)([^\]:]+):?([^\]:]*)\]`)

type segment struct {
	literal  string
	key      string
	slash    bool
	fallback string
}

// Template is a parsed device path template. It is immutable and safe for
// concurrent use.
type Template struct {
	raw      string
	segments []segment
}

// Identity is the per-reading result of [Template.Derive].
type Identity struct {
	BaseTopic string
	DeviceID  string
}

// Parse compiles a template. A template without any token can never
// yield a device id and is rejected.
func Parse(raw string) (*Template, error) {
	matches := tokenRe.FindAllStringSubmatchIndex(raw, -1)
	if len(matches) == 0 {
		return nil, fmt.Errorf("device topic template %q has no [key] tokens", raw)
	}

	t := &Template{raw: raw}
	last := 0
	for _, m := range matches {
		if m[0] > last {
			t.segments = append(t.segments, segment{literal: raw[last:m[0]]})
		}
		t.segments = append(t.segments, segment{
			slash:    m[3] > m[2],
			key:      raw[m[4]:m[5]],
			fallback: raw[m[6]:m[7]],
		})
		last = m[1]
	}
	if last < len(raw) {
		t.segments = append(t.segments, segment{literal: raw[last:]})
	}
	return t, nil
}

// MustParse is like [Parse] but panics on error.
func MustParse(raw string) *Template {
	t, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return t
}

// String returns the template source.
func (t *Template) String() string { return t.raw }

// Keys returns the reading keys referenced by the template, in order.
func (t *Template) Keys() []string {
	var keys []string
	for _, s := range t.segments {
		if s.key != "" {
			keys = append(keys, s.key)
		}
	}
	return keys
}

// Derive computes the base topic (prefix + "/" + expanded path) and the
// device id (matched values joined with "-"). It returns [ErrNoDeviceID]
// when that id is empty.
func (t *Template) Derive(r reading.Reading, prefix string) (Identity, error) {
	var path strings.Builder
	var ids []string

	for _, s := range t.segments {
		if s.key == "" {
			path.WriteString(s.literal)
			continue
		}
		if v, ok := r.String(s.key); ok {
			if s.slash {
				path.WriteByte('/')
			}
			clean := Sanitize(v)
			path.WriteString(clean)
			ids = append(ids, clean)
			continue
		}
		if s.fallback != "" {
			path.WriteString(s.fallback)
		}
	}

	// A lone component that sanitizes to nothing ("", "&") is as good
	// as no component at all.
	deviceID := strings.Join(ids, "-")
	if deviceID == "" {
		return Identity{}, ErrNoDeviceID
	}
	return Identity{
		BaseTopic: prefix + "/" + path.String(),
		DeviceID:  deviceID,
	}, nil
}

var sanitizer = strings.NewReplacer(" ", "_", "/", "_", "&", "")

// Sanitize makes a value safe for use as a single MQTT topic level and as
// part of a Home Assistant identifier: spaces and slashes become
// underscores and ampersands are dropped.
func Sanitize(s string) string {
	return sanitizer.Replace(s)
}
