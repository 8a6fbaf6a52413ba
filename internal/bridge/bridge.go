// Package bridge translates rtl_433 readings into Home Assistant
// discovery announcements. It is the per-message pipeline: decode,
// derive the device identity, filter, then announce every recognized
// field through the discovery synthesizer.
//
// A failure on one field is logged and counted and never stops the
// remaining fields of the same reading.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/nugget/rtl433-discovery/internal/discovery"
	"github.com/nugget/rtl433-discovery/internal/fieldmap"
	"github.com/nugget/rtl433-discovery/internal/identity"
	"github.com/nugget/rtl433-discovery/internal/reading"
)

// DefaultTopicPrefix is the root of rtl_433's own device topics.
const DefaultTopicPrefix = "rtl_433"

var (
	// ErrNoModel rejects readings that carry no model field.
	ErrNoModel = errors.New("reading has no model")
	// ErrFiltered rejects readings whose id is not in the allow-list.
	ErrFiltered = errors.New("device id not in allow-list")
)

// Announcer publishes one discovery config. [discovery.Synthesizer]
// satisfies it.
type Announcer interface {
	Announce(ctx context.Context, req discovery.Request) (discovery.Result, error)
}

// Options configures a [Translator].
type Options struct {
	// TopicPrefix prefixes every derived base topic (default "rtl_433").
	TopicPrefix string
	// AllowIDs restricts discovery to readings whose id is listed.
	// Empty allows every device.
	AllowIDs []string
	// SkipFields are unmapped keys that are expected and never reported
	// as skipped. Nil uses [fieldmap.DefaultSkipFields].
	SkipFields []string
}

// Outcome summarizes one translated reading.
type Outcome struct {
	DeviceID   string
	BaseTopic  string
	Published  []string
	Suppressed []string
	Failed     []string
	Skipped    []string
}

// Stats are cumulative counters since the translator was created.
type Stats struct {
	Announced     int64 // readings that reached the field loop
	DecodeErrors  int64
	NoModel       int64
	NoDeviceID    int64
	Filtered      int64
	Published     int64 // discovery messages sent
	Suppressed    int64
	Failed        int64
	SkippedFields int64
}

// Translator is the per-reading pipeline. It is safe for concurrent use,
// though the transport feeds it from a single worker.
type Translator struct {
	prefix   string
	tmpl     *identity.Template
	allow    map[string]struct{}
	skip     map[string]struct{}
	announce Announcer
	logger   *slog.Logger

	announced, decodeErrors, noModel, noDeviceID, filtered atomic.Int64
	published, suppressed, failed, skipped                 atomic.Int64
}

// New creates a Translator.
func New(opts Options, tmpl *identity.Template, ann Announcer, logger *slog.Logger) *Translator {
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = DefaultTopicPrefix
	}
	if opts.SkipFields == nil {
		opts.SkipFields = fieldmap.DefaultSkipFields()
	}
	if logger == nil {
		logger = slog.Default()
	}

	t := &Translator{
		prefix:   opts.TopicPrefix,
		tmpl:     tmpl,
		skip:     toSet(opts.SkipFields),
		announce: ann,
		logger:   logger,
	}
	// An allow-list of only blank entries ("RTL_433_IDS=") allows all.
	if allow := toSet(opts.AllowIDs); len(allow) > 0 {
		t.allow = allow
	}
	return t
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			set[s] = struct{}{}
		}
	}
	return set
}

// HandleMessage decodes an inbound MQTT payload and translates it.
// Malformed payloads are logged at error level and dropped.
func (t *Translator) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	t.logger.Debug("mqtt message received", "topic", topic, "payload_size", len(payload))

	r, err := reading.Decode(payload)
	if err != nil {
		t.decodeErrors.Add(1)
		t.logger.Error("dropping malformed reading",
			"topic", topic, "payload", string(payload), "error", err)
		return err
	}
	_, err = t.Translate(ctx, r)
	return err
}

// Translate announces every recognized field of r. It returns
// [ErrNoModel], [identity.ErrNoDeviceID] or [ErrFiltered] when the reading
// is rejected before any field is considered. Per-field publish failures
// are reported in the Outcome, not as an error.
func (t *Translator) Translate(ctx context.Context, r reading.Reading) (Outcome, error) {
	rawModel, ok := r.String("model")
	if !ok {
		t.noModel.Add(1)
		t.logger.Debug("model is not defined, not publishing discovery")
		return Outcome{}, ErrNoModel
	}
	model := identity.Sanitize(rawModel)

	id, err := t.tmpl.Derive(r, t.prefix)
	if err != nil {
		t.noDeviceID.Add(1)
		t.logger.Warn("no suitable identifier found", "model", model, "template", t.tmpl.String())
		return Outcome{}, err
	}

	if t.allow != nil {
		dataID, _ := r.String("id")
		if _, ok := t.allow[dataID]; !ok {
			t.filtered.Add(1)
			t.logger.Debug("device id not in allow-list", "id", dataID, "device_id", id.DeviceID)
			return Outcome{DeviceID: id.DeviceID, BaseTopic: id.BaseTopic}, ErrFiltered
		}
	}

	t.announced.Add(1)
	out := Outcome{DeviceID: id.DeviceID, BaseTopic: id.BaseTopic}

	for _, key := range r.Keys() {
		m, ok := fieldmap.Lookup(key)
		if !ok {
			if _, skip := t.skip[key]; !skip {
				out.Skipped = append(out.Skipped, key)
			}
			continue
		}
		t.announceField(ctx, &out, discovery.Request{
			Mapping:  m,
			Topic:    id.BaseTopic + "/" + key,
			Model:    model,
			DeviceID: id.DeviceID,
			Field:    key,
		})
	}

	if r.Has(fieldmap.SecretKnockField) {
		for _, m := range fieldmap.SecretKnock() {
			t.announceField(ctx, &out, discovery.Request{
				Mapping:  m,
				Topic:    id.BaseTopic + "/" + fieldmap.SecretKnockField,
				Model:    model,
				DeviceID: id.DeviceID,
				Field:    fieldmap.SecretKnockField,
			})
		}
	}
	t.skipped.Add(int64(len(out.Skipped)))

	if len(out.Published) > 0 {
		t.logger.Info("published discovery",
			"device_id", id.DeviceID, "keys", out.Published)
		if len(out.Skipped) > 0 {
			t.logger.Info("skipped unmapped fields",
				"device_id", id.DeviceID, "keys", out.Skipped)
		}
	}
	return out, nil
}

func (t *Translator) announceField(ctx context.Context, out *Outcome, req discovery.Request) {
	res, err := t.announce.Announce(ctx, req)
	if err != nil {
		t.failed.Add(1)
		out.Failed = append(out.Failed, req.Field)
		t.logger.Error("discovery publish failed",
			"device_id", req.DeviceID, "field", req.Field, "error", err)
		return
	}
	switch res {
	case discovery.Published:
		t.published.Add(1)
		out.Published = append(out.Published, req.Field)
	case discovery.Suppressed:
		t.suppressed.Add(1)
		out.Suppressed = append(out.Suppressed, req.Field)
	}
}

// Stats returns a snapshot of the cumulative counters.
func (t *Translator) Stats() Stats {
	return Stats{
		Announced:     t.announced.Load(),
		DecodeErrors:  t.decodeErrors.Load(),
		NoModel:       t.noModel.Load(),
		NoDeviceID:    t.noDeviceID.Load(),
		Filtered:      t.filtered.Load(),
		Published:     t.published.Load(),
		Suppressed:    t.suppressed.Load(),
		Failed:        t.failed.Load(),
		SkippedFields: t.skipped.Load(),
	}
}

// Readings returns the total number of readings seen, whatever their
// outcome.
func (s Stats) Readings() int64 {
	return s.Announced + s.DecodeErrors + s.NoModel + s.NoDeviceID + s.Filtered
}

// AllowList returns the configured allow-list, sorted. Nil means every
// device is allowed.
func (t *Translator) AllowList() []string {
	if t.allow == nil {
		return nil
	}
	out := make([]string, 0, len(t.allow))
	for id := range t.allow {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
