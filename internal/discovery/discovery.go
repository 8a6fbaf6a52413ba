// Package discovery builds Home Assistant MQTT discovery payloads for
// recognized reading fields and publishes them, suppressing repeats of
// the same discovery topic inside the configured republish interval.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/rtl433-discovery/internal/config"
	"github.com/nugget/rtl433-discovery/internal/fieldmap"
)

// Defaults applied by [New] when the corresponding option is zero.
const (
	DefaultPrefix       = "homeassistant"
	DefaultInterval     = 600 * time.Second
	DefaultManufacturer = "rtl_433"
)

// Publisher sends one MQTT message. The transport package provides the
// production implementation.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
}

// PublisherFunc adapts a function to [Publisher].
type PublisherFunc func(ctx context.Context, topic string, payload []byte, retain bool) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	return f(ctx, topic, payload, retain)
}

// PublishError wraps a transport failure for one discovery topic.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish discovery %s: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Options configures a [Synthesizer].
type Options struct {
	// Prefix is the Home Assistant discovery prefix (default "homeassistant").
	Prefix string
	// Interval is the minimum time between two publishes of the same
	// discovery topic (default 600s).
	Interval time.Duration
	// Retain sets the MQTT retain flag on discovery messages.
	Retain bool
	// ForceUpdate sets force_update=true on every payload.
	ForceUpdate bool
	// ExpireAfter, when positive, is published as expire_after seconds.
	ExpireAfter time.Duration
	// Manufacturer is reported in the device block (default "rtl_433").
	Manufacturer string
}

// Request is one field of one reading to announce.
type Request struct {
	Mapping  fieldmap.Mapping
	Topic    string // state topic, or trigger topic for device automations
	Model    string // sanitized model name
	DeviceID string
	Field    string // raw reading key, display name fallback
}

// Result is the outcome of [Synthesizer.Announce].
type Result int

const (
	Published Result = iota
	Suppressed
)

func (r Result) String() string {
	switch r {
	case Published:
		return "published"
	case Suppressed:
		return "suppressed"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Synthesizer turns field mappings into discovery messages.
type Synthesizer struct {
	opts   Options
	store  *Store
	pub    Publisher
	logger *slog.Logger
}

// New creates a Synthesizer. The store is owned by the caller so it can
// be shared, inspected and reset.
func New(opts Options, store *Store, pub Publisher, logger *slog.Logger) *Synthesizer {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Manufacturer == "" {
		opts.Manufacturer = DefaultManufacturer
	}
	if store == nil {
		store = NewStore(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{
		opts:   opts,
		store:  store,
		pub:    pub,
		logger: logger,
	}
}

// Store returns the suppression store.
func (s *Synthesizer) Store() *Store { return s.store }

// ObjectName returns the entity object id: deviceID + "-" + suffix.
func ObjectName(deviceID string, m fieldmap.Mapping) string {
	return deviceID + "-" + m.Suffix
}

// Topic returns the discovery config topic for a device's field.
func (s *Synthesizer) Topic(deviceID string, m fieldmap.Mapping) string {
	return strings.Join([]string{
		s.opts.Prefix,
		string(m.EntityType),
		deviceID,
		ObjectName(deviceID, m),
		"config",
	}, "/")
}

// Build assembles the discovery payload for req without publishing.
func (s *Synthesizer) Build(req Request) map[string]any {
	cfg := req.Mapping.Template()
	if cfg == nil {
		cfg = make(map[string]any)
	}

	// Device triggers use a different schema from entity components.
	if req.Mapping.EntityType == fieldmap.DeviceAutomation {
		cfg["topic"] = req.Topic
		cfg["platform"] = "mqtt"
	} else {
		name, ok := req.Mapping.TemplateName()
		if !ok {
			name = req.Field
		}
		cfg["state_topic"] = req.Topic
		cfg["unique_id"] = ObjectName(req.DeviceID, req.Mapping)
		cfg["name"] = name
	}

	cfg["device"] = map[string]any{
		"identifiers":  []string{req.DeviceID},
		"name":         req.DeviceID,
		"model":        req.Model,
		"manufacturer": s.opts.Manufacturer,
	}

	if s.opts.ForceUpdate {
		cfg["force_update"] = true
	}
	if s.opts.ExpireAfter > 0 {
		cfg["expire_after"] = int(s.opts.ExpireAfter / time.Second)
	}
	return cfg
}

// Announce publishes the discovery config for req unless the same topic
// was published within the interval. The suppression window is advanced
// before publishing and is not rolled back if the publish fails. The
// Result is only meaningful when err is nil.
func (s *Synthesizer) Announce(ctx context.Context, req Request) (Result, error) {
	topic := s.Topic(req.DeviceID, req.Mapping)

	if !s.store.Reserve(topic, s.opts.Interval) {
		s.logger.Debug("discovery suppressed, interval not elapsed",
			"topic", topic, "device_id", req.DeviceID)
		return Suppressed, nil
	}

	payload, err := json.Marshal(s.Build(req))
	if err != nil {
		return Published, fmt.Errorf("marshal discovery payload for %s: %w", topic, err)
	}

	s.logger.Log(ctx, config.LevelTrace, "discovery payload",
		"topic", topic, "json", string(payload))

	if err := s.pub.Publish(ctx, topic, payload, s.opts.Retain); err != nil {
		return Published, &PublishError{Topic: topic, Err: err}
	}
	return Published, nil
}
