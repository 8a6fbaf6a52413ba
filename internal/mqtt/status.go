package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

const (
	online  = "online"
	offline = "offline"
)

// StatsSource provides the values behind the status sensors. The
// concrete adapter lives in main so this package stays independent of
// the translator.
type StatsSource interface {
	Uptime() time.Duration
	Version() string
	Readings() int64
	DiscoveriesPublished() int64
	DiscoveriesSuppressed() int64
}

type publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
}

// StatusOptions configures a [Status].
type StatusOptions struct {
	DeviceName      string        // HA device name and topic segment
	InstanceID      string        // stable HA identifier
	TopicPrefix     string        // state topics live under {TopicPrefix}/{DeviceName}
	DiscoveryPrefix string        // HA discovery prefix
	Interval        time.Duration // state publish period
}

// Status announces the bridge itself as a Home Assistant device with
// availability and a handful of diagnostic sensors.
type Status struct {
	opts   StatusOptions
	device DeviceInfo
	stats  StatsSource
	logger *slog.Logger

	mu  sync.Mutex
	pub publisher
}

// NewStatus creates the status device. A nil pub is bound to the
// [Client] the Status is handed to.
func NewStatus(opts StatusOptions, pub publisher, stats StatsSource, logger *slog.Logger) *Status {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Status{
		opts:   opts,
		device: NewDeviceInfo(opts.InstanceID, opts.DeviceName),
		stats:  stats,
		logger: logger,
		pub:    pub,
	}
}

func (s *Status) bind(p publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pub == nil {
		s.pub = p
	}
}

func (s *Status) publisher() publisher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pub
}

// Device returns the HA device block.
func (s *Status) Device() DeviceInfo { return s.device }

func (s *Status) baseTopic() string {
	return s.opts.TopicPrefix + "/" + s.opts.DeviceName
}

// AvailabilityTopic carries "online"/"offline" for every status entity.
func (s *Status) AvailabilityTopic() string {
	return s.baseTopic() + "/availability"
}

func (s *Status) stateTopic(entity string) string {
	return s.baseTopic() + "/" + entity + "/state"
}

func (s *Status) discoveryTopic(entity string) string {
	return s.opts.DiscoveryPrefix + "/sensor/" + s.opts.DeviceName + "/" + entity + "/config"
}

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (s *Status) sensor(entity, name, icon string) SensorConfig {
	return SensorConfig{
		Name:              name,
		ObjectID:          entity,
		HasEntityName:     true,
		UniqueID:          s.opts.InstanceID + "_" + entity,
		StateTopic:        s.stateTopic(entity),
		AvailabilityTopic: s.AvailabilityTopic(),
		Device:            s.device,
		Icon:              icon,
	}
}

func (s *Status) sensorDefinitions() []sensorDef {
	uptime := s.sensor("uptime", "Uptime", "mdi:clock-outline")
	uptime.EntityCategory = "diagnostic"
	uptime.UnitOfMeasurement = "s"

	version := s.sensor("version", "Version", "mdi:tag")
	version.EntityCategory = "diagnostic"

	readings := s.sensor("readings", "Readings", "mdi:radio-tower")
	readings.StateClass = "total_increasing"

	published := s.sensor("discoveries_published", "Discoveries Published", "mdi:upload")
	published.StateClass = "total_increasing"

	suppressed := s.sensor("discoveries_suppressed", "Discoveries Suppressed", "mdi:timer-sand")
	suppressed.StateClass = "total_increasing"
	suppressed.EntityCategory = "diagnostic"

	return []sensorDef{
		{"uptime", uptime},
		{"version", version},
		{"readings", readings},
		{"discoveries_published", published},
		{"discoveries_suppressed", suppressed},
	}
}

// Announce publishes the retained discovery configs, the birth message
// and a first set of states.
func (s *Status) Announce(ctx context.Context) {
	pub := s.publisher()
	if pub == nil {
		return
	}
	for _, d := range s.sensorDefinitions() {
		topic := s.discoveryTopic(d.entitySuffix)
		payload, err := json.Marshal(d.config)
		if err != nil {
			s.logger.Error("mqtt marshal status discovery payload",
				"entity", d.entitySuffix, "error", err)
			continue
		}
		if err := pub.Publish(ctx, topic, payload, true); err != nil {
			s.logger.Warn("mqtt status discovery publish failed",
				"entity", d.entitySuffix, "topic", topic, "error", err)
		} else {
			s.logger.Debug("mqtt status discovery published",
				"entity", d.entitySuffix, "topic", topic)
		}
	}
	s.publishAvailability(ctx, online)
	s.publishStates(ctx)
}

func (s *Status) publishAvailability(ctx context.Context, status string) {
	pub := s.publisher()
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, s.AvailabilityTopic(), []byte(status), true); err != nil {
		s.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		s.logger.Info("mqtt availability published", "status", status)
	}
}

// Run publishes sensor states every interval until ctx is cancelled.
func (s *Status) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.publishStates(ctx)
		}
	}
}

func (s *Status) states() map[string]string {
	return map[string]string{
		"uptime":                 strconv.FormatInt(int64(s.stats.Uptime()/time.Second), 10),
		"version":                s.stats.Version(),
		"readings":               strconv.FormatInt(s.stats.Readings(), 10),
		"discoveries_published":  strconv.FormatInt(s.stats.DiscoveriesPublished(), 10),
		"discoveries_suppressed": strconv.FormatInt(s.stats.DiscoveriesSuppressed(), 10),
	}
}

func (s *Status) publishStates(ctx context.Context) {
	pub := s.publisher()
	if pub == nil || s.stats == nil {
		return
	}
	states := s.states()
	for entity, value := range states {
		if err := pub.Publish(ctx, s.stateTopic(entity), []byte(value), true); err != nil {
			s.logger.Debug("mqtt state publish failed",
				"entity", entity, "error", err)
		}
	}
	s.logger.Debug("mqtt status states published", "entities", len(states))
}
