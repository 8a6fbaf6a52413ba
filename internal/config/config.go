// Package config handles rtl433-discovery configuration loading.
//
// Settings come from three layers, later layers winning: built-in
// defaults, an optional YAML file, and environment variables (optionally
// seeded from .env files). The environment names match those of the
// rtl_433 Home Assistant discovery container so existing deployments keep
// working unchanged.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default values applied by [Config.ApplyDefaults].
const (
	DefaultInboundTopic      = "rtl_433/+/events"
	DefaultTopicPrefix       = "rtl_433"
	DefaultDeviceTopicSuffix = "devices[/type][/model][/subtype][/channel][/id]"
	DefaultDiscoveryPrefix   = "homeassistant"
	DefaultIntervalSec       = 600
	DefaultPort              = 8883
	DefaultClientID          = "rtl_433-mqtt-ha-discovery"
	DefaultStatusIntervalSec = 60
)

// ErrNoBroker is returned by [Config.Validate] when no broker is set.
var ErrNoBroker = errors.New("mqtt broker is required (set MQTT_BROKER or mqtt.broker)")

// DefaultSearchPaths returns the config file search order:
// ./config.yaml, ~/.config/rtl433-discovery/config.yaml,
// /etc/rtl433-discovery/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "rtl433-discovery", "config.yaml"))
	}

	paths = append(paths, "/etc/rtl433-discovery/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all bridge configuration.
type Config struct {
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Status    StatusConfig    `yaml:"status"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text or json
}

// MQTTConfig defines the broker connection.
type MQTTConfig struct {
	// Broker is a host name or a full URL (mqtt://, mqtts://, ssl://,
	// tcp://). A bare host is combined with Port.
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// CAFile is a PEM bundle used instead of the system roots when TLS
	// is enabled.
	CAFile string `yaml:"ca_file"`
	// MaxMessagesPerSec drops inbound messages above this rate. Zero
	// disables the limiter.
	MaxMessagesPerSec int `yaml:"max_messages_per_sec"`
}

// DiscoveryConfig controls how readings are turned into discovery
// messages.
type DiscoveryConfig struct {
	Topic             string   `yaml:"topic"`               // inbound subscription filter
	TopicPrefix       string   `yaml:"topic_prefix"`        // rtl_433 device topic root
	DeviceTopicSuffix string   `yaml:"device_topic_suffix"` // identity template
	Prefix            string   `yaml:"prefix"`              // HA discovery prefix
	IntervalSec       int      `yaml:"interval_sec"`
	ExpireAfterSec    int      `yaml:"expire_after_sec"`
	Retain            bool     `yaml:"retain"`
	ForceUpdate       bool     `yaml:"force_update"`
	IDs               []string `yaml:"ids"`
	// SkipFields replaces the built-in list of unmapped keys that are
	// never reported as skipped. Empty keeps the built-in list.
	SkipFields []string `yaml:"skip_fields"`
}

// StatusConfig controls the bridge's own Home Assistant device.
type StatusConfig struct {
	Enabled            bool   `yaml:"enabled"`
	DeviceName         string `yaml:"device_name"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // e.g. ":9433"; empty disables
}

// Interval returns the republish interval.
func (d DiscoveryConfig) Interval() time.Duration {
	return time.Duration(d.IntervalSec) * time.Second
}

// ExpireAfter returns the expire_after duration, zero when unset.
func (d DiscoveryConfig) ExpireAfter() time.Duration {
	return time.Duration(d.ExpireAfterSec) * time.Second
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads configuration from a YAML file. Environment variables
// referenced as ${VAR} are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=value files into the process environment without
// overriding variables that are already set. Missing files are ignored;
// with no arguments ./.env is tried.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// LookupFunc matches [os.LookupEnv].
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides fields from environment variables read through
// lookup. Unset variables leave the field alone; set but empty string
// variables clear it.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			*dst = ParseBool(v)
		}
	}
	var errs []error
	integer := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid integer %q", key, v))
			return
		}
		*dst = n
	}

	boolean("RTL_433_RETAIN", &c.Discovery.Retain)
	boolean("RTL_433_FORCE_UPDATE", &c.Discovery.ForceUpdate)
	str("RTL_433_MQTT_TOPIC", &c.Discovery.Topic)
	str("RTL_433_TOPIC_PREFIX", &c.Discovery.TopicPrefix)
	str("RTL_433_DEVICE_TOPIC_SUFFIX", &c.Discovery.DeviceTopicSuffix)
	integer("RTL_433_INTERVAL", &c.Discovery.IntervalSec)
	integer("RTL_433_EXPIRE_AFTER", &c.Discovery.ExpireAfterSec)
	if v, ok := lookup("RTL_433_IDS"); ok {
		c.Discovery.IDs = SplitList(v)
	}
	if v, ok := lookup("RTL_433_SKIP_KEYS"); ok {
		c.Discovery.SkipFields = SplitList(v)
	}
	str("HA_DISCOVERY_PREFIX", &c.Discovery.Prefix)

	str("MQTT_BROKER", &c.MQTT.Broker)
	integer("MQTT_PORT", &c.MQTT.Port)
	str("MQTT_CLIENT_ID", &c.MQTT.ClientID)
	str("MQTT_USERNAME", &c.MQTT.Username)
	str("MQTT_PASSWORD", &c.MQTT.Password)
	str("MQTT_CA_FILE", &c.MQTT.CAFile)
	integer("MQTT_MAX_MESSAGES_PER_SEC", &c.MQTT.MaxMessagesPerSec)

	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("METRICS_LISTEN", &c.Metrics.Listen)
	boolean("STATUS_ENABLED", &c.Status.Enabled)
	str("DATA_DIR", &c.DataDir)

	return errors.Join(errs...)
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Discovery.Topic == "" {
		c.Discovery.Topic = DefaultInboundTopic
	}
	if c.Discovery.TopicPrefix == "" {
		c.Discovery.TopicPrefix = DefaultTopicPrefix
	}
	if c.Discovery.DeviceTopicSuffix == "" {
		c.Discovery.DeviceTopicSuffix = DefaultDeviceTopicSuffix
	}
	if c.Discovery.Prefix == "" {
		c.Discovery.Prefix = DefaultDiscoveryPrefix
	}
	if c.Discovery.IntervalSec == 0 {
		c.Discovery.IntervalSec = DefaultIntervalSec
	}
	if c.MQTT.Port == 0 {
		c.MQTT.Port = DefaultPort
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = DefaultClientID
	}
	if c.Status.DeviceName == "" {
		c.Status.DeviceName = c.MQTT.ClientID
	}
	if c.Status.PublishIntervalSec == 0 {
		c.Status.PublishIntervalSec = DefaultStatusIntervalSec
	}
	if c.LogFormat == "" {
		c.LogFormat = string(LogFormatText)
	}
}

// Validate reports every configuration problem found.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.MQTT.Broker) == "" {
		errs = append(errs, ErrNoBroker)
	} else if _, err := c.MQTT.BrokerURL(); err != nil {
		errs = append(errs, err)
	}
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		errs = append(errs, fmt.Errorf("mqtt port %d out of range", c.MQTT.Port))
	}
	if c.MQTT.MaxMessagesPerSec < 0 {
		errs = append(errs, fmt.Errorf("mqtt max_messages_per_sec must not be negative"))
	}
	if c.Discovery.IntervalSec < 0 {
		errs = append(errs, fmt.Errorf("discovery interval_sec must not be negative"))
	}
	if c.Discovery.ExpireAfterSec < 0 {
		errs = append(errs, fmt.Errorf("discovery expire_after_sec must not be negative"))
	}
	if !strings.Contains(c.Discovery.DeviceTopicSuffix, "[") {
		errs = append(errs, fmt.Errorf("device_topic_suffix %q has no [key] tokens", c.Discovery.DeviceTopicSuffix))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLogFormat(c.LogFormat); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// BrokerURL resolves Broker and Port into a connection URL. A bare host
// gets mqtts:// on port 8883 and mqtt:// otherwise.
func (m MQTTConfig) BrokerURL() (*url.URL, error) {
	raw := strings.TrimSpace(m.Broker)
	if raw == "" {
		return nil, ErrNoBroker
	}
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
		}
		if u.Port() == "" && m.Port != 0 {
			u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(m.Port))
		}
		return u, nil
	}

	scheme := "mqtt"
	if m.Port == 8883 {
		scheme = "mqtts"
	}
	return &url.URL{Scheme: scheme, Host: net.JoinHostPort(raw, strconv.Itoa(m.Port))}, nil
}

// UseTLS reports whether the broker connection should be encrypted.
func (m MQTTConfig) UseTLS() bool {
	u, err := m.BrokerURL()
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "mqtts", "ssl", "tls":
		return true
	}
	return u.Port() == "8883"
}

// ParseBool treats "true", "yes" and "1" (any case) as true and
// everything else as false.
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1":
		return true
	}
	return false
}

// SplitList splits a comma separated list, trimming blanks. An empty
// input yields nil.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
