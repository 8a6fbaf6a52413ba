package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/rtl433-discovery/internal/config"
)

// ErrNotConnected is returned by [Client.Publish] before the first
// connection is established.
var ErrNotConnected = errors.New("mqtt client not connected")

// DefaultQueueSize bounds the inbound backlog between the paho receive
// path and the translation worker.
const DefaultQueueSize = 256

// Handler consumes one inbound rtl_433 event. [bridge.Translator]
// satisfies it.
type Handler interface {
	HandleMessage(ctx context.Context, topic string, payload []byte) error
}

// Options configures a [Client].
type Options struct {
	MQTT            config.MQTTConfig
	InboundTopic    string // rtl_433 event filter, e.g. rtl_433/+/events
	DiscoveryPrefix string // HA prefix; {prefix}/status is watched for births
	Handler         Handler
	// OnHomeAssistantOnline runs when Home Assistant publishes its
	// "online" birth message.
	OnHomeAssistantOnline func()
	// Status, when non-nil, is announced on every (re-)connect and its
	// availability topic carries the will message.
	Status    *Status
	QueueSize int
}

type inbound struct {
	topic   string
	payload []byte
}

// Client owns the broker connection. It implements discovery.Publisher.
type Client struct {
	opts    Options
	logger  *slog.Logger
	limiter *messageRateLimiter
	queue   chan inbound

	cm       atomic.Pointer[autopaho.ConnectionManager]
	overflow atomic.Int64

	connectedMu sync.Mutex
	connected   bool
}

// New creates a Client but does not connect. Call [Client.Start].
func New(opts Options, logger *slog.Logger) *Client {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		opts:   opts,
		logger: logger,
		queue:  make(chan inbound, opts.QueueSize),
	}
	if opts.MQTT.MaxMessagesPerSec > 0 {
		c.limiter = newMessageRateLimiter(int64(opts.MQTT.MaxMessagesPerSec), time.Second, logger)
	}
	if opts.Status != nil {
		opts.Status.bind(c)
	}
	return c
}

// Start connects to the broker and processes inbound readings until ctx
// is cancelled. Connection failures are retried in the background by
// autopaho; only configuration errors are returned. Callers must call
// [Client.Stop] afterwards to close the connection.
func (c *Client) Start(ctx context.Context) error {
	brokerURL, err := c.opts.MQTT.BrokerURL()
	if err != nil {
		return err
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: c.opts.MQTT.Username,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.cm.Store(cm)
			c.setConnected(true)
			c.logger.Info("mqtt connected to broker", "broker", brokerURL.Redacted())
			c.subscribe(ctx, cm)
			if c.opts.Status != nil {
				c.opts.Status.Announce(ctx)
			}
		},
		OnConnectError: func(err error) {
			c.setConnected(false)
			c.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.opts.MQTT.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					c.dispatch(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				c.setConnected(false)
				c.logger.Warn("mqtt client error", "error", err)
			},
		},
	}
	if c.opts.MQTT.Password != "" {
		pahoCfg.ConnectPassword = []byte(c.opts.MQTT.Password)
	}
	if c.opts.Status != nil {
		pahoCfg.WillMessage = &paho.WillMessage{
			Topic:   c.opts.Status.AvailabilityTopic(),
			Payload: []byte(offline),
			QoS:     1,
			Retain:  true,
		}
	}
	if c.opts.MQTT.UseTLS() {
		tlsCfg, err := newTLSConfig(c.opts.MQTT.CAFile, brokerURL.Hostname())
		if err != nil {
			return err
		}
		pahoCfg.TlsCfg = tlsCfg
	}

	// The connection outlives ctx so Stop can still publish "offline".
	cm, err := autopaho.NewConnection(context.WithoutCancel(ctx), pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.cm.Store(cm)

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil && ctx.Err() == nil {
		c.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	c.work(ctx)
	return nil
}

func (c *Client) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	subs := []paho.SubscribeOptions{{Topic: c.opts.InboundTopic, QoS: 0}}
	if c.opts.DiscoveryPrefix != "" {
		subs = append(subs, paho.SubscribeOptions{Topic: c.statusTopic(), QoS: 0})
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		c.logger.Error("mqtt subscribe failed", "topic", c.opts.InboundTopic, "error", err)
		return
	}
	for _, s := range subs {
		c.logger.Info("mqtt subscribed", "topic", s.Topic)
	}
}

func (c *Client) statusTopic() string {
	return c.opts.DiscoveryPrefix + "/status"
}

// dispatch routes one received message. It runs on the paho receive path
// and must not block: readings are queued for the worker and dropped
// when the queue is full.
func (c *Client) dispatch(topic string, payload []byte) {
	if c.opts.DiscoveryPrefix != "" && topic == c.statusTopic() {
		c.handleHomeAssistantStatus(string(payload))
		return
	}
	if c.limiter != nil && !c.limiter.allow(topic) {
		return
	}
	select {
	case c.queue <- inbound{topic: topic, payload: payload}:
	default:
		c.overflow.Add(1)
		c.logger.Warn("mqtt inbound queue full, dropping reading", "topic", topic)
	}
}

func (c *Client) handleHomeAssistantStatus(status string) {
	status = strings.TrimSpace(status)
	c.logger.Info("home assistant status", "status", status)
	if status != online {
		return
	}
	if c.opts.OnHomeAssistantOnline != nil {
		c.opts.OnHomeAssistantOnline()
	}
	if c.opts.Status != nil {
		go c.opts.Status.Announce(context.Background())
	}
}

// work drains the inbound queue on a single goroutine so one reading is
// fully translated before the next starts.
func (c *Client) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-c.queue:
			if c.opts.Handler == nil {
				continue
			}
			// Handler errors are logged by the handler itself.
			_ = c.opts.Handler.HandleMessage(ctx, m.topic, m.payload)
		}
	}
}

// Publish sends one message at QoS 1. It satisfies discovery.Publisher.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	cm := c.cm.Load()
	if cm == nil {
		return ErrNotConnected
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  retain,
	}); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (c *Client) AwaitConnection(ctx context.Context) error {
	cm := c.cm.Load()
	if cm == nil {
		return ErrNotConnected
	}
	return cm.AwaitConnection(ctx)
}

// Connected reports whether the last connection attempt succeeded.
func (c *Client) Connected() bool {
	c.connectedMu.Lock()
	defer c.connectedMu.Unlock()
	return c.connected
}

func (c *Client) setConnected(v bool) {
	c.connectedMu.Lock()
	c.connected = v
	c.connectedMu.Unlock()
}

// Dropped returns the number of inbound messages discarded by the rate
// limiter or because the worker fell behind.
func (c *Client) Dropped() int64 {
	n := c.overflow.Load()
	if c.limiter != nil {
		n += c.limiter.droppedTotal()
	}
	return n
}

// Stop publishes "offline" for the status device, when enabled, and
// disconnects. ctx bounds both.
func (c *Client) Stop(ctx context.Context) error {
	cm := c.cm.Load()
	if cm == nil {
		return nil
	}
	if c.opts.Status != nil {
		c.opts.Status.publishAvailability(ctx, offline)
	}
	return cm.Disconnect(ctx)
}

func newTLSConfig(caFile, serverName string) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}
	if caFile == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read mqtt CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("mqtt CA file %s contains no certificates", caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}
