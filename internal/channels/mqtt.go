package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/clawinfra/sandboxgate/internal/security"
)

const (
	// DefaultTopicPrefix is where security events are published. Each user
	// gets a subtopic: <prefix>/<sanitized user id>.
	DefaultTopicPrefix = "sandboxgate/events"
	DefaultDigestTopic = "sandboxgate/digest"
	defaultQueueSize   = 256
)

// WireEvent is the exported form of a security event. Raw input paths and
// commands never leave the process; only their fingerprints do.
type WireEvent struct {
	ID                string             `json:"id"`
	Timestamp         time.Time          `json:"timestamp"`
	UserID            string             `json:"user_id"`
	SessionID         string             `json:"session_id,omitempty"`
	EventType         security.EventType `json:"event_type"`
	Details           string             `json:"details"`
	InputPathPrint    string             `json:"input_path_fingerprint,omitempty"`
	InputCommandPrint string             `json:"input_command_fingerprint,omitempty"`
}

// NewWireEvent converts e for export.
func NewWireEvent(e security.Event) WireEvent {
	w := WireEvent{
		ID:        e.ID,
		Timestamp: e.Timestamp,
		UserID:    e.UserID,
		SessionID: e.SessionID,
		EventType: e.Type,
		Details:   e.Details,
	}
	if e.InputPath != "" {
		w.InputPathPrint = security.Fingerprint(e.InputPath)
	}
	if e.InputCommand != "" {
		w.InputCommandPrint = security.Fingerprint(e.InputCommand)
	}
	return w
}

// MQTTOptions configures an MQTTEventSink.
type MQTTOptions struct {
	Broker      string // e.g. tcp://localhost:1883
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	DigestTopic string
	QueueSize   int
}

// MQTTEventSink forwards security events to an MQTT broker. Publish never
// blocks the caller: events are queued and sent by a background goroutine,
// and dropped with a warning when the queue is full.
type MQTTEventSink struct {
	opts    MQTTOptions
	logger  *slog.Logger
	client  MQTTClient
	queue   chan security.Event
	dropped atomic.Int64
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	// Factory function for creating MQTT client
	clientFactory func(opts *mqtt.ClientOptions) MQTTClient
}

// NewMQTTEventSink creates an MQTT event sink
func NewMQTTEventSink(opts MQTTOptions, logger *slog.Logger) *MQTTEventSink {
	return NewMQTTEventSinkWithClient(opts, logger, func(o *mqtt.ClientOptions) MQTTClient {
		return mqtt.NewClient(o)
	})
}

// NewMQTTEventSinkWithClient creates a sink with a custom client factory (for testing)
func NewMQTTEventSinkWithClient(opts MQTTOptions, logger *slog.Logger, clientFactory func(*mqtt.ClientOptions) MQTTClient) *MQTTEventSink {
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = DefaultTopicPrefix
	}
	if opts.DigestTopic == "" {
		opts.DigestTopic = DefaultDigestTopic
	}
	if opts.ClientID == "" {
		opts.ClientID = fmt.Sprintf("sandboxgate-%d", time.Now().Unix())
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTEventSink{
		opts:          opts,
		logger:        logger.With("channel", "mqtt"),
		queue:         make(chan security.Event, opts.QueueSize),
		clientFactory: clientFactory,
	}
}

func (m *MQTTEventSink) Name() string {
	return "mqtt"
}

// Topic returns the topic events for userID are published on.
func (m *MQTTEventSink) Topic(userID string) string {
	return m.opts.TopicPrefix + "/" + security.SanitizePathComponent(userID)
}

// Start connects to the broker and begins draining the queue.
func (m *MQTTEventSink) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.client = m.clientFactory(newClientOptions(m.opts, m.logger))

	m.logger.Info("connecting to mqtt broker", "broker", m.opts.Broker)
	if err := wait(m.client.Connect(), 10*time.Second, "connect to mqtt"); err != nil {
		return err
	}

	m.wg.Add(1)
	go m.drain()

	m.logger.Info("mqtt event sink started", "topic_prefix", m.opts.TopicPrefix)
	return nil
}

// Stop flushes queued events and disconnects.
func (m *MQTTEventSink) Stop() error {
	m.logger.Info("stopping mqtt event sink")

	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
	}
	return nil
}

// Publish implements security.EventSink.
func (m *MQTTEventSink) Publish(e security.Event) {
	select {
	case m.queue <- e:
	default:
		n := m.dropped.Add(1)
		m.logger.Warn("mqtt event queue full, dropping event", "event_id", e.ID, "dropped_total", n)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (m *MQTTEventSink) Dropped() int64 {
	return m.dropped.Load()
}

func (m *MQTTEventSink) drain() {
	defer m.wg.Done()
	for {
		select {
		case e := <-m.queue:
			m.send(e)
		case <-m.ctx.Done():
			// flush what is already queued
			for {
				select {
				case e := <-m.queue:
					m.send(e)
				default:
					return
				}
			}
		}
	}
}

func (m *MQTTEventSink) send(e security.Event) {
	if err := m.publishJSON(m.Topic(e.UserID), NewWireEvent(e)); err != nil {
		m.logger.Warn("failed to publish security event", "event_id", e.ID, "error", err)
	}
}

// PublishDigest publishes a periodic summary, retained, on the digest topic.
func (m *MQTTEventSink) PublishDigest(ctx context.Context, digest any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.publishJSONRetained(m.opts.DigestTopic, digest, true)
}

func (m *MQTTEventSink) publishJSON(topic string, v any) error {
	return m.publishJSONRetained(topic, v, false)
}

func (m *MQTTEventSink) publishJSONRetained(topic string, v any, retained bool) error {
	if m.client == nil || !m.client.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	// QoS 1, at least once
	return wait(m.client.Publish(topic, 1, retained, payload), 5*time.Second, "publish")
}
