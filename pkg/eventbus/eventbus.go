package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/richxcame/fare-settlement/pkg/logger"
	"go.uber.org/zap"
)

// Event is the envelope of every message on the bus
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Handler processes one event. Returning an error asks for redelivery.
type Handler func(ctx context.Context, event *Event) error

// NewEvent wraps data in an envelope with a fresh id
func NewEvent(eventType, source string, data interface{}) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}, nil
}

// StreamConfig names a JetStream stream and the subjects it captures
type StreamConfig struct {
	Name     string
	Subjects []string
}

// Config configures the NATS JetStream bus. StreamName/Subjects is the stream
// settlement events are published to. Inbound lists streams owned by other
// services that subscriptions bind to.
type Config struct {
	URL        string
	Name       string
	StreamName string
	Subjects   []string
	Inbound    []StreamConfig
	MaxAge     time.Duration
	AckWait    time.Duration
	MaxDeliver int
}

func (c Config) withDefaults() (Config, error) {
	if c.StreamName == "" {
		return c, errors.New("eventbus: stream name is required")
	}
	c.Subjects = cleanSubjects(c.Subjects)
	if len(c.Subjects) == 0 {
		c.Subjects = []string{"settlement.>"}
	}

	inbound := make([]StreamConfig, 0, len(c.Inbound))
	for _, sc := range c.Inbound {
		sc.Subjects = cleanSubjects(sc.Subjects)
		if sc.Name == "" || len(sc.Subjects) == 0 {
			continue
		}
		if sc.Name == c.StreamName {
			return c, fmt.Errorf("eventbus: inbound stream %s is also the publish stream", sc.Name)
		}
		inbound = append(inbound, sc)
	}
	c.Inbound = inbound

	if c.MaxAge == 0 {
		c.MaxAge = 7 * 24 * time.Hour
	}
	if c.AckWait == 0 {
		c.AckWait = 30 * time.Second
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = 5
	}
	return c, nil
}

// streams lists every stream the bus touches, publish stream first
func (c Config) streams() []StreamConfig {
	return append([]StreamConfig{{Name: c.StreamName, Subjects: c.Subjects}}, c.Inbound...)
}

// streamFor returns the stream whose subjects capture subject
func (c Config) streamFor(subject string) (string, bool) {
	for _, sc := range c.streams() {
		for _, pattern := range sc.Subjects {
			if subjectMatches(pattern, subject) {
				return sc.Name, true
			}
		}
	}
	return "", false
}

// Bus publishes and consumes events on JetStream streams
type Bus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	subs   []*nats.Subscription
}

// New connects to NATS and makes sure the streams exist
func New(cfg Config) (*Bus, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("eventbus: disconnected from NATS", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("eventbus: reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	bus := &Bus{nc: nc, js: js, config: cfg}
	if err := bus.ensureStreams(); err != nil {
		nc.Close()
		return nil, err
	}

	logger.Info("eventbus: connected",
		zap.String("url", cfg.URL),
		zap.String("stream", cfg.StreamName),
	)
	return bus, nil
}

func (b *Bus) ensureStreams() error {
	for _, sc := range b.config.streams() {
		if err := b.ensureStream(sc); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) ensureStream(sc StreamConfig) error {
	_, err := b.js.StreamInfo(sc.Name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", sc.Name, err)
	}

	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:     sc.Name,
		Subjects: sc.Subjects,
		Storage:  nats.FileStorage,
		MaxAge:   b.config.MaxAge,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", sc.Name, err)
	}
	logger.Info("eventbus: created stream",
		zap.String("stream", sc.Name),
		zap.Strings("subjects", sc.Subjects),
	)
	return nil
}

// Publish sends the event. The event id doubles as the JetStream dedup id.
func (b *Bus) Publish(ctx context.Context, subject string, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := b.js.Publish(subject, payload, nats.Context(ctx), nats.MsgId(event.ID)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe attaches a durable consumer on the stream that captures subject.
// Messages are acked when the handler succeeds and nak'd for redelivery
// otherwise; undecodable ones are terminated.
func (b *Bus) Subscribe(ctx context.Context, subject, durable string, handler Handler) error {
	stream, ok := b.config.streamFor(subject)
	if !ok {
		return fmt.Errorf("subscribe %s: no configured stream captures the subject", subject)
	}

	sub, err := b.js.Subscribe(subject, func(msg *nats.Msg) {
		event, err := decodeEvent(msg.Data)
		if err != nil {
			logger.Error("eventbus: dropping undecodable message",
				zap.String("subject", msg.Subject),
				zap.Error(err),
			)
			_ = msg.Term()
			return
		}

		if err := handler(ctx, event); err != nil {
			logger.Warn("eventbus: handler failed, requesting redelivery",
				zap.String("subject", msg.Subject),
				zap.String("event_id", event.ID),
				zap.Error(err),
			)
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	},
		nats.BindStream(stream),
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckWait(b.config.AckWait),
		nats.MaxDeliver(b.config.MaxDeliver),
	)
	if err != nil {
		return fmt.Errorf("subscribe %s on stream %s: %w", subject, stream, err)
	}

	b.subs = append(b.subs, sub)
	return nil
}

// Ping reports whether the NATS connection is up
func (b *Bus) Ping() error {
	if !b.nc.IsConnected() {
		return errors.New("nats not connected")
	}
	return nil
}

// Close drains subscriptions and closes the connection
func (b *Bus) Close() error {
	for _, sub := range b.subs {
		_ = sub.Drain()
	}
	return b.nc.Drain()
}

func decodeEvent(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	if event.ID == "" || event.Type == "" {
		return nil, errors.New("event is missing id or type")
	}
	return &event, nil
}

func cleanSubjects(subjects []string) []string {
	out := make([]string, 0, len(subjects))
	for _, s := range subjects {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// subjectMatches reports whether subject is captured by pattern, honouring
// the NATS "*" (one token) and ">" (one or more trailing tokens) wildcards.
func subjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
