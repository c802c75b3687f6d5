package messagebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jordanhubbard/autorun/pkg/messages"
)

// Subjects used on the bus.
const (
	subjectPrefix  = "autorun"
	CommandSubject = "autorun.commands"
)

func eventSubject(eventType string) string {
	return fmt.Sprintf("%s.events.%s", subjectPrefix, eventType)
}

// Config holds NATS configuration
type Config struct {
	URL        string        // NATS server URL (e.g., "nats://localhost:4222")
	StreamName string        // JetStream stream name (default: "AUTORUN")
	Timeout    time.Duration // Connection timeout
	// Instance names this daemon's durable command consumer. Daemons with
	// different instance names each receive every command.
	Instance string
	// EventMaxAge bounds how long events stay in the stream.
	EventMaxAge time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.URL == "" {
		cfg.URL = "nats://localhost:4222"
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "AUTORUN"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Instance == "" {
		cfg.Instance = "autorund"
	}
	if cfg.EventMaxAge == 0 {
		cfg.EventMaxAge = 24 * time.Hour
	}
	return cfg
}

// NatsMessageBus publishes auto-run events to JetStream and consumes
// control commands.
type NatsMessageBus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	cfg  Config

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewNatsMessageBus connects and makes sure the stream exists.
func NewNatsMessageBus(cfg Config) (*NatsMessageBus, error) {
	cfg = cfg.withDefaults()

	nc, err := nats.Connect(cfg.URL, connectOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	mb := &NatsMessageBus{conn: nc, js: js, cfg: cfg}
	if err := mb.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	log.Printf("[MessageBus] Connected to NATS at %s (stream %s, instance %s)", cfg.URL, cfg.StreamName, cfg.Instance)
	return mb, nil
}

func connectOptions(cfg Config) []nats.Option {
	return []nats.Option{
		nats.Name(cfg.Instance),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[MessageBus] NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[MessageBus] NATS reconnected to %s", nc.ConnectedUrl())
		}),
	}
}

// streamConfig captures events and commands. Events are history for
// late subscribers; commands only matter to consumers that are live.
func streamConfig(cfg Config) *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:      cfg.StreamName,
		Subjects:  []string{subjectPrefix + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    cfg.EventMaxAge,
		MaxBytes:  64 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Replicas:  1,
		Discard:   nats.DiscardOld,
	}
}

func (mb *NatsMessageBus) ensureStream() error {
	sc := streamConfig(mb.cfg)
	if _, err := mb.js.StreamInfo(sc.Name); err != nil {
		if _, err := mb.js.AddStream(sc); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		log.Printf("[MessageBus] Created JetStream stream: %s", sc.Name)
		return nil
	}
	if _, err := mb.js.UpdateStream(sc); err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	return nil
}

// PublishEvent publishes an event message to autorun.events.<type>
func (mb *NatsMessageBus) PublishEvent(ctx context.Context, eventType string, event *messages.EventMessage) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	subject := eventSubject(eventType)
	if _, err := mb.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// SubscribeCommands delivers commands to handler through a durable
// consumer named after the instance. Only commands published after the
// consumer is created are delivered. A handler error is logged and the
// command is not redelivered. Only one command subscription is kept.
func (mb *NatsMessageBus) SubscribeCommands(handler func(*messages.CommandMessage) error) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.sub != nil {
		return fmt.Errorf("already subscribed to %s", CommandSubject)
	}

	durable := commandConsumer(mb.cfg.Instance)
	sub, err := mb.js.Subscribe(CommandSubject, func(msg *nats.Msg) {
		var cmd messages.CommandMessage
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			log.Printf("[MessageBus] Dropping malformed command: %v", err)
			_ = msg.Term()
			return
		}
		if err := handler(&cmd); err != nil {
			log.Printf("[MessageBus] Command %q failed: %v", cmd.Command, err)
		}
		_ = msg.Ack()
	},
		nats.Durable(durable),
		nats.DeliverNew(),
		nats.AckExplicit(),
		nats.MaxDeliver(1),
		nats.AckWait(time.Minute),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", CommandSubject, err)
	}
	mb.sub = sub
	log.Printf("[MessageBus] Listening for commands on %s (consumer %s)", CommandSubject, durable)
	return nil
}

// commandConsumer turns an instance name into a valid durable name.
func commandConsumer(instance string) string {
	out := []byte("commands-" + instance)
	for i, c := range out {
		switch c {
		case '.', '*', '>', ' ':
			out[i] = '-'
		}
	}
	return string(out)
}

// Close drops the command subscription and the connection.
func (mb *NatsMessageBus) Close() error {
	mb.mu.Lock()
	if mb.sub != nil {
		if err := mb.sub.Unsubscribe(); err != nil {
			log.Printf("[MessageBus] Unsubscribe %s: %v", CommandSubject, err)
		}
		mb.sub = nil
	}
	mb.mu.Unlock()
	mb.conn.Close()
	log.Printf("[MessageBus] Closed NATS connection")
	return nil
}

// Health reports whether the connection and stream are usable.
func (mb *NatsMessageBus) Health() error {
	if mb.conn.IsClosed() {
		return fmt.Errorf("NATS connection is closed")
	}
	if !mb.conn.IsConnected() {
		return fmt.Errorf("NATS is not connected")
	}
	if _, err := mb.js.StreamInfo(mb.cfg.StreamName); err != nil {
		return fmt.Errorf("JetStream stream %s is unhealthy: %w", mb.cfg.StreamName, err)
	}
	return nil
}
