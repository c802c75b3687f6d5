package messagebus

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/jordanhubbard/autorun/internal/metrics"
	"github.com/jordanhubbard/autorun/pkg/messages"
)

// Bridge fans daemon events out to in-process sinks and, when
// configured, to NATS. Remote commands from NATS are handed to the
// registered command handler.
type Bridge struct {
	remote  EventPublisher
	metrics *metrics.Metrics
	source  string
	timeout time.Duration

	mu    sync.RWMutex
	sinks []LocalSink
}

// NewBridge creates a bridge. remote may be nil to stay local-only.
func NewBridge(remote EventPublisher, m *metrics.Metrics, source string) *Bridge {
	return &Bridge{
		remote:  remote,
		metrics: m,
		source:  source,
		timeout: 5 * time.Second,
	}
}

// AddSink registers an in-process receiver.
func (b *Bridge) AddSink(sink LocalSink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, sink)
	b.mu.Unlock()
}

// Source is the name stamped on events created through the bridge.
func (b *Bridge) Source() string { return b.source }

// PublishEvent delivers event locally and publishes it remotely. Local
// delivery never fails; the remote error is returned.
func (b *Bridge) PublishEvent(ctx context.Context, eventType string, event *messages.EventMessage) error {
	if event.Source == "" {
		event.Source = b.source
	}

	b.mu.RLock()
	sinks := append([]LocalSink(nil), b.sinks...)
	b.mu.RUnlock()
	for _, sink := range sinks {
		sink.Broadcast(event)
	}
	b.metrics.RecordEventPublished(eventType)

	if b.remote == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.remote.PublishEvent(ctx, eventType, event)
}

// Emit publishes in the background, logging remote failures. It is
// used from controller hooks, which must not block.
func (b *Bridge) Emit(event *messages.EventMessage) {
	go func() {
		if err := b.PublishEvent(context.Background(), event.Type, event); err != nil {
			log.Printf("[Bridge] Failed to publish %s: %v", event.Type, err)
		}
	}()
}

// ListenCommands wires remote commands from sub into handler.
func (b *Bridge) ListenCommands(sub CommandSubscriber, handler func(*messages.CommandMessage) error) error {
	return sub.SubscribeCommands(func(cmd *messages.CommandMessage) error {
		if err := cmd.Validate(); err != nil {
			return err
		}
		log.Printf("[Bridge] Received command %q from %s", cmd.Command, cmd.Source)
		return handler(cmd)
	})
}
