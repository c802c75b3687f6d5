package messagebus

import (
	"context"

	"github.com/jordanhubbard/autorun/pkg/messages"
)

// EventPublisher abstracts event publishing for testability.
type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType string, event *messages.EventMessage) error
}

// CommandSubscriber abstracts command subscription for testability.
type CommandSubscriber interface {
	SubscribeCommands(handler func(*messages.CommandMessage) error) error
}

// LocalSink receives every event in-process, e.g. the websocket hub.
type LocalSink interface {
	Broadcast(event *messages.EventMessage)
}

// Verify implementations at compile time.
var (
	_ EventPublisher    = (*NatsMessageBus)(nil)
	_ CommandSubscriber = (*NatsMessageBus)(nil)
	_ EventPublisher    = (*Bridge)(nil)
)
