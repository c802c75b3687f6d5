// Package notify delivers user-facing auto-run notifications to the log,
// the event stream and, when configured, a desktop notification command.
package notify

import (
	"context"
	"log"
	"os/exec"
	"sync"
	"time"

	"github.com/jordanhubbard/autorun/pkg/messages"
)

// Emitter publishes events without blocking.
type Emitter interface {
	Emit(event *messages.EventMessage)
}

// Notifier fans a notification out to every configured channel.
type Notifier struct {
	emitter Emitter
	source  string
	command string
	args    []string
	timeout time.Duration

	mu   sync.Mutex
	sent []Notification
}

// Notification is a delivered notification, kept for the status API.
type Notification struct {
	Title string    `json:"title"`
	Body  string    `json:"body"`
	At    time.Time `json:"at"`
}

const historySize = 50

// New creates a notifier. emitter may be nil; an empty command disables
// desktop notifications.
func New(emitter Emitter, source, command string, args []string) *Notifier {
	return &Notifier{
		emitter: emitter,
		source:  source,
		command: command,
		args:    args,
		timeout: 10 * time.Second,
	}
}

// Notify delivers a notification.
func (n *Notifier) Notify(title, body string) {
	log.Printf("[Notify] %s: %s", title, body)

	n.mu.Lock()
	n.sent = append(n.sent, Notification{Title: title, Body: body, At: time.Now()})
	if len(n.sent) > historySize {
		n.sent = n.sent[len(n.sent)-historySize:]
	}
	n.mu.Unlock()

	if n.emitter != nil {
		n.emitter.Emit(messages.Notification(title, body, n.source))
	}
	if n.command != "" {
		go n.runCommand(title, body)
	}
}

// Recent returns delivered notifications, oldest first.
func (n *Notifier) Recent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent...)
}

func (n *Notifier) runCommand(title, body string) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	args := append(append([]string(nil), n.args...), title, body)
	if out, err := exec.CommandContext(ctx, n.command, args...).CombinedOutput(); err != nil {
		log.Printf("[Notify] command %s failed: %v (%s)", n.command, err, out)
	}
}
