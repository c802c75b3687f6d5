package notify

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/autorun/pkg/messages"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []*messages.EventMessage
}

func (c *captureEmitter) Emit(event *messages.EventMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func TestNotifyEmitsEvent(t *testing.T) {
	em := &captureEmitter{}
	n := New(em, "autorund", "", nil)

	n.Notify("Agent Trader was skipped", "Low balance")

	require.Len(t, em.events, 1)
	assert.Equal(t, messages.EventNotification, em.events[0].Type)
	assert.Equal(t, "Agent Trader was skipped", em.events[0].Event.Description)
	assert.Equal(t, "Low balance", em.events[0].Event.Data["body"])
}

func TestRecentKeepsBoundedHistory(t *testing.T) {
	n := New(nil, "autorund", "", nil)
	for i := 0; i < historySize+5; i++ {
		n.Notify("title", "body")
	}
	assert.Len(t, n.Recent(), historySize)
}
