package messages

import "time"

// Event types published by the auto-run daemon.
const (
	EventAgentStarted    = "agent.started"
	EventAgentStopped    = "agent.stopped"
	EventAutoRunEnabled  = "autorun.enabled"
	EventAutoRunDisabled = "autorun.disabled"
	EventAutoRunRotation = "autorun.rotation"
	EventAutoRunSkipped  = "autorun.skipped"
	EventAutoRunStarting = "autorun.starting"
	EventNotification    = "autorun.notification"
	EventSettingsChanged = "settings.changed"
	EventSystemError     = "system.error"
)

const (
	categoryAgent         = "agent"
	categoryAutoRun       = "autorun"
	categorySystem        = "system"
	categoryNotifications = "notification"
)

// EventMessage represents a daemon event sent via NATS and the websocket stream
type EventMessage struct {
	Type          string                 `json:"type"`   // "agent.started", "autorun.rotation", etc.
	Source        string                 `json:"source"` // Service that generated the event
	AgentType     string                 `json:"agent_type,omitempty"`
	Event         EventData              `json:"event"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// EventData contains the event-specific information
type EventData struct {
	Action      string                 `json:"action"`   // "started", "stopped", "rotated", "skipped"
	Category    string                 `json:"category"` // "agent", "autorun", "system"
	Description string                 `json:"description,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// AgentStarted creates an agent.started event
func AgentStarted(agentType, source string) *EventMessage {
	return &EventMessage{
		Type:      EventAgentStarted,
		Source:    source,
		AgentType: agentType,
		Event: EventData{
			Action:   "started",
			Category: categoryAgent,
		},
		Timestamp: time.Now(),
	}
}

// AgentStopped creates an agent.stopped event. confirmed is false when
// the stop could not be verified.
func AgentStopped(agentType, source string, confirmed bool) *EventMessage {
	return &EventMessage{
		Type:      EventAgentStopped,
		Source:    source,
		AgentType: agentType,
		Event: EventData{
			Action:   "stopped",
			Category: categoryAgent,
			Data:     map[string]interface{}{"confirmed": confirmed},
		},
		Timestamp: time.Now(),
	}
}

// AutoRunToggled creates an autorun.enabled or autorun.disabled event
func AutoRunToggled(enabled bool, source string) *EventMessage {
	msg := &EventMessage{
		Type:   EventAutoRunDisabled,
		Source: source,
		Event: EventData{
			Action:   "disabled",
			Category: categoryAutoRun,
		},
		Timestamp: time.Now(),
	}
	if enabled {
		msg.Type = EventAutoRunEnabled
		msg.Event.Action = "enabled"
	}
	return msg
}

// Rotation creates an autorun.rotation event for an agent that earned
// its rewards and is being replaced.
func Rotation(agentType, source string) *EventMessage {
	return &EventMessage{
		Type:      EventAutoRunRotation,
		Source:    source,
		AgentType: agentType,
		Event: EventData{
			Action:      "rotated",
			Category:    categoryAutoRun,
			Description: "rewards earned",
		},
		Timestamp: time.Now(),
	}
}

// Skipped creates an autorun.skipped event
func Skipped(agentType, reason, source string) *EventMessage {
	return &EventMessage{
		Type:      EventAutoRunSkipped,
		Source:    source,
		AgentType: agentType,
		Event: EventData{
			Action:      "skipped",
			Category:    categoryAutoRun,
			Description: reason,
		},
		Timestamp: time.Now(),
	}
}

// StartStateChanged creates an autorun.starting event
func StartStateChanged(agentType string, starting bool, source string) *EventMessage {
	return &EventMessage{
		Type:      EventAutoRunStarting,
		Source:    source,
		AgentType: agentType,
		Event: EventData{
			Action:   "starting",
			Category: categoryAutoRun,
			Data:     map[string]interface{}{"starting": starting},
		},
		Timestamp: time.Now(),
	}
}

// Notification creates an autorun.notification event carrying a
// user-facing message
func Notification(title, body, source string) *EventMessage {
	return &EventMessage{
		Type:   EventNotification,
		Source: source,
		Event: EventData{
			Action:      "notify",
			Category:    categoryNotifications,
			Description: title,
			Data:        map[string]interface{}{"body": body},
		},
		Timestamp: time.Now(),
	}
}

// SettingsChanged creates a settings.changed event
func SettingsChanged(source string, data map[string]interface{}) *EventMessage {
	return &EventMessage{
		Type:   EventSettingsChanged,
		Source: source,
		Event: EventData{
			Action:   "updated",
			Category: categoryAutoRun,
			Data:     data,
		},
		Timestamp: time.Now(),
	}
}

// SystemError creates a system.error event
func SystemError(source, description string, data map[string]interface{}) *EventMessage {
	return &EventMessage{
		Type:   EventSystemError,
		Source: source,
		Event: EventData{
			Action:      "error",
			Category:    categorySystem,
			Description: description,
			Data:        data,
		},
		Timestamp: time.Now(),
	}
}
