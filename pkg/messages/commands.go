package messages

import (
	"fmt"
	"time"
)

// Commands accepted on the command subject.
const (
	CommandEnable  = "enable"
	CommandDisable = "disable"
	CommandInclude = "include"
	CommandExclude = "exclude"
	CommandStop    = "stop"
)

// CommandMessage asks the daemon to change auto-run state
type CommandMessage struct {
	Command       string    `json:"command"`
	AgentType     string    `json:"agent_type,omitempty"`
	Source        string    `json:"source"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewCommand creates a command message
func NewCommand(command, agentType, source string) *CommandMessage {
	return &CommandMessage{
		Command:   command,
		AgentType: agentType,
		Source:    source,
		Timestamp: time.Now(),
	}
}

// Validate checks that the command is known and carries an agent type
// when it needs one
func (c *CommandMessage) Validate() error {
	switch c.Command {
	case CommandEnable, CommandDisable, CommandStop:
		return nil
	case CommandInclude, CommandExclude:
		if c.AgentType == "" {
			return fmt.Errorf("command %q requires agent_type", c.Command)
		}
		return nil
	default:
		return fmt.Errorf("unknown command %q", c.Command)
	}
}
