// Package convai defines the Launcher interface for conversational-agent
// platforms.
//
// A conversational agent is a hosted bot that joins a real-time channel,
// transcribes the user, runs an LLM, and speaks the reply. Its transcriptions
// come back to vibecanvas through the channel subscription; this package only
// covers the agent's lifecycle.
//
// Implementations must be safe for concurrent use.
package convai

import (
	"context"
	"errors"
	"time"
)

// ErrMissingCredentials is returned when a platform client is built without
// the identifiers it needs to authenticate.
var ErrMissingCredentials = errors.New("convai: missing credentials")

// Agent describes a running conversational agent.
type Agent struct {
	// ID is the platform-assigned agent identifier used to stop it.
	ID string `json:"agent_id"`

	// Name is the unique name the agent was started under.
	Name string `json:"name"`

	// Channel is the channel the agent joined.
	Channel string `json:"channel"`

	// Status is the platform-reported state, e.g. "RUNNING".
	Status string `json:"status"`

	// CreatedAt is when the platform created the agent.
	CreatedAt time.Time `json:"created_at"`
}

// Launcher starts and stops conversational agents.
type Launcher interface {
	// Start launches an agent into channel. The returned agent is running
	// when Start returns without error.
	Start(ctx context.Context, channel string) (*Agent, error)

	// Leave asks the agent identified by agentID to leave its channel.
	Leave(ctx context.Context, agentID string) error
}
