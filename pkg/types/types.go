// Package types defines the shared types used across all vibecanvas packages.
//
// These types form the lingua franca between the inbound channel, the
// demultiplexer, the session controller, and the HTTP surface. They are
// intentionally minimal — each package defines its own domain types, but
// cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// Role identifies who produced a piece of speech.
type Role string

const (
	// RoleUser is the human talking to the agent.
	RoleUser Role = "user"

	// RoleAgent is the conversational AI agent.
	RoleAgent Role = "agent"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleAgent
}

// TranscriptionEvent is a single speech-transcription result delivered by the
// real-time channel. Both interim and final hypotheses use this type.
// Events are ephemeral: they are consumed one at a time in arrival order and
// never stored.
type TranscriptionEvent struct {
	// Role tells whether the user or the agent spoke.
	Role Role

	// Text is the raw transcription. Interim events may carry a partial
	// hypothesis that a later event revises.
	Text string

	// IsFinal indicates whether this is the authoritative result for its
	// utterance or an interim guess.
	IsFinal bool

	// ReceivedAt is when the channel client received the event.
	ReceivedAt time.Time
}

// TranscriptEntry is one spoken turn in the session transcript. Entries only
// ever contain the spoken part of a response; extracted code never appears here.
type TranscriptEntry struct {
	// ID uniquely identifies the entry.
	ID string `json:"id"`

	// Role tells whether the user or the agent spoke.
	Role Role `json:"role"`

	// Text is the spoken text with all code payloads removed.
	Text string `json:"text"`

	// CreatedAt is when the entry was appended.
	CreatedAt time.Time `json:"created_at"`
}

// CodeArtifact is one complete, validated, renderable document extracted from
// a final agent event. Artifacts are immutable once created; each new payload
// becomes a new version instead of overwriting an older one.
type CodeArtifact struct {
	// ID uniquely identifies the artifact.
	ID string `json:"id"`

	// Content is the full renderable source.
	Content string `json:"content"`

	// CreatedAt is when the artifact was appended.
	CreatedAt time.Time `json:"created_at"`
}
