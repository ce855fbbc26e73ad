package session

import (
	"context"
	"time"

	"github.com/MrWong99/vibecanvas/pkg/types"
)

// Snapshot is a read-only copy of the controller state for rendering.
type Snapshot struct {
	SessionID          string                  `json:"session_id,omitempty"`
	ChannelID          string                  `json:"channel,omitempty"`
	Active             bool                    `json:"active"`
	StartedAt          time.Time               `json:"started_at,omitzero"`
	AgentID            string                  `json:"agent_id,omitempty"`
	Transcript         []types.TranscriptEntry `json:"transcript"`
	Artifacts          []types.CodeArtifact    `json:"artifacts"`
	SelectedArtifactID string                  `json:"selected_artifact_id,omitempty"`
	IsGenerating       bool                    `json:"is_generating"`
	ChannelError       string                  `json:"channel_error,omitempty"`
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		SessionID:          c.info.id,
		ChannelID:          c.info.channelID,
		Active:             c.res != nil,
		StartedAt:          c.info.startedAt,
		AgentID:            c.info.agentID,
		Transcript:         append([]types.TranscriptEntry{}, c.transcript...),
		Artifacts:          append([]types.CodeArtifact{}, c.artifacts...),
		SelectedArtifactID: c.selected,
		IsGenerating:       c.state == Generating,
	}
	if c.channelErr != nil {
		s.ChannelError = c.channelErr.Error()
	}
	return s
}

// State returns the current generation state.
func (c *Controller) State() GenerationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SelectArtifact makes the artifact with the given id the current one.
func (c *Controller) SelectArtifact(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.artifacts {
		if a.ID == id {
			if c.selected != id {
				c.selected = id
				c.notifyLocked()
			}
			return nil
		}
	}
	return ErrArtifactNotFound
}

// ExportSelected returns the currently selected artifact.
func (c *Controller) ExportSelected() (types.CodeArtifact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected == "" {
		return types.CodeArtifact{}, ErrNoArtifact
	}
	for _, a := range c.artifacts {
		if a.ID == c.selected {
			return a, nil
		}
	}
	return types.CodeArtifact{}, ErrNoArtifact
}

// Watch returns a channel that receives a value after state changes.
// Notifications coalesce: a slow reader sees one pending signal, not one per
// change. The channel is closed when ctx is done or the controller closes.
func (c *Controller) Watch(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch
	}
	c.watchers[ch] = struct{}{}
	c.watchWG.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.watchWG.Done()
		select {
		case <-ctx.Done():
		case <-c.done:
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.watchers[ch]; ok {
			delete(c.watchers, ch)
			close(ch)
		}
	}()
	return ch
}

func (c *Controller) notifyLocked() {
	for ch := range c.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
