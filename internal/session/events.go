package session

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/vibecanvas/internal/demux"
	"github.com/MrWong99/vibecanvas/internal/observe"
	"github.com/MrWong99/vibecanvas/pkg/channel"
	"github.com/MrWong99/vibecanvas/pkg/types"
)

// apply folds one event into the state of the session identified by token.
func (c *Controller) apply(ctx context.Context, token uint64, ev types.TranscriptionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if token != c.token || c.res == nil {
		c.metrics.RecordDropped(ctx, observe.DropStale)
		return
	}
	if !ev.Role.IsValid() {
		c.metrics.RecordDropped(ctx, observe.DropInvalid)
		slog.Debug("session: dropping event with unknown role", "role", ev.Role)
		return
	}
	c.metrics.RecordEvent(ctx, string(ev.Role), ev.IsFinal)

	changed := false
	if ev.Role == types.RoleAgent {
		switch {
		case ev.IsFinal:
			changed = c.endGeneratingLocked(ctx, "final")
		case demux.HasOpenMarker(ev.Text) && !c.isGreetingLocked(ev.Text):
			changed = c.beginGeneratingLocked()
		}
	}

	if ev.IsFinal {
		parsed := demux.Parse(ev.Text)
		now := c.now()
		if parsed.SpokenText != "" {
			c.transcript = append(c.transcript, types.TranscriptEntry{
				ID:        c.newID(),
				Role:      ev.Role,
				Text:      parsed.SpokenText,
				CreatedAt: now,
			})
			c.metrics.RecordTranscriptEntry(ctx, string(ev.Role))
			changed = true
		}
		for _, code := range parsed.Codes {
			a := types.CodeArtifact{ID: c.newID(), Content: code, CreatedAt: now}
			c.artifacts = append(c.artifacts, a)
			c.selected = a.ID
		}
		if n := len(parsed.Codes); n > 0 {
			c.metrics.RecordArtifacts(ctx, n)
			changed = true
		}
	}

	if changed {
		c.notifyLocked()
	}
}

// channelClosed records why the subscription of session token ended.
func (c *Controller) channelClosed(token uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if token != c.token {
		return
	}
	if err == nil {
		err = channel.ErrClosed
	}
	c.channelErr = err
	slog.Warn("session: channel subscription ended", "channel", c.info.channelID, "err", err)
	c.notifyLocked()
}

// isGreetingLocked reports whether text is the scripted opening line.
func (c *Controller) isGreetingLocked(text string) bool {
	if len(c.greeting) == 0 {
		return false
	}
	lower := strings.ToLower(text)
	for _, p := range c.greeting {
		if !strings.Contains(lower, p) {
			return false
		}
	}
	return true
}

// beginGeneratingLocked enters Generating and re-arms the safety timer. It
// reports whether the state changed.
func (c *Controller) beginGeneratingLocked() bool {
	changed := c.state != Generating
	if changed {
		c.state = Generating
		c.genStarted = c.now()
	}
	c.stopTimerLocked()
	if c.genTimeout > 0 {
		token, gen := c.token, c.timerGen
		c.timer = time.AfterFunc(c.genTimeout, func() { c.expire(token, gen) })
	}
	return changed
}

// endGeneratingLocked returns to Idle and cancels the safety timer. It
// reports whether the state changed.
func (c *Controller) endGeneratingLocked(ctx context.Context, outcome string) bool {
	c.stopTimerLocked()
	if c.state != Generating {
		return false
	}
	c.state = Idle
	c.metrics.RecordGeneration(ctx, c.now().Sub(c.genStarted).Seconds(), outcome)
	c.genStarted = time.Time{}
	return true
}

// stopTimerLocked cancels the pending safety timer. A callback that already
// fired sees a newer timerGen and does nothing.
func (c *Controller) stopTimerLocked() {
	c.timerGen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// expire is the safety timer callback.
func (c *Controller) expire(token, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if token != c.token || gen != c.timerGen || c.state != Generating {
		return
	}
	ctx := context.Background()
	c.endGeneratingLocked(ctx, "timeout")
	slog.Warn("session: no final agent event, leaving generating state", "channel", c.info.channelID, "timeout", c.genTimeout)
	c.notifyLocked()
}
