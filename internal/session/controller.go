// Package session implements the transcript controller for a live voice
// session.
//
// A [Controller] owns everything that belongs to the current session: the
// channel subscription, the conversational agent, the transcript, the list
// of generated code artifacts, and the generation indicator. Events from the
// channel are consumed by a single goroutine and applied one at a time in
// arrival order; every event is tagged with the session it was received for
// and events from an older session are dropped.
//
// Starting a session clears all state. Ending a session clears the transcript
// and the generation indicator but keeps the artifacts and the current
// selection so they stay inspectable and exportable.
//
// All exported methods are safe for concurrent use.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/vibecanvas/internal/observe"
	"github.com/MrWong99/vibecanvas/pkg/channel"
	"github.com/MrWong99/vibecanvas/pkg/provider/convai"
	"github.com/MrWong99/vibecanvas/pkg/types"
)

// DefaultGeneratingTimeout forces the generation indicator back to idle when
// no final agent event arrives in time.
const DefaultGeneratingTimeout = 5 * time.Second

// DefaultGreetingPhrases identify the agent's scripted opening line. An
// interim event containing all of them never starts generation.
var DefaultGreetingPhrases = []string{"hello", "coding assistant"}

var (
	// ErrEmptyChannel is returned by StartSession for an empty channel id.
	ErrEmptyChannel = errors.New("session: channel id must not be empty")

	// ErrNoSession is returned by EndSession when no session is active.
	ErrNoSession = errors.New("session: no active session")

	// ErrArtifactNotFound is returned by SelectArtifact for an unknown id.
	ErrArtifactNotFound = errors.New("session: artifact not found")

	// ErrNoArtifact is returned by ExportSelected when nothing is selected.
	ErrNoArtifact = errors.New("session: no artifact selected")

	// ErrClosed is returned by StartSession after Close.
	ErrClosed = errors.New("session: controller closed")
)

// GenerationState tells whether the agent is currently streaming a document.
type GenerationState int

const (
	// Idle means no document is being generated.
	Idle GenerationState = iota

	// Generating means an interim agent event opened a code span and the
	// matching final event has not arrived yet.
	Generating
)

// String returns the lowercase name of the state.
func (s GenerationState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Generating:
		return "generating"
	default:
		return fmt.Sprintf("GenerationState(%d)", int(s))
	}
}

// Option is a functional option for configuring a Controller.
type Option func(*Controller)

// WithLauncher sets the agent launcher. Without one, sessions only consume
// the channel and no agent is started.
func WithLauncher(l convai.Launcher) Option {
	return func(c *Controller) { c.launcher = l }
}

// WithGeneratingTimeout sets the safety timeout of the Generating state.
// Zero disables it. Default: [DefaultGeneratingTimeout].
func WithGeneratingTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d >= 0 {
			c.genTimeout = d
		}
	}
}

// WithGreetingPhrases replaces [DefaultGreetingPhrases]. An empty list turns
// the greeting guard off.
func WithGreetingPhrases(phrases ...string) Option {
	return func(c *Controller) { c.greeting = normalisePhrases(phrases) }
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithClock replaces time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator replaces the generator for session, entry, and artifact
// ids. Default: uuid.NewString.
func WithIDGenerator(gen func() string) Option {
	return func(c *Controller) {
		if gen != nil {
			c.newID = gen
		}
	}
}

// sessionInfo describes the active session.
type sessionInfo struct {
	id        string
	channelID string
	startedAt time.Time
	agentID   string
}

// Controller is the session transcript controller.
type Controller struct {
	sub      channel.Subscriber
	launcher convai.Launcher
	metrics  *observe.Metrics
	now      func() time.Time
	newID    func() string

	// lifeMu serialises StartSession, EndSession, and Close across their
	// I/O. It is always taken before mu.
	lifeMu sync.Mutex

	mu         sync.Mutex
	closed     bool
	token      uint64
	res        *resources
	info       sessionInfo
	transcript []types.TranscriptEntry
	artifacts  []types.CodeArtifact
	selected   string
	channelErr error

	state      GenerationState
	genStarted time.Time
	genTimeout time.Duration
	greeting   []string
	timer      *time.Timer
	timerGen   uint64

	watchers map[chan struct{}]struct{}
	done     chan struct{}
	watchWG  sync.WaitGroup
}

// New creates a Controller that subscribes through sub.
func New(sub channel.Subscriber, opts ...Option) *Controller {
	c := &Controller{
		sub:        sub,
		now:        time.Now,
		newID:      uuid.NewString,
		genTimeout: DefaultGeneratingTimeout,
		greeting:   normalisePhrases(DefaultGreetingPhrases),
		watchers:   make(map[chan struct{}]struct{}),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// StartSession replaces any current session with a new one on channelID.
// All state is cleared before the subscription is opened. When the
// subscription or the agent cannot be acquired the controller is left idle
// with empty state and the error is returned.
func (c *Controller) StartSession(ctx context.Context, channelID string) (Snapshot, error) {
	if channelID == "" {
		return Snapshot{}, ErrEmptyChannel
	}

	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Snapshot{}, ErrClosed
	}
	old := c.res
	c.token++
	c.endGeneratingLocked(ctx, "reset")
	c.res = nil
	c.info = sessionInfo{}
	c.channelErr = nil
	c.transcript = nil
	c.artifacts = nil
	c.selected = ""
	c.notifyLocked()
	c.mu.Unlock()

	if old != nil {
		c.release(ctx, old)
		c.metrics.ActiveSessions.Add(ctx, -1)
	}

	res, err := c.acquire(ctx, channelID)
	if err != nil {
		slog.Warn("session: start failed", "channel", channelID, "err", err)
		return Snapshot{}, err
	}

	c.mu.Lock()
	c.res = res
	c.info = sessionInfo{
		id:        c.newID(),
		channelID: channelID,
		startedAt: c.now(),
	}
	if res.agent != nil {
		c.info.agentID = res.agent.ID
	}
	token := c.token
	c.notifyLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	go c.consume(res.ctx, token, res)

	c.metrics.ActiveSessions.Add(ctx, 1)
	observe.SessionLogger(ctx, snap.SessionID, channelID).Info("session started", "agent_id", snap.AgentID)
	return snap, nil
}

// EndSession stops the active session. The transcript and the generation
// indicator are cleared; artifacts and the selection are kept.
func (c *Controller) EndSession(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	c.mu.Lock()
	res := c.res
	if res == nil {
		c.mu.Unlock()
		return ErrNoSession
	}
	info := c.info
	c.token++
	c.endGeneratingLocked(ctx, "reset")
	c.res = nil
	c.info = sessionInfo{}
	c.channelErr = nil
	c.transcript = nil
	c.notifyLocked()
	c.mu.Unlock()

	c.release(ctx, res)
	c.metrics.ActiveSessions.Add(ctx, -1)
	observe.SessionLogger(ctx, info.id, info.channelID).Info("session ended")
	return nil
}

// Close ends any active session and closes every Watch channel. Further
// StartSession calls return [ErrClosed].
func (c *Controller) Close(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	res := c.res
	c.token++
	c.endGeneratingLocked(ctx, "reset")
	c.res = nil
	c.info = sessionInfo{}
	c.transcript = nil
	for ch := range c.watchers {
		delete(c.watchers, ch)
		close(ch)
	}
	close(c.done)
	c.mu.Unlock()
	c.watchWG.Wait()

	if res != nil {
		c.release(ctx, res)
		c.metrics.ActiveSessions.Add(ctx, -1)
	}
	return nil
}

// SetGeneratingTimeout changes the safety timeout for the next Generating
// period. Zero disables it.
func (c *Controller) SetGeneratingTimeout(d time.Duration) {
	if d < 0 {
		return
	}
	c.mu.Lock()
	c.genTimeout = d
	c.mu.Unlock()
}

// SetGreetingPhrases replaces the greeting guard phrases.
func (c *Controller) SetGreetingPhrases(phrases []string) {
	p := normalisePhrases(phrases)
	c.mu.Lock()
	c.greeting = p
	c.mu.Unlock()
}

// Check reports the failure of the active session's channel, if any. It is
// meant for readiness probes.
func (c *Controller) Check(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channelErr != nil {
		return fmt.Errorf("session: channel %q: %w", c.info.channelID, c.channelErr)
	}
	return nil
}

func normalisePhrases(phrases []string) []string {
	out := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
