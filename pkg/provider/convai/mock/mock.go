// Package mock provides a test double for the convai.Launcher interface.
//
// Example:
//
//	l := &mock.Launcher{}
//	agent, _ := l.Start(ctx, "room-1")
//	_ = l.Leave(ctx, agent.ID)
//	// l.LeaveCalls() == []string{"agent-1"}
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/vibecanvas/pkg/provider/convai"
)

// Launcher is a mock implementation of convai.Launcher.
type Launcher struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// StartErr, if non-nil, is returned by Start.
	StartErr error

	// LeaveErr, if non-nil, is returned by Leave.
	LeaveErr error

	// --- Call records ---

	starts []string
	leaves []string
}

var _ convai.Launcher = (*Launcher)(nil)

// Start records the call and returns an agent named after the call count.
func (l *Launcher) Start(_ context.Context, channel string) (*convai.Agent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.starts = append(l.starts, channel)
	if l.StartErr != nil {
		return nil, l.StartErr
	}
	n := len(l.starts)
	return &convai.Agent{
		ID:        fmt.Sprintf("agent-%d", n),
		Name:      fmt.Sprintf("agent-%s-%d", channel, n),
		Channel:   channel,
		Status:    "RUNNING",
		CreatedAt: time.Now(),
	}, nil
}

// Leave records the call and returns LeaveErr.
func (l *Launcher) Leave(_ context.Context, agentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.leaves = append(l.leaves, agentID)
	return l.LeaveErr
}

// StartCalls returns the channels passed to Start, in order.
func (l *Launcher) StartCalls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.starts...)
}

// LeaveCalls returns the agent IDs passed to Leave, in order.
func (l *Launcher) LeaveCalls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.leaves...)
}
