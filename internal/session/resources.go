package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/vibecanvas/pkg/channel"
	"github.com/MrWong99/vibecanvas/pkg/provider/convai"
)

// leaveTimeout bounds the agent leave call made during teardown.
const leaveTimeout = 10 * time.Second

// resources are the external handles held by one session. They are acquired
// together by StartSession and released together when the session ends.
type resources struct {
	sub   channel.Subscription
	agent *convai.Agent

	// ctx scopes the consumer goroutine; it keeps the values of the starting
	// request but not its cancellation.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// acquire opens the subscription and then launches the agent into the same
// channel. The subscription is closed again if the agent fails to start.
func (c *Controller) acquire(ctx context.Context, channelID string) (*resources, error) {
	sub, err := c.sub.Subscribe(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("session: subscribe %q: %w", channelID, err)
	}

	var agent *convai.Agent
	if c.launcher != nil {
		agent, err = c.launcher.Start(ctx, channelID)
		if err != nil {
			_ = sub.Close()
			return nil, fmt.Errorf("session: start agent: %w", err)
		}
	}

	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &resources{
		sub:    sub,
		agent:  agent,
		ctx:    cctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}, nil
}

// release stops the consumer, closes the subscription, and asks the agent to
// leave. Failures are logged; teardown always completes.
func (c *Controller) release(ctx context.Context, res *resources) {
	res.cancel()
	if err := res.sub.Close(); err != nil {
		slog.Warn("session: close subscription", "channel", res.sub.ChannelID(), "err", err)
	}
	<-res.done

	if res.agent == nil || c.launcher == nil {
		return
	}
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaveTimeout)
	defer cancel()
	if err := c.launcher.Leave(lctx, res.agent.ID); err != nil {
		slog.Warn("session: agent leave failed", "agent_id", res.agent.ID, "err", err)
	}
}

// consume applies events from res in arrival order until the subscription
// ends or res is released.
func (c *Controller) consume(ctx context.Context, token uint64, res *resources) {
	defer close(res.done)
	events := res.sub.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				c.channelClosed(token, res.sub.Err())
				return
			}
			c.apply(ctx, token, ev)
		}
	}
}
