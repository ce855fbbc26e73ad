// Package channel defines the inbound side of a live session: a subscription
// to the real-time messaging channel on which the voice platform publishes
// transcription events for the user and the agent.
//
// The central abstraction is [Subscription]. Once opened it yields
// [types.TranscriptionEvent] values in arrival order on a single channel.
// How the transport authenticates or reconnects is an implementation detail
// of each [Subscriber]; consumers only rely on ordering and on the events
// channel being closed when the subscription ends.
package channel

import (
	"context"
	"errors"

	"github.com/MrWong99/vibecanvas/pkg/types"
)

// ErrClosed is returned by operations on a subscription that has been closed.
var ErrClosed = errors.New("channel: subscription closed")

// Subscription is an open subscription to one channel.
//
// Callers must call Close when the subscription is no longer needed. All
// methods must be safe for concurrent use.
type Subscription interface {
	// ChannelID returns the identifier the subscription was opened for.
	ChannelID() string

	// Events returns a read-only channel that emits interim and final
	// transcription events in arrival order. It is closed when the
	// subscription ends, either through Close or because the transport failed.
	Events() <-chan types.TranscriptionEvent

	// Err returns the error that terminated the subscription, or nil if it is
	// still open or was closed normally.
	Err() error

	// Close terminates the subscription and releases its resources. After
	// Close returns, no further events are delivered. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// Subscriber opens subscriptions.
//
// Implementations must be safe for concurrent use.
type Subscriber interface {
	// Subscribe opens a subscription to channelID. The supplied ctx governs
	// the setup phase only; the subscription lives until Close is called.
	Subscribe(ctx context.Context, channelID string) (Subscription, error)
}
