// Package mock provides test doubles for the channel package interfaces.
//
// Use Subscriber to verify which channels were subscribed and to hand out
// Subscription values whose events the test pushes with Send.
//
// Example:
//
//	sub := &mock.Subscriber{}
//	s, _ := sub.Subscribe(ctx, "room-1")
//	sub.Last().Send(types.TranscriptionEvent{Role: types.RoleAgent, Text: "hi", IsFinal: true})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/vibecanvas/pkg/channel"
	"github.com/MrWong99/vibecanvas/pkg/types"
)

// Subscriber is a mock implementation of channel.Subscriber. Each successful
// Subscribe call creates a fresh Subscription with a buffered events channel.
type Subscriber struct {
	mu sync.Mutex

	// SubscribeErr, if non-nil, is returned as the error from Subscribe.
	SubscribeErr error

	// Buffer is the capacity of each new subscription's events channel.
	// Defaults to 16.
	Buffer int

	// Subscriptions records every subscription handed out, in order.
	Subscriptions []*Subscription
}

// Subscribe records the call and returns a new Subscription.
func (s *Subscriber) Subscribe(_ context.Context, channelID string) (channel.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SubscribeErr != nil {
		return nil, s.SubscribeErr
	}
	buf := s.Buffer
	if buf <= 0 {
		buf = 16
	}
	sub := &Subscription{
		ID:     channelID,
		events: make(chan types.TranscriptionEvent, buf),
	}
	s.Subscriptions = append(s.Subscriptions, sub)
	return sub, nil
}

// Last returns the most recent subscription, or nil if none exists.
func (s *Subscriber) Last() *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Subscriptions) == 0 {
		return nil
	}
	return s.Subscriptions[len(s.Subscriptions)-1]
}

// Calls returns the number of successful Subscribe calls.
func (s *Subscriber) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Subscriptions)
}

var _ channel.Subscriber = (*Subscriber)(nil)

// Subscription is a mock implementation of channel.Subscription.
type Subscription struct {
	// ID is the channel the subscription was opened for.
	ID string

	mu     sync.Mutex
	events chan types.TranscriptionEvent
	closed bool
	err    error
}

// Send delivers ev to the consumer. It reports false if the subscription
// is already closed.
func (s *Subscription) Send(ev types.TranscriptionEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.events <- ev
	return true
}

// Fail closes the events channel with err, simulating a transport failure.
func (s *Subscription) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.events)
}

// ChannelID implements channel.Subscription.
func (s *Subscription) ChannelID() string { return s.ID }

// Events implements channel.Subscription.
func (s *Subscription) Events() <-chan types.TranscriptionEvent { return s.events }

// Err implements channel.Subscription.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements channel.Subscription.
func (s *Subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

// Closed reports whether Close or Fail has been called.
func (s *Subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ channel.Subscription = (*Subscription)(nil)
