// Package rtm provides a [channel.Subscriber] backed by the voice platform's
// real-time messaging gateway over WebSocket.
//
// A subscription dials the gateway, sends a subscribe command for the channel,
// and then decodes every inbound text frame into a
// [types.TranscriptionEvent]. Frames that are not transcriptions, that belong
// to another channel, or that cannot be decoded are skipped; a bad frame never
// terminates the subscription.
//
// Unlike a display-only client, interim transcriptions are forwarded as well as
// finals: the session controller needs them to detect that a document is being
// generated.
package rtm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/vibecanvas/pkg/channel"
	"github.com/MrWong99/vibecanvas/pkg/types"
)

const (
	defaultBuffer       = 64
	defaultDialTimeout  = 10 * time.Second
	unsubscribeDeadline = 2 * time.Second

	// maxFrameBytes bounds a single frame. Agent turns carry whole HTML
	// documents, which exceed the library's 32 KiB default.
	maxFrameBytes = 4 << 20
)

// Compile-time interface assertion.
var _ channel.Subscriber = (*Subscriber)(nil)

// Option configures a [Subscriber].
type Option func(*Subscriber)

// WithToken sets the token presented to the gateway as a Bearer credential and
// in the subscribe command.
func WithToken(token string) Option {
	return func(s *Subscriber) {
		s.token = token
	}
}

// WithUserID sets the messaging user ID sent in the subscribe command.
func WithUserID(userID string) Option {
	return func(s *Subscriber) {
		s.userID = userID
	}
}

// WithBuffer sets the capacity of each subscription's event queue. Defaults
// to 64.
func WithBuffer(n int) Option {
	return func(s *Subscriber) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// WithDialTimeout bounds the WebSocket handshake and subscribe command.
// Defaults to 10s.
func WithDialTimeout(d time.Duration) Option {
	return func(s *Subscriber) {
		if d > 0 {
			s.dialTimeout = d
		}
	}
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Subscriber) {
		s.httpClient = c
	}
}

// Subscriber dials the messaging gateway once per subscription.
// It is safe for concurrent use.
type Subscriber struct {
	url         string
	token       string
	userID      string
	buffer      int
	dialTimeout time.Duration
	httpClient  *http.Client
}

// New creates a Subscriber for the gateway at url (ws:// or wss://).
func New(url string, opts ...Option) (*Subscriber, error) {
	if url == "" {
		return nil, errors.New("rtm: url must not be empty")
	}
	s := &Subscriber{
		url:         url,
		buffer:      defaultBuffer,
		dialTimeout: defaultDialTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// command is an outbound control message.
type command struct {
	Action       string `json:"action"`
	Channel      string `json:"channel"`
	UserID       string `json:"user_id,omitempty"`
	Token        string `json:"token,omitempty"`
	WithMessage  bool   `json:"with_message,omitempty"`
	WithPresence bool   `json:"with_presence,omitempty"`
}

// Subscribe dials the gateway and subscribes to channelID.
func (s *Subscriber) Subscribe(ctx context.Context, channelID string) (channel.Subscription, error) {
	if channelID == "" {
		return nil, errors.New("rtm: channel id must not be empty")
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	defer cancel()

	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}
	conn, _, err := websocket.Dial(dialCtx, s.url, &websocket.DialOptions{
		HTTPClient: s.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("rtm: dial: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)

	if err := wsjson.Write(dialCtx, conn, command{
		Action:       "subscribe",
		Channel:      channelID,
		UserID:       s.userID,
		Token:        s.token,
		WithMessage:  true,
		WithPresence: true,
	}); err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return nil, fmt.Errorf("rtm: subscribe %q: %w", channelID, err)
	}

	subCtx, subCancel := context.WithCancel(context.Background())
	sub := &subscription{
		conn:      conn,
		channelID: channelID,
		events:    make(chan types.TranscriptionEvent, s.buffer),
		done:      make(chan struct{}),
		ctx:       subCtx,
		cancel:    subCancel,
	}
	go sub.receiveLoop()

	slog.Debug("rtm subscribed", "channel", channelID, "user_id", s.userID)
	return sub, nil
}

// subscription is one live gateway connection.
type subscription struct {
	conn      *websocket.Conn
	channelID string
	events    chan types.TranscriptionEvent
	done      chan struct{}

	mu     sync.Mutex
	errVal error

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *subscription) ChannelID() string { return s.channelID }

func (s *subscription) Events() <-chan types.TranscriptionEvent { return s.events }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

func (s *subscription) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// Close unsubscribes, closes the connection, and waits for the receive loop
// to drain.
func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		wctx, cancel := context.WithTimeout(s.ctx, unsubscribeDeadline)
		if err := wsjson.Write(wctx, s.conn, command{Action: "unsubscribe", Channel: s.channelID}); err != nil {
			slog.Debug("rtm unsubscribe failed", "channel", s.channelID, "err", err)
		}
		cancel()
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "unsubscribe")
	})
	<-s.done
	return nil
}

// receiveLoop reads frames until the connection ends. It owns events and
// closes it on exit.
func (s *subscription) receiveLoop() {
	defer close(s.done)
	defer close(s.events)

	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}
			s.setErr(fmt.Errorf("rtm: read: %w", err))
			slog.Warn("rtm subscription ended", "channel", s.channelID, "err", err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		ev, ok, err := decodeFrame(data, s.channelID)
		if err != nil {
			slog.Warn("rtm: skipping undecodable frame", "channel", s.channelID, "err", err)
			continue
		}
		if !ok {
			continue
		}
		ev.ReceivedAt = time.Now()

		select {
		case s.events <- ev:
		case <-s.ctx.Done():
			return
		}
	}
}
