// Package channel maintains the push connection that delivers
// server-originated notification events.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dispatchdesk/console/internal/metrics"
)

const (
	DefaultReconnectDelay    = 5 * time.Second
	DefaultMaxReconnectDelay = time.Minute

	closeGracePeriod = time.Second
)

var (
	ErrMalformedPush         = errors.New("malformed push payload")
	ErrInvalidTarget         = errors.New("invalid push target")
	ErrHandshakeUnauthorized = errors.New("push handshake unauthorized")
)

// State is the lifecycle state of the push connection
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for candidate := Disconnected; candidate <= Reconnecting; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown channel state %q", text)
}

// Event is one inbound push message. Raw holds the message exactly as
// received; Type and Payload are filled when the message uses the
// {"type", "payload"} envelope.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

// TokenSource supplies the access token presented when dialing.
// RenewAccessToken is called once after the server rejects stale.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	RenewAccessToken(ctx context.Context, stale string) (string, error)
}

// Config describes where the push endpoint lives and how reconnects are paced
type Config struct {
	// BaseURL is the API origin; its scheme is flipped to ws or wss
	BaseURL string
	Path    string

	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// Option configures a Channel
type Option func(*Channel)

// WithDialer sets the websocket dialer
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Channel) { c.dialer = d }
}

// Channel is an owned push connection. Connect starts it, Disconnect stops
// it and releases the socket and any pending reconnect timer.
type Channel struct {
	cfg    Config
	tokens TokenSource
	dialer *websocket.Dialer
	logger *zap.Logger

	mu            sync.Mutex
	state         State
	cancel        context.CancelFunc
	done          chan struct{}
	eventHandlers []func(Event)
	stateHandlers []func(State)
}

// New creates a disconnected channel
func New(cfg Config, tokens TokenSource, logger *zap.Logger, opts ...Option) *Channel {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = DefaultMaxReconnectDelay
	}

	c := &Channel{
		cfg:    cfg,
		tokens: tokens,
		dialer: websocket.DefaultDialer,
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnEvent registers a handler for every well-formed inbound message.
// Handlers run on the channel's read goroutine and must not call Disconnect.
func (c *Channel) OnEvent(fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventHandlers = append(c.eventHandlers, fn)
}

// OnStateChange registers a handler for state transitions
func (c *Channel) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateHandlers = append(c.stateHandlers, fn)
}

// State returns the current connection state
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts the connection loop. It returns immediately; progress is
// reported through OnStateChange. Calling Connect on a running channel is a
// no-op.
func (c *Channel) Connect(ctx context.Context) error {
	if _, err := targetURL(c.cfg.BaseURL, c.cfg.Path, ""); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done

	go c.run(runCtx, done)
	return nil
}

// Disconnect cancels any pending reconnect, closes the socket and waits
// for the connection loop to exit.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Channel) run(ctx context.Context, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		if c.done == done {
			c.cancel()
			c.cancel, c.done = nil, nil
		}
		c.mu.Unlock()

		c.setState(Disconnected)
		close(done)
	}()

	// renewed is set once a handshake 401 has been answered with a renewal,
	// and cleared by the next successful connection
	renewed := false
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			c.setState(Disconnected)
			if !c.wait(ctx) {
				return
			}
			metrics.ChannelReconnects.Inc()
			c.setState(Reconnecting)
		}

		token, err := c.tokens.AccessToken(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Info("push channel stopped: no usable credential", zap.Error(err))
			}
			return
		}

		c.setState(Connecting)
		conn, err := c.dial(ctx, token)
		if errors.Is(err, ErrHandshakeUnauthorized) && !renewed {
			renewed = true
			c.logger.Info("push handshake rejected; renewing access token")
			token, err = c.tokens.RenewAccessToken(ctx, token)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Info("push channel stopped: renewal failed", zap.Error(err))
				}
				return
			}
			conn, err = c.dial(ctx, token)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("push channel dial failed", zap.Error(err), zap.Int("attempt", attempt+1))
			continue
		}

		renewed = false
		c.setState(Connected)
		c.logger.Info("push channel connected")

		err = c.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("push channel closed", zap.Error(err))
	}
}

// wait sleeps for the reconnect delay. It reports false when ctx ended first.
func (c *Channel) wait(ctx context.Context) bool {
	delay := c.cfg.ReconnectDelay
	if delay > c.cfg.MaxReconnectDelay {
		delay = c.cfg.MaxReconnectDelay
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Channel) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	target, err := targetURL(c.cfg.BaseURL, c.cfg.Path, token)
	if err != nil {
		return nil, err
	}

	conn, resp, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %v", ErrHandshakeUnauthorized, err)
		}
		if resp != nil {
			return nil, fmt.Errorf("handshake rejected with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return conn, nil
}

// serve reads messages until the socket fails or ctx ends
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	defer conn.Close()

	go func() {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(data)
	}
}

func (c *Channel) dispatch(data []byte) {
	ev, err := ParseEvent(data)
	if err != nil {
		metrics.IncrementPushEvent("malformed")
		c.logger.Warn("dropping push message", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}
	metrics.IncrementPushEvent("accepted")

	c.mu.Lock()
	handlers := append([]func(Event){}, c.eventHandlers...)
	c.mu.Unlock()

	for _, fn := range handlers {
		c.deliver(fn, ev)
	}
}

func (c *Channel) deliver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("push event handler panicked", zap.Any("panic", r), zap.String("type", ev.Type))
		}
	}()
	fn(ev)
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	handlers := append([]func(State){}, c.stateHandlers...)
	c.mu.Unlock()

	metrics.ChannelState.Set(float64(s))
	c.logger.Debug("push channel state", zap.Stringer("state", s))
	for _, fn := range handlers {
		fn(s)
	}
}

// ParseEvent decodes one push message. Anything other than a JSON object is
// rejected with ErrMalformedPush.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "{") {
		return ev, fmt.Errorf("%w: not a JSON object", ErrMalformedPush)
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedPush, err)
	}
	if string(ev.Payload) == "null" {
		ev.Payload = nil
	}
	ev.Raw = append(json.RawMessage(nil), data...)
	return ev, nil
}

// targetURL derives the socket URL from the API origin. The server reads
// the access token from the token query parameter.
func targetURL(base, path, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTarget, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidTarget)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	q := u.Query()
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

