package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/deskrelay/internal/pubsub"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	defaultSubscriberBuffer = 64
	defaultReadLimit        = 64 << 10
)

// ChannelMetrics receives connection state changes and reconnect attempts.
type ChannelMetrics interface {
	SetChannelState(state string)
	RecordReconnect()
}

type ChannelOptions struct {
	URL        string
	Header     http.Header
	HTTPClient *http.Client
	Backoff    *Backoff
	// SubscriberBuffer bounds each Subscribe channel; a full subscriber misses
	// messages instead of stalling the read loop.
	SubscriberBuffer int
	ReadLimit        int64
	Logger           zerolog.Logger
	Metrics          ChannelMetrics

	now func() time.Time
}

// Channel keeps a websocket session to the notification endpoint alive between
// Connect and Disconnect, reconnecting with exponential backoff.
type Channel struct {
	url     string
	opts    ChannelOptions
	backoff *Backoff
	log     zerolog.Logger
	now     func() time.Time

	messages *pubsub.Hub[Notification]
	states   *pubsub.Hub[ConnectionState]
	retry    chan struct{}

	mu      sync.Mutex
	state   ConnectionState
	attempt int
	// gen identifies the current session; state changes from an older
	// session are ignored.
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

func NewChannel(opts ChannelOptions) (*Channel, error) {
	raw := strings.TrimSpace(opts.URL)
	if raw == "" {
		return nil, errors.New("notification channel url is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse notification channel url: %w", err)
	}
	switch parsed.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("unsupported notification channel scheme %q", parsed.Scheme)
	}
	backoff := opts.Backoff
	if backoff == nil {
		backoff = NewBackoff(DefaultBackoffBase, DefaultBackoffMax, DefaultBackoffJitter)
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = defaultSubscriberBuffer
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	now := opts.now
	if now == nil {
		now = time.Now
	}
	return &Channel{
		url:      parsed.String(),
		opts:     opts,
		backoff:  backoff,
		log:      opts.Logger.With().Str("cmp", "notify-channel").Logger(),
		now:      now,
		messages: pubsub.NewQueued[Notification](opts.SubscriberBuffer),
		states:   pubsub.NewLatest[ConnectionState](),
		retry:    make(chan struct{}, 1),
	}, nil
}

// Connect starts a session. It is a no-op while a session is already running.
func (c *Channel) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.attempt = 0
	c.gen++
	select {
	case <-c.retry:
	default:
	}
	go c.run(ctx, c.done, c.gen)
}

// Disconnect ends the session without scheduling another attempt and waits
// for the connection loop to exit.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	cancel, done, gen := c.cancel, c.done, c.gen
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	// A Connect that raced in owns the state now.
	c.transition(gen, Disconnected)
}

// Close disconnects and closes every subscription.
func (c *Channel) Close() {
	c.Disconnect()
	c.messages.Close()
	c.states.Close()
}

func (c *Channel) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempt reports consecutive failures since the last Connected transition.
func (c *Channel) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

func (c *Channel) Subscribe() (<-chan Notification, func()) {
	return c.messages.Subscribe(nil)
}

// WatchState delivers the current state immediately and then every change.
// Slow readers only observe the latest state.
func (c *Channel) WatchState() (<-chan ConnectionState, func()) {
	c.mu.Lock()
	current := c.state
	c.mu.Unlock()
	return c.states.Subscribe(&current)
}

// RetryNow cuts a pending backoff wait short.
func (c *Channel) RetryNow() {
	select {
	case c.retry <- struct{}{}:
	default:
	}
}

func (c *Channel) run(ctx context.Context, done chan struct{}, gen uint64) {
	defer close(done)
	for {
		c.transition(gen, Connecting)
		err := c.session(ctx, gen)
		if ctx.Err() != nil {
			return
		}
		c.transition(gen, Disconnected)

		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		c.attempt++
		attempt := c.attempt
		c.mu.Unlock()
		delay := c.backoff.Delay(attempt)
		c.log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("notification channel unavailable")

		if !c.waitRetry(ctx, delay) {
			return
		}
		if c.opts.Metrics != nil {
			c.opts.Metrics.RecordReconnect()
		}
	}
}

// session dials, then reads until the transport drops or ctx ends.
func (c *Channel) session(ctx context.Context, gen uint64) error {
	conn, resp, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPClient: c.opts.HTTPClient,
		HTTPHeader: c.opts.Header,
	})
	if err != nil {
		if resp != nil {
			return fmt.Errorf("%w: status %d: %v", ErrHandshakeFailed, resp.StatusCode, err)
		}
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(c.opts.ReadLimit)

	c.mu.Lock()
	if c.gen == gen {
		c.attempt = 0
	}
	c.mu.Unlock()
	select {
	case <-c.retry:
	default:
	}
	c.transition(gen, Connected)
	c.log.Info().Str("url", c.url).Msg("notification channel connected")

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", ErrChannelDropped, err)
		}
		if typ != websocket.MessageText {
			c.log.Warn().Str("type", typ.String()).Msg("dropping non-text notification frame")
			continue
		}
		notification, err := ParseMessage(data, c.now())
		if err != nil {
			c.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping notification frame")
			continue
		}
		if dropped := c.messages.Publish(notification); dropped > 0 {
			c.log.Warn().Int("subscribers", dropped).Str("title", notification.Title).Msg("notification subscriber full; message dropped")
		}
	}
}

func (c *Channel) waitRetry(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.retry:
		return true
	case <-timer.C:
		return true
	}
}

// transition moves to state on behalf of session gen. Publishing happens
// under c.mu so watchers observe transitions in order.
func (c *Channel) transition(gen uint64, state ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.state == state {
		return
	}
	c.state = state
	c.states.Publish(state)
	if c.opts.Metrics != nil {
		c.opts.Metrics.SetChannelState(state.String())
	}
}
