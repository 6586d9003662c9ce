// Package syncclient wires the offline queue, connectivity monitor, replayer
// and notification pipeline into the single surface the helpdesk UI talks to.
package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/agentworkforce/deskrelay/internal/actionqueue"
	"github.com/agentworkforce/deskrelay/internal/connectivity"
	"github.com/agentworkforce/deskrelay/internal/notify"
	"github.com/agentworkforce/deskrelay/internal/pubsub"
	"github.com/agentworkforce/deskrelay/internal/replay"
	"github.com/agentworkforce/deskrelay/internal/telemetry"
	"github.com/rs/zerolog"
)

const terminalTitle = "Action could not be synced"

type Options struct {
	Store actionqueue.Store
	// Signal drives the connectivity monitor. Nil means always online.
	Signal    connectivity.Signal
	Submitter replay.Submitter
	// Channel is optional; without it no server notifications arrive but
	// local ones (terminal replay failures) are still dispatched.
	Channel    *notify.Channel
	Replay     replay.Options
	Dispatcher notify.DispatcherOptions
	Metrics    *telemetry.Metrics
	Logger     zerolog.Logger
}

// PendingAction is a queued action plus whether replay has given up on it.
type PendingAction struct {
	actionqueue.Action
	Terminal bool `json:"terminal"`
}

type Client struct {
	store      actionqueue.Store
	monitor    *connectivity.Monitor
	replayer   *replay.Replayer
	channel    *notify.Channel
	dispatcher *notify.Dispatcher
	metrics    *telemetry.Metrics
	log        zerolog.Logger
	pending    *pubsub.Hub[int]
	// refreshMu keeps count-and-publish atomic so an older count never
	// lands after a newer one.
	refreshMu sync.Mutex

	mu          sync.Mutex
	started     bool
	closed      bool
	cancel      context.CancelFunc
	unsubscribe []func()
	wg          sync.WaitGroup
}

func New(opts Options) (*Client, error) {
	if opts.Store == nil {
		return nil, errors.New("action store is required")
	}
	if opts.Submitter == nil {
		return nil, errors.New("action submitter is required")
	}
	c := &Client{
		store:   opts.Store,
		channel: opts.Channel,
		metrics: opts.Metrics,
		log:     opts.Logger.With().Str("cmp", "syncclient").Logger(),
		pending: pubsub.NewLatest[int](),
	}
	c.monitor = connectivity.NewMonitor(opts.Signal, opts.Logger)

	dispatcherOpts := opts.Dispatcher
	dispatcherOpts.Logger = opts.Logger
	if opts.Metrics != nil {
		dispatcherOpts.Metrics = opts.Metrics
	}
	c.dispatcher = notify.NewDispatcher(dispatcherOpts)

	replayOpts := opts.Replay
	replayOpts.Logger = opts.Logger
	if opts.Metrics != nil {
		replayOpts.Metrics = opts.Metrics
	}
	onSubmitted, onTerminal := replayOpts.OnSubmitted, replayOpts.OnTerminal
	replayOpts.OnSubmitted = func(action actionqueue.Action) {
		c.refreshPending(context.Background())
		if onSubmitted != nil {
			onSubmitted(action)
		}
	}
	replayOpts.OnTerminal = func(failure replay.TerminalFailure) {
		c.reportTerminal(failure)
		if onTerminal != nil {
			onTerminal(failure)
		}
	}
	c.replayer = replay.New(opts.Store, c.monitor, opts.Submitter, replayOpts)
	return c, nil
}

// Start begins replaying, connects the notification channel and starts
// feeding the dispatcher.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("sync client closed")
	}
	if c.started {
		return nil
	}
	c.started = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.unsubscribe = append(c.unsubscribe, c.monitor.OnChange(c.onConnectivity))
	if c.channel != nil {
		messages, unsubscribe := c.channel.Subscribe()
		c.unsubscribe = append(c.unsubscribe, unsubscribe)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.dispatcher.Run(ctx, messages)
		}()
		c.channel.Connect()
	}
	if watcher, ok := c.store.(actionqueue.Watcher); ok {
		changes, err := watcher.Watch(ctx)
		if err != nil {
			c.log.Warn().Err(err).Msg("watching action store failed; pending count only tracks local changes")
		} else {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				for range changes {
					c.refreshPending(ctx)
				}
			}()
		}
	}
	c.refreshPending(ctx)
	c.replayer.Start()
	c.log.Info().Bool("online", c.monitor.Current()).Msg("sync client started")
	return nil
}

// Close stops every component. The store stays open; it belongs to the caller.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel := c.cancel
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	c.replayer.Stop()
	for _, fn := range unsubscribe {
		fn()
	}
	if c.channel != nil {
		c.channel.Disconnect()
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.dispatcher.Close()
	c.monitor.Close()
	c.pending.Close()
}

// EnqueueOfflineAction records a mutation for later replay. Quota failures
// are returned as actionqueue.ErrStorageQuotaExceeded.
func (c *Client) EnqueueOfflineAction(ctx context.Context, kind string, payload json.RawMessage) (string, error) {
	id, err := c.store.Enqueue(ctx, kind, payload)
	if err != nil {
		if errors.Is(err, actionqueue.ErrStorageQuotaExceeded) {
			c.log.Error().Err(err).Str("kind", kind).Msg("offline action rejected")
		}
		return "", err
	}
	c.log.Info().Str("action_id", id).Str("kind", strings.TrimSpace(kind)).Msg("offline action queued")
	c.refreshPending(ctx)
	c.replayer.Kick()
	return id, nil
}

// Pending lists queued actions in replay order.
func (c *Client) Pending(ctx context.Context) ([]PendingAction, error) {
	actions, err := c.store.List(ctx)
	if err != nil {
		return nil, err
	}
	maxAttempts := c.replayer.MaxAttempts()
	out := make([]PendingAction, 0, len(actions))
	for _, action := range actions {
		out = append(out, PendingAction{Action: action, Terminal: action.Attempts >= maxAttempts})
	}
	return out, nil
}

// WatchPending delivers the pending count now and after every change,
// including changes made by other processes sharing a file store.
func (c *Client) WatchPending() (<-chan int, func()) {
	actions, err := c.store.List(context.Background())
	if err != nil {
		return c.pending.Subscribe(nil)
	}
	count := len(actions)
	return c.pending.Subscribe(&count)
}

// DiscardAction drops a queued action, typically one that failed terminally.
func (c *Client) DiscardAction(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: action id is required", actionqueue.ErrInvalidInput)
	}
	if err := c.store.Remove(ctx, id); err != nil {
		return err
	}
	c.refreshPending(ctx)
	return nil
}

func (c *Client) Notifications() (<-chan []notify.Notification, func()) {
	return c.dispatcher.Subscribe()
}

func (c *Client) VisibleNotifications() []notify.Notification {
	return c.dispatcher.Visible()
}

func (c *Client) Dismiss(id string) bool {
	return c.dispatcher.Dismiss(id)
}

func (c *Client) MarkRead(id string) bool {
	return c.dispatcher.MarkRead(id)
}

func (c *Client) Online() bool {
	return c.monitor.Current()
}

func (c *Client) ConnectionState() notify.ConnectionState {
	if c.channel == nil {
		return notify.Disconnected
	}
	return c.channel.State()
}

func (c *Client) WatchConnectionState() (<-chan notify.ConnectionState, func()) {
	if c.channel == nil {
		ch := make(chan notify.ConnectionState, 1)
		ch <- notify.Disconnected
		return ch, func() {}
	}
	return c.channel.WatchState()
}

func (c *Client) onConnectivity(online bool) {
	if online && c.channel != nil {
		c.channel.RetryNow()
	}
}

func (c *Client) reportTerminal(failure replay.TerminalFailure) {
	c.dispatcher.Push(notify.Notification{
		ID:         "terminal_" + failure.Action.ID,
		Category:   notify.CategoryError,
		Title:      terminalTitle,
		Message:    fmt.Sprintf("%s failed after %d attempts: %v", failure.Action.Kind, failure.Action.Attempts, failure.Err),
		Persistent: true,
	})
	c.refreshPending(context.Background())
}

func (c *Client) refreshPending(ctx context.Context) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	actions, err := c.store.List(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Warn().Err(err).Msg("count pending actions")
		}
		return
	}
	c.metrics.SetPendingActions(len(actions))
	c.pending.Publish(len(actions))
}
