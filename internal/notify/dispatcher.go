package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/deskrelay/internal/pubsub"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

const (
	DefaultCapacity      = 5
	DefaultAutoHideDelay = 5 * time.Second
	DefaultDedupWindow   = 2 * time.Second
)

// Outcomes reported to DispatcherMetrics.
const (
	OutcomeShown      = "shown"
	OutcomeDuplicate  = "duplicate"
	OutcomeEvicted    = "evicted"
	OutcomeAutoHidden = "auto_hidden"
	OutcomeDismissed  = "dismissed"
)

type DispatcherMetrics interface {
	RecordNotification(outcome string)
}

type DispatcherOptions struct {
	Capacity      int
	AutoHide      bool
	AutoHideDelay time.Duration
	DedupWindow   time.Duration
	Logger        zerolog.Logger
	Metrics       DispatcherMetrics

	now func() time.Time
}

// DefaultDispatcherOptions returns the stock policy: five visible entries,
// auto-hidden after five seconds.
func DefaultDispatcherOptions() DispatcherOptions {
	return DispatcherOptions{
		Capacity:      DefaultCapacity,
		AutoHide:      true,
		AutoHideDelay: DefaultAutoHideDelay,
		DedupWindow:   DefaultDedupWindow,
	}
}

type visibleEntry struct {
	notification Notification
	timer        *time.Timer
	token        uint64
}

// Dispatcher owns the bounded list of visible notifications. Entries are kept
// in arrival order, oldest first.
type Dispatcher struct {
	opts DispatcherOptions
	log  zerolog.Logger
	now  func() time.Time

	mu        sync.Mutex
	entries   []*visibleEntry
	byID      map[string]*visibleEntry
	seen      *cache.Cache
	nextToken uint64
	closed    bool
	lists     *pubsub.Hub[[]Notification]
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.AutoHideDelay <= 0 {
		opts.AutoHideDelay = DefaultAutoHideDelay
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = DefaultDedupWindow
	}
	now := opts.now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		opts: opts,
		log:  opts.Logger.With().Str("cmp", "notify-dispatcher").Logger(),
		now:  now,
		byID: map[string]*visibleEntry{},
		// No janitor goroutine; expired keys are swept on insert.
		seen:  cache.New(opts.DedupWindow, 0),
		lists: pubsub.NewLatest[[]Notification](),
	}
}

// Run pushes every notification from in until ctx ends or in is closed.
func (d *Dispatcher) Run(ctx context.Context, in <-chan Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-in:
			if !ok {
				return
			}
			d.Push(n)
		}
	}
}

// Push adds n to the visible list and reports whether it was accepted.
// Duplicates of a recently seen message are dropped.
func (d *Dispatcher) Push(n Notification) bool {
	if n.ReceivedAt.IsZero() {
		n.ReceivedAt = d.now()
	}
	if !n.Category.Valid() {
		n.Category = CategoryInfo
	}
	key := d.dedupKey(n)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.seen.DeleteExpired()
	if _, found := d.seen.Get(key); found {
		d.record(OutcomeDuplicate)
		d.log.Debug().Str("key", key).Msg("dropping duplicate notification")
		return false
	}
	if n.ID == "" {
		n.ID = localID(key)
	}
	if _, visible := d.byID[n.ID]; visible {
		d.record(OutcomeDuplicate)
		return false
	}
	d.seen.Set(key, struct{}{}, d.opts.DedupWindow)

	entry := &visibleEntry{notification: n}
	d.entries = append(d.entries, entry)
	d.byID[n.ID] = entry
	for len(d.entries) > d.opts.Capacity {
		oldest := d.entries[0]
		d.removeLocked(oldest.notification.ID)
		d.record(OutcomeEvicted)
	}
	if d.opts.AutoHide && !n.Persistent {
		d.scheduleLocked(entry)
	}
	d.record(OutcomeShown)
	d.publishLocked()
	return true
}

// Dismiss removes a visible notification.
func (d *Dispatcher) Dismiss(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.removeLocked(id) {
		return false
	}
	d.record(OutcomeDismissed)
	d.publishLocked()
	return true
}

// MarkRead flags a notification as read; read entries are no longer
// auto-hidden.
func (d *Dispatcher) MarkRead(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.byID[id]
	if !ok {
		return false
	}
	d.stopTimerLocked(entry)
	if entry.notification.Read {
		return true
	}
	entry.notification.Read = true
	d.publishLocked()
	return true
}

func (d *Dispatcher) Visible() []Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

// Subscribe delivers the visible list now and after every change. Slow
// readers only receive the most recent list.
func (d *Dispatcher) Subscribe() (<-chan []Notification, func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	current := d.snapshotLocked()
	return d.lists.Subscribe(&current)
}

// Close cancels every pending auto-hide timer and ends all subscriptions.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for _, entry := range d.entries {
		d.stopTimerLocked(entry)
	}
	d.lists.Close()
}

func (d *Dispatcher) dedupKey(n Notification) string {
	if id := strings.TrimSpace(n.ID); id != "" {
		return "id:" + id
	}
	bucket := n.ReceivedAt.Truncate(d.opts.DedupWindow).UnixMilli()
	return strings.Join([]string{
		string(n.Category),
		n.Title,
		n.Message,
		strconv.FormatInt(bucket, 10),
	}, "|")
}

func localID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "local_" + hex.EncodeToString(sum[:8])
}

func (d *Dispatcher) scheduleLocked(entry *visibleEntry) {
	d.nextToken++
	token := d.nextToken
	id := entry.notification.ID
	entry.token = token
	entry.timer = time.AfterFunc(d.opts.AutoHideDelay, func() {
		d.expire(id, token)
	})
}

func (d *Dispatcher) expire(id string, token uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	entry, ok := d.byID[id]
	if !ok || entry.token != token || entry.timer == nil {
		return
	}
	entry.timer = nil
	d.removeLocked(id)
	d.record(OutcomeAutoHidden)
	d.publishLocked()
}

func (d *Dispatcher) stopTimerLocked(entry *visibleEntry) {
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
}

func (d *Dispatcher) removeLocked(id string) bool {
	entry, ok := d.byID[id]
	if !ok {
		return false
	}
	d.stopTimerLocked(entry)
	delete(d.byID, id)
	for i, candidate := range d.entries {
		if candidate == entry {
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			break
		}
	}
	return true
}

func (d *Dispatcher) snapshotLocked() []Notification {
	out := make([]Notification, 0, len(d.entries))
	for _, entry := range d.entries {
		out = append(out, entry.notification)
	}
	return out
}

// publishLocked runs under d.mu so subscribers observe lists in order; the hub
// never blocks.
func (d *Dispatcher) publishLocked() {
	if d.closed {
		return
	}
	d.lists.Publish(d.snapshotLocked())
}

func (d *Dispatcher) record(outcome string) {
	if d.opts.Metrics != nil {
		d.opts.Metrics.RecordNotification(outcome)
	}
}
