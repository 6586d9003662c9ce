// Package connectivity tracks whether the device can reach the network and
// reports online/offline edges to the rest of the sync core.
package connectivity

import (
	"sync"

	"github.com/rs/zerolog"
)

// Signal is the platform primitive the monitor wraps. Changes pokes the
// monitor whenever Online may have changed; pokes may be coalesced.
type Signal interface {
	Online() bool
	Changes() <-chan struct{}
}

// edgeSource is implemented by signals that keep every transition between
// pokes. The monitor replays them in order instead of sampling Online.
type edgeSource interface {
	takeEdges() []bool
}

type listener struct {
	id int
	fn func(online bool)
}

// Monitor turns a Signal into edge events. Without a signal it reports online
// forever and never emits.
type Monitor struct {
	signal Signal
	log    zerolog.Logger

	mu        sync.Mutex
	online    bool
	nextID    int
	listeners []listener

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewMonitor(signal Signal, log zerolog.Logger) *Monitor {
	m := &Monitor{
		signal: signal,
		log:    log.With().Str("cmp", "connectivity").Logger(),
		online: true,
		done:   make(chan struct{}),
	}
	if signal == nil {
		m.log.Debug().Msg("no connectivity signal, assuming online")
		return m
	}
	if edges, ok := signal.(edgeSource); ok {
		edges.takeEdges()
	}
	m.online = signal.Online()
	m.wg.Add(1)
	go m.run()
	return m
}

func (m *Monitor) Current() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnChange registers fn for every edge. Callbacks run one at a time on the
// monitor goroutine, in registration order.
func (m *Monitor) OnChange(fn func(online bool)) func() {
	if fn == nil {
		return func() {}
	}
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listener{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, l := range m.listeners {
				if l.id == id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (m *Monitor) Close() {
	m.once.Do(func() {
		close(m.done)
	})
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()
	changes := m.signal.Changes()
	for {
		select {
		case <-m.done:
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			if edges, ok := m.signal.(edgeSource); ok {
				for _, online := range edges.takeEdges() {
					m.observe(online)
				}
				continue
			}
			m.observe(m.signal.Online())
		}
	}
}

func (m *Monitor) observe(online bool) {
	m.mu.Lock()
	if online == m.online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := append([]listener(nil), m.listeners...)
	m.mu.Unlock()

	if online {
		m.log.Info().Msg("connectivity restored")
	} else {
		m.log.Info().Msg("connectivity lost")
	}
	for _, l := range listeners {
		l.fn(online)
	}
}
