package connectivity

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"
)

// ManualSignal is driven by the host, which knows the device network state.
// It records every transition, so a quick offline/online blip still reaches
// the monitor as two edges even if the pokes coalesce.
type ManualSignal struct {
	mu      sync.Mutex
	online  bool
	edges   []bool
	changes chan struct{}
}

const maxPendingEdges = 64

func NewManualSignal(online bool) *ManualSignal {
	return &ManualSignal{
		online:  online,
		changes: make(chan struct{}, 1),
	}
}

func (s *ManualSignal) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *ManualSignal) Changes() <-chan struct{} {
	return s.changes
}

// Set reports the current state. Repeating the current value is a no-op.
func (s *ManualSignal) Set(online bool) {
	s.mu.Lock()
	if online == s.online {
		s.mu.Unlock()
		return
	}
	s.online = online
	s.edges = append(s.edges, online)
	if len(s.edges) > maxPendingEdges {
		s.edges = append(s.edges[:0], s.edges[len(s.edges)-maxPendingEdges:]...)
	}
	s.mu.Unlock()
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *ManualSignal) takeEdges() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	edges := s.edges
	s.edges = nil
	return edges
}

const (
	DefaultProbeInterval = 5 * time.Second
	DefaultProbeTimeout  = 2 * time.Second
)

type ProbeOptions struct {
	Address  string
	Interval time.Duration
	Timeout  time.Duration
	// Dial overrides the TCP dialer, mainly for tests.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// ProbeSignal reports online while a TCP connection to Address succeeds. It
// is for hosts without a native network-change event source.
type ProbeSignal struct {
	opts    ProbeOptions
	mu      sync.Mutex
	online  bool
	changes chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewProbeSignal(opts ProbeOptions) *ProbeSignal {
	opts.Address = strings.TrimSpace(opts.Address)
	if opts.Interval <= 0 {
		opts.Interval = DefaultProbeInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultProbeTimeout
	}
	if opts.Dial == nil {
		dialer := &net.Dialer{}
		opts.Dial = dialer.DialContext
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &ProbeSignal{
		opts:    opts,
		changes: make(chan struct{}, 1),
		cancel:  cancel,
	}
	s.online = s.probe(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	return s
}

func (s *ProbeSignal) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *ProbeSignal) Changes() <-chan struct{} {
	return s.changes
}

func (s *ProbeSignal) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *ProbeSignal) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			online := s.probe(ctx)
			if ctx.Err() != nil {
				return
			}
			s.mu.Lock()
			changed := online != s.online
			s.online = online
			s.mu.Unlock()
			if changed {
				select {
				case s.changes <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (s *ProbeSignal) probe(ctx context.Context) bool {
	if s.opts.Address == "" {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	conn, err := s.opts.Dial(ctx, "tcp", s.opts.Address)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
