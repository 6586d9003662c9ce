package replay

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/deskrelay/internal/actionqueue"
	"github.com/agentworkforce/deskrelay/internal/connectivity"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

type recordingSubmitter struct {
	mu          sync.Mutex
	submitted   []string
	calls       map[string]int
	inflight    int
	maxInflight int
	// fail decides the outcome of the n-th call for an action (1-based).
	fail func(action actionqueue.Action, n int) error
	// gate, when set, holds every submission until it receives or ctx ends.
	gate chan struct{}
}

func (s *recordingSubmitter) Submit(ctx context.Context, action actionqueue.Action) error {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[action.ID]++
	n := s.calls[action.ID]
	s.inflight++
	if s.inflight > s.maxInflight {
		s.maxInflight = s.inflight
	}
	gate, fail := s.gate, s.fail
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inflight--
		s.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail != nil {
		if err := fail(action, n); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.submitted = append(s.submitted, action.Kind+":"+string(action.Payload))
	s.mu.Unlock()
	return nil
}

func (s *recordingSubmitter) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.submitted...)
}

func (s *recordingSubmitter) callsFor(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

type harness struct {
	store     *actionqueue.MemoryStore
	signal    *connectivity.ManualSignal
	monitor   *connectivity.Monitor
	submitter *recordingSubmitter
}

func newHarness(t *testing.T, online bool) *harness {
	t.Helper()
	h := &harness{
		store:     actionqueue.NewMemoryStore(actionqueue.Options{}),
		signal:    connectivity.NewManualSignal(online),
		submitter: &recordingSubmitter{},
	}
	h.monitor = connectivity.NewMonitor(h.signal, zerolog.Nop())
	t.Cleanup(h.monitor.Close)
	return h
}

func (h *harness) enqueue(t *testing.T, kind string, payload string) string {
	t.Helper()
	id, err := h.store.Enqueue(context.Background(), kind, json.RawMessage(payload))
	require.NoError(t, err)
	return id
}

func (h *harness) pending(t *testing.T) []actionqueue.Action {
	t.Helper()
	actions, err := h.store.List(context.Background())
	require.NoError(t, err)
	return actions
}

func (h *harness) replayer(t *testing.T, opts Options) *Replayer {
	t.Helper()
	if opts.RetryBase == 0 {
		opts.RetryBase = time.Millisecond
	}
	if opts.RetryMax == 0 {
		opts.RetryMax = 5 * time.Millisecond
	}
	r := New(h.store, h.monitor, h.submitter, opts)
	t.Cleanup(r.Stop)
	return r
}

func TestReplayerDrainsInEnqueueOrderOnReconnect(t *testing.T) {
	h := newHarness(t, false)
	h.enqueue(t, "create_ticket", `{"title":"Printer on fire"}`)
	h.enqueue(t, "add_comment", `{"body":"first"}`)
	h.enqueue(t, "add_comment", `{"body":"second"}`)

	var submitted []string
	var mu sync.Mutex
	r := h.replayer(t, Options{OnSubmitted: func(a actionqueue.Action) {
		mu.Lock()
		defer mu.Unlock()
		submitted = append(submitted, a.ID)
	}})
	r.Start()
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.submitter.snapshot(), "offline replayer must not submit")

	h.signal.Set(true)
	require.Eventually(t, func() bool { return len(h.pending(t)) == 0 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{
		`create_ticket:{"title":"Printer on fire"}`,
		`add_comment:{"body":"first"}`,
		`add_comment:{"body":"second"}`,
	}, h.submitter.snapshot())
	mu.Lock()
	assert.Len(t, submitted, 3)
	mu.Unlock()
}

func TestReplayerStartDrainsLeftoversWhenOnline(t *testing.T) {
	h := newHarness(t, true)
	for i := 0; i < 5; i++ {
		h.enqueue(t, "update_status", `"open"`)
	}
	r := h.replayer(t, Options{})
	r.Start()

	require.Eventually(t, func() bool { return len(h.pending(t)) == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !r.Running() }, time.Second, 5*time.Millisecond)
	assert.Len(t, h.submitter.snapshot(), 5)
}

func TestReplayerRetriesTransientFailures(t *testing.T) {
	h := newHarness(t, true)
	id := h.enqueue(t, "create_ticket", `{}`)
	h.submitter.fail = func(_ actionqueue.Action, n int) error {
		if n < 3 {
			return &SubmissionError{StatusCode: 503, Message: "busy"}
		}
		return nil
	}
	r := h.replayer(t, Options{MaxAttempts: 5})
	r.Start()

	require.Eventually(t, func() bool { return len(h.pending(t)) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, h.submitter.callsFor(id))
}

func TestReplayerMovesPastTerminalAction(t *testing.T) {
	h := newHarness(t, false)
	first := h.enqueue(t, "create_ticket", `1`)
	stuck := h.enqueue(t, "add_comment", `2`)
	h.enqueue(t, "add_comment", `3`)
	h.enqueue(t, "update_status", `4`)
	h.submitter.fail = func(a actionqueue.Action, _ int) error {
		if a.ID == stuck {
			return &SubmissionError{ActionID: a.ID, StatusCode: 500, Message: "boom"}
		}
		return nil
	}

	var failures []TerminalFailure
	var mu sync.Mutex
	r := h.replayer(t, Options{MaxAttempts: 3, OnTerminal: func(f TerminalFailure) {
		mu.Lock()
		defer mu.Unlock()
		failures = append(failures, f)
	}})
	r.Start()
	h.signal.Set(true)

	require.Eventually(t, func() bool { return len(h.pending(t)) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !r.Running() }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"create_ticket:1", "add_comment:3", "update_status:4"}, h.submitter.snapshot())
	assert.Equal(t, 1, h.submitter.callsFor(first))
	assert.Equal(t, 3, h.submitter.callsFor(stuck))

	remaining := h.pending(t)
	require.Len(t, remaining, 1)
	assert.Equal(t, stuck, remaining[0].ID)
	assert.Equal(t, 3, remaining[0].Attempts)
	assert.Contains(t, remaining[0].LastError, "boom")

	mu.Lock()
	require.Len(t, failures, 1)
	assert.Equal(t, stuck, failures[0].Action.ID)
	assert.True(t, errors.Is(failures[0], ErrTerminalFailure))
	assert.True(t, errors.Is(failures[0], ErrSubmissionFailed))
	mu.Unlock()

	// Later cycles leave terminal actions alone.
	r.Kick()
	time.Sleep(30 * time.Millisecond)
	require.Eventually(t, func() bool { return !r.Running() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, h.submitter.callsFor(stuck))
}

func TestReplayerLongErrorsDoNotStallFullFileQueue(t *testing.T) {
	store, err := actionqueue.NewFileStore(filepath.Join(t.TempDir(), "actions.json"), actionqueue.Options{MaxBytes: 2048})
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()
	head, err := store.Enqueue(ctx, "add_comment", json.RawMessage(`{"body":"`+strings.Repeat("x", 1500)+`"}`))
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, "create_ticket", json.RawMessage(`{"subject":"printer"}`))
	require.NoError(t, err)

	signal := connectivity.NewManualSignal(false)
	monitor := connectivity.NewMonitor(signal, zerolog.Nop())
	defer monitor.Close()
	sub := &recordingSubmitter{fail: func(a actionqueue.Action, _ int) error {
		if a.ID == head {
			return &SubmissionError{ActionID: a.ID, StatusCode: 502, Message: strings.Repeat("<p>upstream error</p>", 150)}
		}
		return nil
	}}
	r := New(store, monitor, sub, Options{MaxAttempts: 2, RetryBase: time.Millisecond, RetryMax: 2 * time.Millisecond})
	defer r.Stop()
	r.Start()
	signal.Set(true)

	require.Eventually(t, func() bool { return len(sub.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{`create_ticket:{"subject":"printer"}`}, sub.snapshot())
	require.Eventually(t, func() bool { return !r.Running() }, time.Second, 5*time.Millisecond)

	remaining, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, head, remaining[0].ID)
	assert.Equal(t, 2, remaining[0].Attempts)
	assert.LessOrEqual(t, len(remaining[0].LastError), actionqueue.MaxLastErrorBytes)
}

func TestReplayerCoalescesOverlappingTriggers(t *testing.T) {
	h := newHarness(t, true)
	h.enqueue(t, "create_ticket", `"a"`)
	h.submitter.gate = make(chan struct{})
	r := h.replayer(t, Options{})
	r.Start()
	require.Eventually(t, r.Running, time.Second, 5*time.Millisecond)

	for i := 0; i < 5; i++ {
		r.Kick()
	}
	h.enqueue(t, "add_comment", `"b"`)
	close(h.submitter.gate)

	require.Eventually(t, func() bool { return len(h.pending(t)) == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !r.Running() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{`create_ticket:"a"`, `add_comment:"b"`}, h.submitter.snapshot())
	h.submitter.mu.Lock()
	assert.Equal(t, 1, h.submitter.maxInflight)
	h.submitter.mu.Unlock()
}

func TestReplayerPausesOnFallingEdge(t *testing.T) {
	h := newHarness(t, true)
	id := h.enqueue(t, "create_ticket", `{}`)
	h.submitter.gate = make(chan struct{})
	r := h.replayer(t, Options{})
	r.Start()
	require.Eventually(t, func() bool { return h.submitter.callsFor(id) == 1 }, time.Second, 5*time.Millisecond)

	h.signal.Set(false)
	require.Eventually(t, func() bool { return !r.Running() }, time.Second, 5*time.Millisecond)

	remaining := h.pending(t)
	require.Len(t, remaining, 1)
	assert.Zero(t, remaining[0].Attempts, "cancelled submissions are not failures")

	close(h.submitter.gate)
	h.signal.Set(true)
	require.Eventually(t, func() bool { return len(h.pending(t)) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestReplayerStopCancelsAndDoesNotResume(t *testing.T) {
	h := newHarness(t, true)
	h.enqueue(t, "create_ticket", `{}`)
	h.submitter.gate = make(chan struct{})
	r := h.replayer(t, Options{})
	r.Start()
	require.Eventually(t, r.Running, time.Second, 5*time.Millisecond)

	r.Stop()
	assert.False(t, r.Running())

	close(h.submitter.gate)
	h.signal.Set(false)
	h.signal.Set(true)
	r.Kick()
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.submitter.snapshot())
	assert.Len(t, h.pending(t), 1)

	r.Start()
	require.Eventually(t, func() bool { return len(h.pending(t)) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestReplayerDropsActionDiscardedMidRetry(t *testing.T) {
	h := newHarness(t, true)
	discarded := h.enqueue(t, "create_ticket", `"x"`)
	h.enqueue(t, "add_comment", `"y"`)
	h.submitter.fail = func(a actionqueue.Action, _ int) error {
		if a.ID == discarded {
			assert.NoError(t, h.store.Remove(context.Background(), a.ID))
			return &SubmissionError{ActionID: a.ID, StatusCode: 502}
		}
		return nil
	}
	r := h.replayer(t, Options{})
	r.Start()

	require.Eventually(t, func() bool { return len(h.pending(t)) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.submitter.callsFor(discarded))
	assert.Equal(t, []string{`add_comment:"y"`}, h.submitter.snapshot())
}
