// Package replay drains the offline action queue once connectivity returns,
// submitting actions one at a time in the order they were enqueued.
package replay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agentworkforce/deskrelay/internal/actionqueue"
	"github.com/rs/zerolog"
)

const DefaultMaxAttempts = 5

// Submission results reported to Metrics.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Connectivity is the part of connectivity.Monitor the replayer needs.
type Connectivity interface {
	Current() bool
	OnChange(fn func(online bool)) func()
}

type Metrics interface {
	RecordSubmission(result string)
	RecordTerminalFailure()
}

type Options struct {
	// MaxAttempts is the number of failed submissions after which an action is
	// terminal and skipped by later cycles.
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
	Logger      zerolog.Logger
	Metrics     Metrics
	OnSubmitted func(actionqueue.Action)
	OnTerminal  func(TerminalFailure)
}

type Replayer struct {
	store     actionqueue.Store
	conn      Connectivity
	submitter Submitter
	opts      Options
	retry     retryPolicy
	log       zerolog.Logger

	mu          sync.Mutex
	started     bool
	baseCtx     context.Context
	baseCancel  context.CancelFunc
	unsubscribe func()
	cycleCancel context.CancelFunc
	running     bool
	rerun       bool
	wg          sync.WaitGroup
}

func New(store actionqueue.Store, conn Connectivity, submitter Submitter, opts Options) *Replayer {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &Replayer{
		store:     store,
		conn:      conn,
		submitter: submitter,
		opts:      opts,
		retry:     retryPolicy{base: opts.RetryBase, max: opts.RetryMax},
		log:       opts.Logger.With().Str("cmp", "replay").Logger(),
	}
}

// MaxAttempts reports the attempt count at which an action becomes terminal.
func (r *Replayer) MaxAttempts() int {
	return r.opts.MaxAttempts
}

// Start subscribes to connectivity edges and, when already online, drains
// whatever a previous session left queued.
func (r *Replayer) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.baseCtx, r.baseCancel = context.WithCancel(context.Background())
	r.mu.Unlock()

	unsubscribe := r.conn.OnChange(r.onConnectivity)
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		unsubscribe()
		return
	}
	r.unsubscribe = unsubscribe
	r.mu.Unlock()

	if r.conn.Current() {
		r.trigger()
	}
}

// Stop cancels the running cycle and waits for it to exit. Nothing resumes
// until Start is called again.
func (r *Replayer) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.rerun = false
	r.baseCancel()
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	r.wg.Wait()
}

// Kick requests a drain if online, for example right after an enqueue.
func (r *Replayer) Kick() {
	if r.conn.Current() {
		r.trigger()
	}
}

// Running reports whether a drain cycle is in progress.
func (r *Replayer) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Replayer) onConnectivity(online bool) {
	if online {
		r.trigger()
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rerun = false
	if r.cycleCancel != nil {
		r.log.Info().Msg("connectivity lost; pausing replay")
		r.cycleCancel()
	}
}

// trigger starts a cycle, or marks one follow-up cycle when a drain is
// already running.
func (r *Replayer) trigger() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	if r.running {
		r.rerun = true
		return
	}
	r.running = true
	ctx, cancel := context.WithCancel(r.baseCtx)
	r.cycleCancel = cancel
	r.wg.Add(1)
	go r.loop(ctx, cancel)
}

func (r *Replayer) loop(ctx context.Context, cancel context.CancelFunc) {
	defer r.wg.Done()
	for {
		r.cycle(ctx)
		cancel()

		r.mu.Lock()
		if r.rerun && r.started && r.conn.Current() {
			r.rerun = false
			ctx, cancel = context.WithCancel(r.baseCtx)
			r.cycleCancel = cancel
			r.mu.Unlock()
			continue
		}
		r.rerun = false
		r.running = false
		r.cycleCancel = nil
		r.mu.Unlock()
		return
	}
}

func (r *Replayer) cycle(ctx context.Context) {
	actions, err := r.store.List(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Error().Err(err).Msg("list queued actions")
		}
		return
	}
	if len(actions) == 0 {
		return
	}
	r.log.Info().Int("actions", len(actions)).Msg("replaying queued actions")
	for _, action := range actions {
		if ctx.Err() != nil {
			return
		}
		if action.Attempts >= r.opts.MaxAttempts {
			continue
		}
		if err := r.replayOne(ctx, action); err != nil {
			if ctx.Err() == nil {
				r.log.Error().Err(err).Str("action_id", action.ID).Msg("replay cycle aborted")
			}
			return
		}
	}
}

// replayOne submits action until it succeeds or becomes terminal. A returned
// error aborts the cycle so later actions never overtake this one.
func (r *Replayer) replayOne(ctx context.Context, action actionqueue.Action) error {
	for {
		err := r.submitter.Submit(ctx, action)
		if err == nil {
			r.recordSubmission(ResultSuccess)
			// The server acknowledged it; record that even if the cycle is
			// being cancelled.
			if err := r.store.Remove(context.WithoutCancel(ctx), action.ID); err != nil {
				return err
			}
			r.log.Debug().Str("action_id", action.ID).Str("kind", action.Kind).Msg("action replayed")
			if r.opts.OnSubmitted != nil {
				r.opts.OnSubmitted(action)
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.recordSubmission(ResultFailure)

		updated, incErr := r.store.IncrementAttempts(ctx, action.ID, err.Error())
		if errors.Is(incErr, actionqueue.ErrNotFound) {
			r.log.Info().Str("action_id", action.ID).Msg("action discarded during replay")
			return nil
		}
		if errors.Is(incErr, actionqueue.ErrStorageQuotaExceeded) {
			// Out of space: skip it for this cycle so later actions still replay.
			r.log.Error().Err(incErr).Str("action_id", action.ID).Msg("could not record failed attempt")
			return nil
		}
		if incErr != nil {
			return incErr
		}
		action = updated

		if action.Attempts >= r.opts.MaxAttempts {
			failure := TerminalFailure{Action: action, Err: err}
			r.log.Error().Err(err).Str("action_id", action.ID).Str("kind", action.Kind).Int("attempts", action.Attempts).Msg("action could not be synced")
			if r.opts.Metrics != nil {
				r.opts.Metrics.RecordTerminalFailure()
			}
			if r.opts.OnTerminal != nil {
				r.opts.OnTerminal(failure)
			}
			return nil
		}

		delay := r.retry.delay(action.Attempts, retryAfterOf(err))
		r.log.Warn().Err(err).Str("action_id", action.ID).Int("attempts", action.Attempts).Dur("retry_in", delay).Msg("action submission failed")
		if err := r.retry.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (r *Replayer) recordSubmission(result string) {
	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordSubmission(result)
	}
}
