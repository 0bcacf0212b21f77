package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/drejom/rbiocverse/internal/model"
	"github.com/drejom/rbiocverse/pkg/logger"
	"github.com/drejom/rbiocverse/pkg/scheduler"
	"github.com/drejom/rbiocverse/pkg/store"
	"github.com/drejom/rbiocverse/pkg/stream"

	"github.com/google/uuid"
)

// StopRun is one stop orchestration: request cancellation, await
// confirmation, resolve by deadline fallback if the confirmation never
// arrives. Runs for different keys are independent.
type StopRun struct {
	ID  string
	Key model.SessionKey

	api      scheduler.API
	dialer   stream.Dialer
	st       *store.Store
	deadline time.Duration

	mu      sync.Mutex
	outcome model.StopOutcome
	lastErr error

	cancel context.CancelFunc
	done   chan struct{}
}

// StartStop begins a stop run for the key. The run always resolves to
// exactly one of confirmed, timed-out, or error within deadline plus
// scheduling slack; Done is closed at resolution.
func StartStop(ctx context.Context, key model.SessionKey, api scheduler.API, dialer stream.Dialer, st *store.Store, deadline time.Duration) *StopRun {
	runCtx, cancel := context.WithCancel(ctx)
	r := &StopRun{
		ID:       uuid.NewString(),
		Key:      key,
		api:      api,
		dialer:   dialer,
		st:       st,
		deadline: deadline,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	logger.InfoCtx(ctx, "stop run %s started for %s (deadline %v)", r.ID, key, deadline)
	go r.run(runCtx)
	return r
}

// Done is closed when the run has resolved.
func (r *StopRun) Done() <-chan struct{} {
	return r.done
}

// Result returns the run's resolution. Outcome is empty until Done closes.
func (r *StopRun) Result() model.StopResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := model.StopResult{RunID: r.ID, Key: r.Key, Outcome: r.outcome}
	if r.lastErr != nil {
		res.Err = r.lastErr.Error()
	}
	return res
}

// Wait blocks until the run resolves or the context ends.
func (r *StopRun) Wait(ctx context.Context) (model.StopResult, error) {
	select {
	case <-ctx.Done():
		return model.StopResult{}, ctx.Err()
	case <-r.done:
		return r.Result(), nil
	}
}

// Cancel abandons the run; it resolves as an error without waiting out the
// deadline. The backend cancellation request, if already issued, stands.
func (r *StopRun) Cancel() {
	r.cancel()
}

func (r *StopRun) run(ctx context.Context) {
	if err := r.api.Stop(ctx, r.Key); err != nil {
		r.resolve(model.StopError, err, nil)
		return
	}

	scope := model.StreamScope{Key: r.Key, Op: model.OpStop}
	listener, err := stream.Open(ctx, r.dialer, scope, r.st)
	if err != nil {
		// The cancellation request is already in flight; fall back to
		// watching the poll-fed store against the deadline.
		logger.Warnf("stop run %s has no event stream, falling back to poll confirmation: %v", r.ID, err)
		listener = nil
	}
	if listener != nil {
		defer listener.Close()
	}

	r.awaitConfirmation(ctx, listener)
}

func (r *StopRun) awaitConfirmation(ctx context.Context, listener *stream.Listener) {
	// Either channel may confirm first: a complete event on the stream, or
	// a poll restating the session as idle.
	idle := make(chan struct{}, 1)
	unsub := r.st.Subscribe(func(snap *model.SessionSnapshot) {
		if snap.Key == r.Key && snap.Status == model.StatusIdle {
			select {
			case idle <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()

	deadline := time.NewTimer(r.deadline)
	defer deadline.Stop()

	var terminal <-chan stream.Terminal
	if listener != nil {
		terminal = listener.Terminal()
	}

	for {
		select {
		case <-ctx.Done():
			r.resolve(model.StopError, fmt.Errorf("stop abandoned: %v", ctx.Err()), nil)
			return

		case <-idle:
			r.resolve(model.StopConfirmed, nil, nil)
			return

		case term := <-terminal:
			switch term.Reason {
			case stream.ReasonComplete:
				if term.Complete.OK {
					r.resolve(model.StopConfirmed, nil, &model.SessionUpdate{Status: model.StatusIdle})
				} else {
					r.resolve(model.StopError, fmt.Errorf("cancellation refused: %s", term.Complete.Reason), nil)
				}
				return
			case stream.ReasonError:
				r.resolve(model.StopError, fmt.Errorf("cancellation failed: %s", term.Backend.Message), nil)
				return
			case stream.ReasonChannelLost:
				// The backend may still be cancelling; keep waiting on the
				// poll channel until the deadline decides.
				logger.Warnf("stop run %s lost its event stream: %s", r.ID, term.Message)
				terminal = nil
			}

		case <-deadline.C:
			// Bounded-time fallback: treat the session as ending even
			// though no confirmation arrived. If the cancellation silently
			// failed, the next poll restates the truth.
			logger.Warnf("stop run %s for %s resolved by deadline without confirmation", r.ID, r.Key)
			r.resolve(model.StopTimedOut, nil, nil)
			return
		}
	}
}

// resolve records the terminal outcome, optionally merging a confirmed
// cancellation into the store, and closes Done. Only the first resolution
// wins; the loser of a close/timeout race becomes a no-op.
func (r *StopRun) resolve(outcome model.StopOutcome, err error, upd *model.SessionUpdate) {
	r.mu.Lock()
	if r.outcome != "" {
		r.mu.Unlock()
		return
	}
	r.outcome = outcome
	r.lastErr = err
	r.mu.Unlock()

	if upd != nil {
		_ = r.st.Merge(r.Key, upd, model.SourcePush, time.Now())
	}

	if err != nil {
		logger.Warnf("stop run %s for %s resolved: %s (%v)", r.ID, r.Key, outcome, err)
	} else {
		logger.Infof("stop run %s for %s resolved: %s", r.ID, r.Key, outcome)
	}
	close(r.done)
}
