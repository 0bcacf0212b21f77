// Package orchestrator runs the bounded, cancellable launch and stop state
// machines on top of the session state store. Each run owns at most one
// scoped event stream and always resolves to a terminal state; nothing
// escapes a run as an unhandled fault.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/drejom/rbiocverse/internal/model"
	"github.com/drejom/rbiocverse/pkg/config"
	"github.com/drejom/rbiocverse/pkg/logger"
	"github.com/drejom/rbiocverse/pkg/resource"
	"github.com/drejom/rbiocverse/pkg/scheduler"
	"github.com/drejom/rbiocverse/pkg/store"
	"github.com/drejom/rbiocverse/pkg/stream"

	"github.com/google/uuid"
)

// progressBuffer bounds the per-run progress channel; a consumer that falls
// further behind loses intermediate updates, never terminal ones blocked on
// Done.
const progressBuffer = 16

// LaunchRun is one launch orchestration: submit, wait for assignment, ready
// to connect. The run is terminal after Connected, Error, or abandonment
// back to Idle.
type LaunchRun struct {
	ID   string
	Spec model.LaunchSpec

	api         scheduler.API
	dialer      stream.Dialer
	st          *store.Store
	waitTimeout time.Duration

	mu         sync.Mutex
	stage      model.LaunchStage
	lastErr    error
	credential bool
	listener   *stream.Listener
	finished   bool

	cancel   context.CancelFunc
	progress chan model.LaunchProgress
	done     chan struct{}
	doneOnce sync.Once
}

// StartLaunch validates the spec against the cluster's partition limits and,
// if it passes, begins a launch run. Validation failures are returned
// synchronously; no external call is made and no run exists.
func StartLaunch(ctx context.Context, spec *model.LaunchSpec, limits *config.PartitionLimits, api scheduler.API, dialer stream.Dialer, st *store.Store, waitTimeout time.Duration) (*LaunchRun, error) {
	if err := resource.Validate(spec, limits); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &LaunchRun{
		ID:          uuid.NewString(),
		Spec:        *spec,
		api:         api,
		dialer:      dialer,
		st:          st,
		waitTimeout: waitTimeout,
		stage:       model.LaunchStageSubmitting,
		cancel:      cancel,
		progress:    make(chan model.LaunchProgress, progressBuffer),
		done:        make(chan struct{}),
	}

	logger.InfoCtx(ctx, "launch run %s started for %s (cpus=%d mem=%s walltime=%s)",
		r.ID, spec.Key, spec.Resources.CPUs, spec.Resources.Memory, spec.Walltime)
	go r.run(runCtx)
	return r, nil
}

// Updates returns the run's progress channel. It is closed when the run
// finishes; the last received update carries the terminal stage.
func (r *LaunchRun) Updates() <-chan model.LaunchProgress {
	return r.progress
}

// Done is closed when the run has resolved (connected, error, or abandoned).
func (r *LaunchRun) Done() <-chan struct{} {
	return r.done
}

// Stage returns the run's current stage.
func (r *LaunchRun) Stage() model.LaunchStage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stage
}

// Err returns the terminal error, if the run failed, and whether the failure
// is the distinguished credentials/setup-needed case.
func (r *LaunchRun) Err() (error, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr, r.credential
}

// Cancel abandons the run. The listener is closed and the run resolves back
// to idle; an already-submitted job is not undone (the next poll restates
// whatever the scheduler did with it). Cancelling a terminal run is a no-op.
func (r *LaunchRun) Cancel() {
	r.cancel()
}

// Connect resolves a ready run to its terminal connected state, returning
// the session's connection details. It fails without changing stage when the
// run is not ready.
func (r *LaunchRun) Connect(ctx context.Context) (*model.ConnectInfo, error) {
	r.mu.Lock()
	if r.stage != model.LaunchStageReady {
		stage := r.stage
		r.mu.Unlock()
		return nil, fmt.Errorf("session is not ready to connect (stage %s)", stage)
	}
	r.mu.Unlock()

	info, err := r.api.ConnectInfo(ctx, r.Spec.Key)
	if err != nil {
		r.fail(err, scheduler.IsCredentialSetup(err))
		return nil, err
	}

	r.setStage(model.LaunchStageConnected, "")
	r.finish()
	logger.InfoCtx(ctx, "launch run %s connected to %s on %s:%d", r.ID, r.Spec.Key, info.Host, info.Port)
	return info, nil
}

func (r *LaunchRun) run(ctx context.Context) {
	r.emit("")

	ack, err := r.api.Launch(ctx, &r.Spec)
	if err != nil {
		if ctx.Err() != nil {
			r.abandon()
			return
		}
		r.fail(err, scheduler.IsCredentialSetup(err))
		return
	}
	logger.InfoCtx(ctx, "launch run %s submitted, job %s", r.ID, ack.JobID)

	scope := model.StreamScope{Key: r.Spec.Key, Op: model.OpLaunch, JobID: ack.JobID}
	listener, err := stream.Open(ctx, r.dialer, scope, r.st)
	if err != nil {
		if ctx.Err() != nil {
			r.abandon()
			return
		}
		r.fail(fmt.Errorf("event stream unavailable: %w", err), false)
		return
	}
	r.mu.Lock()
	r.listener = listener
	r.mu.Unlock()
	defer listener.Close()

	r.setStage(model.LaunchStageWaiting, "")
	r.awaitAssignment(ctx, listener)

	// A ready run is not terminal yet: hold the goroutine so cancellation
	// still resolves it while it waits for Connect. Resolved runs fall
	// straight through on the closed done channel.
	select {
	case <-ctx.Done():
		r.abandon()
	case <-r.done:
	}
}

// awaitAssignment waits for the session to reach RUNNING through either
// channel. The cross-channel race is resolved by the store's merge rule; the
// run only watches the store.
func (r *LaunchRun) awaitAssignment(ctx context.Context, listener *stream.Listener) {
	ready := make(chan struct{}, 1)
	unsub := r.st.Subscribe(func(snap *model.SessionSnapshot) {
		if snap.Key == r.Spec.Key && snap.Status == model.StatusRunning {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()

	// The poll may have observed the transition before we subscribed.
	if snap, ok := r.st.Read(r.Spec.Key); ok && snap.Status == model.StatusRunning {
		r.becomeReady()
		return
	}

	timeout := time.NewTimer(r.waitTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			r.abandon()
			return

		case <-ready:
			r.becomeReady()
			return

		case term := <-listener.Terminal():
			switch term.Reason {
			case stream.ReasonComplete:
				if term.Complete.OK {
					r.becomeReady()
				} else {
					r.fail(fmt.Errorf("launch failed: %s", term.Complete.Reason), false)
				}
				return
			case stream.ReasonError:
				r.fail(fmt.Errorf("launch failed: %s", term.Backend.Message), term.Backend.CredentialSetup)
				return
			case stream.ReasonChannelLost:
				// Distinct from a backend failure: the operation may well
				// still succeed, and the next poll will show it. This run
				// can no longer vouch for it, though.
				r.fail(fmt.Errorf("push channel lost: %s", term.Message), false)
				return
			}

		case <-timeout.C:
			r.fail(fmt.Errorf("timed out after %v waiting for assignment", r.waitTimeout), false)
			return
		}
	}
}

func (r *LaunchRun) becomeReady() {
	r.setStage(model.LaunchStageReady, "session is running")
}

func (r *LaunchRun) setStage(stage model.LaunchStage, msg string) {
	r.mu.Lock()
	r.stage = stage
	r.mu.Unlock()
	r.emit(msg)
}

// fail resolves the run to its terminal error state.
func (r *LaunchRun) fail(err error, credential bool) {
	r.mu.Lock()
	if r.stage.Terminal() {
		r.mu.Unlock()
		return
	}
	r.stage = model.LaunchStageError
	r.lastErr = err
	r.credential = credential
	r.mu.Unlock()

	logger.Warnf("launch run %s for %s failed: %v (credential_setup=%v)", r.ID, r.Spec.Key, err, credential)
	r.emit("")
	r.finish()
}

// abandon resolves a cancelled run without an error. The backend submission,
// if any, is deliberately not undone.
func (r *LaunchRun) abandon() {
	r.mu.Lock()
	if r.stage.Terminal() {
		r.mu.Unlock()
		return
	}
	r.stage = model.LaunchStageIdle
	r.mu.Unlock()

	logger.Infof("launch run %s for %s abandoned", r.ID, r.Spec.Key)
	r.emit("launch abandoned")
	r.finish()
}

func (r *LaunchRun) finish() {
	r.doneOnce.Do(func() {
		// finished flips and the channels close under the same mutex emit
		// sends under, so a late emit can never hit a closed channel.
		r.mu.Lock()
		r.finished = true
		listener := r.listener
		close(r.done)
		close(r.progress)
		r.mu.Unlock()
		if listener != nil {
			listener.Close()
		}
	})
}

// emit delivers a progress update without ever blocking the state machine;
// a consumer that stopped draining loses intermediate updates. After finish
// the update is discarded.
func (r *LaunchRun) emit(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	p := model.LaunchProgress{
		RunID:   r.ID,
		Key:     r.Spec.Key,
		Stage:   r.stage,
		Message: msg,
	}
	if r.lastErr != nil {
		p.Err = r.lastErr.Error()
		p.CredentialSetup = r.credential
	}

	select {
	case r.progress <- p:
	default:
		logger.Debugf("launch run %s dropped progress update (%s)", r.ID, p.Stage)
	}
}
