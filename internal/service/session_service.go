package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/drejom/rbiocverse/internal/model"
	"github.com/drejom/rbiocverse/pkg/config"
	"github.com/drejom/rbiocverse/pkg/countdown"
	"github.com/drejom/rbiocverse/pkg/logger"
	"github.com/drejom/rbiocverse/pkg/orchestrator"
	"github.com/drejom/rbiocverse/pkg/poller"
	"github.com/drejom/rbiocverse/pkg/scheduler"
	"github.com/drejom/rbiocverse/pkg/store"
	"github.com/drejom/rbiocverse/pkg/stream"
)

// ErrRunInProgress is returned when a launch or stop is requested for a
// session key that already has an active run of that kind.
var ErrRunInProgress = errors.New("run already in progress")

// SessionView is a session snapshot decorated with derived display state:
// the live countdown, the stage of an in-flight launch run, and whether a
// stop is pending.
type SessionView struct {
	*model.SessionSnapshot
	Countdown   *model.Countdown  `json:"countdown,omitempty"`
	LaunchStage model.LaunchStage `json:"launch_stage,omitempty"`
	StopPending bool              `json:"stop_pending,omitempty"`
}

// SessionService is the surface the UI layer consumes: read the reconciled
// session view, subscribe to changes, and drive launch/connect/stop
// orchestrations. At most one launch and one stop run may be active per key.
type SessionService struct {
	cfg    *config.Config
	api    scheduler.API
	dialer stream.Dialer
	st     *store.Store
	health *store.HealthTracker
	poller *poller.Poller

	mu       sync.Mutex
	launches map[model.SessionKey]*orchestrator.LaunchRun
	stops    map[model.SessionKey]*orchestrator.StopRun
}

// NewSessionService creates the service facade.
func NewSessionService(cfg *config.Config, api scheduler.API, dialer stream.Dialer, st *store.Store, health *store.HealthTracker, p *poller.Poller) *SessionService {
	return &SessionService{
		cfg:      cfg,
		api:      api,
		dialer:   dialer,
		st:       st,
		health:   health,
		poller:   p,
		launches: make(map[model.SessionKey]*orchestrator.LaunchRun),
		stops:    make(map[model.SessionKey]*orchestrator.StopRun),
	}
}

// GetSnapshot returns the decorated view for one key, or false if the key
// has never been observed.
func (s *SessionService) GetSnapshot(key model.SessionKey) (*SessionView, bool) {
	snap, ok := s.st.Read(key)
	if !ok {
		return nil, false
	}
	return s.decorate(snap), true
}

// Snapshots returns decorated views for every observed key.
func (s *SessionService) Snapshots() []*SessionView {
	snaps := s.st.Snapshots()
	out := make([]*SessionView, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, s.decorate(snap))
	}
	return out
}

// Health returns all cluster health reports with history.
func (s *SessionService) Health() []model.ClusterHealthReport {
	return s.health.Reports()
}

// Subscribe registers a store subscriber and returns its unsubscribe
// function.
func (s *SessionService) Subscribe(fn store.Subscriber) func() {
	return s.st.Subscribe(fn)
}

// Degraded reports whether the poll channel is currently degraded.
func (s *SessionService) Degraded() bool {
	return s.poller.Degraded()
}

// Launch starts a launch orchestration for the spec's key. It fails
// synchronously on partition-limit violations, an unconfigured cluster, or
// an already-active run for the key.
func (s *SessionService) Launch(ctx context.Context, spec *model.LaunchSpec) (*orchestrator.LaunchRun, error) {
	limits, ok := s.cfg.LimitsFor(spec.Key.Cluster)
	if !ok {
		return nil, fmt.Errorf("unknown cluster %q", spec.Key.Cluster)
	}

	// StartLaunch validates synchronously and never blocks, so the lock can
	// span the check-and-register without stalling other keys.
	s.mu.Lock()
	if existing, ok := s.launches[spec.Key]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("launch for %s (run %s): %w", spec.Key, existing.ID, ErrRunInProgress)
	}
	run, err := orchestrator.StartLaunch(ctx, spec, &limits, s.api, s.dialer, s.st, s.cfg.Launch.WaitTimeout)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.launches[spec.Key] = run
	s.mu.Unlock()

	go func() {
		<-run.Done()
		s.mu.Lock()
		if s.launches[spec.Key] == run {
			delete(s.launches, spec.Key)
		}
		s.mu.Unlock()
	}()
	return run, nil
}

// CancelLaunch abandons the key's active launch run, if any.
func (s *SessionService) CancelLaunch(key model.SessionKey) error {
	s.mu.Lock()
	run, ok := s.launches[key]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no launch in progress for %s", key)
	}
	run.Cancel()
	return nil
}

// Connect returns connection details for the key's session. A ready launch
// run resolves to its terminal connected state; with no active run, a
// session the store knows to be RUNNING is connected to directly (sessions
// outlive the orchestration that launched them).
func (s *SessionService) Connect(ctx context.Context, key model.SessionKey) (*model.ConnectInfo, error) {
	s.mu.Lock()
	run, ok := s.launches[key]
	s.mu.Unlock()
	if ok {
		return run.Connect(ctx)
	}

	snap, known := s.st.Read(key)
	if !known || snap.Status != model.StatusRunning {
		return nil, fmt.Errorf("no running session for %s", key)
	}
	return s.api.ConnectInfo(ctx, key)
}

// Stop starts a stop orchestration for the key. It fails synchronously when
// a stop is already pending or the store has nothing stoppable for the key.
func (s *SessionService) Stop(ctx context.Context, key model.SessionKey) (*orchestrator.StopRun, error) {
	snap, known := s.st.Read(key)
	if !known || snap.Status == model.StatusIdle {
		return nil, fmt.Errorf("no active session for %s", key)
	}

	s.mu.Lock()
	if existing, ok := s.stops[key]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("stop for %s (run %s): %w", key, existing.ID, ErrRunInProgress)
	}
	run := orchestrator.StartStop(ctx, key, s.api, s.dialer, s.st, s.cfg.Stop.Deadline)
	s.stops[key] = run
	s.mu.Unlock()

	go func() {
		<-run.Done()
		s.mu.Lock()
		if s.stops[key] == run {
			delete(s.stops, key)
		}
		s.mu.Unlock()
	}()
	return run, nil
}

// Shutdown abandons every active orchestration run so their listeners close
// before process teardown.
func (s *SessionService) Shutdown() {
	s.mu.Lock()
	launches := make([]*orchestrator.LaunchRun, 0, len(s.launches))
	for _, run := range s.launches {
		launches = append(launches, run)
	}
	stops := make([]*orchestrator.StopRun, 0, len(s.stops))
	for _, run := range s.stops {
		stops = append(stops, run)
	}
	s.mu.Unlock()

	for _, run := range launches {
		run.Cancel()
		<-run.Done()
	}
	for _, run := range stops {
		run.Cancel()
		<-run.Done()
	}
	if len(launches)+len(stops) > 0 {
		logger.Infof("abandoned %d launch and %d stop runs on shutdown", len(launches), len(stops))
	}
}

func (s *SessionService) decorate(snap *model.SessionSnapshot) *SessionView {
	view := &SessionView{SessionSnapshot: snap}
	if cd, ok := countdown.Derive(snap, time.Now()); ok {
		view.Countdown = &cd
	}

	s.mu.Lock()
	if run, ok := s.launches[snap.Key]; ok {
		view.LaunchStage = run.Stage()
	}
	_, view.StopPending = s.stops[snap.Key]
	s.mu.Unlock()
	return view
}
