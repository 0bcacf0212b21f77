package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/drejom/rbiocverse/internal/model"
	"github.com/drejom/rbiocverse/pkg/config"
	"github.com/drejom/rbiocverse/pkg/poller"
	"github.com/drejom/rbiocverse/pkg/scheduler"
	"github.com/drejom/rbiocverse/pkg/store"
	"github.com/drejom/rbiocverse/pkg/stream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var svcKey = model.SessionKey{Cluster: "gemini", Kind: model.WorkloadRStudio}

type fakeGateway struct {
	mu          sync.Mutex
	launchErr   error
	stopErr     error
	connectInfo *model.ConnectInfo
	connectErr  error
	connects    int
}

func (f *fakeGateway) StatusSnapshot(context.Context) (*scheduler.StatusSnapshotResponse, error) {
	return &scheduler.StatusSnapshotResponse{}, nil
}

func (f *fakeGateway) Launch(context.Context, *model.LaunchSpec) (*scheduler.LaunchAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	return &scheduler.LaunchAck{JobID: "812"}, nil
}

func (f *fakeGateway) Stop(context.Context, model.SessionKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopErr
}

func (f *fakeGateway) ConnectInfo(context.Context, model.SessionKey) (*model.ConnectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	if f.connectInfo != nil {
		return f.connectInfo, nil
	}
	return &model.ConnectInfo{Host: "node-04", Port: 8787}, nil
}

// blockedConn never delivers a message until closed.
type blockedConn struct {
	closed    chan struct{}
	closeOnce sync.Once
}

func newBlockedConn() *blockedConn {
	return &blockedConn{closed: make(chan struct{})}
}

func (c *blockedConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("use of closed network connection")
}

func (c *blockedConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Launch: config.LaunchConfig{WaitTimeout: time.Minute},
		Stop:   config.StopConfig{Deadline: time.Minute},
		Clusters: []config.ClusterConfig{
			{Name: "gemini", Partition: config.PartitionLimits{MaxCPUs: 64, MaxMemory: "512G", MaxWalltime: "72:00:00"}},
		},
	}
}

func newTestService(api scheduler.API) (*SessionService, *store.Store) {
	st := store.New()
	health := store.NewHealthTracker(5)
	dialer := stream.DialerFunc(func(context.Context, model.StreamScope) (stream.Conn, error) {
		return newBlockedConn(), nil
	})
	p := poller.New(api, st, health, &config.PollerConfig{Interval: time.Hour, FailureBudget: 3})
	return NewSessionService(testConfig(), api, dialer, st, health, p), st
}

func i64Ptr(n int64) *int64 { return &n }

func seedStatus(t *testing.T, st *store.Store, status model.SessionStatus) {
	t.Helper()
	upd := &model.SessionUpdate{Status: status}
	if status == model.StatusRunning {
		upd.TimeLeftSeconds = i64Ptr(3600)
	}
	require.NoError(t, st.Merge(svcKey, upd, model.SourcePoll, time.Now()))
}

func launchSpec() *model.LaunchSpec {
	return &model.LaunchSpec{
		Key:       svcKey,
		Resources: model.Resources{CPUs: 8, Memory: "40G"},
		Walltime:  "12:00:00",
	}
}

func TestLaunch_UnknownClusterRejected(t *testing.T) {
	svc, _ := newTestService(&fakeGateway{})
	spec := launchSpec()
	spec.Key.Cluster = "nowhere"

	_, err := svc.Launch(context.Background(), spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown cluster")
}

func TestLaunch_DuplicateRunRejected(t *testing.T) {
	svc, _ := newTestService(&fakeGateway{})

	run, err := svc.Launch(context.Background(), launchSpec())
	require.NoError(t, err)
	defer func() {
		run.Cancel()
		<-run.Done()
	}()

	_, err = svc.Launch(context.Background(), launchSpec())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunInProgress)
}

func TestLaunch_KeyFreedAfterRunResolves(t *testing.T) {
	svc, _ := newTestService(&fakeGateway{})

	run, err := svc.Launch(context.Background(), launchSpec())
	require.NoError(t, err)
	run.Cancel()
	<-run.Done()

	// The cleanup goroutine races with us briefly.
	require.Eventually(t, func() bool {
		second, err := svc.Launch(context.Background(), launchSpec())
		if err != nil {
			return false
		}
		second.Cancel()
		<-second.Done()
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancelLaunch(t *testing.T) {
	svc, _ := newTestService(&fakeGateway{})

	assert.Error(t, svc.CancelLaunch(svcKey), "nothing to cancel")

	run, err := svc.Launch(context.Background(), launchSpec())
	require.NoError(t, err)
	require.NoError(t, svc.CancelLaunch(svcKey))
	<-run.Done()
	assert.Equal(t, model.LaunchStageIdle, run.Stage())
}

func TestConnect_RunningSessionWithoutRun(t *testing.T) {
	gw := &fakeGateway{}
	svc, st := newTestService(gw)
	seedStatus(t, st, model.StatusRunning)

	info, err := svc.Connect(context.Background(), svcKey)
	require.NoError(t, err)
	assert.Equal(t, "node-04", info.Host)
	assert.Equal(t, 1, gw.connects, "direct gateway lookup when no run is active")
}

func TestConnect_NoRunningSession(t *testing.T) {
	svc, st := newTestService(&fakeGateway{})
	seedStatus(t, st, model.StatusIdle)

	_, err := svc.Connect(context.Background(), svcKey)
	require.Error(t, err)
}

func TestConnect_RoutesToActiveRun(t *testing.T) {
	svc, st := newTestService(&fakeGateway{})

	run, err := svc.Launch(context.Background(), launchSpec())
	require.NoError(t, err)
	defer func() {
		run.Cancel()
		<-run.Done()
	}()

	// Connecting while the run is waiting must fail without poisoning it.
	_, err = svc.Connect(context.Background(), svcKey)
	require.Error(t, err)

	seedStatus(t, st, model.StatusRunning)
	require.Eventually(t, func() bool {
		return run.Stage() == model.LaunchStageReady
	}, 2*time.Second, 10*time.Millisecond)

	info, err := svc.Connect(context.Background(), svcKey)
	require.NoError(t, err)
	assert.NotNil(t, info)
	assert.Equal(t, model.LaunchStageConnected, run.Stage())
}

func TestStop_RejectedWithoutActiveSession(t *testing.T) {
	svc, st := newTestService(&fakeGateway{})

	_, err := svc.Stop(context.Background(), svcKey)
	require.Error(t, err, "never-observed key")

	seedStatus(t, st, model.StatusIdle)
	_, err = svc.Stop(context.Background(), svcKey)
	require.Error(t, err, "idle session")
}

func TestStop_DuplicateRunRejected(t *testing.T) {
	svc, st := newTestService(&fakeGateway{})
	seedStatus(t, st, model.StatusRunning)

	run, err := svc.Stop(context.Background(), svcKey)
	require.NoError(t, err)
	defer func() {
		run.Cancel()
		<-run.Done()
	}()

	_, err = svc.Stop(context.Background(), svcKey)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunInProgress)
}

func TestGetSnapshot_DecoratesWithRunState(t *testing.T) {
	svc, st := newTestService(&fakeGateway{})
	seedStatus(t, st, model.StatusRunning)

	view, ok := svc.GetSnapshot(svcKey)
	require.True(t, ok)
	require.NotNil(t, view.Countdown, "running session carries a countdown")
	assert.False(t, view.StopPending)

	run, err := svc.Stop(context.Background(), svcKey)
	require.NoError(t, err)
	defer func() {
		run.Cancel()
		<-run.Done()
	}()

	view, ok = svc.GetSnapshot(svcKey)
	require.True(t, ok)
	assert.True(t, view.StopPending)
}

func TestShutdown_AbandonsActiveRuns(t *testing.T) {
	svc, st := newTestService(&fakeGateway{})
	seedStatus(t, st, model.StatusRunning)

	launch, err := svc.Launch(context.Background(), launchSpec())
	require.NoError(t, err)

	// A run parked at ready must still be evicted by shutdown.
	require.Eventually(t, func() bool {
		return launch.Stage() == model.LaunchStageReady
	}, 2*time.Second, 10*time.Millisecond)

	stop, err := svc.Stop(context.Background(), svcKey)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		svc.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete")
	}

	select {
	case <-launch.Done():
	default:
		t.Fatal("launch run still active after shutdown")
	}
	select {
	case <-stop.Done():
	default:
		t.Fatal("stop run still active after shutdown")
	}
}
