package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/drejom/rbiocverse/internal/model"
	"github.com/drejom/rbiocverse/pkg/config"
	"github.com/drejom/rbiocverse/pkg/scheduler"
	"github.com/drejom/rbiocverse/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pollKey = model.SessionKey{Cluster: "gemini", Kind: model.WorkloadRStudio}

// fakeAPI serves a scripted sequence of snapshot responses.
type fakeAPI struct {
	mu        sync.Mutex
	responses []snapshotResult
	calls     int
}

type snapshotResult struct {
	resp *scheduler.StatusSnapshotResponse
	err  error
}

func (f *fakeAPI) StatusSnapshot(context.Context) (*scheduler.StatusSnapshotResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.responses) == 0 {
		return &scheduler.StatusSnapshotResponse{}, nil
	}
	r := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return r.resp, r.err
}

func (f *fakeAPI) Launch(context.Context, *model.LaunchSpec) (*scheduler.LaunchAck, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAPI) Stop(context.Context, model.SessionKey) error {
	return errors.New("not implemented")
}

func (f *fakeAPI) ConnectInfo(context.Context, model.SessionKey) (*model.ConnectInfo, error) {
	return nil, errors.New("not implemented")
}

func i64Ptr(n int64) *int64   { return &n }
func strPtr(s string) *string { return &s }

func runningRecord(timeLeft int64) scheduler.SessionRecord {
	return scheduler.SessionRecord{
		Cluster: pollKey.Cluster,
		Kind:    pollKey.Kind,
		SessionUpdate: model.SessionUpdate{
			Status:          model.StatusRunning,
			JobID:           strPtr("812"),
			TimeLeftSeconds: i64Ptr(timeLeft),
		},
	}
}

func newTestPoller(api scheduler.API, st *store.Store, budget int) *Poller {
	return New(api, st, store.NewHealthTracker(5), &config.PollerConfig{
		Interval:      time.Hour, // loop driven manually through PollOnce
		FailureBudget: budget,
	})
}

func TestPollOnce_MergesSessions(t *testing.T) {
	st := store.New()
	api := &fakeAPI{responses: []snapshotResult{{
		resp: &scheduler.StatusSnapshotResponse{
			Sessions: []scheduler.SessionRecord{runningRecord(3600)},
			Health:   []model.ClusterHealth{{Cluster: "gemini", CPUPercent: 42}},
		},
	}}}
	health := store.NewHealthTracker(5)
	p := New(api, st, health, &config.PollerConfig{Interval: time.Hour, FailureBudget: 3})

	p.PollOnce(context.Background())

	snap, ok := st.Read(pollKey)
	require.True(t, ok)
	assert.Equal(t, model.StatusRunning, snap.Status)
	assert.Equal(t, model.SourcePoll, snap.Source)

	report, ok := health.Report("gemini")
	require.True(t, ok)
	assert.Equal(t, 42.0, report.Current.CPUPercent)
	assert.False(t, report.Current.CollectedAt.IsZero(), "zero sample time backfilled")
}

func TestPollOnce_FailureKeepsLastKnownGood(t *testing.T) {
	st := store.New()
	api := &fakeAPI{responses: []snapshotResult{
		{resp: &scheduler.StatusSnapshotResponse{Sessions: []scheduler.SessionRecord{runningRecord(3600)}}},
		{err: errors.New("gateway unreachable")},
	}}
	p := newTestPoller(api, st, 3)

	p.PollOnce(context.Background())
	p.PollOnce(context.Background())

	snap, ok := st.Read(pollKey)
	require.True(t, ok, "failed poll must not clear state")
	assert.Equal(t, int64(3600), snap.TimeLeftSeconds)
	assert.False(t, p.Degraded(), "one failure is within budget")
}

func TestPollOnce_DegradedAfterBudget(t *testing.T) {
	st := store.New()
	api := &fakeAPI{responses: []snapshotResult{{err: errors.New("gateway unreachable")}}}
	p := newTestPoller(api, st, 3)

	for i := 0; i < 2; i++ {
		p.PollOnce(context.Background())
		assert.False(t, p.Degraded())
	}
	p.PollOnce(context.Background())
	assert.True(t, p.Degraded())
}

func TestPollOnce_RecoveryClearsDegraded(t *testing.T) {
	st := store.New()
	api := &fakeAPI{responses: []snapshotResult{
		{err: errors.New("down")},
		{err: errors.New("down")},
		{resp: &scheduler.StatusSnapshotResponse{Sessions: []scheduler.SessionRecord{runningRecord(3600)}}},
	}}
	p := newTestPoller(api, st, 2)

	p.PollOnce(context.Background())
	p.PollOnce(context.Background())
	require.True(t, p.Degraded())

	p.PollOnce(context.Background())
	assert.False(t, p.Degraded())
	_, ok := st.Read(pollKey)
	assert.True(t, ok)
}

func TestPollOnce_SkipsUnknownKinds(t *testing.T) {
	st := store.New()
	bogus := scheduler.SessionRecord{
		Cluster:       "gemini",
		Kind:          "emacs",
		SessionUpdate: model.SessionUpdate{Status: model.StatusIdle},
	}
	api := &fakeAPI{responses: []snapshotResult{{
		resp: &scheduler.StatusSnapshotResponse{
			Sessions: []scheduler.SessionRecord{bogus, runningRecord(3600)},
		},
	}}}
	p := newTestPoller(api, st, 3)

	p.PollOnce(context.Background())

	assert.Len(t, st.Snapshots(), 1, "unknown kind skipped, valid record merged")
}

func TestPoller_StartStop(t *testing.T) {
	st := store.New()
	api := &fakeAPI{responses: []snapshotResult{{
		resp: &scheduler.StatusSnapshotResponse{Sessions: []scheduler.SessionRecord{runningRecord(3600)}},
	}}}
	p := newTestPoller(api, st, 3)

	require.NoError(t, p.Start(context.Background()))
	assert.Error(t, p.Start(context.Background()), "second start rejected")

	// The initial poll runs immediately, before the first tick.
	require.Eventually(t, func() bool {
		_, ok := st.Read(pollKey)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, p.Stop())
	assert.Error(t, p.Stop(), "second stop rejected")
}
