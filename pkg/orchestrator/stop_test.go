package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/drejom/rbiocverse/internal/model"
	"github.com/drejom/rbiocverse/pkg/scheduler"
	"github.com/drejom/rbiocverse/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedRunning(t *testing.T, st *store.Store) {
	t.Helper()
	jobID := "812"
	require.NoError(t, st.Merge(orchKey, &model.SessionUpdate{
		Status:          model.StatusRunning,
		JobID:           &jobID,
		TimeLeftSeconds: i64Ptr(3600),
	}, model.SourcePoll, time.Now()))
}

func TestStop_ConfirmedByStream(t *testing.T) {
	st := store.New()
	seedRunning(t, st)
	conn := newFakeStreamConn()
	run := StartStop(context.Background(), orchKey, &fakeGateway{}, connDialer(conn), st, time.Minute)

	conn.sendEvent(t, model.EventComplete, model.CompletePayload{OK: true})

	res, err := run.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.StopConfirmed, res.Outcome)
	assert.Empty(t, res.Err)

	// A stream-confirmed stop also lands in the store.
	snap, ok := st.Read(orchKey)
	require.True(t, ok)
	assert.Equal(t, model.StatusIdle, snap.Status)
	assert.Equal(t, int32(1), conn.closeCount.Load())
}

func TestStop_ConfirmedByPoll(t *testing.T) {
	st := store.New()
	seedRunning(t, st)
	conn := newFakeStreamConn()
	run := StartStop(context.Background(), orchKey, &fakeGateway{}, connDialer(conn), st, time.Minute)

	// No stream confirmation; the next poll restates the session idle.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, st.Merge(orchKey, &model.SessionUpdate{Status: model.StatusIdle}, model.SourcePoll, time.Now()))

	res, err := run.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.StopConfirmed, res.Outcome)
}

func TestStop_RequestFailure(t *testing.T) {
	st := store.New()
	seedRunning(t, st)
	gw := &fakeGateway{stopErr: &scheduler.APIError{Kind: scheduler.KindBackend, Message: "no such job"}}
	run := StartStop(context.Background(), orchKey, gw, connDialer(newFakeStreamConn()), st, time.Minute)

	res, err := run.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.StopError, res.Outcome)
	assert.Contains(t, res.Err, "no such job")

	// The session record is untouched; the run never got a confirmation.
	snap, _ := st.Read(orchKey)
	assert.Equal(t, model.StatusRunning, snap.Status)
}

func TestStop_DeadlineResolvesTimedOut(t *testing.T) {
	st := store.New()
	seedRunning(t, st)
	conn := newFakeStreamConn()

	started := time.Now()
	run := StartStop(context.Background(), orchKey, &fakeGateway{}, connDialer(conn), st, 100*time.Millisecond)

	res, err := run.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.StopTimedOut, res.Outcome)
	assert.Less(t, time.Since(started), 2*time.Second, "resolution bounded by the deadline plus slack")
}

func TestStop_DialFailureFallsBackToPoll(t *testing.T) {
	st := store.New()
	seedRunning(t, st)
	run := StartStop(context.Background(), orchKey, &fakeGateway{}, failingDialer(errors.New("gateway refused upgrade")), st, time.Minute)

	require.NoError(t, st.Merge(orchKey, &model.SessionUpdate{Status: model.StatusIdle}, model.SourcePoll, time.Now()))

	res, err := run.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.StopConfirmed, res.Outcome)
}

func TestStop_ChannelLostKeepsWaitingUntilDeadline(t *testing.T) {
	st := store.New()
	seedRunning(t, st)
	conn := newFakeStreamConn()
	run := StartStop(context.Background(), orchKey, &fakeGateway{}, connDialer(conn), st, 300*time.Millisecond)

	conn.breakRemote()

	res, err := run.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.StopTimedOut, res.Outcome, "channel loss alone is not a resolution")
}

func TestStop_ChannelLostThenPollConfirms(t *testing.T) {
	st := store.New()
	seedRunning(t, st)
	conn := newFakeStreamConn()
	run := StartStop(context.Background(), orchKey, &fakeGateway{}, connDialer(conn), st, time.Minute)

	conn.breakRemote()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, st.Merge(orchKey, &model.SessionUpdate{Status: model.StatusIdle}, model.SourcePoll, time.Now()))

	res, err := run.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.StopConfirmed, res.Outcome)
}

func TestStop_RefusedCancellation(t *testing.T) {
	st := store.New()
	seedRunning(t, st)
	conn := newFakeStreamConn()
	run := StartStop(context.Background(), orchKey, &fakeGateway{}, connDialer(conn), st, time.Minute)

	conn.sendEvent(t, model.EventComplete, model.CompletePayload{OK: false, Reason: "job already finishing"})

	res, err := run.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.StopError, res.Outcome)
	assert.Contains(t, res.Err, "job already finishing")
}

func TestStop_CancelAbandons(t *testing.T) {
	st := store.New()
	seedRunning(t, st)
	conn := newFakeStreamConn()
	run := StartStop(context.Background(), orchKey, &fakeGateway{}, connDialer(conn), st, time.Minute)

	time.Sleep(50 * time.Millisecond)
	run.Cancel()

	res, err := run.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.StopError, res.Outcome)
	assert.Contains(t, res.Err, "stop abandoned")
}

func TestStop_ResultEmptyUntilDone(t *testing.T) {
	st := store.New()
	seedRunning(t, st)
	conn := newFakeStreamConn()
	run := StartStop(context.Background(), orchKey, &fakeGateway{}, connDialer(conn), st, time.Minute)

	assert.Empty(t, run.Result().Outcome)

	conn.sendEvent(t, model.EventComplete, model.CompletePayload{OK: true})
	_, err := run.Wait(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, run.Result().Outcome)
}
