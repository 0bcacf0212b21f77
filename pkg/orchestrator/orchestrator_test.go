package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/drejom/rbiocverse/internal/model"
	"github.com/drejom/rbiocverse/pkg/scheduler"
	"github.com/drejom/rbiocverse/pkg/stream"

	"github.com/stretchr/testify/require"
)

var orchKey = model.SessionKey{Cluster: "gemini", Kind: model.WorkloadRStudio}

// fakeGateway scripts the scheduler API surface for orchestration tests.
type fakeGateway struct {
	mu sync.Mutex

	launchErr   error
	launchCalls int

	stopErr   error
	stopCalls int

	connectInfo *model.ConnectInfo
	connectErr  error
}

func (f *fakeGateway) StatusSnapshot(context.Context) (*scheduler.StatusSnapshotResponse, error) {
	return &scheduler.StatusSnapshotResponse{}, nil
}

func (f *fakeGateway) Launch(context.Context, *model.LaunchSpec) (*scheduler.LaunchAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launchCalls++
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	return &scheduler.LaunchAck{JobID: "812"}, nil
}

func (f *fakeGateway) Stop(context.Context, model.SessionKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	return f.stopErr
}

func (f *fakeGateway) ConnectInfo(context.Context, model.SessionKey) (*model.ConnectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	if f.connectInfo != nil {
		return f.connectInfo, nil
	}
	return &model.ConnectInfo{Host: "node-04", Port: 8787}, nil
}

// fakeStreamConn scripts one event stream connection.
type fakeStreamConn struct {
	messages   chan []byte
	closed     chan struct{}
	closeOnce  sync.Once
	closeCount atomic.Int32
}

func newFakeStreamConn() *fakeStreamConn {
	return &fakeStreamConn{
		messages: make(chan []byte, 32),
		closed:   make(chan struct{}),
	}
}

func (c *fakeStreamConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.messages:
		return 1, data, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (c *fakeStreamConn) Close() error {
	c.closeCount.Add(1)
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeStreamConn) breakRemote() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *fakeStreamConn) sendEvent(t *testing.T, evType model.EventType, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(model.StreamEvent{Type: evType, Payload: raw, Timestamp: time.Now()})
	require.NoError(t, err)
	c.messages <- data
}

func connDialer(conn *fakeStreamConn) stream.Dialer {
	return stream.DialerFunc(func(context.Context, model.StreamScope) (stream.Conn, error) {
		return conn, nil
	})
}

func failingDialer(err error) stream.Dialer {
	return stream.DialerFunc(func(context.Context, model.StreamScope) (stream.Conn, error) {
		return nil, err
	})
}

func i64Ptr(n int64) *int64 { return &n }

func waitDone(t *testing.T, done <-chan struct{}, within time.Duration) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(within):
		t.Fatal("run did not resolve in time")
	}
}
