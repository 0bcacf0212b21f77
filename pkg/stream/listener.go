// Package stream consumes per-operation push event channels. A listener is
// owned by exactly one orchestration run; it merges advisory state into the
// store and hands terminal events back to its owner. The one contract that
// must never break: the underlying connection is closed exactly once, no
// matter how the operation ends.
package stream

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/drejom/rbiocverse/internal/model"
	"github.com/drejom/rbiocverse/pkg/logger"
	"github.com/drejom/rbiocverse/pkg/store"
)

// Conn is the subset of a websocket connection the listener needs. Satisfied
// by *websocket.Conn.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer opens the event stream for one operation scope.
type Dialer interface {
	DialEvents(ctx context.Context, scope model.StreamScope) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, scope model.StreamScope) (Conn, error)

func (f DialerFunc) DialEvents(ctx context.Context, scope model.StreamScope) (Conn, error) {
	return f(ctx, scope)
}

// Reason classifies how a stream reached its terminal event.
type Reason string

const (
	ReasonComplete    Reason = "complete"     // backend reported the operation finished
	ReasonError       Reason = "error"        // backend reported a failure
	ReasonChannelLost Reason = "channel_lost" // transport died; distinct from a backend failure
)

// Terminal is the single terminal event a listener delivers to its owner.
type Terminal struct {
	Reason   Reason
	Complete *model.CompletePayload // set when Reason == ReasonComplete
	Backend  *model.ErrorPayload    // set when Reason == ReasonError
	Message  string                 // transport detail when Reason == ReasonChannelLost
}

// Listener reads one scoped event stream, merging status/progress events
// into the store as push-sourced updates and delivering complete/error
// events on Terminal(). Close is idempotent and safe to race with the
// stream's natural end.
type Listener struct {
	scope model.StreamScope
	st    *store.Store
	conn  Conn

	closeOnce  sync.Once
	termOnce   sync.Once
	closedByUs atomic.Bool
	terminal   chan Terminal
}

// Open dials the scoped stream and starts its read loop.
func Open(ctx context.Context, dialer Dialer, scope model.StreamScope, st *store.Store) (*Listener, error) {
	conn, err := dialer.DialEvents(ctx, scope)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		scope:    scope,
		st:       st,
		conn:     conn,
		terminal: make(chan Terminal, 1),
	}
	go l.readLoop()
	return l, nil
}

// Terminal returns the channel delivering the stream's single terminal
// event. The channel never delivers more than one value, and delivers
// nothing if the owner closes the listener first.
func (l *Listener) Terminal() <-chan Terminal {
	return l.terminal
}

// Close tears down the connection. Calling it any number of times, from any
// goroutine, before or after the stream's natural end, closes the underlying
// connection exactly once.
func (l *Listener) Close() {
	l.closeOnce.Do(func() {
		l.closedByUs.Store(true)
		if err := l.conn.Close(); err != nil {
			logger.Debugf("event stream close for %s: %v", l.scope.Key, err)
		}
	})
}

func (l *Listener) readLoop() {
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if l.closedByUs.Load() {
				// Owner tore the stream down; nothing to report.
				return
			}
			logger.WarnCtx(nil, "event stream lost for %s (%s): %v", l.scope.Key, l.scope.Op, err)
			l.deliver(Terminal{Reason: ReasonChannelLost, Message: err.Error()})
			l.Close()
			return
		}

		var ev model.StreamEvent
		if err := json.Unmarshal(data, &ev); err != nil || !ev.Type.Valid() {
			logger.Warnf("dropped malformed event on %s stream for %s: %v", l.scope.Op, l.scope.Key, err)
			continue
		}

		if terminal := l.handleEvent(&ev); terminal {
			return
		}
	}
}

// handleEvent processes one event; it reports true when the event ended the
// stream.
func (l *Listener) handleEvent(ev *model.StreamEvent) bool {
	switch ev.Type {
	case model.EventStatus:
		var upd model.StatusPayload
		if err := json.Unmarshal(ev.Payload, &upd); err != nil {
			logger.Warnf("dropped malformed status payload for %s: %v", l.scope.Key, err)
			return false
		}
		// The store enforces merge precedence and logs rejections; a bad
		// payload must not kill the stream.
		_ = l.st.Merge(l.scope.Key, &upd, model.SourcePush, ev.Timestamp)
		return false

	case model.EventProgress:
		// Progress events narrate the operation and may carry a partial
		// session update alongside; merge it when they do.
		var upd model.StatusPayload
		if err := json.Unmarshal(ev.Payload, &upd); err == nil && upd.Status.Valid() {
			_ = l.st.Merge(l.scope.Key, &upd, model.SourcePush, ev.Timestamp)
		} else {
			var p model.ProgressPayload
			if json.Unmarshal(ev.Payload, &p) == nil {
				logger.Debugf("progress on %s stream for %s: %s %s", l.scope.Op, l.scope.Key, p.Stage, p.Message)
			}
		}
		return false

	case model.EventComplete:
		var p model.CompletePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			logger.Warnf("dropped malformed complete payload for %s: %v", l.scope.Key, err)
			return false
		}
		l.deliver(Terminal{Reason: ReasonComplete, Complete: &p})
		l.Close()
		return true

	case model.EventError:
		var p model.ErrorPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			logger.Warnf("dropped malformed error payload for %s: %v", l.scope.Key, err)
			return false
		}
		l.deliver(Terminal{Reason: ReasonError, Backend: &p})
		l.Close()
		return true
	}
	return false
}

func (l *Listener) deliver(t Terminal) {
	l.termOnce.Do(func() {
		l.terminal <- t
	})
}
