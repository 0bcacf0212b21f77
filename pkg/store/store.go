// Package store holds the authoritative per-session state merged from the
// two update channels: the periodic full-snapshot poll and the per-operation
// push event streams. The poll is ground truth; push updates are advisory
// accelerants that must never shadow a newer poll.
package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/drejom/rbiocverse/internal/model"
	"github.com/drejom/rbiocverse/pkg/logger"
)

// Subscriber receives a snapshot copy after each effective merge. Callbacks
// run synchronously in merge call order; a subscriber must not call Merge.
type Subscriber func(snap *model.SessionSnapshot)

// Store is the session state store. All writes go through Merge; reads
// return copies, so callers can never tear or mutate shared state.
type Store struct {
	// mergeMu serializes Merge end to end, which gives subscribers a total
	// notification order matching merge call order.
	mergeMu sync.Mutex

	mu       sync.RWMutex
	sessions map[model.SessionKey]*model.SessionSnapshot

	subMu   sync.Mutex
	subs    map[int]Subscriber
	nextSub int
}

// New creates an empty store.
func New() *Store {
	return &Store{
		sessions: make(map[model.SessionKey]*model.SessionSnapshot),
		subs:     make(map[int]Subscriber),
	}
}

// Merge applies a partial update from one channel to the keyed session
// record.
//
// Precedence: a poll write always applies (full-snapshot truth restatement);
// a push write applies only if its observation time is not older than the
// current record's. A stale push is dropped silently.
//
// A malformed update (unknown status, negative time fields, or a merged
// result missing the fields its status requires) is rejected with an error
// and leaves the store unchanged.
//
// Subscribers are notified only when the resulting record differs
// structurally from the previous one, so duplicate deliveries and truth
// restatements cost nothing downstream.
func (s *Store) Merge(key model.SessionKey, update *model.SessionUpdate, source model.UpdateSource, observedAt time.Time) error {
	s.mergeMu.Lock()
	defer s.mergeMu.Unlock()

	if update == nil {
		return fmt.Errorf("nil update for %s", key)
	}
	if err := update.Validate(); err != nil {
		logger.Warnf("rejected %s update for %s: %v", source, key, err)
		return fmt.Errorf("invalid update for %s: %w", key, err)
	}

	s.mu.RLock()
	prev := s.sessions[key]
	s.mu.RUnlock()

	// Stale-push suppression: push events tolerate loss, duplication and
	// reordering, so anything older than the current record is dropped.
	if prev != nil && source == model.SourcePush && observedAt.Before(prev.ObservedAt) {
		logger.Debugf("dropped stale push for %s: observed %s < current %s",
			key, observedAt.Format(time.RFC3339), prev.ObservedAt.Format(time.RFC3339))
		return nil
	}

	next := buildSnapshot(key, prev, update, source, observedAt)
	if err := checkComplete(next); err != nil {
		logger.Warnf("rejected %s update for %s: %v", source, key, err)
		return fmt.Errorf("invalid update for %s: %w", key, err)
	}

	changed := prev == nil || !samePayload(prev, next)

	s.mu.Lock()
	s.sessions[key] = next
	s.mu.Unlock()

	if changed {
		s.notify(next)
	}
	return nil
}

// Read returns a copy of the current record for the key, or false if the key
// has never been observed.
func (s *Store) Read(key model.SessionKey) (*model.SessionSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.sessions[key]
	if !ok {
		return nil, false
	}
	return snap.Clone(), true
}

// Snapshots returns copies of all current records.
func (s *Store) Snapshots() []*model.SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.SessionSnapshot, 0, len(s.sessions))
	for _, snap := range s.sessions {
		out = append(out, snap.Clone())
	}
	return out
}

// Subscribe registers a callback for effective merges and returns its
// unsubscribe function. Unsubscribing twice is a no-op.
func (s *Store) Subscribe(fn Subscriber) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(snap *model.SessionSnapshot) {
	s.subMu.Lock()
	subs := make([]Subscriber, 0, len(s.subs))
	for id := 0; id < s.nextSub; id++ {
		if fn, ok := s.subs[id]; ok {
			subs = append(subs, fn)
		}
	}
	s.subMu.Unlock()

	for _, fn := range subs {
		fn(snap.Clone())
	}
}

// buildSnapshot materializes the merged record. A poll update restates the
// whole record, so unreported fields clear; a push update overlays the
// previous record, so unreported fields survive.
func buildSnapshot(key model.SessionKey, prev *model.SessionSnapshot, u *model.SessionUpdate, source model.UpdateSource, observedAt time.Time) *model.SessionSnapshot {
	var next *model.SessionSnapshot
	if source == model.SourcePush && prev != nil {
		next = prev.Clone()
	} else {
		next = &model.SessionSnapshot{Key: key}
	}

	next.Status = u.Status
	if u.JobID != nil {
		next.JobID = *u.JobID
	} else if source == model.SourcePoll {
		next.JobID = ""
	}
	if u.Node != nil {
		next.Node = *u.Node
	} else if source == model.SourcePoll {
		next.Node = ""
	}
	if u.Resources != nil {
		next.Resources = *u.Resources
	} else if source == model.SourcePoll {
		next.Resources = model.Resources{}
	}
	if u.ReleaseVersion != nil {
		next.ReleaseVersion = *u.ReleaseVersion
	} else if source == model.SourcePoll {
		next.ReleaseVersion = ""
	}
	if u.EstimatedStart != nil {
		t := *u.EstimatedStart
		next.EstimatedStart = &t
	} else if source == model.SourcePoll {
		next.EstimatedStart = nil
	}
	if u.TimeLeftSeconds != nil {
		next.TimeLeftSeconds = *u.TimeLeftSeconds
	} else if source == model.SourcePoll {
		next.TimeLeftSeconds = 0
	}
	if u.TimeLimitSeconds != nil {
		next.TimeLimitSeconds = *u.TimeLimitSeconds
	} else if source == model.SourcePoll {
		next.TimeLimitSeconds = 0
	}
	if u.StartTime != nil {
		t := *u.StartTime
		next.StartTime = &t
	} else if source == model.SourcePoll {
		next.StartTime = nil
	}

	normalize(next)
	next.Source = source
	next.ObservedAt = observedAt
	return next
}

// normalize clears fields that are meaningless for the record's status so
// stale carry-over from an earlier state can never leak into display.
func normalize(snap *model.SessionSnapshot) {
	if snap.Status != model.StatusPending {
		snap.EstimatedStart = nil
	}
	if snap.Status == model.StatusIdle {
		snap.JobID = ""
		snap.Node = ""
		snap.Resources = model.Resources{}
		snap.TimeLeftSeconds = 0
		snap.TimeLimitSeconds = 0
		snap.StartTime = nil
	}
}

// checkComplete rejects a merged record that claims a status without the
// fields the status requires.
func checkComplete(snap *model.SessionSnapshot) error {
	if snap.Status == model.StatusRunning && snap.StartTime == nil && snap.TimeLeftSeconds <= 0 {
		return fmt.Errorf("running record carries neither start_time nor time_left_seconds")
	}
	return nil
}

// samePayload compares two records ignoring Source and ObservedAt, so a
// truth restatement or duplicate delivery does not count as a change.
func samePayload(a, b *model.SessionSnapshot) bool {
	if a.Status != b.Status || a.JobID != b.JobID || a.Node != b.Node ||
		a.Resources != b.Resources || a.ReleaseVersion != b.ReleaseVersion ||
		a.TimeLeftSeconds != b.TimeLeftSeconds || a.TimeLimitSeconds != b.TimeLimitSeconds {
		return false
	}
	if !sameTimePtr(a.EstimatedStart, b.EstimatedStart) {
		return false
	}
	return sameTimePtr(a.StartTime, b.StartTime)
}

func sameTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
