package model

import (
	"fmt"
	"time"
)

// WorkloadKind identifies the kind of interactive IDE workload a session runs.
type WorkloadKind string

const (
	WorkloadRStudio WorkloadKind = "rstudio"
	WorkloadVSCode  WorkloadKind = "vscode"
	WorkloadJupyter WorkloadKind = "jupyter"
)

// Valid reports whether the kind is one of the known workload kinds.
func (k WorkloadKind) Valid() bool {
	switch k {
	case WorkloadRStudio, WorkloadVSCode, WorkloadJupyter:
		return true
	}
	return false
}

// SessionStatus session lifecycle status
type SessionStatus string

const (
	StatusIdle     SessionStatus = "IDLE"     // no backing job
	StatusPending  SessionStatus = "PENDING"  // submitted, waiting for assignment
	StatusRunning  SessionStatus = "RUNNING"  // job assigned and serving
	StatusStopping SessionStatus = "STOPPING" // cancellation requested
)

// Valid reports whether the status is one of the known session statuses.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusIdle, StatusPending, StatusRunning, StatusStopping:
		return true
	}
	return false
}

// UpdateSource identifies which channel produced a session record.
type UpdateSource string

const (
	SourcePoll UpdateSource = "poll" // periodic full snapshot, ground truth
	SourcePush UpdateSource = "push" // per-operation event stream, advisory
)

// SessionKey is the identity of one trackable remote workload:
// one IDE kind on one cluster. Identity is exact match.
type SessionKey struct {
	Cluster string       `json:"cluster"`
	Kind    WorkloadKind `json:"kind"`
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%s/%s", k.Cluster, k.Kind)
}

// Resources describes the compute allocation of a session or request.
type Resources struct {
	CPUs   int    `json:"cpus"`
	Memory string `json:"memory"` // scheduler format, e.g. "40G"
	GPUs   int    `json:"gpus,omitempty"`
}

// SessionSnapshot is the authoritative per-key session record held by the
// state store. Job and resource metadata are present only once assigned;
// EstimatedStart is meaningful only while PENDING; the time fields are
// meaningful only while RUNNING.
type SessionSnapshot struct {
	Key            SessionKey    `json:"key"`
	Status         SessionStatus `json:"status"`
	JobID          string        `json:"job_id,omitempty"`
	Node           string        `json:"node,omitempty"`
	Resources      Resources     `json:"resources,omitempty"`
	ReleaseVersion string        `json:"release_version,omitempty"`

	EstimatedStart *time.Time `json:"estimated_start,omitempty"`

	TimeLeftSeconds  int64      `json:"time_left_seconds,omitempty"`
	TimeLimitSeconds int64      `json:"time_limit_seconds,omitempty"`
	StartTime        *time.Time `json:"start_time,omitempty"`

	Source     UpdateSource `json:"source"`
	ObservedAt time.Time    `json:"observed_at"`
}

// Clone returns a deep copy of the snapshot, duplicating pointer fields so
// the copy can be mutated independently of the original.
func (s *SessionSnapshot) Clone() *SessionSnapshot {
	c := *s
	if s.EstimatedStart != nil {
		t := *s.EstimatedStart
		c.EstimatedStart = &t
	}
	if s.StartTime != nil {
		t := *s.StartTime
		c.StartTime = &t
	}
	return &c
}

// SessionUpdate is a partial session record produced by one channel. Nil
// fields mean "not reported"; the store overlays reported fields onto the
// previous snapshot during merge.
type SessionUpdate struct {
	Status         SessionStatus `json:"status"`
	JobID          *string       `json:"job_id,omitempty"`
	Node           *string       `json:"node,omitempty"`
	Resources      *Resources    `json:"resources,omitempty"`
	ReleaseVersion *string       `json:"release_version,omitempty"`

	EstimatedStart *time.Time `json:"estimated_start,omitempty"`

	TimeLeftSeconds  *int64     `json:"time_left_seconds,omitempty"`
	TimeLimitSeconds *int64     `json:"time_limit_seconds,omitempty"`
	StartTime        *time.Time `json:"start_time,omitempty"`
}

// Validate checks that the update is well formed for its claimed status.
// Time fields must be non-negative; an unknown status is rejected outright.
func (u *SessionUpdate) Validate() error {
	if !u.Status.Valid() {
		return fmt.Errorf("unknown session status %q", u.Status)
	}
	if u.TimeLeftSeconds != nil && *u.TimeLeftSeconds < 0 {
		return fmt.Errorf("negative time_left_seconds %d", *u.TimeLeftSeconds)
	}
	if u.TimeLimitSeconds != nil && *u.TimeLimitSeconds < 0 {
		return fmt.Errorf("negative time_limit_seconds %d", *u.TimeLimitSeconds)
	}
	return nil
}
