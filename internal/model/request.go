package model

import "time"

// LaunchSpec is a validated launch request: what to run, where, and with
// which resources.
type LaunchSpec struct {
	Key            SessionKey `json:"key"`
	Resources      Resources  `json:"resources"`
	Walltime       string     `json:"walltime"` // scheduler format, e.g. "12:00:00"
	ReleaseVersion string     `json:"release_version,omitempty"`
	Accelerator    string     `json:"accelerator,omitempty"` // e.g. "a100", empty for none
}

// LaunchStage is the current stage of one launch orchestration run.
type LaunchStage string

const (
	// LaunchStageIdle: no run in flight, or a run abandoned back to idle.
	LaunchStageIdle       LaunchStage = "idle"
	LaunchStageSubmitting LaunchStage = "submitting"
	LaunchStageWaiting    LaunchStage = "waiting"   // submitted, waiting for assignment
	LaunchStageReady      LaunchStage = "ready"     // session running, connectable
	LaunchStageConnected  LaunchStage = "connected" // terminal success
	LaunchStageError      LaunchStage = "error"     // terminal failure
)

// Terminal reports whether the stage ends the orchestration run.
func (s LaunchStage) Terminal() bool {
	return s == LaunchStageConnected || s == LaunchStageError
}

// LaunchProgress is one progress update surfaced by a launch run.
type LaunchProgress struct {
	RunID   string      `json:"run_id"`
	Key     SessionKey  `json:"key"`
	Stage   LaunchStage `json:"stage"`
	Message string      `json:"message,omitempty"`
	Err     string      `json:"error,omitempty"`
	// CredentialSetup flags the distinguished "credentials/setup needed"
	// failure so the caller can start remediation instead of retrying.
	CredentialSetup bool `json:"credential_setup,omitempty"`
}

// StopOutcome is the terminal resolution of one stop orchestration run.
type StopOutcome string

const (
	StopConfirmed StopOutcome = "confirmed" // backend confirmed cancellation
	StopTimedOut  StopOutcome = "timed-out" // deadline elapsed without confirmation
	StopError     StopOutcome = "error"     // backend reported a failure
)

// StopResult is the resolution of one stop orchestration run.
type StopResult struct {
	RunID   string      `json:"run_id"`
	Key     SessionKey  `json:"key"`
	Outcome StopOutcome `json:"outcome"`
	Err     string      `json:"error,omitempty"`
}

// OperationKind identifies which kind of orchestration owns an event stream.
type OperationKind string

const (
	OpLaunch OperationKind = "launch"
	OpStop   OperationKind = "stop"
)

// StreamScope ties one event stream to one in-flight operation on one key.
type StreamScope struct {
	Key   SessionKey    `json:"key"`
	Op    OperationKind `json:"op"`
	JobID string        `json:"job_id,omitempty"`
}

// ConnectInfo carries what a client needs to attach to a running session.
type ConnectInfo struct {
	URL   string `json:"url,omitempty"`
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Token string `json:"token,omitempty"`
}

// Countdown is the derived remaining/total pair for a running session.
// Remaining is clamped to [0, Total].
type Countdown struct {
	Remaining time.Duration `json:"remaining"`
	Total     time.Duration `json:"total"`
}
