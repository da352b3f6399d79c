package types

import "time"

// JobState is the lifecycle state of a dispatched deployment job, or of a
// single host inside one.
type JobState string

const (
	StatePending    JobState = "pending"
	StateInProgress JobState = "in_progress"
	StateSuccess    JobState = "success"
	StateFailed     JobState = "failed"
	StateCancelled  JobState = "cancelled"
	StateTimedOut   JobState = "timed_out"
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateCancelled, StateTimedOut:
		return true
	}
	return false
}

// ProcedureSpec is the serializable description of the per-host deployment
// procedure. It carries everything a runner needs; nothing is passed through
// ambient state.
type ProcedureSpec struct {
	ReleaseID      string `json:"release_id"`
	Namespace      string `json:"namespace"`
	Environment    string `json:"environment"`
	Project        string `json:"project"`
	Service        string `json:"service"`
	Script         string `json:"script"` // entry point inside the release dir
	Port           int    `json:"port"`
	Strategy       string `json:"strategy"` // "reload" or "replace"
	ConfigRequired bool   `json:"config_required"`
}

// DispatchRequest asks the command transport to run one procedure on a set
// of hosts with bounded concurrency.
type DispatchRequest struct {
	Hosts          []string      `json:"hosts"`
	Spec           ProcedureSpec `json:"spec"`
	MaxConcurrency int           `json:"max_concurrency"`
	MaxErrors      int           `json:"max_errors"`
}

// HostStatus is the per-host view inside a JobStatus.
type HostStatus struct {
	Host  string   `json:"host"`
	State JobState `json:"state"`
}

// JobStatus is a snapshot of a dispatched job.
type JobStatus struct {
	ID    string       `json:"id"`
	State JobState     `json:"state"`
	Hosts []HostStatus `json:"hosts"`
}

// HostOutput is the captured output of one host's procedure run, fetched
// for diagnostics after a failed job.
type HostOutput struct {
	Host   string `json:"host"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// DeployRequest is the single external trigger for a deployment.
type DeployRequest struct {
	ReleaseID      string    `json:"release_id"`
	Environment    string    `json:"environment"`
	Project        string    `json:"project"`
	Service        string    `json:"service"`
	Namespace      string    `json:"namespace"` // artifact namespace in the blob store
	Script         string    `json:"script"`
	Port           int       `json:"port"`
	Strategy       string    `json:"strategy"`
	ConfigRequired bool      `json:"config_required"`
	MaxConcurrency int       `json:"max_concurrency"`
	MaxErrors      int       `json:"max_errors"`
	User           string    `json:"user"`
	CreatedAt      time.Time `json:"created_at"`
}
