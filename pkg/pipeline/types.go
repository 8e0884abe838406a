package pipeline

import "time"

// PrepareRequest represents a request to prepare (download and extract) a dataset
type PrepareRequest struct {
	Job      string            `json:"job,omitempty"` // defaults to JobPrepare
	Mode     string            `json:"mode"`          // debug, standard
	Metadata map[string]string `json:"metadata,omitempty"`
}

// PrepareResponse represents the response from triggering a prepare run
type PrepareResponse struct {
	RunID           string                 `json:"run_id"`
	DedupeSeenCount int                    `json:"dedupe_seen_count"`
	Outputs         map[string]interface{} `json:"outputs,omitempty"` // synchronous runs only
}

// Mode constants
const (
	ModeDebug    = "debug"
	ModeStandard = "standard"
)

// JobPrepare is the job name the prepare workflow is registered under
const JobPrepare = "prepare"

// DerivationTypeExtracted marks content published from an extracted archive entry
const DerivationTypeExtracted = "extracted"

// Run states reported by RunStatus
const (
	RunStatePending   = "pending"
	RunStateRunning   = "running"
	RunStateSucceeded = "succeeded"
	RunStateFailed    = "failed"
	RunStateCancelled = "cancelled"
)

// RunStatus is the status of an asynchronous prepare run
type RunStatus struct {
	RunID     string    `json:"run_id"`
	State     string    `json:"state"`
	Name      string    `json:"name,omitempty"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Done reports whether the run reached a terminal state
func (s *RunStatus) Done() bool {
	switch s.State {
	case RunStateSucceeded, RunStateFailed, RunStateCancelled:
		return true
	}
	return false
}
