package agent

import (
	"time"

	"github.com/nugget/trialmatch/internal/llm"
)

// Status is the terminal state of a run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusLimit     Status = "iteration_limit"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
	StatusRejected  Status = "rejected"
)

// Outcome is the single result of a run. FinalResponse is set only on
// success and Error only on failure.
type Outcome struct {
	RunID         string          `json:"run_id"`
	PatientID     string          `json:"patient_id"`
	Criteria      PatientCriteria `json:"criteria"`
	Status        Status          `json:"status"`
	Success       bool            `json:"success"`
	FinalResponse string          `json:"final_response,omitempty"`
	Iterations    int             `json:"iterations"`
	Messages      []llm.Message   `json:"messages"`
	Error         string          `json:"error,omitempty"`
	Model         string          `json:"model"`
	InputTokens   int             `json:"input_tokens"`
	OutputTokens  int             `json:"output_tokens"`
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    time.Time       `json:"finished_at"`

	// Err is the typed cause of a failure, for errors.Is and errors.As.
	Err error `json:"-"`
}

// Duration returns the wall time of the run.
func (o *Outcome) Duration() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}
