package model

import "time"

// SubmissionStatus represents the lifecycle state of a submission.
type SubmissionStatus string

const (
	StatusPending SubmissionStatus = "PENDING"
	StatusRunning SubmissionStatus = "RUNNING"
	StatusDone    SubmissionStatus = "DONE"
	StatusFailed  SubmissionStatus = "FAILED"
)

// Valid reports whether s is a known status.
func (s SubmissionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusDone, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s ends an execution attempt.
func (s SubmissionStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Submission is the persisted unit of work picked up by the dispatcher.
// It only changes through the submission store's atomic operations.
type Submission struct {
	ID         string           `json:"id"`
	ProblemID  string           `json:"problemId"`
	UserID     string           `json:"userId"`
	Language   string           `json:"language"`
	SourceCode string           `json:"sourceCode"`
	Status     SubmissionStatus `json:"status"`
	Result     *JudgeResult     `json:"result,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
	StartedAt  *time.Time       `json:"startedAt,omitempty"`
	FinishedAt *time.Time       `json:"finishedAt,omitempty"`
	WorkerID   string           `json:"workerId,omitempty"`
	// Attempts counts how many times the submission has been claimed.
	Attempts int `json:"attempts"`
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (s *Submission) Clone() *Submission {
	if s == nil {
		return nil
	}
	out := *s
	if s.Result != nil {
		out.Result = s.Result.Clone()
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}
