package model

// StatusEventType distinguishes status event kinds.
type StatusEventType string

const StatusEventFinal StatusEventType = "final"

// StatusEvent is published after a submission reaches a terminal status.
type StatusEvent struct {
	Type         StatusEventType  `json:"type"`
	SubmissionID string           `json:"submissionId"`
	ProblemID    string           `json:"problemId"`
	UserID       string           `json:"userId"`
	Status       SubmissionStatus `json:"status"`
	Verdict      Verdict          `json:"verdict,omitempty"`
	Passed       int              `json:"passed"`
	Total        int              `json:"total"`
	WorkerID     string           `json:"workerId,omitempty"`
	FinishedAt   int64            `json:"finishedAt"`
	CreatedAt    int64            `json:"createdAt"`
}

// NewFinalStatusEvent summarizes a persisted terminal submission.
func NewFinalStatusEvent(sub *Submission, now int64) StatusEvent {
	event := StatusEvent{
		Type:         StatusEventFinal,
		SubmissionID: sub.ID,
		ProblemID:    sub.ProblemID,
		UserID:       sub.UserID,
		Status:       sub.Status,
		WorkerID:     sub.WorkerID,
		CreatedAt:    now,
	}
	if sub.FinishedAt != nil {
		event.FinishedAt = sub.FinishedAt.Unix()
	}
	if sub.Result != nil {
		event.Verdict = sub.Result.Status
		event.Passed = sub.Result.Passed
		event.Total = sub.Result.Total
	}
	return event
}
