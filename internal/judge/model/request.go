package model

// Limits bounds one execution.
type Limits struct {
	TimeMs   int `json:"timeMs"`
	MemoryMb int `json:"memoryMb"`
}

// CaseInput is the sandbox view of one hidden test case.
type CaseInput struct {
	Input          string `json:"input"`
	ExpectedOutput string `json:"expectedOutput"`
}

// JudgeRequest is a language-agnostic run request built fresh per execution.
type JudgeRequest struct {
	SubmissionID string      `json:"-"`
	Language     string      `json:"language"`
	SourceCode   string      `json:"-"`
	Limits       Limits      `json:"limits"`
	TestCases    []CaseInput `json:"testcases"`
}

// NewJudgeRequest projects a submission and its problem data into a run request.
func NewJudgeRequest(sub *Submission, problem *Problem, cases []TestCase) JudgeRequest {
	hidden := HiddenCases(cases)
	inputs := make([]CaseInput, 0, len(hidden))
	for _, tc := range hidden {
		inputs = append(inputs, CaseInput{Input: tc.Input, ExpectedOutput: tc.ExpectedOutput})
	}
	return JudgeRequest{
		SubmissionID: sub.ID,
		Language:     sub.Language,
		SourceCode:   sub.SourceCode,
		Limits: Limits{
			TimeMs:   problem.TimeLimitMs,
			MemoryMb: problem.MemoryLimitMb,
		},
		TestCases: inputs,
	}
}
