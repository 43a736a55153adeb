package model

import (
	"fmt"

	appErr "sandboxjudge/pkg/errors"
)

// Verdict is the judge's final classification of a run.
type Verdict string

const (
	VerdictAC  Verdict = "AC"
	VerdictWA  Verdict = "WA"
	VerdictTLE Verdict = "TLE"
	VerdictMLE Verdict = "MLE"
	VerdictRE  Verdict = "RE"
	VerdictCE  Verdict = "CE"
)

// Valid reports whether v is a known verdict.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictAC, VerdictWA, VerdictTLE, VerdictMLE, VerdictRE, VerdictCE:
		return true
	}
	return false
}

// CompileErrorIndex marks the single case result reported for a compile error.
const CompileErrorIndex = -1

// CaseResult is the outcome of one test case.
type CaseResult struct {
	Index    int     `json:"index"`
	Status   Verdict `json:"status"`
	Stdout   string  `json:"stdout"`
	Stderr   string  `json:"stderr"`
	TimeMs   int64   `json:"timeMs"`
	MemoryKb int64   `json:"memoryKb"`
	Input    string  `json:"input,omitempty"`
	Expected string  `json:"expected,omitempty"`
}

// JudgeResult mirrors the result file written by the in-container runner.
type JudgeResult struct {
	Status      Verdict      `json:"status"`
	Stdout      string       `json:"stdout"`
	Stderr      string       `json:"stderr"`
	TimeMs      int64        `json:"timeMs"`
	MemoryKb    int64        `json:"memoryKb"`
	Passed      int          `json:"passed"`
	Total       int          `json:"total"`
	CaseResults []CaseResult `json:"case_results"`
}

// LimitResult builds the result for a run killed by a resource ceiling.
// Such runs never completed, so no per-case detail is attached.
func LimitResult(status Verdict, total int) *JudgeResult {
	return &JudgeResult{Status: status, Passed: 0, Total: total}
}

// Validate checks the counting and verdict invariants of a result.
func (r *JudgeResult) Validate() error {
	if r == nil {
		return appErr.New(appErr.InvalidJudgeResult).WithMessage("judge result is empty")
	}
	if !r.Status.Valid() {
		return invalidResult("unknown status %q", r.Status)
	}
	if r.Passed < 0 || r.Total < 0 {
		return invalidResult("negative counts passed=%d total=%d", r.Passed, r.Total)
	}
	if r.Passed > r.Total {
		return invalidResult("passed %d exceeds total %d", r.Passed, r.Total)
	}
	if r.Status == VerdictTLE || r.Status == VerdictMLE {
		if r.Passed != 0 || len(r.CaseResults) > 0 {
			return invalidResult("status %s must carry no case detail, got passed=%d cases=%d", r.Status, r.Passed, len(r.CaseResults))
		}
		return nil
	}
	allCasesAC := true
	for _, c := range r.CaseResults {
		if !c.Status.Valid() {
			return invalidResult("case %d has unknown status %q", c.Index, c.Status)
		}
		if c.Status != VerdictAC {
			allCasesAC = false
		}
	}
	accepted := r.Passed == r.Total && allCasesAC
	if r.Status == VerdictAC && !accepted {
		return invalidResult("status AC with passed=%d total=%d", r.Passed, r.Total)
	}
	// An empty case set may carry any verdict; otherwise the verdict follows the cases.
	if r.Status != VerdictAC && accepted && r.Total > 0 {
		return invalidResult("status %s although every case passed", r.Status)
	}
	return nil
}

// Clone returns a deep copy of r.
func (r *JudgeResult) Clone() *JudgeResult {
	if r == nil {
		return nil
	}
	out := *r
	if r.CaseResults != nil {
		out.CaseResults = append([]CaseResult(nil), r.CaseResults...)
	}
	return &out
}

func invalidResult(format string, args ...interface{}) error {
	return appErr.New(appErr.InvalidJudgeResult).WithMessage(fmt.Sprintf(format, args...))
}
