package model

import "sort"

// Visibility controls whether a test case is shown to users.
type Visibility string

const (
	VisibilitySample  Visibility = "SAMPLE"
	VisibilityPublic  Visibility = "PUBLIC"
	VisibilityPrivate Visibility = "PRIVATE"
)

// Problem holds the judge-facing fields of a problem.
type Problem struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	TimeLimitMs   int    `json:"timeLimitMs"`
	MemoryLimitMb int    `json:"memoryLimitMb"`
	TestcaseSetID string `json:"testcaseSetId"`
}

// TestCase is one input/expected-output pair of a test case set.
type TestCase struct {
	ID             string     `json:"id"`
	TestcaseSetID  string     `json:"testcaseSetId"`
	Input          string     `json:"input"`
	ExpectedOutput string     `json:"expectedOutput"`
	Visibility     Visibility `json:"visibility"`
	Order          int        `json:"order"`
}

// HiddenCases drops sample cases and orders the rest by Order.
// Ties keep their input order so case indices are stable across reruns.
func HiddenCases(cases []TestCase) []TestCase {
	out := make([]TestCase, 0, len(cases))
	for _, tc := range cases {
		if tc.Visibility == VisibilitySample {
			continue
		}
		out = append(out, tc)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Order < out[j].Order
	})
	return out
}
