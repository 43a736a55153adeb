package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sandboxjudge/internal/judge/model"
)

const (
	testcasesFile = "testcases.json"
	limitsFile    = "limits.json"
	resultFile    = "result.json"

	// Fields copied into the result file are cut to keep it small.
	maxFieldBytes      = 4 << 10
	maxCompileLogBytes = 64 << 10

	defaultOutputLimit    = 16 << 20
	defaultCompileTimeout = 30 * time.Second
)

type execRequest struct {
	Args    []string
	Dir     string
	Stdin   string
	Timeout time.Duration
	Limits  model.Limits
}

type execResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Killed is set when the process ended on a signal we did not send.
	Killed   bool
	TimedOut bool
	Elapsed  time.Duration
	MaxRSSKb int64
}

type executor interface {
	Exec(ctx context.Context, req execRequest) (execResult, error)
}

type runnerConfig struct {
	TestsDir       string
	LimitsDir      string
	OutDir         string
	WorkDir        string
	RunArgs        []string
	CompileArgs    []string
	CompileTimeout time.Duration
}

func loadInputs(cfg runnerConfig) ([]model.CaseInput, model.Limits, error) {
	var cases []model.CaseInput
	if err := readJSON(filepath.Join(cfg.TestsDir, testcasesFile), &cases); err != nil {
		return nil, model.Limits{}, err
	}
	var limits model.Limits
	if err := readJSON(filepath.Join(cfg.LimitsDir, limitsFile), &limits); err != nil {
		return nil, model.Limits{}, err
	}
	if limits.TimeMs <= 0 {
		return nil, model.Limits{}, fmt.Errorf("limits timeMs must be positive")
	}
	return cases, limits, nil
}

func readJSON(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// judgeCases compiles when needed, then runs the cases in order and stops at
// the first case that is not accepted. TLE and MLE end the run with a bare
// limit result.
func judgeCases(ctx context.Context, cfg runnerConfig, cases []model.CaseInput, limits model.Limits, ex executor) *model.JudgeResult {
	result := &model.JudgeResult{Status: model.VerdictAC, Total: len(cases), CaseResults: []model.CaseResult{}}

	if len(cfg.CompileArgs) > 0 {
		timeout := cfg.CompileTimeout
		if timeout <= 0 {
			timeout = defaultCompileTimeout
		}
		res, err := ex.Exec(ctx, execRequest{Args: cfg.CompileArgs, Dir: cfg.WorkDir, Timeout: timeout})
		if err != nil || res.TimedOut || res.Killed || res.ExitCode != 0 {
			log := res.Stderr
			switch {
			case err != nil:
				log = err.Error()
			case res.TimedOut:
				log = "compilation timed out\n" + log
			}
			result.Status = model.VerdictCE
			result.Stderr = truncate(log, maxCompileLogBytes)
			result.CaseResults = append(result.CaseResults, model.CaseResult{
				Index:  model.CompileErrorIndex,
				Status: model.VerdictCE,
				Stderr: result.Stderr,
			})
			return result
		}
	}

	timeout := time.Duration(limits.TimeMs) * time.Millisecond
	for i, tc := range cases {
		res, err := ex.Exec(ctx, execRequest{
			Args:    cfg.RunArgs,
			Dir:     cfg.WorkDir,
			Stdin:   tc.Input,
			Timeout: timeout,
			Limits:  limits,
		})
		verdict := classify(res, err, tc, limits)
		if verdict == model.VerdictTLE || verdict == model.VerdictMLE {
			// A run cut off by a resource ceiling reports no partial progress.
			return model.LimitResult(verdict, len(cases))
		}
		if err != nil {
			res.Stderr = err.Error()
		}
		ms := res.Elapsed.Milliseconds()
		if ms > result.TimeMs {
			result.TimeMs = ms
		}
		if res.MaxRSSKb > result.MemoryKb {
			result.MemoryKb = res.MaxRSSKb
		}
		result.Stdout += truncate(res.Stdout, maxFieldBytes)
		result.Stderr += truncate(res.Stderr, maxFieldBytes)
		result.CaseResults = append(result.CaseResults, model.CaseResult{
			Index:    i,
			Status:   verdict,
			Stdout:   truncate(res.Stdout, maxFieldBytes),
			Stderr:   truncate(res.Stderr, maxFieldBytes),
			TimeMs:   ms,
			MemoryKb: res.MaxRSSKb,
			Input:    truncate(tc.Input, maxFieldBytes),
			Expected: truncate(tc.ExpectedOutput, maxFieldBytes),
		})
		if verdict != model.VerdictAC {
			result.Status = verdict
			return result
		}
		result.Passed++
	}
	return result
}

func classify(res execResult, err error, tc model.CaseInput, limits model.Limits) model.Verdict {
	switch {
	case err != nil:
		return model.VerdictRE
	case res.TimedOut:
		return model.VerdictTLE
	case limits.MemoryMb > 0 && res.MaxRSSKb > int64(limits.MemoryMb)*1024:
		return model.VerdictMLE
	case res.Killed:
		// A SIGKILL we did not send comes from the memory cgroup.
		return model.VerdictMLE
	case res.ExitCode != 0:
		return model.VerdictRE
	case normalize(res.Stdout) != normalize(tc.ExpectedOutput):
		return model.VerdictWA
	default:
		return model.VerdictAC
	}
}

// normalize drops trailing whitespace on every line and at the end of the text.
func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(strings.TrimRight(s, " \t\r\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r")
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// writeResult replaces dir/result.json atomically.
func writeResult(dir string, result *model.JudgeResult) error {
	if err := result.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".result-*")
	if err != nil {
		return fmt.Errorf("create result file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write result file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, resultFile))
}

// limitedBuffer keeps the first max bytes written and drops the rest.
type limitedBuffer struct {
	max int64
	buf bytes.Buffer
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	room := b.max - int64(b.buf.Len())
	switch {
	case room <= 0:
	case int64(len(p)) > room:
		b.buf.Write(p[:room])
	default:
		b.buf.Write(p)
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string { return b.buf.String() }
