//go:build linux

// Command sandbox-runner is the entrypoint executed inside a language
// container. It reads the staged source, test cases and limits, judges every
// case and writes out/result.json.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"sandboxjudge/internal/judge/sandbox/profile"

	"github.com/google/shlex"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == childCommand {
		if err := runChild(os.Args[2:]); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(childSetupExitCode)
		}
		return
	}
	if err := run(os.Args[1:]); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("sandbox-runner", flag.ContinueOnError)
	srcDir := fs.String("src", profile.MountSrc, "source directory")
	testsDir := fs.String("tests", profile.MountTests, "test case directory")
	limitsDir := fs.String("limits", profile.MountLimits, "limits directory")
	outDir := fs.String("out", profile.MountOut, "result directory")
	workDir := fs.String("workdir", profile.ScratchDir, "working directory for compile and run")
	runCmd := fs.String("run", "", "run command")
	compileCmd := fs.String("compile", "", "compile command")
	compileTimeout := fs.Duration("compile-timeout", defaultCompileTimeout, "compile time budget")
	outputLimit := fs.Int64("output-limit", defaultOutputLimit, "captured bytes per stream")
	seccompProfile := fs.String("seccomp", "", "seccomp profile applied to user programs")
	if err := fs.Parse(args); err != nil {
		return err
	}

	runArgs, err := shlex.Split(*runCmd)
	if err != nil {
		return fmt.Errorf("parse run command: %w", err)
	}
	if len(runArgs) == 0 {
		return fmt.Errorf("run command is required")
	}
	var compileArgs []string
	if strings.TrimSpace(*compileCmd) != "" {
		compileArgs, err = shlex.Split(*compileCmd)
		if err != nil {
			return fmt.Errorf("parse compile command: %w", err)
		}
	}
	if _, err := os.Stat(*srcDir); err != nil {
		return fmt.Errorf("source directory: %w", err)
	}

	cfg := runnerConfig{
		TestsDir:       *testsDir,
		LimitsDir:      *limitsDir,
		OutDir:         *outDir,
		WorkDir:        *workDir,
		RunArgs:        runArgs,
		CompileArgs:    compileArgs,
		CompileTimeout: *compileTimeout,
	}
	cases, limits, err := loadInputs(cfg)
	if err != nil {
		return err
	}
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve runner path: %w", err)
	}
	ex := &processExecutor{
		self:           self,
		outputLimit:    *outputLimit,
		seccompProfile: *seccompProfile,
	}

	started := time.Now()
	result := judgeCases(context.Background(), cfg, cases, limits, ex)
	if err := writeResult(cfg.OutDir, result); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(os.Stderr, "judged %d/%d cases: %s in %s\n", result.Passed, result.Total, result.Status, time.Since(started).Round(time.Millisecond))
	return nil
}
