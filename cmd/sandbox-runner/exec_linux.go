//go:build linux

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

const (
	childCommand       = "exec-child"
	childSetupExitCode = 126
)

// processExecutor runs user programs through a re-exec of this binary so
// rlimits and the seccomp filter apply to the program only.
type processExecutor struct {
	self           string
	outputLimit    int64
	seccompProfile string
}

func (e *processExecutor) Exec(ctx context.Context, req execRequest) (execResult, error) {
	if len(req.Args) == 0 {
		return execResult{}, fmt.Errorf("command is empty")
	}
	argv := req.Args
	if req.Limits.TimeMs > 0 {
		argv = e.childArgs(req)
	}

	runCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	stdout := &limitedBuffer{max: e.outputLimit}
	stderr := &limitedBuffer{max: e.outputLimit}
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = req.Dir
	cmd.Stdin = strings.NewReader(req.Stdin)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Kill the whole process group so forked children die with the program.
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	started := time.Now()
	err := cmd.Run()
	res := execResult{Elapsed: time.Since(started)}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	state := cmd.ProcessState
	if state == nil {
		return res, err
	}
	if ru, ok := state.SysUsage().(*syscall.Rusage); ok {
		res.MaxRSSKb = ru.Maxrss
	}
	res.ExitCode = state.ExitCode()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.TimedOut = true
		return res, nil
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		switch ws.Signal() {
		case syscall.SIGXCPU:
			res.TimedOut = true
		case syscall.SIGKILL:
			res.Killed = true
		}
	}
	return res, nil
}

func (e *processExecutor) childArgs(req execRequest) []string {
	args := []string{
		e.self, childCommand,
		"-cpu-ms", strconv.Itoa(req.Limits.TimeMs),
		"-fsize", strconv.FormatInt(e.outputLimit, 10),
		"-stack-mb", strconv.Itoa(req.Limits.MemoryMb),
	}
	if e.seccompProfile != "" {
		args = append(args, "-seccomp", e.seccompProfile)
	}
	args = append(args, "--")
	return append(args, req.Args...)
}

type rlimits struct {
	CPUTimeMs  int64
	FileBytes  int64
	StackBytes int64
}

// runChild applies limits to the current process and replaces it with the
// user program.
func runChild(args []string) error {
	fs := flag.NewFlagSet(childCommand, flag.ContinueOnError)
	cpuMs := fs.Int64("cpu-ms", 0, "cpu time limit in milliseconds")
	fileBytes := fs.Int64("fsize", 0, "largest file the program may write")
	stackMb := fs.Int64("stack-mb", 0, "stack size in MB")
	seccompPath := fs.String("seccomp", "", "seccomp profile")
	if err := fs.Parse(args); err != nil {
		return err
	}
	argv := fs.Args()
	if len(argv) == 0 {
		return fmt.Errorf("command is required")
	}

	if err := applyRlimits(rlimits{CPUTimeMs: *cpuMs, FileBytes: *fileBytes, StackBytes: *stackMb << 20}); err != nil {
		return err
	}
	cmdPath, err := exec.LookPath(argv[0])
	if err != nil {
		return fmt.Errorf("resolve command: %w", err)
	}
	if *seccompPath != "" {
		if err := applySeccomp(*seccompPath); err != nil {
			return err
		}
	}
	return unix.Exec(cmdPath, argv, os.Environ())
}

func applyRlimits(limits rlimits) error {
	if err := unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0}); err != nil {
		return fmt.Errorf("set rlimit core: %w", err)
	}
	if limits.CPUTimeMs > 0 {
		// SIGXCPU at the soft limit, SIGKILL one second later.
		seconds := uint64((limits.CPUTimeMs + 999) / 1000)
		if err := unix.Setrlimit(unix.RLIMIT_CPU, &unix.Rlimit{Cur: seconds, Max: seconds + 1}); err != nil {
			return fmt.Errorf("set rlimit cpu: %w", err)
		}
	}
	if limits.FileBytes > 0 {
		bytes := uint64(limits.FileBytes)
		if err := unix.Setrlimit(unix.RLIMIT_FSIZE, &unix.Rlimit{Cur: bytes, Max: bytes}); err != nil {
			return fmt.Errorf("set rlimit fsize: %w", err)
		}
	}
	if limits.StackBytes > 0 {
		bytes := uint64(limits.StackBytes)
		if err := unix.Setrlimit(unix.RLIMIT_STACK, &unix.Rlimit{Cur: bytes, Max: bytes}); err != nil {
			return fmt.Errorf("set rlimit stack: %w", err)
		}
	}
	return nil
}

type seccompConfig struct {
	DefaultAction string           `json:"defaultAction"`
	Syscalls      []seccompSyscall `json:"syscalls"`
}

type seccompSyscall struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

func applySeccomp(profilePath string) error {
	data, err := os.ReadFile(profilePath)
	if err != nil {
		return fmt.Errorf("read seccomp profile: %w", err)
	}
	var cfg seccompConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse seccomp profile: %w", err)
	}
	defaultAction, err := parseSeccompAction(cfg.DefaultAction)
	if err != nil {
		return err
	}
	filter, err := seccomp.NewFilter(defaultAction)
	if err != nil {
		return fmt.Errorf("create seccomp filter: %w", err)
	}
	defer filter.Release()
	for _, rule := range cfg.Syscalls {
		action, err := parseSeccompAction(rule.Action)
		if err != nil {
			return err
		}
		for _, name := range rule.Names {
			call, err := seccomp.GetSyscallFromName(name)
			if err != nil {
				// Profiles list syscalls for several architectures.
				continue
			}
			if err := filter.AddRule(call, action); err != nil {
				return fmt.Errorf("add seccomp rule %s: %w", name, err)
			}
		}
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no new privs: %w", err)
	}
	if err := filter.Load(); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}

func parseSeccompAction(action string) (seccomp.ScmpAction, error) {
	switch strings.ToUpper(action) {
	case "SCMP_ACT_ALLOW":
		return seccomp.ActAllow, nil
	case "SCMP_ACT_ERRNO":
		return seccomp.ActErrno.SetReturnCode(int16(unix.EPERM)), nil
	case "SCMP_ACT_KILL", "SCMP_ACT_KILL_PROCESS":
		return seccomp.ActKillProcess, nil
	default:
		return seccomp.ActKillProcess, fmt.Errorf("unsupported seccomp action: %s", action)
	}
}
