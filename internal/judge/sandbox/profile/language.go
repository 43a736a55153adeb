// Package profile describes the per-language sandbox images and commands.
package profile

import (
	"fmt"
	"path"
	"strings"

	appErr "sandboxjudge/pkg/errors"

	"github.com/google/shlex"
)

// Container paths shared by the worker and the in-container runner.
const (
	MountSrc    = "/sandbox/src"
	MountTests  = "/sandbox/tests"
	MountLimits = "/sandbox/limits"
	MountOut    = "/sandbox/out"
	ScratchDir  = "/tmp"

	DefaultRunnerPath = "/usr/local/bin/sandbox-runner"
	DefaultMemoryMb   = 1024
	DefaultWorkers    = 4
)

// LanguageSpec describes how one language is compiled and run in its image.
// Command templates may use {src} for the source file and {bin} for the
// compiled artifact; both expand to container paths.
type LanguageSpec struct {
	ID             string  `yaml:"id"`
	Image          string  `yaml:"image"`
	SourceFile     string  `yaml:"sourceFile"`
	CompileCmd     string  `yaml:"compileCmd"`
	RunCmd         string  `yaml:"runCmd"`
	MemoryMb       int     `yaml:"memoryMb"`
	Workers        int     `yaml:"workers"`
	TimeMultiplier float64 `yaml:"timeMultiplier"`
}

// Defaults returns the built-in language table.
func Defaults() []LanguageSpec {
	return []LanguageSpec{
		{
			ID:             "python",
			Image:          "judge-python",
			SourceFile:     "Main.py",
			RunCmd:         "python3 {src}",
			MemoryMb:       DefaultMemoryMb,
			Workers:        DefaultWorkers,
			TimeMultiplier: 1,
		},
		{
			ID:             "cpp",
			Image:          "judge-cpp",
			SourceFile:     "Main.cpp",
			CompileCmd:     "g++ -O2 -std=c++17 -pipe -o {bin} {src}",
			RunCmd:         "{bin}",
			MemoryMb:       DefaultMemoryMb,
			Workers:        DefaultWorkers,
			TimeMultiplier: 1,
		},
		{
			ID:             "c",
			Image:          "judge-c",
			SourceFile:     "Main.c",
			CompileCmd:     "gcc -O2 -std=c11 -pipe -o {bin} {src} -lm",
			RunCmd:         "{bin}",
			MemoryMb:       DefaultMemoryMb,
			Workers:        DefaultWorkers,
			TimeMultiplier: 1,
		},
	}
}

// ApplyDefaults fills optional fields.
func (l *LanguageSpec) ApplyDefaults() {
	if l.MemoryMb <= 0 {
		l.MemoryMb = DefaultMemoryMb
	}
	if l.Workers <= 0 {
		l.Workers = DefaultWorkers
	}
	if l.TimeMultiplier <= 0 {
		l.TimeMultiplier = 1
	}
}

// Validate checks required fields and that command templates parse.
func (l LanguageSpec) Validate() error {
	if strings.TrimSpace(l.ID) == "" {
		return appErr.ValidationError("language.id", "required")
	}
	if l.Image == "" {
		return appErr.ValidationError("language.image", "required")
	}
	if l.SourceFile == "" || path.Base(l.SourceFile) != l.SourceFile {
		return appErr.ValidationError("language.sourceFile", "must be a plain file name")
	}
	if strings.TrimSpace(l.RunCmd) == "" {
		return appErr.ValidationError("language.runCmd", "required")
	}
	if _, err := l.RunArgs(); err != nil {
		return err
	}
	if _, err := l.CompileArgs(); err != nil {
		return err
	}
	return nil
}

// SourcePath is the container path of the staged source file.
func (l LanguageSpec) SourcePath() string {
	return path.Join(MountSrc, l.SourceFile)
}

// BinaryPath is the container path of the compiled artifact.
func (l LanguageSpec) BinaryPath() string {
	return path.Join(ScratchDir, "main")
}

// CompileArgs expands and splits the compile template; nil when the
// language is interpreted.
func (l LanguageSpec) CompileArgs() ([]string, error) {
	if strings.TrimSpace(l.CompileCmd) == "" {
		return nil, nil
	}
	return l.buildCommand(l.CompileCmd)
}

// RunArgs expands and splits the run template.
func (l LanguageSpec) RunArgs() ([]string, error) {
	return l.buildCommand(l.RunCmd)
}

// EntrypointArgs is the command the worker executes inside the container.
func (l LanguageSpec) EntrypointArgs(runnerPath string) ([]string, error) {
	if runnerPath == "" {
		runnerPath = DefaultRunnerPath
	}
	runArgs, err := l.RunArgs()
	if err != nil {
		return nil, err
	}
	args := []string{
		runnerPath,
		"-src", MountSrc,
		"-tests", MountTests,
		"-limits", MountLimits,
		"-out", MountOut,
		"-run", strings.Join(quoteAll(runArgs), " "),
	}
	compileArgs, err := l.CompileArgs()
	if err != nil {
		return nil, err
	}
	if len(compileArgs) > 0 {
		args = append(args, "-compile", strings.Join(quoteAll(compileArgs), " "))
	}
	return args, nil
}

func (l LanguageSpec) buildCommand(template string) ([]string, error) {
	expanded := strings.NewReplacer(
		"{src}", l.SourcePath(),
		"{bin}", l.BinaryPath(),
	).Replace(template)
	args, err := shlex.Split(expanded)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidFormat, "parse command for %s", l.ID)
	}
	if len(args) == 0 {
		return nil, appErr.ValidationError("language.command", "empty")
	}
	return args, nil
}

func quoteAll(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = quote(a)
	}
	return out
}

// quote wraps a if it needs quoting for shlex to split it back unchanged.
func quote(a string) string {
	if a != "" && !strings.ContainsAny(a, " \t\n'\"\\#") {
		return a
	}
	return "'" + strings.ReplaceAll(a, "'", `'"'"'`) + "'"
}

// Index maps language ids to specs and rejects duplicates.
func Index(specs []LanguageSpec) (map[string]LanguageSpec, error) {
	out := make(map[string]LanguageSpec, len(specs))
	for _, s := range specs {
		if _, ok := out[s.ID]; ok {
			return nil, fmt.Errorf("duplicate language %q", s.ID)
		}
		out[s.ID] = s
	}
	return out, nil
}
