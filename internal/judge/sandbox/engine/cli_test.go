package engine

import (
	"strings"
	"testing"
)

func TestCreateArgsIsolationPolicy(t *testing.T) {
	t.Parallel()

	args := createArgs(ContainerSpec{
		Name:      "judge-python-0",
		Image:     "judge-python",
		Cmd:       []string{"sleep", "infinity"},
		MemoryMb:  256,
		PidsLimit: 64,
		CPUs:      1,
		Mounts: []Mount{
			{Source: "/w/src", Target: "/sandbox/src", ReadOnly: true},
			{Source: "/w/out", Target: "/sandbox/out"},
		},
		Tmpfs:  map[string]string{"/tmp": "rw,exec,size=64m"},
		Labels: map[string]string{"sandboxjudge.language": "python"},
	})
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"--network=none",
		"--pids-limit=64",
		"--cpus=1",
		"--memory=256m",
		"--memory-swap=256m",
		"--read-only",
		"--security-opt=no-new-privileges",
		"--cap-drop=ALL",
		"-v /w/src:/sandbox/src:ro",
		"-v /w/out:/sandbox/out:rw",
		"--tmpfs /tmp:rw,exec,size=64m",
		"--label sandboxjudge.language=python",
		"--name judge-python-0",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected %q in %q", want, joined)
		}
	}
	if args[0] != "create" {
		t.Fatalf("expected create subcommand, got %s", args[0])
	}
	if got := args[len(args)-3:]; got[0] != "judge-python" || got[1] != "sleep" || got[2] != "infinity" {
		t.Fatalf("expected image and command at the end, got %v", got)
	}
}

func TestLimitedBufferTruncates(t *testing.T) {
	t.Parallel()

	b := &limitedBuffer{limit: 4}
	n, err := b.Write([]byte("abcdef"))
	if err != nil || n != 6 {
		t.Fatalf("expected full write report, got n=%d err=%v", n, err)
	}
	_, _ = b.Write([]byte("gh"))
	if b.String() != "abcd" {
		t.Fatalf("expected abcd, got %q", b.String())
	}
}

func TestNewRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Kind: "podman-vm"}); err == nil {
		t.Fatalf("expected error for unknown runtime kind")
	}
	rt, err := New(Config{Kind: KindCLI})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := rt.(*CLIRuntime); !ok {
		t.Fatalf("expected CLIRuntime, got %T", rt)
	}
}
