package engine

import (
	"fmt"
	"time"
)

const (
	KindDocker = "docker"
	KindCLI    = "cli"
)

// Config selects and tunes the container runtime.
type Config struct {
	// Kind is "docker" (Engine API) or "cli" (docker binary).
	Kind string `yaml:"kind"`
	// Binary is the CLI executable used by the cli runtime.
	Binary string `yaml:"binary"`
	// Host overrides DOCKER_HOST for the API runtime.
	Host string `yaml:"host"`
	// OutputLimitBytes caps captured stdout/stderr per exec.
	OutputLimitBytes int64 `yaml:"outputLimitBytes"`
	// OperationTimeout bounds create/start/remove/restart calls.
	OperationTimeout time.Duration `yaml:"operationTimeout"`
}

func (c *Config) ApplyDefaults() {
	if c.Kind == "" {
		c.Kind = KindDocker
	}
	if c.Binary == "" {
		c.Binary = "docker"
	}
	if c.OutputLimitBytes <= 0 {
		c.OutputLimitBytes = 1 << 20
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 30 * time.Second
	}
}

// New builds the runtime selected by cfg.Kind.
func New(cfg Config) (Runtime, error) {
	cfg.ApplyDefaults()
	switch cfg.Kind {
	case KindDocker:
		return NewDockerRuntime(cfg)
	case KindCLI:
		return NewCLIRuntime(cfg), nil
	default:
		return nil, fmt.Errorf("unknown sandbox runtime %q", cfg.Kind)
	}
}
