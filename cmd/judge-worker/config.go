package main

import (
	"fmt"
	"os"
	"time"

	"sandboxjudge/internal/common/cache"
	"sandboxjudge/internal/common/db"
	"sandboxjudge/internal/common/mq"
	"sandboxjudge/internal/common/storage"
	"sandboxjudge/internal/judge/dispatcher"
	"sandboxjudge/internal/judge/sandbox"
	"sandboxjudge/internal/judge/sandbox/engine"
	"sandboxjudge/internal/judge/sandbox/profile"
	"sandboxjudge/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8085"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second

	defaultSandboxRoot     = "/var/lib/sandboxjudge/workers"
	defaultWorkRoot        = "/var/lib/sandboxjudge/runs"
	defaultExecOverhead    = 2 * time.Second
	defaultConcurrency     = 8
	defaultPollInterval    = time.Second
	defaultMaxBackoff      = 30 * time.Second
	defaultStuckTimeout    = 5 * time.Minute
	defaultRecoverInterval = 60 * time.Second
	defaultMaxAttempts     = 3
	defaultProblemTTL      = 30 * time.Minute
	defaultEmptyTTL        = 5 * time.Minute
	defaultStatusTopic     = "judge.status.final"
	defaultArtifactBucket  = "judge-results"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// KafkaConfig holds Kafka settings. Kafka is disabled when no broker is set.
type KafkaConfig struct {
	mq.KafkaConfig `yaml:",inline"`

	StatusTopic   string        `yaml:"statusTopic"`
	RerunTopic    string        `yaml:"rerunTopic"`
	ConsumerGroup string        `yaml:"consumerGroup"`
	Concurrency   int           `yaml:"concurrency"`
	MaxRetries    int           `yaml:"maxRetries"`
	RetryDelay    time.Duration `yaml:"retryDelay"`
	DeadLetter    string        `yaml:"deadLetterTopic"`
}

func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

// MinIOConfig holds result archive settings.
type MinIOConfig struct {
	storage.MinIOConfig `yaml:",inline"`

	Enabled bool `yaml:"enabled"`
}

// SandboxConfig holds container and worker settings.
type SandboxConfig struct {
	Runtime          engine.Config `yaml:"runtime"`
	Root             string        `yaml:"root"`
	RunnerPath       string        `yaml:"runnerPath"`
	PidsLimit        int64         `yaml:"pidsLimit"`
	CPUs             float64       `yaml:"cpus"`
	ScratchSize      string        `yaml:"scratchSize"`
	MaxFailures      int           `yaml:"maxFailures"`
	StartConcurrency int           `yaml:"startConcurrency"`
}

// JudgeConfig holds judge work settings.
type JudgeConfig struct {
	WorkRoot       string        `yaml:"workRoot"`
	ExecOverhead   time.Duration `yaml:"execOverhead"`
	ArchiveTimeout time.Duration `yaml:"archiveTimeout"`
	PublishTimeout time.Duration `yaml:"publishTimeout"`
}

// DispatcherConfig holds claim loop and recovery settings.
type DispatcherConfig struct {
	ID              string        `yaml:"id"`
	Concurrency     int           `yaml:"concurrency"`
	PollInterval    time.Duration `yaml:"pollInterval"`
	MaxBackoff      time.Duration `yaml:"maxBackoff"`
	StuckTimeout    time.Duration `yaml:"stuckTimeout"`
	RecoverInterval time.Duration `yaml:"recoverInterval"`
	// MaxAttempts caps requeues of FAILED submissions; an explicit 0 lifts
	// the cap.
	MaxAttempts *int   `yaml:"maxAttempts"`
	LockKey     string `yaml:"lockKey"`
}

// CacheConfig holds problem cache TTLs.
type CacheConfig struct {
	TTL      time.Duration `yaml:"ttl"`
	EmptyTTL time.Duration `yaml:"emptyTTL"`
}

// AppConfig holds judge-worker config.
type AppConfig struct {
	Server     ServerConfig           `yaml:"server"`
	Logger     logger.Config          `yaml:"logger"`
	Database   db.Config              `yaml:"database"`
	Redis      cache.RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig            `yaml:"kafka"`
	MinIO      MinIOConfig            `yaml:"minio"`
	Sandbox    SandboxConfig          `yaml:"sandbox"`
	Languages  []profile.LanguageSpec `yaml:"languages"`
	Judge      JudgeConfig            `yaml:"judge"`
	Dispatcher DispatcherConfig       `yaml:"dispatcher"`
	Cache      CacheConfig            `yaml:"cache"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *AppConfig) applyDefaults() error {
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if cfg.Redis.Addr != "" {
		cfg.Redis.ApplyDefaults()
	}
	if cfg.MinIO.Enabled && cfg.MinIO.Endpoint == "" {
		return fmt.Errorf("minio endpoint is required when minio is enabled")
	}
	if cfg.MinIO.Enabled && cfg.MinIO.Bucket == "" {
		cfg.MinIO.Bucket = defaultArtifactBucket
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}

	if cfg.Kafka.StatusTopic == "" {
		cfg.Kafka.StatusTopic = defaultStatusTopic
	}
	if cfg.Kafka.RerunTopic == "" {
		cfg.Kafka.RerunTopic = dispatcher.DefaultRerunTopic
	}
	if cfg.Kafka.ConsumerGroup == "" {
		cfg.Kafka.ConsumerGroup = "judge-worker"
	}

	cfg.Sandbox.Runtime.ApplyDefaults()
	if cfg.Sandbox.Root == "" {
		cfg.Sandbox.Root = defaultSandboxRoot
	}
	if cfg.Sandbox.RunnerPath == "" {
		cfg.Sandbox.RunnerPath = profile.DefaultRunnerPath
	}
	if len(cfg.Languages) == 0 {
		cfg.Languages = profile.Defaults()
	}

	if cfg.Judge.WorkRoot == "" {
		cfg.Judge.WorkRoot = defaultWorkRoot
	}
	if cfg.Judge.ExecOverhead <= 0 {
		cfg.Judge.ExecOverhead = defaultExecOverhead
	}

	if cfg.Dispatcher.Concurrency <= 0 {
		cfg.Dispatcher.Concurrency = defaultConcurrency
	}
	if cfg.Dispatcher.PollInterval <= 0 {
		cfg.Dispatcher.PollInterval = defaultPollInterval
	}
	if cfg.Dispatcher.MaxBackoff <= 0 {
		cfg.Dispatcher.MaxBackoff = defaultMaxBackoff
	}
	if cfg.Dispatcher.StuckTimeout <= 0 {
		cfg.Dispatcher.StuckTimeout = defaultStuckTimeout
	}
	if cfg.Dispatcher.RecoverInterval <= 0 {
		cfg.Dispatcher.RecoverInterval = defaultRecoverInterval
	}
	if cfg.Dispatcher.MaxAttempts == nil {
		maxAttempts := defaultMaxAttempts
		cfg.Dispatcher.MaxAttempts = &maxAttempts
	} else if *cfg.Dispatcher.MaxAttempts < 0 {
		return fmt.Errorf("dispatcher.maxAttempts must not be negative")
	}
	if cfg.Dispatcher.ID == "" {
		cfg.Dispatcher.ID = dispatcher.NewIdentity()
	}

	if cfg.Cache.TTL <= 0 {
		cfg.Cache.TTL = defaultProblemTTL
	}
	if cfg.Cache.EmptyTTL <= 0 {
		cfg.Cache.EmptyTTL = defaultEmptyTTL
	}
	return nil
}

func (s SandboxConfig) registryOptions() sandbox.RegistryOptions {
	return sandbox.RegistryOptions{
		Root:             s.Root,
		RunnerPath:       s.RunnerPath,
		PidsLimit:        s.PidsLimit,
		CPUs:             s.CPUs,
		ScratchSize:      s.ScratchSize,
		MaxFailures:      s.MaxFailures,
		StartConcurrency: s.StartConcurrency,
	}
}

func (k KafkaConfig) subscribeOptions() mq.SubscribeOptions {
	return mq.SubscribeOptions{
		ConsumerGroup:   k.ConsumerGroup,
		Concurrency:     k.Concurrency,
		MaxRetries:      k.MaxRetries,
		RetryDelay:      k.RetryDelay,
		DeadLetterTopic: k.DeadLetter,
	}
}
