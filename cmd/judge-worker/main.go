package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sandboxjudge/internal/common/cache"
	"sandboxjudge/internal/common/db"
	commonmw "sandboxjudge/internal/common/http/middleware"
	"sandboxjudge/internal/common/mq"
	"sandboxjudge/internal/common/storage"
	"sandboxjudge/internal/judge/controller"
	"sandboxjudge/internal/judge/dispatcher"
	"sandboxjudge/internal/judge/metrics"
	"sandboxjudge/internal/judge/repository"
	"sandboxjudge/internal/judge/sandbox"
	"sandboxjudge/internal/judge/sandbox/engine"
	"sandboxjudge/internal/judge/service"
	"sandboxjudge/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/judge_worker.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "judge worker stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	bg := context.Background()

	database, err := db.Open(&appCfg.Database)
	if err != nil {
		return fmt.Errorf("init database failed: %w", err)
	}
	defer func() {
		_ = database.Close()
	}()

	var (
		basicCache cache.BasicOps
		sweepLock  cache.LockOps
	)
	if appCfg.Redis.Addr != "" {
		redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
		if err != nil {
			return fmt.Errorf("init redis failed: %w", err)
		}
		defer func() {
			_ = redisCache.Close()
		}()
		basicCache = redisCache
		sweepLock = redisCache
	} else {
		logger.Warn(bg, "redis disabled, problem cache and sweep lock are off")
	}

	var (
		mqClient  *mq.KafkaQueue
		publisher service.StatusEventPublisher
	)
	if appCfg.Kafka.Enabled() {
		mqClient, err = mq.NewKafkaQueue(appCfg.Kafka.KafkaConfig)
		if err != nil {
			return fmt.Errorf("init kafka failed: %w", err)
		}
		defer func() {
			_ = mqClient.Close()
		}()
		publisher = repository.NewMQStatusEventPublisher(mqClient, appCfg.Kafka.StatusTopic)
	} else {
		logger.Warn(bg, "kafka disabled, status events and reruns are off")
	}

	var archiver service.ResultArchiver
	if appCfg.MinIO.Enabled {
		objStorage, err := storage.NewMinIOStorage(appCfg.MinIO.MinIOConfig)
		if err != nil {
			return fmt.Errorf("init minio failed: %w", err)
		}
		ctx, cancel := context.WithTimeout(bg, 10*time.Second)
		err = objStorage.EnsureBucket(ctx, appCfg.MinIO.Bucket)
		cancel()
		if err != nil {
			return fmt.Errorf("ensure result bucket failed: %w", err)
		}
		artifacts, err := repository.NewArtifactRepository(objStorage, appCfg.MinIO.Bucket)
		if err != nil {
			return err
		}
		archiver = artifacts
	}

	runtime, err := engine.New(appCfg.Sandbox.Runtime)
	if err != nil {
		return fmt.Errorf("init sandbox runtime failed: %w", err)
	}
	if closer, ok := runtime.(io.Closer); ok {
		defer func() {
			_ = closer.Close()
		}()
	}
	registry, err := sandbox.NewRegistry(runtime, appCfg.Languages, appCfg.Sandbox.registryOptions())
	if err != nil {
		return fmt.Errorf("init sandbox registry failed: %w", err)
	}
	if err := registry.Init(bg); err != nil {
		return fmt.Errorf("start sandbox workers failed: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if err := registry.Shutdown(ctx); err != nil {
			logger.Error(ctx, "dispose sandbox workers failed", zap.Error(err))
		}
	}()
	prometheus.MustRegister(metrics.NewPoolCollector(registry.Stats))

	submissions := repository.NewSubmissionRepository(database, *appCfg.Dispatcher.MaxAttempts)
	problems := repository.NewProblemRepositoryWithTTL(database, basicCache, appCfg.Cache.TTL, appCfg.Cache.EmptyTTL)

	judge, err := service.NewJudge(service.JudgeConfig{
		Pools:          registry,
		WorkRoot:       appCfg.Judge.WorkRoot,
		ExecOverhead:   appCfg.Judge.ExecOverhead,
		Archiver:       archiver,
		ArchiveTimeout: appCfg.Judge.ArchiveTimeout,
	})
	if err != nil {
		return fmt.Errorf("init judge failed: %w", err)
	}
	execution, err := service.NewExecutionService(service.ExecutionConfig{
		Submissions:    submissions,
		Problems:       problems,
		TestCases:      problems,
		Judge:          judge,
		Publisher:      publisher,
		PublishTimeout: appCfg.Judge.PublishTimeout,
	})
	if err != nil {
		return fmt.Errorf("init execution service failed: %w", err)
	}

	disp, err := dispatcher.New(dispatcher.Config{
		ID:           appCfg.Dispatcher.ID,
		Concurrency:  appCfg.Dispatcher.Concurrency,
		PollInterval: appCfg.Dispatcher.PollInterval,
		MaxBackoff:   appCfg.Dispatcher.MaxBackoff,
	}, submissions, execution)
	if err != nil {
		return fmt.Errorf("init dispatcher failed: %w", err)
	}
	sweeper, err := dispatcher.NewSweeper(dispatcher.SweeperConfig{
		Interval:     appCfg.Dispatcher.RecoverInterval,
		StuckTimeout: appCfg.Dispatcher.StuckTimeout,
		Lock:         sweepLock,
		LockKey:      appCfg.Dispatcher.LockKey,
		Owner:        disp.ID(),
	}, submissions)
	if err != nil {
		return fmt.Errorf("init recovery sweep failed: %w", err)
	}

	judgeController := controller.NewJudgeController(registry, submissions, disp)
	httpServer := buildHTTPServer(appCfg.Server, judgeController)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener failed: %w", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	if mqClient != nil {
		rerun, err := dispatcher.NewRerunConsumer(mqClient, appCfg.Kafka.RerunTopic, submissions, appCfg.Kafka.subscribeOptions())
		if err != nil {
			return fmt.Errorf("init rerun consumer failed: %w", err)
		}
		if err := rerun.Register(bg); err != nil {
			return fmt.Errorf("subscribe rerun topic failed: %w", err)
		}
		if err := mqClient.Start(); err != nil {
			return fmt.Errorf("start kafka consumer failed: %w", err)
		}
	}

	disp.Start(bg)
	sweeper.Start(bg)
	logger.Info(bg, "dispatcher started",
		zap.String("dispatcher_id", disp.ID()),
		zap.Int("concurrency", appCfg.Dispatcher.Concurrency),
		zap.Strings("languages", registry.Languages()),
	)

	errCh := make(chan error, 1)
	go func() {
		logger.Info(bg, "judge http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(bg, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(bg, "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(bg, "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(bg, defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	if mqClient != nil {
		_ = mqClient.Stop()
	}
	if err := disp.Shutdown(ctx); err != nil {
		logger.Warn(ctx, "dispatcher did not drain before timeout", zap.Strings("inflight", disp.InFlight()), zap.Error(err))
	}
	if err := sweeper.Stop(ctx); err != nil {
		logger.Warn(ctx, "recovery sweep stop failed", zap.Error(err))
	}
	return nil
}

func buildHTTPServer(cfg ServerConfig, judgeController *controller.JudgeController) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())

	controller.RegisterRoutes(router, judgeController, prometheus.DefaultGatherer)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
