package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codex/internal/common/cache"
	"codex/internal/common/db"
	commonmw "codex/internal/common/http/middleware"
	"codex/internal/common/mq"
	"codex/internal/common/scheduler"
	"codex/internal/common/storage"
	"codex/internal/execution/lock"
	"codex/internal/execution/queue"
	"codex/internal/execution/repository"
	"codex/internal/execution/sandbox"
	execservice "codex/internal/execution/service"
	"codex/internal/execution/worker"
	"codex/internal/monitoring"
	"codex/internal/realtime"
	"codex/internal/submission/controller"
	submissionservice "codex/internal/submission/service"
	"codex/pkg/utils/logger"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/judge_service.yaml"

const (
	queueDepthJob = "queue-depth"
	reaperJob     = "stale-submission-reaper"
)

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
		logger.Error(context.Background(), "judge service exited with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
	if err != nil {
		return fmt.Errorf("init database failed: %w", err)
	}
	defer func() {
		_ = mysqlDB.Close()
	}()

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		return fmt.Errorf("init redis failed: %w", err)
	}
	defer func() {
		_ = redisCache.Close()
	}()

	docker, err := sandbox.NewDockerRuntime(appCfg.Sandbox.DockerHost)
	if err != nil {
		return fmt.Errorf("init docker client failed: %w", err)
	}
	defer func() {
		_ = docker.Close()
	}()
	pingCtx, cancelPing := context.WithTimeout(rootCtx, 5*time.Second)
	if err := docker.Ping(pingCtx); err != nil {
		// Submissions fail with RUNTIME_ERROR until the daemon is reachable.
		logger.Warn(rootCtx, "docker daemon not reachable", zap.Error(err))
	}
	cancelPing()

	executor, err := sandbox.NewExecutor(docker, appCfg.Sandbox)
	if err != nil {
		return fmt.Errorf("init sandbox executor failed: %w", err)
	}

	submissions := repository.NewSubmissionRepository(mysqlDB)
	problems := repository.NewProblemRepository(mysqlDB, redisCache, appCfg.Catalog.CacheTTL)
	languages := repository.NewLanguageRepository(mysqlDB, redisCache, appCfg.Catalog.CacheTTL)
	testCases := repository.NewTestCaseRepository(mysqlDB)
	results := repository.NewResultRepository(mysqlDB, submissions)

	var verdicts repository.VerdictPublisher
	if appCfg.verdictsEnabled() {
		publisher, err := mq.NewKafkaPublisher(appCfg.Kafka)
		if err != nil {
			return fmt.Errorf("init kafka failed: %w", err)
		}
		defer func() {
			_ = publisher.Close()
		}()
		verdicts = repository.NewMQVerdictPublisher(publisher, appCfg.Verdict.Topic)
	} else {
		logger.Info(rootCtx, "kafka brokers not configured, verdict events disabled")
	}

	var archive repository.OutputArchiver
	if appCfg.archiveEnabled() {
		objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			return fmt.Errorf("init minio failed: %w", err)
		}
		bucketCtx, cancelBucket := context.WithTimeout(rootCtx, 10*time.Second)
		err = objStorage.EnsureBucket(bucketCtx, appCfg.Archive.Bucket)
		cancelBucket()
		if err != nil {
			return fmt.Errorf("ensure archive bucket failed: %w", err)
		}
		archive = repository.NewObjectOutputArchive(objStorage, appCfg.Archive.Bucket, appCfg.Archive.InlineLimit)
	} else {
		logger.Info(rootCtx, "minio endpoint not configured, output archive disabled")
	}

	notifier := realtime.NewNotifier(appCfg.Events)
	recorder := monitoring.NewRecorder()

	orchestrator, err := execservice.NewOrchestrator(execservice.Config{
		Submissions: submissions,
		Problems:    problems,
		Languages:   languages,
		TestCases:   testCases,
		Results:     results,
		Sandbox:     executor,
		Notifier:    notifier,
		Verdicts:    verdicts,
		Archive:     archive,
		Recorder:    recorder,
	})
	if err != nil {
		return fmt.Errorf("init orchestrator failed: %w", err)
	}

	jobQueue := queue.NewRedisQueue(redisCache, appCfg.Queue)
	locks := lock.NewManager(redisCache, appCfg.Lock)
	pool, err := worker.NewPool(jobQueue, locks, orchestrator, appCfg.Worker)
	if err != nil {
		return fmt.Errorf("init worker pool failed: %w", err)
	}

	monitoringSvc := monitoring.NewService(jobQueue, recorder)
	submissionSvc, err := submissionservice.NewSubmissionService(submissionservice.Config{
		Database:     mysqlDB,
		Submissions:  submissions,
		Problems:     problems,
		Languages:    languages,
		Results:      results,
		Archive:      archive,
		History:      repository.NewHistoryRepository(mysqlDB),
		Queue:        jobQueue,
		MaxCodeBytes: appCfg.Submission.MaxCodeBytes,
	})
	if err != nil {
		return fmt.Errorf("init submission service failed: %w", err)
	}

	jobs := scheduler.New(rootCtx)
	jobNames := []string{queueDepthJob}
	if err := jobs.Add(scheduler.Job{
		Name:    queueDepthJob,
		Spec:    appCfg.Monitoring.QueueDepthSchedule,
		Timeout: defaultMaintenanceWindow,
		Run:     monitoringSvc.SampleQueueDepth,
	}); err != nil {
		return err
	}
	if appCfg.Reaper.Enabled {
		reaper, err := execservice.NewReaper(orchestrator, submissions, locks, jobQueue, appCfg.Reaper.Grace, appCfg.Reaper.Batch)
		if err != nil {
			return fmt.Errorf("init reaper failed: %w", err)
		}
		if err := jobs.Add(scheduler.Job{
			Name:    reaperJob,
			Spec:    appCfg.Reaper.Schedule,
			Timeout: defaultMaintenanceWindow,
			Run: func(ctx context.Context) error {
				_, err := reaper.Sweep(ctx)
				return err
			},
		}); err != nil {
			return err
		}
		jobNames = append(jobNames, reaperJob)
	}

	httpServer := buildHTTPServer(appCfg, routes{
		auth:        commonmw.NewAuthenticator(appCfg.Auth),
		submissions: controller.NewSubmissionController(submissionSvc),
		streams:     realtime.NewHandler(notifier, submissions),
		monitoring:  monitoring.NewHandler(monitoringSvc),
		jobs:        jobs,
		jobNames:    jobNames,
	})
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener failed: %w", err)
	}

	if appCfg.Reaper.Enabled {
		// Recover what a previous process left behind before taking new work.
		if err := jobs.RunNow(reaperJob); err != nil {
			logger.Warn(rootCtx, "startup sweep failed", zap.Error(err))
		}
	}
	if err := pool.Start(rootCtx); err != nil {
		return err
	}
	jobs.Start()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(rootCtx, "judge http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	var serveErr error
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("http server stopped: %w", err)
		}
	case <-rootCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	jobs.Stop(ctx)
	stop()
	if err := pool.Stop(); err != nil {
		logger.Error(ctx, "worker pool shutdown failed", zap.Error(err))
	}
	return serveErr
}

type routes struct {
	auth        *commonmw.Authenticator
	submissions *controller.SubmissionController
	streams     *realtime.Handler
	monitoring  *monitoring.Handler
	jobs        *scheduler.Scheduler
	jobNames    []string
}

func buildHTTPServer(cfg *AppConfig, r routes) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		jobs := gin.H{}
		for _, name := range r.jobNames {
			if st, ok := r.jobs.Stats(name); ok {
				jobs[name] = st
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "jobs": jobs})
	})
	router.GET("/metrics", monitoring.Metrics())
	if cfg.Server.EnablePprof {
		pprof.Register(router)
	}

	api := router.Group("/api/v1")
	api.Use(commonmw.AuthMiddleware(r.auth))
	r.submissions.Register(api)
	r.streams.Register(api)
	r.monitoring.Register(api)

	return &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
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
