package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/splax/peep/internal/broadcast"
	"github.com/splax/peep/internal/build"
	"github.com/splax/peep/internal/docker"
	"github.com/splax/peep/internal/executor"
	"github.com/splax/peep/internal/fixer"
	httpx "github.com/splax/peep/internal/http"
	"github.com/splax/peep/internal/queue"
	"github.com/splax/peep/internal/repository/postgres"
	"github.com/splax/peep/internal/source"
	"github.com/splax/peep/internal/storage"
	"github.com/splax/peep/internal/workspace"
	"github.com/splax/peep/pkg/config"
	"github.com/splax/peep/pkg/logger"
)

func main() {
	cfg := config.LoadBuilderConfig()
	log := logger.New("builder", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dockerClient, err := docker.New(cfg.Sandbox.Host)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()

	if err := dockerClient.Ping(ctx); err != nil {
		log.Error("docker ping failed", "error", err)
		os.Exit(1)
	}

	workspaceManager, err := workspace.New(cfg.Workdir)
	if err != nil {
		log.Error("workspace init failed", "error", err, "workdir", cfg.Workdir)
		os.Exit(1)
	}

	objects, err := storage.New(ctx, cfg.ObjectStore)
	if err != nil {
		log.Error("object store init failed", "error", err, "backend", cfg.ObjectStore.Backend)
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	repo := postgres.New(pool)

	var jobs queue.Queue
	if cfg.RedisAddr != "" {
		redisQueue, err := queue.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.QueueName, log)
		if err != nil {
			log.Error("redis queue init failed", "error", err, "addr", cfg.RedisAddr)
			os.Exit(1)
		}
		jobs = redisQueue
	} else {
		log.Warn("QUEUE_REDIS_ADDR not set, queued jobs will not survive a restart")
		jobs = queue.NewMemory()
	}
	defer jobs.Close()

	hub := broadcast.NewHub()
	defer hub.Close()
	broadcaster := broadcast.Fanout{hub}
	if cfg.NatsURL != "" {
		natsPublisher, err := broadcast.NewNATS(cfg.NatsURL, log)
		if err != nil {
			log.Error("nats connect failed", "error", err, "url", cfg.NatsURL)
			os.Exit(1)
		}
		defer natsPublisher.Close()
		broadcaster = append(broadcaster, natsPublisher)
	}

	var limiter httpx.RateLimiter
	if cfg.RedisAddr != "" {
		redisLimiter, err := httpx.NewRedisLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log)
		if err != nil {
			log.Error("redis rate limiter init failed", "error", err, "addr", cfg.RedisAddr)
			os.Exit(1)
		}
		limiter = redisLimiter
	} else {
		limiter = httpx.NewMemoryLimiter()
	}
	defer limiter.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	deps := build.Deps{
		Deployments: repo,
		Workspaces:  workspaceManager,
		Source: source.NewAcquirer(objects, log,
			source.WithGitToken(cfg.GitToken),
			source.WithGitTimeout(cfg.GitTimeout),
			source.WithTempDir(workspaceManager.Root()),
		),
		Runner: executor.New(dockerClient, executor.Config{
			Image:            cfg.Sandbox.Image,
			Limits:           docker.LimitsFor(cfg.Sandbox.MemoryMB, cfg.Sandbox.CPUs, cfg.Sandbox.PidsLimit),
			Timeout:          cfg.BuildTimeout,
			Registry:         cfg.Registry,
			RegistryUsername: cfg.RegistryUsername,
			RegistryPassword: cfg.RegistryPassword,
		}, log),
		Uploader:    objects,
		Broadcaster: broadcaster,
		Registerer:  registry,
	}
	if client := fixer.New(cfg.FixerURL, cfg.FixerTimeout); client != nil {
		deps.Fixer = client
	}

	svc := build.NewService(deps, cfg.BaseDomain, log)
	workers := build.NewPool(jobs, svc, cfg.Workers, log)
	submitter := build.NewSubmitter(repo, jobs, broadcaster, log)

	router := httpx.New(log, httpx.Options{
		Deployer:    submitter,
		Deployments: repo,
		Hub:         hub,
		Checks: map[string]httpx.HealthCheck{
			"docker":   dockerClient.Ping,
			"postgres": pool.Ping,
		},
		Registerer:   registry,
		Gatherer:     registry,
		Limiter:      limiter,
		DeployLimit:  cfg.DeployRateLimit,
		DeployWindow: cfg.DeployRateWindow,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		workers.Run(ctx)
	}()

	errorCh := make(chan error, 1)
	go func() {
		log.Info("builder server starting", "addr", cfg.Addr, "workers", cfg.Workers)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		wg.Wait()
		log.Info("builder server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			stop()
			wg.Wait()
			os.Exit(1)
		}
	}
}
