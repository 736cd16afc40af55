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
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/peep/internal/diskcache"
	"github.com/splax/peep/internal/docker"
	"github.com/splax/peep/internal/lifecycle"
	"github.com/splax/peep/internal/repository/postgres"
	"github.com/splax/peep/internal/router"
	"github.com/splax/peep/internal/storage"
	"github.com/splax/peep/internal/usage"
	"github.com/splax/peep/pkg/config"
	"github.com/splax/peep/pkg/logger"
)

func main() {
	cfg := config.LoadRouterConfig()
	log := logger.New("router", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	repo := postgres.New(pool)

	objects, err := storage.New(ctx, cfg.ObjectStore)
	if err != nil {
		log.Error("object store init failed", "error", err, "backend", cfg.ObjectStore.Backend)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var ledger diskcache.Ledger
	if cfg.CacheLedgerPath != "" {
		badgerLedger, err := diskcache.OpenBadgerLedger(cfg.CacheLedgerPath)
		if err != nil {
			log.Error("cache ledger open failed", "error", err, "path", cfg.CacheLedgerPath)
			os.Exit(1)
		}
		ledger = badgerLedger
	}
	cache, err := diskcache.New(diskcache.Config{
		Root:     cfg.CacheDir,
		MaxBytes: cfg.CacheMaxBytes,
		MaxIdle:  cfg.CacheMaxIdle,
	}, objects, ledger, log, registry)
	if err != nil {
		log.Error("artifact cache init failed", "error", err, "dir", cfg.CacheDir)
		os.Exit(1)
	}
	defer cache.Close()
	if removed, err := cache.CleanupOrphans(); err != nil {
		log.Warn("artifact cache cleanup failed", "error", err)
	} else if removed > 0 {
		log.Info("removed orphaned artifacts", "count", removed)
	}

	dockerClient, err := docker.New(cfg.Runtime.Host)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		log.Error("docker ping failed", "error", err)
		os.Exit(1)
	}

	runtime := lifecycle.New(dockerClient, lifecycle.Config{
		RuntimeImage:     cfg.Runtime.Image,
		ContainerPort:    cfg.ContainerPort,
		Limits:           docker.LimitsFor(cfg.Runtime.MemoryMB, cfg.Runtime.CPUs, cfg.Runtime.PidsLimit),
		TTL:              cfg.ContainerTTL,
		HealthInterval:   cfg.HealthInterval,
		HealthTimeout:    cfg.HealthTimeout,
		PullTimeout:      cfg.PullTimeout,
		RegistryUsername: cfg.RegistryUsername,
		RegistryPassword: cfg.RegistryPassword,
	}, log, registry)
	if removed, err := runtime.SweepOrphans(ctx); err != nil {
		log.Warn("orphan container sweep failed", "error", err)
	} else if removed > 0 {
		log.Info("stopped orphaned containers", "count", removed)
	}
	cache.OnEvict(func(deploymentID string) {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := runtime.Stop(stopCtx, deploymentID); err != nil {
			log.Warn("stop evicted deployment failed", "deployment_id", deploymentID, "error", err)
		}
	})

	var recorder usage.Recorder = repo
	if cfg.UsageURL != "" {
		emitter, err := usage.NewEmitter(cfg.UsageURL, cfg.UsageToken, &http.Client{Timeout: 5 * time.Second})
		if err != nil {
			log.Error("usage emitter init failed", "error", err)
			os.Exit(1)
		}
		recorder = emitter
	}

	resolver := router.NewResolver(repo, repo, repo, cfg.BaseDomain)
	proxy := router.New(resolver, cache, runtime, usage.NewDispatcher(recorder, log), router.Config{
		Retries:       cfg.ProxyRetries,
		RetryInterval: cfg.ProxyRetryInterval,
		MaxBody:       cfg.MaxBufferedBody,
	}, log, registry)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           proxy,
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsMux.HandleFunc("GET /healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := pool.Ping(req.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		cache.Run(ctx, cfg.SweepInterval)
	}()
	go func() {
		defer wg.Done()
		runtime.Run(ctx, cfg.SweepInterval)
	}()

	errorCh := make(chan error, 2)
	go func() {
		log.Info("router starting", "addr", cfg.Addr, "base_domain", cfg.BaseDomain)
		errorCh <- srv.ListenAndServe()
	}()
	go func() {
		log.Info("metrics server starting", "addr", cfg.MetricsAddr)
		errorCh <- metricsSrv.ListenAndServe()
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			exitCode = 1
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	_ = metricsSrv.Shutdown(shutdownCtx)
	wg.Wait()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStop()
	if err := runtime.Shutdown(stopCtx); err != nil {
		log.Error("stopping containers failed", "error", err)
	}
	log.Info("router stopped")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
