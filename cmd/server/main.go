// Command server starts the ASR gateway HTTP server and its background
// workers (task processor, model pool, callback dispatcher).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	asrstub "github.com/fairyhunter13/asr-gateway/internal/adapter/asr/stub"
	"github.com/fairyhunter13/asr-gateway/internal/adapter/asr/whisperexec"
	"github.com/fairyhunter13/asr-gateway/internal/adapter/crawler"
	httpserver "github.com/fairyhunter13/asr-gateway/internal/adapter/httpserver"
	"github.com/fairyhunter13/asr-gateway/internal/adapter/media/ffmpeg"
	"github.com/fairyhunter13/asr-gateway/internal/adapter/observability"
	badgerrepo "github.com/fairyhunter13/asr-gateway/internal/adapter/repo/badger"
	"github.com/fairyhunter13/asr-gateway/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/asr-gateway/internal/adapter/staging"
	"github.com/fairyhunter13/asr-gateway/internal/app"
	"github.com/fairyhunter13/asr-gateway/internal/config"
	"github.com/fairyhunter13/asr-gateway/internal/domain"
	"github.com/fairyhunter13/asr-gateway/internal/service/callback"
	"github.com/fairyhunter13/asr-gateway/internal/service/modelpool"
	"github.com/fairyhunter13/asr-gateway/internal/service/processor"
	"github.com/fairyhunter13/asr-gateway/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	repo, storeCheck, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("store open failed", slog.String("driver", cfg.DBDriver), slog.Any("error", err))
		os.Exit(1)
	}
	defer closeStore()

	stager, err := buildStager(cfg)
	if err != nil {
		slog.Error("staging setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	recoverState(ctx, cfg, repo, stager)

	engine := buildEngine(cfg)
	pool, err := modelpool.New(ctx, engine, modelpool.Options{
		Min:            cfg.ModelPoolMinSize,
		Max:            cfg.ModelPoolMaxSize,
		Devices:        gpuDevices(cfg.GPUDevices),
		MaxPerDevice:   cfg.MaxInstancesPerGPU,
		InitWithMax:    cfg.InitWithMaxPool,
		HealthInterval: time.Minute,
	})
	if err != nil {
		slog.Error("model pool init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	dispatcher := callback.New(repo, callback.Options{
		Workers:       cfg.CallbackWorkers,
		QueueSize:     cfg.CallbackQueueSize,
		MaxAttempts:   cfg.CallbackMaxAttempts,
		BaseDelay:     cfg.CallbackBaseInterval,
		MaxDelay:      cfg.CallbackMaxInterval,
		Timeout:       cfg.CallbackTimeout,
		PerHostLimit:  int64(cfg.CallbackPerHostInFlight),
		SweepInterval: 5 * time.Minute,
	})
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	proc := processor.New(repo, stager, ffmpeg.Prober{}, pool, dispatcher, processor.Options{
		EngineName:     cfg.EngineName,
		Concurrency:    cfg.MaxConcurrentTasks,
		PollInterval:   cfg.TaskStatusCheckInterval,
		TaskDeadline:   cfg.TaskDeadline,
		OrphanAge:      cfg.OrphanRecoveryAge,
		OrphanInterval: cfg.OrphanRecoveryAge,
	})
	proc.Start(ctx)
	defer proc.Stop()

	retentionCtx, stopRetention := context.WithCancel(ctx)
	defer stopRetention()
	go app.RunRetention(retentionCtx, repo, cfg.DataRetentionDays, cfg.CleanupInterval)

	tasks := usecase.NewTaskService(repo, stager, stager, proc, cfg.EngineName)
	srv := &httpserver.Server{
		Cfg:       cfg,
		Tasks:     tasks,
		Callback:  dispatcher,
		Extractor: ffmpeg.Extractor{},
		Checks: map[string]func(ctx context.Context) error{
			"store":  storeCheck,
			"pool":   app.PoolCheck(pool),
			"ffmpeg": app.FfmpegCheck(),
		},
	}
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port), slog.String("engine", cfg.EngineName))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

// openStore selects the job store backend and returns its repo, readiness
// check and closer.
func openStore(ctx context.Context, cfg config.Config) (domain.JobRepository, func(context.Context) error, func(), error) {
	switch cfg.DBDriver {
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.DBURL)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		return postgres.NewJobRepo(pool), pool.Ping, pool.Close, nil
	case "badger":
		store, err := badgerrepo.Open(cfg.BadgerDir)
		if err != nil {
			return nil, nil, nil, err
		}
		repo, err := badgerrepo.NewJobRepo(store)
		if err != nil {
			_ = store.Close()
			return nil, nil, nil, err
		}
		// the store is in-process; reachable means open
		check := func(context.Context) error { return nil }
		closer := func() {
			// releasing the id sequence before closing the store narrows the
			// id gap left by unconsumed leases
			_ = repo.Close()
			_ = store.Close()
		}
		return repo, check, closer, nil
	default:
		return nil, nil, nil, fmt.Errorf("op=main.store: unknown driver %q", cfg.DBDriver)
	}
}

// recoverState requeues jobs orphaned by the previous run and sweeps staging
// files no live job references.
func recoverState(ctx context.Context, cfg config.Config, repo domain.JobRepository, stager *staging.Stager) {
	n, err := repo.RequeueOrphans(ctx, time.Now().UTC().Add(-cfg.OrphanRecoveryAge))
	if err != nil {
		slog.Error("startup orphan requeue failed", slog.Any("error", err))
	} else if n > 0 {
		slog.Warn("requeued jobs from previous run", slog.Int64("count", n))
	}

	active := map[string]bool{}
	for _, st := range []domain.JobStatus{domain.JobQueued, domain.JobProcessing} {
		st := st
		jobs, err := repo.Query(ctx, domain.JobFilter{Status: &st, Limit: 10000})
		if err != nil {
			slog.Error("startup staging scan failed", slog.Any("error", err))
			return
		}
		for _, j := range jobs {
			if j.FilePath != "" {
				active[j.FilePath] = true
			}
		}
	}
	if _, err := stager.Reconcile(active, cfg.StagedFileTTL); err != nil {
		slog.Error("startup staging reconcile failed", slog.Any("error", err))
	}
}

func buildStager(cfg config.Config) (*staging.Stager, error) {
	crawlers := []domain.Crawler{
		crawler.NewDouyin(crawler.Config{Cookie: cfg.DouyinCookie, Client: proxyClient(cfg.DouyinProxy)}),
		crawler.NewTikTok(crawler.Config{Cookie: cfg.TikTokCookie, Client: proxyClient(cfg.TikTokProxy)}),
	}
	return staging.New(staging.Options{
		Dir:                    cfg.StagingDir,
		MaxFileSizeBytes:       cfg.MaxFileSizeBytes,
		AllowedExtension:       cfg.AllowedExtension,
		MaxConcurrentDownloads: cfg.MaxConcurrentStages,
		RetryMaxElapsed:        cfg.StagingRetryMax,
		DeleteDelay:            cfg.StagedFileTTL,
		PlatformClients: map[string]*http.Client{
			"douyin": proxyClient(cfg.DouyinProxy),
			"tiktok": proxyClient(cfg.TikTokProxy),
		},
		PlatformCookies: map[string]string{
			"douyin": cfg.DouyinCookie,
			"tiktok": cfg.TikTokCookie,
		},
	}, crawlers...)
}

// proxyClient returns a client routed through proxyURL, or nil when no proxy
// is configured so the stager falls back to its default client.
func proxyClient(proxyURL string) *http.Client {
	if proxyURL == "" {
		return nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		slog.Warn("invalid proxy url ignored", slog.String("proxy", proxyURL), slog.Any("error", err))
		return nil
	}
	return &http.Client{
		Timeout:   10 * time.Minute,
		Transport: &http.Transport{Proxy: http.ProxyURL(u)},
	}
}

func buildEngine(cfg config.Config) domain.Engine {
	if cfg.EngineName == "stub" {
		return &asrstub.Engine{}
	}
	return whisperexec.New(cfg.EngineName, cfg.EngineCommand)
}

func gpuDevices(ids []int) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, fmt.Sprintf("cuda:%d", id))
	}
	return out
}
