package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/oriys/osmdbt-worker/internal/config"
	"github.com/oriys/osmdbt-worker/internal/fsstore"
	"github.com/oriys/osmdbt-worker/internal/job"
	"github.com/oriys/osmdbt-worker/internal/logging"
	"github.com/oriys/osmdbt-worker/internal/mediator"
	"github.com/oriys/osmdbt-worker/internal/metrics"
	"github.com/oriys/osmdbt-worker/internal/objectstore"
	"github.com/oriys/osmdbt-worker/internal/observability"
	"github.com/oriys/osmdbt-worker/internal/scheduler"
	"github.com/oriys/osmdbt-worker/internal/toolrunner"
)

// hardShutdownTimeout is the safety timer after which the process
// self-terminates even if shutdown hooks have not returned.
const hardShutdownTimeout = 10 * time.Second

func run(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	config.LoadFromEnv(cfg)

	logging.InitStructured(cfg.Telemetry.Logger, "info")
	log := logging.Op()

	ctx := context.Background()
	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Telemetry.Tracing.Enabled,
		Exporter:    "otlp-http",
		Endpoint:    cfg.Telemetry.Tracing.URL,
		ServiceName: "osmdbt-worker",
		SampleRate:  cfg.Telemetry.Tracing.Ratio,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.Shutdown(context.Background())

	m := metrics.Init("osmdbt", cfg.Telemetry.Metrics.Buckets.OsmdbtJobDurationSeconds, cfg.Telemetry.Metrics.Buckets.OsmdbtCommandDurationSeconds)

	objStore, err := objectstore.New(ctx, objectstore.Config{
		Endpoint:   cfg.ObjectStorage.Endpoint,
		BucketName: cfg.ObjectStorage.BucketName,
		ACL:        cfg.ObjectStorage.ACL,
		Region:     cfg.ObjectStorage.Region,
		AccessKey:  cfg.ObjectStorage.Credentials.AccessKey,
		SecretKey:  cfg.ObjectStorage.Credentials.SecretKey,
	})
	if err != nil {
		return fmt.Errorf("init object store: %w", err)
	}

	fsStore := fsstore.New()

	tools := toolrunner.New("", func(tool, command string, exitCode int, d time.Duration) {
		m.ObserveCommandDuration(tool, command, exitCode, d)
	})

	var med job.Mediator
	if cfg.Arstotzka.Enabled {
		timeout, perr := time.ParseDuration(cfg.Arstotzka.Mediator.Timeout)
		if perr != nil {
			timeout = 5 * time.Second
		}
		med = mediator.New(mediator.Config{
			BaseURL:   cfg.Arstotzka.Mediator.BaseURL,
			ServiceID: cfg.Arstotzka.ServiceID,
			Timeout:   timeout,
			Retries:   uint(cfg.Arstotzka.Mediator.Retries),
		})
	} else {
		med = noopMediator{}
	}

	paths := job.Paths{
		ChangesDir: cfg.Osmdbt.ChangesDir,
		LogsDir:    cfg.Osmdbt.LogDir,
		RunDir:     cfg.Osmdbt.RunDir,
	}
	toolCfg := job.ToolConfig{
		ConfigPath:        cfg.Osmdbt.ConfigPath,
		Verbose:           cfg.Osmdbt.Verbose,
		GetLogMaxChanges:  cfg.Osmdbt.GetLogMaxChanges,
		ShouldCollectInfo: cfg.App.ShouldCollectInfo,
		OsmiumVerbose:     cfg.Osmium.Verbose,
		OsmiumProgress:    cfg.Osmium.Progress,
	}

	engine := job.New(fsStore, objStore, tools, med, m, log, paths, toolCfg)
	sched := scheduler.New(engine, scheduler.Config{
		CronEnabled:           cfg.App.Cron.Enabled,
		CronExpression:        cfg.App.Cron.Expression,
		FailurePenaltySeconds: cfg.App.Cron.FailurePenaltySeconds,
	}, log)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, span := observability.StartServerSpan(r.Context(), "healthz")
		defer span.End()
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"osmdbt-worker"}`))
	})
	httpServer := &http.Server{Addr: ":9102", Handler: mux}
	go func() {
		log.Info("liveness endpoint started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("liveness server error", "error", err)
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Hard safety timer: once a shutdown signal lands, self-terminate after
	// hardShutdownTimeout even if the scheduler/job never returns.
	go func() {
		<-sigCtx.Done()
		log.Info("shutdown signal received, draining in-flight job")
		time.Sleep(hardShutdownTimeout)
		log.Error("hard shutdown timer expired, forcing exit")
		os.Exit(130)
	}()

	var runErr error
	if cfg.App.Cron.Enabled {
		runErr = sched.RunCron(sigCtx)
	} else {
		runErr = sched.RunOnce(ctx)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	if cfg.App.Cron.Enabled {
		// RunCron only returns on a setup failure (bad cron expression) or a
		// clean shutdown after the signal-driven drain above; per-tick job
		// failures are logged and penalized internally, never propagated here.
		return runErr
	}

	if runErr != nil {
		if errors.Is(runErr, job.ErrAlreadyActive) {
			return nil
		}
		if k, ok := job.KindOf(runErr); ok {
			os.Exit(k.ExitCode())
		}
		os.Exit(1)
	}
	return nil
}

// noopMediator is used when the mediator coordination is disabled
// (arstotzka.enabled=false): the job engine still runs its phase protocol,
// but reserve/lock/action calls are all no-ops.
type noopMediator struct{}

func (noopMediator) ReserveAccess(ctx context.Context) error { return nil }
func (noopMediator) CreateAction(ctx context.Context, endSequence uint64) (*mediator.Action, error) {
	return &mediator.Action{ID: "local", State: endSequence}, nil
}
func (noopMediator) UpdateAction(ctx context.Context, actionID string, status mediator.ActionStatus, metadata map[string]any) error {
	return nil
}
func (noopMediator) RemoveLock(ctx context.Context) error { return nil }
