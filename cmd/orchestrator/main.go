package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"changegate/internal/app"
	"changegate/internal/config"
	"changegate/internal/db"
	"changegate/internal/logging"
	"changegate/internal/metrics"
	"changegate/internal/workflows"
)

func main() {
	logging.Init("changegate-orchestrator", nil)
	if err := run(os.Args[1:]); err != nil {
		fatalf("orchestrator: %v", err)
	}
}

var fatalf = func(format string, args ...any) {
	slog.Error("fatal", "error", fmt.Sprintf(format, args...))
	os.Exit(1)
}
var loadConfig = config.LoadConfig
var newDB = func(cfg config.StorageConfig) (*db.DB, error) {
	pool := db.DefaultPoolConfig()
	if cfg.MaxOpenConns > 0 {
		pool.MaxOpenConns = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		pool.MaxIdleConns = cfg.MaxIdleConns
	}
	pool.LockConns = cfg.LockPoolSize()
	return db.NewDBWithPool(cfg.PostgresDSN, pool)
}
var buildComponents = app.Build
var newTemporalClient = func(cfg config.OrchestratorConfig) (client.Client, error) {
	opts := client.Options{HostPort: cfg.TemporalAddr, Namespace: cfg.Namespace}
	return client.Dial(opts)
}

var temporalHealthClient client.Client
var setTemporalHealthClient = func(c client.Client) { temporalHealthClient = c }

type closeFunc func() error

func (c closeFunc) Close() error {
	return c()
}

var newWorker = func(cfg config.OrchestratorConfig, opts worker.Options) (worker.Worker, io.Closer, error) {
	c, err := newTemporalClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	setTemporalHealthClient(c)
	queue := cfg.TaskQueue
	if queue == "" {
		queue = workflows.DefaultTaskQueue
	}
	w := worker.New(c, queue, opts)
	return w, closeFunc(func() error { c.Close(); return nil }), nil
}
var runWorker = func(w worker.Worker) error { return w.Run(worker.InterruptCh()) }
var startWorker = func(engine *workflows.Engine, cfg config.Config) error {
	if cfg.Orchestrator.TemporalAddr == "" {
		return errors.New("orchestrator.temporal_addr required")
	}
	// Each running activity pins a lock connection for its plan.
	opts := worker.Options{MaxConcurrentActivityExecutionSize: cfg.Execution.Concurrency()}
	w, closer, err := newWorker(cfg.Orchestrator, opts)
	if err != nil {
		return err
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}
	w.RegisterWorkflow(workflows.PlanExecutionWorkflow)
	w.RegisterActivity(&workflows.Activities{Engine: engine})
	slog.Info("orchestrator ready", "temporal_addr", cfg.Orchestrator.TemporalAddr)
	return runWorker(w)
}

// readiness pings every dependency the worker needs to make progress.
func readiness(database *db.DB, comps *app.Components, temporalRequired bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		ok := database.Ping(ctx) == nil
		if ok && comps != nil {
			ok = comps.CheckRedis(ctx) == nil
		}
		if ok {
			if temporalHealthClient != nil {
				_, err := temporalHealthClient.CheckHealth(ctx, nil)
				ok = err == nil
			} else if temporalRequired {
				ok = false
			}
		}
		if ok {
			_, _ = w.Write([]byte(`{"status":"ok"}`))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unavailable"}`))
	}
}

func healthMux(database *db.DB, comps *app.Components, temporalRequired bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("GET /readyz", readiness(database, comps, temporalRequired))
	return mux
}

func run(args []string) error {
	fs := flag.NewFlagSet("orchestrator", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return errors.New("config required")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	go func() {
		<-ctx.Done()
		time.AfterFunc(30*time.Second, func() { os.Exit(1) })
	}()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if cfg.Storage.PostgresDSN == "" {
		return errors.New("storage.postgres_dsn required")
	}
	database, err := newDB(cfg.Storage)
	if err != nil {
		return err
	}
	defer database.Close()

	comps, err := buildComponents(cfg, database)
	if err != nil {
		return err
	}
	defer comps.Close()

	if cfg.Orchestrator.HealthAddr != "" {
		healthSrv := &http.Server{
			Addr:              cfg.Orchestrator.HealthAddr,
			Handler:           healthMux(database, comps, cfg.Orchestrator.TemporalAddr != ""),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("health server failed", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = healthSrv.Shutdown(sctx)
		}()
	}

	return startWorker(comps.Engine, cfg)
}
