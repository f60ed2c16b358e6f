package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.temporal.io/sdk/client"

	"changegate/internal/app"
	"changegate/internal/approvals"
	"changegate/internal/config"
	"changegate/internal/db"
	"changegate/internal/governance"
	"changegate/internal/locks"
	"changegate/internal/logging"
	"changegate/internal/metrics"
	"changegate/internal/model"
	"changegate/internal/planner"
	"changegate/internal/web"
	"changegate/internal/workflows"
)

func main() {
	logging.Init("changegate-gateway", nil)
	if err := run(os.Args[1:], serveHTTP); err != nil {
		fatalf("gateway: %v", err)
	}
}

var serveHTTP = func(srv *http.Server) error { return srv.ListenAndServe() }
var fatalf = func(format string, args ...any) {
	slog.Error("fatal", "error", fmt.Sprintf(format, args...))
	os.Exit(1)
}
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
var newTemporalClient = func(cfg config.OrchestratorConfig) (client.Client, error) {
	opts := client.Options{HostPort: cfg.TemporalAddr, Namespace: cfg.Namespace}
	return client.Dial(opts)
}
var newPlanner = func(cfg config.PlannerConfig) governance.Planner {
	return planner.NewHTTPPlanner(cfg.Endpoint, cfg.APIKey, cfg.Timeout())
}
var newServer = web.NewServer

var startSweeper = func(ctx context.Context, wg *sync.WaitGroup, gt *web.GoroutineTracker, gate *approvals.Gate, schedule string) {
	sweeper := approvals.NewSweeper(gate, schedule)
	sweeper.OnSweep = func(expired int) {
		if expired > 0 {
			metrics.ApprovalsTotal.WithLabelValues(string(model.StatusExpired)).Add(float64(expired))
		}
	}
	gt.Go(ctx, wg, "approval-sweeper", sweeper.Run)
}

// recoverExecutions runs crash reconciliation and hands what it found to the
// starter. Plans with open anomalies stay blocked until acknowledged; plans
// whose execution lock is held are still running in another process.
var recoverExecutions = func(ctx context.Context, store workflows.Store, locker locks.TryLocker, svc *governance.Service) error {
	reconciler := &workflows.Reconciler{Store: store, Locks: locker}
	res, err := reconciler.Reconcile(ctx)
	if err != nil {
		return err
	}
	if len(res.Anomalies) > 0 {
		slog.Warn("reconciliation found unresolved attempts", "count", len(res.Anomalies))
	}
	svc.Dispatch(ctx, res)
	return nil
}

func run(args []string, serve func(*http.Server) error) error {
	fs := flag.NewFlagSet("gateway", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return errors.New("-config required")
	}
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	database, err := newDB(cfg.Storage)
	if err != nil {
		return err
	}
	defer database.Close()

	comps, err := app.Build(cfg, database)
	if err != nil {
		return err
	}
	defer comps.Close()

	var temporalClient client.Client
	if cfg.Orchestrator.TemporalAddr != "" {
		tc, err := newTemporalClient(cfg.Orchestrator)
		if err != nil {
			slog.Warn("temporal client connection failed, executing in process", "error", err)
		} else if tc != nil {
			temporalClient = tc
			defer temporalClient.Close()
		}
	}

	var async *workflows.AsyncStarter
	var starter workflows.Starter
	if temporalClient != nil {
		starter = &workflows.TemporalStarter{Client: temporalClient, TaskQueue: cfg.Orchestrator.TaskQueue}
	} else {
		async = &workflows.AsyncStarter{Engine: comps.Engine, Base: ctx, Limit: cfg.Execution.Concurrency()}
		starter = async
	}

	svc := &governance.Service{
		Store:     database,
		Gate:      comps.Gate,
		Validator: comps.Validator,
		Starter:   starter,
		Reporter:  comps.Engine,
	}
	if cfg.Planner.Endpoint != "" {
		svc.Planner = newPlanner(cfg.Planner)
	}

	srv := newServer(svc, comps.OAuth)
	if cfg.Gateway.RateLimitPerSec > 0 {
		srv.RateLimiter = web.NewRateLimiter(cfg.Gateway.RateLimitPerSec, cfg.Gateway.RateLimitBurst)
	}
	srv.Checks["postgres"] = database.Ping
	if comps.Redis != nil {
		srv.Checks["redis"] = comps.CheckRedis
	}
	if temporalClient != nil {
		srv.Checks["temporal"] = func(ctx context.Context) error {
			_, err := temporalClient.CheckHealth(ctx, nil)
			return err
		}
	}
	srv.Goroutines = web.NewGoroutineTracker()

	var wg sync.WaitGroup
	startSweeper(ctx, &wg, srv.Goroutines, comps.Gate, cfg.Approvals.SweepSchedule)

	if cfg.Gateway.Reconcile {
		if err := recoverExecutions(ctx, database, comps.Locks, svc); err != nil {
			slog.Error("startup reconciliation failed", "error", err)
		}
	}

	mainSrv := &http.Server{Addr: cfg.Gateway.HTTPAddr, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- serve(mainSrv)
	}()

	slog.Info("gateway listening", "addr", cfg.Gateway.HTTPAddr)
	select {
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	forceExit := time.AfterFunc(30*time.Second, func() { os.Exit(1) })
	defer forceExit.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = mainSrv.Shutdown(shutdownCtx)
	wg.Wait()
	if async != nil {
		async.Wait()
	}
	select {
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	default:
		return nil
	}
}
