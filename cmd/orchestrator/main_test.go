package main

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/nexus-rpc/sdk-go/nexus"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"changegate/internal/app"
	"changegate/internal/config"
	"changegate/internal/db"
	"changegate/internal/workflows"
)

type fakeWorker struct {
	workflowCount int
	activities    []any
	ran           bool
}

func (f *fakeWorker) RegisterWorkflow(fn any) {
	f.workflowCount++
}

func (f *fakeWorker) RegisterWorkflowWithOptions(fn any, _ workflow.RegisterOptions) {
	f.workflowCount++
}

func (f *fakeWorker) RegisterDynamicWorkflow(_ any, _ workflow.DynamicRegisterOptions) {}

func (f *fakeWorker) RegisterActivity(fn any) {
	f.activities = append(f.activities, fn)
}

func (f *fakeWorker) RegisterActivityWithOptions(fn any, _ activity.RegisterOptions) {
	f.activities = append(f.activities, fn)
}

func (f *fakeWorker) RegisterDynamicActivity(_ any, _ activity.DynamicRegisterOptions) {}
func (f *fakeWorker) RegisterNexusService(_ *nexus.Service)                             {}
func (f *fakeWorker) Start() error                                                      { return nil }
func (f *fakeWorker) Run(<-chan interface{}) error                                     { return nil }
func (f *fakeWorker) Stop()                                                             {}

const validConfig = `{"gateway":{"http_addr":":8080"},"orchestrator":{"temporal_addr":"t","namespace":"n","task_queue":"q"},"storage":{"postgres_dsn":"dsn"},"platform":{"instance_url":"https://dev.service-now.com"},"oauth":{"client_id":"cid","redirect_url":"https://gw/cb"}}`

func writeConfig(t *testing.T) string {
	t.Helper()
	file := t.TempDir() + "/cfg.json"
	if err := os.WriteFile(file, []byte(validConfig), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return file
}

func TestRunMissingConfig(t *testing.T) {
	if err := run([]string{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunBadFlag(t *testing.T) {
	if err := run([]string{"-badflag"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunLoadConfigError(t *testing.T) {
	oldLoad := loadConfig
	loadConfig = func(path string) (config.Config, error) { return config.Config{}, errors.New("boom") }
	defer func() { loadConfig = oldLoad }()

	if err := run([]string{"-config", "cfg.json"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunMissingDSN(t *testing.T) {
	oldLoad := loadConfig
	loadConfig = func(path string) (config.Config, error) {
		return config.Config{}, nil
	}
	defer func() { loadConfig = oldLoad }()
	if err := run([]string{"-config", "cfg.json"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunDBError(t *testing.T) {
	file := writeConfig(t)
	oldDB := newDB
	newDB = func(cfg config.StorageConfig) (*db.DB, error) { return nil, errors.New("db fail") }
	defer func() { newDB = oldDB }()
	if err := run([]string{"-config", file}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunBuildError(t *testing.T) {
	file := writeConfig(t)
	oldDB, oldBuild := newDB, buildComponents
	defer func() { newDB, buildComponents = oldDB, oldBuild }()
	newDB = func(cfg config.StorageConfig) (*db.DB, error) { return &db.DB{}, nil }
	buildComponents = func(cfg config.Config, database *db.DB) (*app.Components, error) {
		return nil, errors.New("policy: bad document")
	}
	if err := run([]string{"-config", file}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunOK(t *testing.T) {
	file := writeConfig(t)
	oldStart, oldDB := startWorker, newDB
	defer func() { startWorker, newDB = oldStart, oldDB }()
	newDB = func(cfg config.StorageConfig) (*db.DB, error) {
		if cfg.PostgresDSN != "dsn" {
			t.Fatalf("dsn: %s", cfg.PostgresDSN)
		}
		return &db.DB{}, nil
	}

	var got *workflows.Engine
	startWorker = func(engine *workflows.Engine, cfg config.Config) error {
		got = engine
		if cfg.Orchestrator.TemporalAddr != "t" {
			t.Fatalf("temporal: %s", cfg.Orchestrator.TemporalAddr)
		}
		return nil
	}

	if err := run([]string{"-config", file}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if got == nil || got.Store == nil || got.Platform == nil || got.Sessions == nil || got.Gate == nil {
		t.Fatalf("engine: %#v", got)
	}
}

func TestRunStartWorkerError(t *testing.T) {
	file := writeConfig(t)
	oldStart, oldDB := startWorker, newDB
	defer func() { startWorker, newDB = oldStart, oldDB }()
	startWorker = func(engine *workflows.Engine, cfg config.Config) error {
		return errors.New("boom")
	}
	newDB = func(cfg config.StorageConfig) (*db.DB, error) { return &db.DB{}, nil }
	if err := run([]string{"-config", file}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestStartWorkerRequiresTemporal(t *testing.T) {
	if err := startWorker(&workflows.Engine{}, config.Config{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestStartWorkerDefault(t *testing.T) {
	oldWorker := newWorker
	oldRun := runWorker
	oldSet := setTemporalHealthClient
	defer func() {
		newWorker = oldWorker
		runWorker = oldRun
		setTemporalHealthClient = oldSet
	}()
	fake := &fakeWorker{}
	var gotOpts worker.Options
	newWorker = func(cfg config.OrchestratorConfig, opts worker.Options) (worker.Worker, io.Closer, error) {
		gotOpts = opts
		return fake, io.NopCloser(nil), nil
	}
	setTemporalHealthClient = func(c client.Client) {}
	runWorker = func(w worker.Worker) error {
		fake.ran = true
		return nil
	}
	engine := &workflows.Engine{}
	cfg := config.Config{Orchestrator: config.OrchestratorConfig{TemporalAddr: "t", TaskQueue: "q"}}
	if err := startWorker(engine, cfg); err != nil {
		t.Fatalf("err: %v", err)
	}
	if !fake.ran || fake.workflowCount != 1 || len(fake.activities) != 1 {
		t.Fatalf("worker not registered: %#v", fake)
	}
	acts, ok := fake.activities[0].(*workflows.Activities)
	if !ok || acts.Engine != engine {
		t.Fatalf("activities: %#v", fake.activities[0])
	}
	if gotOpts.MaxConcurrentActivityExecutionSize != config.DefaultMaxConcurrent {
		t.Fatalf("activity concurrency: %d", gotOpts.MaxConcurrentActivityExecutionSize)
	}
}

func TestStartWorkerNewWorkerError(t *testing.T) {
	oldWorker := newWorker
	defer func() { newWorker = oldWorker }()
	newWorker = func(cfg config.OrchestratorConfig, opts worker.Options) (worker.Worker, io.Closer, error) {
		return nil, nil, errors.New("dial")
	}
	cfg := config.Config{Orchestrator: config.OrchestratorConfig{TemporalAddr: "t"}}
	if err := startWorker(&workflows.Engine{}, cfg); err == nil {
		t.Fatalf("expected error")
	}
}

func TestHealthMux(t *testing.T) {
	old := temporalHealthClient
	temporalHealthClient = nil
	defer func() { temporalHealthClient = old }()

	mux := healthMux(&db.DB{}, nil, false)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz without a database: %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
}

func TestMainFatalOnError(t *testing.T) {
	oldFatal := fatalf
	called := false
	fatalf = func(format string, args ...any) { called = true }
	defer func() { fatalf = oldFatal }()

	oldArgs := os.Args
	os.Args = []string{"orchestrator"}
	defer func() { os.Args = oldArgs }()

	main()
	if !called {
		t.Fatalf("expected fatal")
	}
}
