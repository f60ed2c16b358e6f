package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	file := t.TempDir() + "/cfg.json"
	data := `{"gateway":{"http_addr":":8080"},"policy":{"opa_url":"http://opa","policy_package":"changegate/plan"},"orchestrator":{"temporal_addr":"t","namespace":"n","task_queue":"q"},"storage":{"postgres_dsn":"dsn","object_store":{"endpoint":"e","bucket":"b"}},"platform":{"instance_url":"https://dev.service-now.com","qps":5},"oauth":{"client_id":"cid","redirect_url":"https://gw/oauth/callback"},"approvals":{"timeout_secs":3600},"execution":{"max_attempts":3,"base_backoff_ms":200,"max_backoff_ms":1000}}`
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadConfig(file)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if cfg.Approvals.Timeout() != time.Hour {
		t.Fatalf("timeout: %v", cfg.Approvals.Timeout())
	}
	if cfg.Execution.BaseBackoff() != 200*time.Millisecond || cfg.Execution.MaxAttempts != 3 {
		t.Fatalf("execution: %+v", cfg.Execution)
	}
	if cfg.Storage.ObjectStore.Bucket != "b" {
		t.Fatalf("object store: %+v", cfg.Storage.ObjectStore)
	}
}

func TestLoadConfigBadJSON(t *testing.T) {
	file := t.TempDir() + "/cfg.json"
	if err := os.WriteFile(file, []byte("{"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConfig(file); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("/no/such/file.json"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoadConfigInvalidContent(t *testing.T) {
	file := t.TempDir() + "/cfg.json"
	data := `{"gateway":{"http_addr":":8080"}}`
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConfig(file); err == nil {
		t.Fatalf("expected error")
	}
}
