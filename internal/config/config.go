package config

import (
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"strings"
	"time"
)

type Config struct {
	Gateway      GatewayConfig      `json:"gateway"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Storage      StorageConfig      `json:"storage"`
	Policy       PolicyConfig       `json:"policy"`
	Approvals    ApprovalsConfig    `json:"approvals"`
	Execution    ExecutionConfig    `json:"execution"`
	Platform     PlatformConfig     `json:"platform"`
	OAuth        OAuthConfig        `json:"oauth"`
	Planner      PlannerConfig      `json:"planner"`
	Redis        RedisConfig        `json:"redis"`
	Linear       LinearConfig       `json:"linear"`
}

type GatewayConfig struct {
	HTTPAddr        string  `json:"http_addr"`
	RateLimitPerSec float64 `json:"rate_limit_per_sec"`
	RateLimitBurst  int     `json:"rate_limit_burst"`
	// Reconcile runs crash reconciliation on startup and dispatches
	// approved or resumable plans.
	Reconcile bool `json:"reconcile"`
}

type OrchestratorConfig struct {
	TemporalAddr string `json:"temporal_addr"`
	Namespace    string `json:"namespace"`
	TaskQueue    string `json:"task_queue"`
	HealthAddr   string `json:"health_addr"`
}

type StorageConfig struct {
	PostgresDSN  string            `json:"postgres_dsn"`
	MaxOpenConns int               `json:"max_open_conns"`
	MaxIdleConns int               `json:"max_idle_conns"`
	LockConns    int               `json:"lock_conns"`
	ObjectStore  ObjectStoreConfig `json:"object_store"`
}

// ObjectStoreConfig names the S3 bucket execution reports are archived to.
type ObjectStoreConfig struct {
	Endpoint string `json:"endpoint"`
	Bucket   string `json:"bucket"`
}

type PolicyConfig struct {
	Path          string `json:"path"`
	OPAURL        string `json:"opa_url"`
	PolicyPackage string `json:"policy_package"`
}

type ApprovalsConfig struct {
	TimeoutSecs   int    `json:"timeout_secs"`
	SweepSchedule string `json:"sweep_schedule"`
}

type ExecutionConfig struct {
	MaxAttempts      int `json:"max_attempts"`
	BaseBackoffMS    int `json:"base_backoff_ms"`
	MaxBackoffMS     int `json:"max_backoff_ms"`
	AttemptTimeoutMS int `json:"attempt_timeout_ms"`
	MaxConcurrent    int `json:"max_concurrent"`
}

const (
	DefaultLockConns     = 32
	DefaultMaxConcurrent = 8
)

type PlatformConfig struct {
	InstanceURL string  `json:"instance_url"`
	QPS         float64 `json:"qps"`
	Burst       int     `json:"burst"`
	TimeoutMS   int     `json:"timeout_ms"`
}

type OAuthConfig struct {
	ClientID        string   `json:"client_id"`
	ClientSecret    string   `json:"client_secret"`
	AuthURL         string   `json:"auth_url"`
	TokenURL        string   `json:"token_url"`
	RedirectURL     string   `json:"redirect_url"`
	Scopes          []string `json:"scopes"`
	RefreshSkewSecs int      `json:"refresh_skew_secs"`
	GrantTTLHours   int      `json:"grant_ttl_hours"`
}

type PlannerConfig struct {
	Endpoint  string `json:"endpoint"`
	APIKey    string `json:"api_key"`
	TimeoutMS int    `json:"timeout_ms"`
}

// RedisConfig enables the shared grant store. Empty Addr keeps grants in
// process memory.
type RedisConfig struct {
	Addr      string `json:"addr"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
}

type LinearConfig struct {
	Token   string `json:"token"`
	TeamID  string `json:"team_id"`
	BaseURL string `json:"base_url"`
}

func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Gateway.HTTPAddr == "" {
		return errors.New("gateway.http_addr required")
	}
	if c.Storage.PostgresDSN == "" {
		return errors.New("storage.postgres_dsn required")
	}
	if strings.TrimSpace(c.Platform.InstanceURL) == "" {
		return errors.New("platform.instance_url required")
	}
	if err := validateURL("platform.instance_url", c.Platform.InstanceURL); err != nil {
		return err
	}
	if strings.TrimSpace(c.OAuth.ClientID) == "" {
		return errors.New("oauth.client_id required")
	}
	if strings.TrimSpace(c.OAuth.RedirectURL) == "" {
		return errors.New("oauth.redirect_url required")
	}
	if c.Approvals.TimeoutSecs < 0 {
		return errors.New("approvals.timeout_secs must not be negative")
	}
	if c.Execution.MaxAttempts < 0 {
		return errors.New("execution.max_attempts must not be negative")
	}
	if c.Execution.MaxConcurrent < 0 || c.Storage.LockConns < 0 {
		return errors.New("execution.max_concurrent and storage.lock_conns must not be negative")
	}
	// Every running execution pins one lock connection; request locks need
	// the rest.
	if c.Execution.Concurrency() >= c.Storage.LockPoolSize() {
		return errors.New("execution.max_concurrent must be below storage.lock_conns")
	}
	if c.Execution.MaxBackoffMS > 0 && c.Execution.BaseBackoffMS > c.Execution.MaxBackoffMS {
		return errors.New("execution.base_backoff_ms exceeds execution.max_backoff_ms")
	}
	if c.Platform.QPS < 0 || c.Platform.Burst < 0 {
		return errors.New("platform.qps and platform.burst must not be negative")
	}
	if c.Planner.Endpoint != "" {
		if err := validateURL("planner.endpoint", c.Planner.Endpoint); err != nil {
			return err
		}
	}
	if strings.TrimSpace(c.Policy.PolicyPackage) != "" && strings.TrimSpace(c.Policy.OPAURL) == "" {
		return errors.New("policy.opa_url required when policy.policy_package is set")
	}
	if strings.TrimSpace(c.Linear.Token) != "" && strings.TrimSpace(c.Linear.TeamID) == "" {
		return errors.New("linear.team_id required when linear.token is set")
	}
	return nil
}

func validateURL(field, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New(field + " must be an absolute URL")
	}
	return nil
}

func (c ApprovalsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// Concurrency caps how many plans one process executes at once.
func (c ExecutionConfig) Concurrency() int {
	if c.MaxConcurrent <= 0 {
		return DefaultMaxConcurrent
	}
	return c.MaxConcurrent
}

func (c StorageConfig) LockPoolSize() int {
	if c.LockConns <= 0 {
		return DefaultLockConns
	}
	return c.LockConns
}

func (c ExecutionConfig) BaseBackoff() time.Duration {
	return time.Duration(c.BaseBackoffMS) * time.Millisecond
}

func (c ExecutionConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffMS) * time.Millisecond
}

func (c ExecutionConfig) AttemptTimeout() time.Duration {
	return time.Duration(c.AttemptTimeoutMS) * time.Millisecond
}

func (c PlatformConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c PlannerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c OAuthConfig) RefreshSkew() time.Duration {
	return time.Duration(c.RefreshSkewSecs) * time.Second
}

func (c OAuthConfig) GrantTTL() time.Duration {
	return time.Duration(c.GrantTTLHours) * time.Hour
}
