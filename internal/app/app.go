// Package app assembles the governance pipeline from configuration. Both
// binaries build the same components; only the execution dispatch differs.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"changegate/internal/approvals"
	"changegate/internal/config"
	"changegate/internal/db"
	"changegate/internal/locks"
	"changegate/internal/metrics"
	"changegate/internal/oauth"
	"changegate/internal/platform"
	"changegate/internal/policy"
	"changegate/internal/storage"
	"changegate/internal/workflows"
)

const defaultGrantTTL = 90 * 24 * time.Hour

type Components struct {
	DB        *db.DB
	Policy    *policy.Policy
	Validator *policy.Validator
	Locks     locks.Chain
	Gate      *approvals.Gate
	OAuth     *oauth.Manager
	Engine    *workflows.Engine
	Redis     *redis.Client
}

// Close releases the clients Build opened. The database is owned by the
// caller.
func (c *Components) Close() {
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
}

var newRedisClient = func(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
}

var newLinearClient = approvals.NewLinearClient

func Build(cfg config.Config, database *db.DB) (*Components, error) {
	if database == nil {
		return nil, errors.New("database required")
	}
	pol := policy.Default()
	if cfg.Policy.Path != "" {
		loaded, err := policy.Load(cfg.Policy.Path)
		if err != nil {
			return nil, fmt.Errorf("policy: %w", err)
		}
		pol = loaded
	}
	validator := policy.NewValidator(pol)
	if cfg.Policy.OPAURL != "" {
		validator.External = &policy.OPAChecker{OPAURL: cfg.Policy.OPAURL, PolicyPackage: cfg.Policy.PolicyPackage}
	}

	// Per-request locks are held in process first, then across processes
	// with a Postgres advisory lock.
	locker := locks.Chain{locks.NewKeyedMutex(), db.AdvisoryLocker{DB: database}}

	gate := approvals.NewGate(database, locker, cfg.Approvals.Timeout())
	if cfg.Linear.Token != "" {
		linear := newLinearClient()
		linear.Token = cfg.Linear.Token
		linear.TeamID = cfg.Linear.TeamID
		if cfg.Linear.BaseURL != "" {
			linear.BaseURL = cfg.Linear.BaseURL
		}
		gate.Notifier = approvals.NewLinearNotifier(linear)
	}

	c := &Components{DB: database, Policy: pol, Validator: validator, Locks: locker, Gate: gate}

	ttl := cfg.OAuth.GrantTTL()
	if ttl <= 0 {
		ttl = defaultGrantTTL
	}
	var grants oauth.GrantStore
	if cfg.Redis.Addr != "" {
		c.Redis = newRedisClient(cfg.Redis)
		prefix := cfg.Redis.KeyPrefix
		if prefix == "" {
			prefix = "changegate:grant:"
		}
		grants = oauth.NewRedisGrants(c.Redis, prefix, ttl)
	} else {
		slog.Warn("redis not configured, oauth grants kept in process memory")
		grants = oauth.NewMemoryGrants(ttl)
	}
	c.OAuth = oauth.NewManager(oauth.Config{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		InstanceURL:  cfg.Platform.InstanceURL,
		AuthURL:      cfg.OAuth.AuthURL,
		TokenURL:     cfg.OAuth.TokenURL,
		RedirectURL:  cfg.OAuth.RedirectURL,
		Scopes:       cfg.OAuth.Scopes,
		RefreshSkew:  cfg.OAuth.RefreshSkew(),
	}, grants)
	c.OAuth.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	c.OAuth.OnRefresh = func(outcome string) {
		metrics.TokenRefreshesTotal.WithLabelValues(outcome).Inc()
	}

	engine := &workflows.Engine{
		Store:    database,
		Gate:     gate,
		Sessions: workflows.OAuthSessions{Manager: c.OAuth},
		Platform: platform.NewClient(cfg.Platform.InstanceURL, platform.Options{
			Timeout: cfg.Platform.Timeout(),
			QPS:     cfg.Platform.QPS,
			Burst:   cfg.Platform.Burst,
		}),
		Policy:         pol,
		Locks:          locker,
		MaxAttempts:    cfg.Execution.MaxAttempts,
		BaseBackoff:    cfg.Execution.BaseBackoff(),
		MaxBackoff:     cfg.Execution.MaxBackoff(),
		AttemptTimeout: cfg.Execution.AttemptTimeout(),
	}
	archive := storage.ReportArchive{Endpoint: cfg.Storage.ObjectStore.Endpoint, Bucket: cfg.Storage.ObjectStore.Bucket, Prefix: "changegate"}
	if archive.Enabled() {
		engine.Archive = archive
	}
	c.Engine = engine
	return c, nil
}

// CheckRedis reports whether the shared grant store answers.
func (c *Components) CheckRedis(ctx context.Context) error {
	if c.Redis == nil {
		return nil
	}
	return c.Redis.Ping(ctx).Err()
}
