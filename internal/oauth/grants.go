package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
)

var ErrNoGrant = errors.New("no authorization grant")

// GrantStore keeps each user's token pair until the refresh token's natural
// expiry. Grants are never handed to the planner.
type GrantStore interface {
	SaveGrant(ctx context.Context, userID string, tok *oauth2.Token) error
	LoadGrant(ctx context.Context, userID string) (*oauth2.Token, error)
	DeleteGrant(ctx context.Context, userID string) error
}

type memoryGrant struct {
	token   oauth2.Token
	expires time.Time
}

type MemoryGrants struct {
	TTL time.Duration
	Now func() time.Time

	mu     sync.Mutex
	grants map[string]memoryGrant
}

func NewMemoryGrants(ttl time.Duration) *MemoryGrants {
	return &MemoryGrants{TTL: ttl, Now: time.Now, grants: map[string]memoryGrant{}}
}

func (m *MemoryGrants) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *MemoryGrants) SaveGrant(ctx context.Context, userID string, tok *oauth2.Token) error {
	if userID == "" || tok == nil {
		return errors.New("user and token required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.grants == nil {
		m.grants = map[string]memoryGrant{}
	}
	g := memoryGrant{token: *tok}
	if m.TTL > 0 {
		g.expires = m.now().Add(m.TTL)
	}
	m.grants[userID] = g
	return nil
}

func (m *MemoryGrants) LoadGrant(ctx context.Context, userID string) (*oauth2.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[userID]
	if !ok {
		return nil, ErrNoGrant
	}
	if !g.expires.IsZero() && !m.now().Before(g.expires) {
		delete(m.grants, userID)
		return nil, ErrNoGrant
	}
	tok := g.token
	return &tok, nil
}

func (m *MemoryGrants) DeleteGrant(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.grants, userID)
	return nil
}

type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisGrants stores grants as JSON with a TTL equal to the refresh token
// lifetime, so Redis drops them at their natural expiry.
type RedisGrants struct {
	Client redisClient
	Prefix string
	TTL    time.Duration
}

func NewRedisGrants(client *redis.Client, prefix string, ttl time.Duration) *RedisGrants {
	if prefix == "" {
		prefix = "changegate:grant:"
	}
	return &RedisGrants{Client: client, Prefix: prefix, TTL: ttl}
}

func (r *RedisGrants) key(userID string) string {
	return r.Prefix + userID
}

func (r *RedisGrants) SaveGrant(ctx context.Context, userID string, tok *oauth2.Token) error {
	if userID == "" || tok == nil {
		return errors.New("user and token required")
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	return r.Client.Set(ctx, r.key(userID), data, r.TTL).Err()
}

func (r *RedisGrants) LoadGrant(ctx context.Context, userID string) (*oauth2.Token, error) {
	data, err := r.Client.Get(ctx, r.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoGrant
	}
	if err != nil {
		return nil, fmt.Errorf("load grant: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("decode grant: %w", err)
	}
	return &tok, nil
}

func (r *RedisGrants) DeleteGrant(ctx context.Context, userID string) error {
	return r.Client.Del(ctx, r.key(userID)).Err()
}
