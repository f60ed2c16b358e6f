package oauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"changegate/internal/model"
)

const DefaultRefreshSkew = 60 * time.Second

type Config struct {
	ClientID     string
	ClientSecret string
	InstanceURL  string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string
	RefreshSkew  time.Duration
}

// Endpoint derives the ServiceNow OAuth endpoints from the instance URL
// unless explicit URLs are configured.
func (c Config) Endpoint() oauth2.Endpoint {
	base := strings.TrimRight(strings.TrimSpace(c.InstanceURL), "/")
	ep := oauth2.Endpoint{
		AuthURL:   base + "/oauth_auth.do",
		TokenURL:  base + "/oauth_token.do",
		AuthStyle: oauth2.AuthStyleInHeader,
	}
	if c.AuthURL != "" {
		ep.AuthURL = c.AuthURL
	}
	if c.TokenURL != "" {
		ep.TokenURL = c.TokenURL
	}
	return ep
}

// Manager issues per-user sessions from stored grants and refreshes tokens,
// collapsing concurrent refreshes for the same user into one call.
type Manager struct {
	Config     *oauth2.Config
	Grants     GrantStore
	Skew       time.Duration
	Now        func() time.Time
	HTTPClient *http.Client
	OnRefresh  func(outcome string)

	group singleflight.Group
}

func NewManager(cfg Config, grants GrantStore) *Manager {
	skew := cfg.RefreshSkew
	if skew <= 0 {
		skew = DefaultRefreshSkew
	}
	return &Manager{
		Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     cfg.Endpoint(),
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
		},
		Grants: grants,
		Skew:   skew,
		Now:    time.Now,
	}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Manager) ctx(ctx context.Context) context.Context {
	if m.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, m.HTTPClient)
	}
	return ctx
}

// AuthCodeURL builds the authorization redirect with a PKCE S256 challenge
// for verifier.
func (m *Manager) AuthCodeURL(state, verifier string) string {
	return m.Config.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

// Exchange trades an authorization code for a token pair and stores it as
// the user's grant.
func (m *Manager) Exchange(ctx context.Context, userID, code, verifier string) error {
	if userID == "" {
		return errors.New("user required")
	}
	if code == "" {
		return errors.New("authorization code required")
	}
	opts := []oauth2.AuthCodeOption{}
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	tok, err := m.Config.Exchange(m.ctx(ctx), code, opts...)
	if err != nil {
		return classifyTokenError(userID, err)
	}
	return m.Grants.SaveGrant(ctx, userID, tok)
}

// Open binds a session to userID for one execution run.
func (m *Manager) Open(ctx context.Context, userID string) (*Session, error) {
	if m == nil || m.Grants == nil {
		return nil, errors.New("oauth manager not initialized")
	}
	tok, err := m.Grants.LoadGrant(ctx, userID)
	if errors.Is(err, ErrNoGrant) {
		return nil, &model.AuthorizationError{Code: model.AuthorizationMissing, UserID: userID, Err: err}
	}
	if err != nil {
		return nil, err
	}
	return &Session{manager: m, userID: userID, token: tok}, nil
}

// Revoke drops the user's grant, on logout or after the platform rejected
// its token.
func (m *Manager) Revoke(ctx context.Context, userID string) error {
	if m == nil || m.Grants == nil {
		return errors.New("oauth manager not initialized")
	}
	if userID == "" {
		return errors.New("user required")
	}
	return m.Grants.DeleteGrant(ctx, userID)
}

func (m *Manager) refresh(ctx context.Context, userID string, current *oauth2.Token) (*oauth2.Token, error) {
	v, err, _ := m.group.Do(userID, func() (any, error) {
		// Another session of this user may already have stored a fresh token.
		if stored, err := m.Grants.LoadGrant(ctx, userID); err == nil && m.fresh(stored) {
			return stored, nil
		}
		if current.RefreshToken == "" {
			return nil, &model.AuthorizationError{Code: model.AuthorizationExpired, UserID: userID, Err: errors.New("no refresh token")}
		}
		src := m.Config.TokenSource(m.ctx(ctx), &oauth2.Token{RefreshToken: current.RefreshToken})
		tok, err := src.Token()
		if err != nil {
			m.refreshed("error")
			return nil, classifyTokenError(userID, err)
		}
		if tok.RefreshToken == "" {
			tok.RefreshToken = current.RefreshToken
		}
		if err := m.Grants.SaveGrant(ctx, userID, tok); err != nil {
			return nil, err
		}
		m.refreshed("ok")
		return tok, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}

func (m *Manager) refreshed(outcome string) {
	if m.OnRefresh != nil {
		m.OnRefresh(outcome)
	}
}

func (m *Manager) fresh(tok *oauth2.Token) bool {
	if tok == nil || tok.AccessToken == "" {
		return false
	}
	if tok.Expiry.IsZero() {
		return true
	}
	return m.now().Add(m.Skew).Before(tok.Expiry)
}

// classifyTokenError maps a token endpoint failure: a rejected grant means
// re-authentication, anything else may succeed later.
func classifyTokenError(userID string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		if re.ErrorCode == "invalid_grant" || re.ErrorCode == "invalid_client" || re.ErrorCode == "unauthorized_client" ||
			status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden {
			return &model.AuthorizationError{Code: model.AuthorizationExpired, UserID: userID, Err: err}
		}
		return &model.TransientError{Status: status, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &model.TransientError{Err: err}
	}
	return fmt.Errorf("token request: %w", err)
}

// Session is one user's credential for one execution run. It is safe for
// sequential use by the engine and never shared across users.
type Session struct {
	manager *Manager
	userID  string

	mu    sync.Mutex
	token *oauth2.Token
}

func (s *Session) UserID() string {
	return s.userID
}

// Token returns a bearer token valid beyond the refresh skew, refreshing
// transparently when needed.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == nil {
		return "", &model.AuthorizationError{Code: model.AuthorizationMissing, UserID: s.userID, Err: errors.New("session closed")}
	}
	if s.manager.fresh(s.token) {
		return s.token.AccessToken, nil
	}
	tok, err := s.manager.refresh(ctx, s.userID, s.token)
	if err != nil {
		return "", err
	}
	s.token = tok
	return tok.AccessToken, nil
}

// Close drops the in-memory token.
func (s *Session) Close() {
	s.mu.Lock()
	s.token = nil
	s.mu.Unlock()
}
