package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"changegate/internal/model"
)

// OAuthFlow is the authorization-code half of the session manager.
type OAuthFlow interface {
	AuthCodeURL(state, verifier string) string
	Exchange(ctx context.Context, userID, code, verifier string) error
	Revoke(ctx context.Context, userID string) error
}

const DefaultLoginTTL = 10 * time.Minute

type pendingLogin struct {
	user     string
	verifier string
	expires  time.Time
}

// LoginStates binds an OAuth state value to the user who started the login
// and the PKCE verifier. Each state is accepted once.
type LoginStates struct {
	TTL time.Duration
	Now func() time.Time

	mu      sync.Mutex
	pending map[string]pendingLogin
}

func NewLoginStates(ttl time.Duration) *LoginStates {
	return &LoginStates{TTL: ttl, Now: time.Now, pending: map[string]pendingLogin{}}
}

func (l *LoginStates) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *LoginStates) begin(user string) (state, verifier string) {
	ttl := l.TTL
	if ttl <= 0 {
		ttl = DefaultLoginTTL
	}
	state = oauth2.GenerateVerifier()
	verifier = oauth2.GenerateVerifier()
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending == nil {
		l.pending = map[string]pendingLogin{}
	}
	for k, p := range l.pending {
		if now.After(p.expires) {
			delete(l.pending, k)
		}
	}
	l.pending[state] = pendingLogin{user: user, verifier: verifier, expires: now.Add(ttl)}
	return state, verifier
}

func (l *LoginStates) take(state string) (pendingLogin, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.pending[state]
	if !ok {
		return pendingLogin{}, false
	}
	delete(l.pending, state)
	if l.now().After(p.expires) {
		return pendingLogin{}, false
	}
	return p, true
}

func (s *Server) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	if s.OAuth == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "oauth-unavailable"})
		return
	}
	user, _ := UserFromContext(r.Context())
	state, verifier := s.Logins.begin(user)
	http.Redirect(w, r, s.OAuth.AuthCodeURL(state, verifier), http.StatusFound)
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if s.OAuth == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "oauth-unavailable"})
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		badRequest(w, "authorization denied: "+e)
		return
	}
	login, ok := s.Logins.take(q.Get("state"))
	if !ok {
		badRequest(w, "unknown or expired state")
		return
	}
	code := q.Get("code")
	if code == "" {
		badRequest(w, "code required")
		return
	}
	if err := s.OAuth.Exchange(r.Context(), login.user, code, login.verifier); err != nil {
		var authErr *model.AuthorizationError
		if errors.As(err, &authErr) {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: authErr.Code, Message: "token exchange refused"})
			return
		}
		slog.Error("oauth exchange", "user", login.user, "error", err)
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "exchange-failed"})
		return
	}
	slog.Info("oauth grant stored", "user", login.user)
	writeJSON(w, http.StatusOK, map[string]string{"status": "authorized", "user": login.user})
}

// handleOAuthLogout drops the caller's stored grant. Later executions of
// their plans fail with authorization-missing until they log in again.
func (s *Server) handleOAuthLogout(w http.ResponseWriter, r *http.Request) {
	if s.OAuth == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "oauth-unavailable"})
		return
	}
	user := actor(r)
	if err := s.OAuth.Revoke(r.Context(), user); err != nil {
		slog.Error("oauth logout", "user", user, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "logout-failed"})
		return
	}
	slog.Info("oauth grant dropped", "user", user)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged-out", "user": user})
}
