package web

import (
	"context"
	"net/http"
	"strings"
)

// UserHeader carries the acting user, set by the trusted identity proxy in
// front of the gateway.
const UserHeader = "X-User-Id"

type userKey struct{}

func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

func UserFromContext(ctx context.Context) (string, bool) {
	user, ok := ctx.Value(userKey{}).(string)
	return user, ok && user != ""
}

func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := strings.TrimSpace(r.Header.Get(UserHeader))
		if user == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: UserHeader + " header required"})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}
