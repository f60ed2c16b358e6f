package workflows

import (
	"context"

	"changegate/internal/oauth"
)

// OAuthSessions opens per-user platform sessions from stored grants.
type OAuthSessions struct {
	Manager *oauth.Manager
}

func (s OAuthSessions) OpenSession(ctx context.Context, userID string) (Credentials, error) {
	session, err := s.Manager.Open(ctx, userID)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s OAuthSessions) Revoke(ctx context.Context, userID string) error {
	return s.Manager.Revoke(ctx, userID)
}
