package auth

import (
	"context"
)

// StaticAuthenticator is a development-only authenticator that accepts any tsk_ key.
type StaticAuthenticator struct{}

func NewStaticAuthenticator() *StaticAuthenticator {
	return &StaticAuthenticator{}
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, token string) (*ProjectContext, error) {
	if !IsAPIKey(token) {
		return nil, ErrUnauthenticated
	}
	// Accept any tsk_ prefixed key with a static project ID
	return &ProjectContext{
		ProjectID: "static-" + token[:8],
		Mode:      "enforce",
		FailOpen:  true,
	}, nil
}
