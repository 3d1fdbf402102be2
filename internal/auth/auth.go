// Package auth authenticates tool calls from the transport's authorization
// header and derives the project identity into the request context.
package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/triage-ai/palisade/services/tool_router/internal/engine"
)

// Authenticator validates a bearer token and returns a ProjectContext.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*ProjectContext, error)
}

// ProjectContext holds the authenticated project's identity and configuration.
type ProjectContext struct {
	ProjectID string
	Mode      string // "enforce" or "shadow"
	FailOpen  bool
}

// Request context keys written by Middleware.
const (
	ProjectIDKey = engine.ProjectIDKey
	AuthModeKey  = engine.AuthModeKey
	FailOpenKey  = "fail_open"
)

// CodeUnauthenticated marks calls rejected by Middleware.
const CodeUnauthenticated = "UNAUTHENTICATED"

// APIKeyPrefix starts every project API key.
const APIKeyPrefix = "tsk_"

// ErrUnauthenticated is returned when no valid credentials are found.
var ErrUnauthenticated = errors.New("unauthenticated")

// ExtractBearerToken reads the token from the authorization header of the
// request context.
func ExtractBearerToken(rc engine.Values) (string, error) {
	token := strings.TrimSpace(rc.Headers()["authorization"])
	token = strings.TrimPrefix(token, "Bearer ")
	token = strings.TrimPrefix(token, "bearer ")
	if token == "" {
		return "", ErrUnauthenticated
	}
	return token, nil
}

// IsAPIKey reports whether token has the API key shape.
func IsAPIKey(token string) bool {
	return strings.HasPrefix(token, APIKeyPrefix) && len(token) >= 8
}

// Middleware authenticates every call and merges project_id, auth_mode and
// fail_open into the request context. Failures short-circuit with an
// UNAUTHENTICATED tool error.
func Middleware(a Authenticator) engine.Middleware {
	return engine.Derive("auth", func(ctx context.Context, rc engine.Values) (engine.Values, error) {
		token, err := ExtractBearerToken(rc)
		if err == nil {
			var project *ProjectContext
			project, err = a.Authenticate(ctx, token)
			if err == nil {
				return engine.Values{
					ProjectIDKey: project.ProjectID,
					AuthModeKey:  project.Mode,
					FailOpenKey:  project.FailOpen,
				}, nil
			}
		}
		return nil, &engine.RecoverableError{
			Code:       CodeUnauthenticated,
			Message:    "missing or invalid credentials",
			Suggestion: "Send a valid API key in the authorization header.",
		}
	})
}

// Chain tries each authenticator in order and returns the first success.
type Chain []Authenticator

func (c Chain) Authenticate(ctx context.Context, token string) (*ProjectContext, error) {
	err := ErrUnauthenticated
	for _, a := range c {
		p, aerr := a.Authenticate(ctx, token)
		if aerr == nil {
			return p, nil
		}
		if !errors.Is(aerr, ErrUnauthenticated) {
			err = aerr
		}
	}
	return nil, err
}
