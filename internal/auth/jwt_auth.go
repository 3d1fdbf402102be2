package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// ProjectClaims are the claims of a project JWT. The project is the subject.
type ProjectClaims struct {
	Mode     string `json:"mode,omitempty"`
	FailOpen bool   `json:"fail_open,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator accepts HS256 tokens signed with a shared secret.
type JWTAuthenticator struct {
	secret   []byte
	issuer   string
	audience string
}

// NewJWTAuthenticator creates a JWTAuthenticator. Empty issuer or audience
// are not checked.
func NewJWTAuthenticator(secret []byte, issuer, audience string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: secret, issuer: issuer, audience: audience}
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (*ProjectContext, error) {
	if IsAPIKey(token) {
		return nil, ErrUnauthenticated
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	var claims ProjectClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	mode := claims.Mode
	if mode == "" {
		mode = "enforce"
	}
	return &ProjectContext{ProjectID: claims.Subject, Mode: mode, FailOpen: claims.FailOpen}, nil
}

// IssueToken signs a project token. It is used by tests and the CLI.
func (a *JWTAuthenticator) IssueToken(projectID, mode string, ttl time.Duration) (string, error) {
	if projectID == "" {
		return "", errors.New("IssueToken: empty project id")
	}
	now := time.Now()
	claims := ProjectClaims{
		Mode: mode,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   projectID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if a.audience != "" {
		claims.Audience = jwt.ClaimStrings{a.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
