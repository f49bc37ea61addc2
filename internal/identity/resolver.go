// Package identity resolves the caller behind a bridge request and hands out
// Kubernetes clients that act as that caller.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"k8s.io/utils/clock"
)

// HeaderAuthToken carries the caller's cluster credential. It takes
// precedence over the Authorization header.
const HeaderAuthToken = "X-Auth-Token"

// AmbientSubject names the bridge's own identity.
const AmbientSubject = "system:ambient"

// ErrExpiredCredential is wrapped by AuthError when the credential's exp claim has passed.
var ErrExpiredCredential = errors.New("credential expired")

// AuthError reports a credential that cannot be used. It is never retried.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return "authentication failed: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is or wraps an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// CallerIdentity is the resolved identity of a request. The zero value is the
// ambient identity.
type CallerIdentity struct {
	// Subject is the JWT sub claim, "token:<hash prefix>" for opaque
	// credentials, or AmbientSubject.
	Subject string
	// Token is the raw credential. Empty for the ambient identity.
	Token string
	// ExpiresAt is the credential expiry when known.
	ExpiresAt time.Time
}

// Ambient reports whether the identity carries no caller credential.
func (c CallerIdentity) Ambient() bool { return c.Token == "" }

// CacheKey is the SHA-256 of the credential.
func (c CallerIdentity) CacheKey() string {
	sum := sha256.Sum256([]byte(c.Token))
	return hex.EncodeToString(sum[:])
}

func (c CallerIdentity) String() string {
	if c.Ambient() {
		return AmbientSubject
	}
	return c.Subject
}

// Resolver extracts a CallerIdentity from HTTP requests.
type Resolver struct {
	clock clock.PassiveClock
}

// NewResolver creates a Resolver on the real clock.
func NewResolver() *Resolver {
	return &Resolver{clock: clock.RealClock{}}
}

// NewResolverWithClock is used by tests that control time.
func NewResolverWithClock(c clock.PassiveClock) *Resolver {
	return &Resolver{clock: c}
}

// Resolve reads X-Auth-Token, then Authorization: Bearer. A request with
// neither resolves to the ambient identity.
func (r *Resolver) Resolve(req *http.Request) (CallerIdentity, error) {
	if token := strings.TrimSpace(req.Header.Get(HeaderAuthToken)); token != "" {
		return r.FromToken(token)
	}

	authHeader := req.Header.Get("Authorization")
	if authHeader == "" {
		return CallerIdentity{Subject: AmbientSubject}, nil
	}
	token, errMsg := extractBearerToken(authHeader)
	if errMsg != "" {
		return CallerIdentity{}, &AuthError{Reason: errMsg}
	}
	return r.FromToken(token)
}

// FromToken builds an identity from a raw credential. JWT claims are read
// without verifying the signature; the API server verifies the credential
// on every call made with it.
func (r *Resolver) FromToken(token string) (CallerIdentity, error) {
	id := CallerIdentity{Token: token}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		id.Subject = "token:" + id.CacheKey()[:12]
		return id, nil
	}

	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		id.Subject = sub
	} else {
		id.Subject = "token:" + id.CacheKey()[:12]
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return CallerIdentity{}, &AuthError{Reason: "invalid exp claim", Err: err}
	}
	if exp != nil {
		id.ExpiresAt = exp.Time
		if !r.clock.Now().Before(id.ExpiresAt) {
			return CallerIdentity{}, &AuthError{Reason: "token for " + id.Subject, Err: ErrExpiredCredential}
		}
	}
	return id, nil
}

func extractBearerToken(authHeader string) (string, string) {
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", "invalid authorization header format"
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}
