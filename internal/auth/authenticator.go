package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gustycube/cyberstreams/internal/apierr"
	"github.com/gustycube/cyberstreams/internal/credential"
	"github.com/gustycube/cyberstreams/internal/logging"
	"github.com/gustycube/cyberstreams/internal/metrics"
	"github.com/gustycube/cyberstreams/internal/ratelimit"
)

var (
	ErrMissingCredentials = errors.New("auth: missing credentials")
	ErrInvalidAPIKey      = errors.New("auth: invalid or revoked api key")
)

// Query parameter fallbacks, consulted only when neither header is present.
var (
	apiKeyParams = []string{"apiKey", "api_key", "apikey", "key"}
	tokenParams  = []string{"token", "jwt", "access_token", "bearer"}
)

type Authenticator struct {
	store  credential.Store
	issuer *Issuer
	log    *logging.Logger
	now    func() time.Time

	touchTimeout time.Duration
	wg           sync.WaitGroup
}

func NewAuthenticator(store credential.Store, issuer *Issuer, log *logging.Logger) *Authenticator {
	return &Authenticator{store: store, issuer: issuer, log: log, now: time.Now, touchTimeout: 2 * time.Second}
}

// Credentials extracts the API key and bearer token from r. The X-API-Key
// header beats the Authorization header, and headers beat query parameters.
func Credentials(r *http.Request) (apiKey, token string) {
	apiKey = strings.TrimSpace(r.Header.Get("X-API-Key"))
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		token = strings.TrimSpace(h[7:])
	}
	if apiKey != "" || token != "" {
		return apiKey, token
	}
	q := r.URL.Query()
	for _, p := range apiKeyParams {
		if v := q.Get(p); v != "" {
			return v, ""
		}
	}
	for _, p := range tokenParams {
		if v := q.Get(p); v != "" {
			return "", v
		}
	}
	return "", ""
}

// Authenticate resolves r to an Identity. Failures are *apierr.Error values
// wrapping ErrMissingCredentials, ErrInvalidAPIKey, ErrTokenExpired or
// ErrTokenInvalid.
func (a *Authenticator) Authenticate(r *http.Request) (*Identity, error) {
	apiKey, token := Credentials(r)
	switch {
	case apiKey != "":
		return a.fromAPIKey(r.Context(), apiKey)
	case token != "":
		return a.fromToken(token)
	}
	metrics.AuthFailures.WithLabelValues("missing").Inc()
	return nil, reject("Authentication required. Provide an API key or bearer token.", ErrMissingCredentials)
}

func (a *Authenticator) fromAPIKey(ctx context.Context, apiKey string) (*Identity, error) {
	rec, err := a.store.Lookup(ctx, apiKey)
	if errors.Is(err, credential.ErrNotFound) || (err == nil && rec.IsRevoked) {
		metrics.AuthFailures.WithLabelValues("invalid_key").Inc()
		return nil, reject("Invalid or revoked API key", ErrInvalidAPIKey)
	}
	if err != nil {
		a.log.Errorw("credential lookup failed", "err", err)
		return nil, apierr.Unavailable("Authentication service unavailable", err)
	}

	a.touch(apiKey)

	perms := rec.Permissions
	if len(perms) == 0 {
		perms = DefaultPermissions
	}
	return &Identity{
		Type:        TypeAPIKey,
		ID:          rec.ID,
		UserID:      rec.UserID,
		Permissions: slices.Clone(perms),
		RateLimits: limitsOrDefault(ratelimit.Limits{
			RPM: rec.RateLimitRPM,
			RPH: rec.RateLimitRPH,
			RPD: rec.RateLimitRPD,
		}),
	}, nil
}

func (a *Authenticator) fromToken(raw string) (*Identity, error) {
	if a.issuer == nil {
		return nil, reject("Invalid JWT token", ErrTokenInvalid)
	}
	claims, err := a.issuer.Verify(raw)
	if errors.Is(err, ErrTokenExpired) {
		metrics.AuthFailures.WithLabelValues("expired").Inc()
		return nil, reject("JWT token has expired", ErrTokenExpired)
	}
	if err != nil {
		metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
		return nil, reject("Invalid JWT token", ErrTokenInvalid)
	}
	return claims.identity(), nil
}

// touch records key usage without holding up the request.
func (a *Authenticator) touch(apiKey string) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.touchTimeout)
		defer cancel()
		if err := a.store.TouchLastUsed(ctx, apiKey, a.now()); err != nil {
			a.log.Debugw("last-used update failed", "err", err)
		}
	}()
}

// Close waits for in-flight usage updates.
func (a *Authenticator) Close() { a.wg.Wait() }

func reject(msg string, cause error) *apierr.Error {
	e := apierr.Unauthenticated(msg)
	e.Err = cause
	return e
}
