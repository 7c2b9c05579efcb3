package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gustycube/cyberstreams/internal/apierr"
	"github.com/gustycube/cyberstreams/internal/ratelimit"
)

var (
	ErrTokenExpired = errors.New("auth: token expired")
	ErrTokenInvalid = errors.New("auth: token invalid")
)

type Claims struct {
	Scopes []string `json:"scopes"`
	RPM    int64    `json:"rpm,omitempty"`
	RPH    int64    `json:"rph,omitempty"`
	RPD    int64    `json:"rpd,omitempty"`
	jwt.RegisteredClaims
}

type IssuerConfig struct {
	Secret        string
	Issuer        string
	MinExpiry     time.Duration
	MaxExpiry     time.Duration
	DefaultExpiry time.Duration
	DefaultScopes []string
}

type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Issuer signs and verifies HS256 bearer tokens.
type Issuer struct {
	cfg IssuerConfig
	now func() time.Time
}

func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if cfg.Secret == "" {
		return nil, errors.New("auth: token secret is required")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "cyberstreams"
	}
	if cfg.MinExpiry <= 0 {
		cfg.MinExpiry = time.Minute
	}
	if cfg.MaxExpiry <= 0 {
		cfg.MaxExpiry = 24 * time.Hour
	}
	if cfg.DefaultExpiry <= 0 {
		cfg.DefaultExpiry = time.Hour
	}
	if len(cfg.DefaultScopes) == 0 {
		cfg.DefaultScopes = DefaultPermissions
	}
	return &Issuer{cfg: cfg, now: time.Now}, nil
}

// SetClock replaces the time source used for issuing and verifying.
func (i *Issuer) SetClock(now func() time.Time) { i.now = now }

// ClampExpiry maps a requested lifetime in seconds onto the configured range;
// zero selects the default.
func (i *Issuer) ClampExpiry(seconds int64) time.Duration {
	if seconds == 0 {
		return i.cfg.DefaultExpiry
	}
	d := time.Duration(seconds) * time.Second
	if d < i.cfg.MinExpiry {
		return i.cfg.MinExpiry
	}
	if d > i.cfg.MaxExpiry {
		return i.cfg.MaxExpiry
	}
	return d
}

// Issue mints a token for id carrying scopes, which must be a subset of the
// caller's own permissions unless the caller is an admin. Without scopes the
// default scopes are narrowed to what the caller holds.
func (i *Issuer) Issue(id *Identity, scopes []string, expiresIn int64) (*Token, error) {
	if !id.Has(PermSearch) {
		return nil, apierr.Forbidden("Token issuance requires the search permission")
	}
	if len(scopes) == 0 {
		for _, s := range i.cfg.DefaultScopes {
			if id.Has(s) {
				scopes = append(scopes, s)
			}
		}
	}
	for _, s := range scopes {
		if !slices.Contains(KnownPermissions, s) {
			return nil, apierr.Validation("Invalid scope", apierr.FieldError{Field: "scopes", Message: fmt.Sprintf("unknown scope %q", s)})
		}
		if !id.Has(s) {
			return nil, apierr.Forbidden(fmt.Sprintf("Scope %q is not granted to this credential", s))
		}
	}

	ttl := i.ClampExpiry(expiresIn)
	now := i.now()
	claims := Claims{
		Scopes: slices.Clone(scopes),
		RPM:    id.RateLimits.RPM,
		RPH:    id.RateLimits.RPH,
		RPD:    id.RateLimits.RPD,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    i.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(i.cfg.Secret))
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &Token{AccessToken: signed, TokenType: "Bearer", ExpiresIn: int64(ttl / time.Second)}, nil
}

// Verify checks signature, issuer and expiry.
func (i *Issuer) Verify(raw string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(i.cfg.Secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrTokenExpired
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	return &claims, nil
}

func (c *Claims) identity() *Identity {
	perms := c.Scopes
	if len(perms) == 0 {
		perms = DefaultPermissions
	}
	return &Identity{
		Type:        TypeBearer,
		ID:          c.Subject,
		UserID:      c.Subject,
		Permissions: slices.Clone(perms),
		RateLimits:  limitsOrDefault(ratelimit.Limits{RPM: c.RPM, RPH: c.RPH, RPD: c.RPD}),
	}
}
