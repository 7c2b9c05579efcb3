// Package auth resolves request credentials into an Identity and mints the
// short-lived bearer tokens clients exchange their API keys for.
package auth

import (
	"context"
	"slices"

	"github.com/gustycube/cyberstreams/internal/ratelimit"
)

type Type string

const (
	TypeAPIKey Type = "api-key"
	TypeBearer Type = "bearer-token"
)

const (
	PermSearch = "search"
	PermStream = "stream"
	PermAdmin  = "admin"
	PermRead   = "read"
	PermWrite  = "write"
	PermDelete = "delete"
)

// KnownPermissions lists every grantable permission.
var KnownPermissions = []string{PermSearch, PermStream, PermAdmin, PermRead, PermWrite, PermDelete}

// DefaultPermissions apply when a credential carries none.
var DefaultPermissions = []string{PermSearch, PermStream}

type Identity struct {
	Type        Type             `json:"type"`
	ID          string           `json:"id"`
	UserID      string           `json:"userId"`
	Permissions []string         `json:"permissions"`
	RateLimits  ratelimit.Limits `json:"rateLimits"`
}

// Has reports whether the identity holds p. Admin holds everything.
func (i *Identity) Has(p string) bool {
	if i == nil {
		return false
	}
	return slices.Contains(i.Permissions, p) || slices.Contains(i.Permissions, PermAdmin)
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(*Identity)
	return id, ok && id != nil
}

// limitsOrDefault fills zero windows from ratelimit.Default.
func limitsOrDefault(l ratelimit.Limits) ratelimit.Limits {
	if l.RPM == 0 {
		l.RPM = ratelimit.Default.RPM
	}
	if l.RPH == 0 {
		l.RPH = ratelimit.Default.RPH
	}
	if l.RPD == 0 {
		l.RPD = ratelimit.Default.RPD
	}
	return l
}
