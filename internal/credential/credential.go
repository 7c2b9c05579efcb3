// Package credential stores API-key records. Keys are never held in
// plaintext: every backend indexes records by the key's blake3 fingerprint.
package credential

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

var ErrNotFound = errors.New("credential: api key not found")

// Unlimited marks an unbounded rate limit.
const Unlimited int64 = -1

type Record struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	UserID       string     `json:"userId"`
	Permissions  []string   `json:"permissions"`
	RateLimitRPM int64      `json:"rateLimitRpm"`
	RateLimitRPH int64      `json:"rateLimitRph"`
	RateLimitRPD int64      `json:"rateLimitRpd"`
	IsRevoked    bool       `json:"isRevoked"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastUsedAt   *time.Time `json:"lastUsedAt,omitempty"`
}

// NewKey describes a key to be minted. Zero limits take the default tier.
type NewKey struct {
	Name        string   `json:"name"`
	UserID      string   `json:"userId"`
	Permissions []string `json:"permissions"`
	RPM         int64    `json:"rpm"`
	RPH         int64    `json:"rph"`
	RPD         int64    `json:"rpd"`
}

type Store interface {
	// Lookup returns the record for apiKey, revoked or not.
	Lookup(ctx context.Context, apiKey string) (*Record, error)
	TouchLastUsed(ctx context.Context, apiKey string, t time.Time) error
	// Create mints a new key and returns it with its record. The plaintext
	// key is only ever returned here.
	Create(ctx context.Context, nk NewKey) (string, *Record, error)
	Revoke(ctx context.Context, apiKey string) error
	// List returns records owned by userID, or all records when empty.
	List(ctx context.Context, userID string) ([]Record, error)
}

func Fingerprint(apiKey string) string {
	sum := blake3.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// GenerateKey returns "key_<name>_<32 hex chars>" with name reduced to
// lowercase alphanumerics.
func GenerateKey(name string) (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + 'a' - 'A'
		}
		return -1
	}, name)
	if len(slug) > 16 {
		slug = slug[:16]
	}
	if slug == "" {
		slug = "app"
	}
	return "key_" + slug + "_" + hex.EncodeToString(b[:]), nil
}

func newID() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return "key-" + hex.EncodeToString(b[:]), nil
}

// mint builds the record for nk and its plaintext key.
func mint(nk NewKey, now time.Time) (string, Record, error) {
	if strings.TrimSpace(nk.Name) == "" {
		return "", Record{}, errors.New("credential: name is required")
	}
	if strings.TrimSpace(nk.UserID) == "" {
		return "", Record{}, errors.New("credential: userId is required")
	}
	key, err := GenerateKey(nk.Name)
	if err != nil {
		return "", Record{}, err
	}
	id, err := newID()
	if err != nil {
		return "", Record{}, err
	}
	perms := nk.Permissions
	if len(perms) == 0 {
		perms = []string{"search"}
	}
	rec := Record{
		ID:           id,
		Name:         nk.Name,
		UserID:       nk.UserID,
		Permissions:  append([]string(nil), perms...),
		RateLimitRPM: orDefault(nk.RPM, 60),
		RateLimitRPH: orDefault(nk.RPH, 3600),
		RateLimitRPD: orDefault(nk.RPD, 86400),
		CreatedAt:    now.UTC(),
	}
	return key, rec, nil
}

func orDefault(v, def int64) int64 {
	if v == 0 {
		return def
	}
	return v
}

// Seed pairs a plaintext key with the record it resolves to.
type Seed struct {
	Key    string
	Record Record
}

// DevelopmentSeeds returns the well-known local development keys. They must
// never be loaded in production.
func DevelopmentSeeds() []Seed {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return []Seed{
		{Key: "key_test_1234567890abcdef", Record: Record{
			ID:           "key-1",
			Name:         "Test Key",
			UserID:       "user-1",
			Permissions:  []string{"search", "stream"},
			RateLimitRPM: 60,
			RateLimitRPH: 3600,
			RateLimitRPD: 86400,
			CreatedAt:    created,
		}},
		{Key: "key_demo_abcdef1234567890", Record: Record{
			ID:           "key-2",
			Name:         "Demo Key",
			UserID:       "user-2",
			Permissions:  []string{"search", "stream"},
			RateLimitRPM: 300,
			RateLimitRPH: 18000,
			RateLimitRPD: Unlimited,
			CreatedAt:    created,
		}},
		{Key: "key_admin_supersecret123", Record: Record{
			ID:           "key-admin",
			Name:         "Admin Key",
			UserID:       "admin-1",
			Permissions:  []string{"search", "stream", "admin"},
			RateLimitRPM: 1000,
			RateLimitRPH: 60000,
			RateLimitRPD: Unlimited,
			CreatedAt:    created,
		}},
	}
}
