// Package search validates search requests and serves them from a short-lived
// result cache in front of the document store.
package search

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gustycube/cyberstreams/internal/apierr"
	"github.com/gustycube/cyberstreams/internal/types"
)

const (
	MaxQueryLen  = 200
	DefaultLimit = 20
	MaxLimit     = 100
)

var (
	queryPattern  = regexp.MustCompile("^[a-zA-Z0-9\\s\\-_:.@#$%&*()+=\\[\\]{}|\\\\,<>/?!'\"~`]+$")
	sourcePattern = regexp.MustCompile(`^[a-zA-Z0-9\-_]+$`)
)

// Query is a validated, normalized search request. Its JSON form is the
// cache key, so field order and formatting must stay stable.
type Query struct {
	Q      string     `json:"q"`
	Source string     `json:"source"`
	Risk   types.Risk `json:"risk,omitempty"`
	From   *time.Time `json:"from,omitempty"`
	To     *time.Time `json:"to,omitempty"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

// ParseQuery validates v and applies defaults. All field problems are
// reported together in one validation error.
func ParseQuery(v url.Values) (Query, error) {
	q := Query{Source: "all", Limit: DefaultLimit}
	var errs []apierr.FieldError
	fail := func(field, msg string) { errs = append(errs, apierr.FieldError{Field: field, Message: msg}) }

	q.Q = strings.TrimSpace(v.Get("q"))
	switch n := utf8.RuneCountInString(q.Q); {
	case n == 0:
		fail("q", "Search query is required")
	case n > MaxQueryLen:
		fail("q", "Search query must be at most 200 characters")
	case !queryPattern.MatchString(q.Q):
		fail("q", "Search query contains invalid characters")
	}

	if s := strings.TrimSpace(v.Get("source")); s != "" {
		if s != "all" && !sourcePattern.MatchString(s) {
			fail("source", "Source must contain only letters, digits, dashes and underscores")
		} else {
			q.Source = s
		}
	}

	if s := v.Get("risk"); s != "" {
		r, ok := types.ParseRisk(s)
		if !ok {
			fail("risk", "Risk must be one of critical, high, medium, low, informational")
		}
		q.Risk = r
	}

	q.From = parseTime(v.Get("from"), "from", fail)
	q.To = parseTime(v.Get("to"), "to", fail)
	if q.From != nil && q.To != nil && q.From.After(*q.To) {
		fail("from", "From date must be before or equal to the to date")
	}

	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > MaxLimit {
			fail("limit", "Limit must be an integer between 1 and 100")
		} else {
			q.Limit = n
		}
	}
	if s := v.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			fail("offset", "Offset must be a non-negative integer")
		} else {
			q.Offset = n
		}
	}

	if len(errs) > 0 {
		return Query{}, apierr.Validation("Invalid search parameters", errs...)
	}
	return q, nil
}

func parseTime(s, field string, fail func(string, string)) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		fail(field, "Must be an ISO-8601 timestamp")
		return nil
	}
	t = t.UTC()
	return &t
}
