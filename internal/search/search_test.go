package search

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gustycube/cyberstreams/internal/apierr"
	"github.com/gustycube/cyberstreams/internal/cache"
	"github.com/gustycube/cyberstreams/internal/docstore"
	"github.com/gustycube/cyberstreams/internal/logging"
	"github.com/gustycube/cyberstreams/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQuery_Defaults(t *testing.T) {
	q, err := ParseQuery(url.Values{"q": {"ransomware"}})
	require.NoError(t, err)
	assert.Equal(t, Query{Q: "ransomware", Source: "all", Limit: 20}, q)
}

func TestParseQuery_Full(t *testing.T) {
	q, err := ParseQuery(url.Values{
		"q":      {"CVE-2024-1234 (RCE)"},
		"source": {"krebs_on-security"},
		"risk":   {"Critical"},
		"from":   {"2024-01-01T00:00:00Z"},
		"to":     {"2024-02-01T00:00:00+02:00"},
		"limit":  {"100"},
		"offset": {"40"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.RiskCritical, q.Risk)
	assert.Equal(t, "krebs_on-security", q.Source)
	assert.Equal(t, 100, q.Limit)
	assert.Equal(t, 40, q.Offset)
	require.NotNil(t, q.To)
	assert.Equal(t, time.UTC, q.To.Location())
}

func TestParseQuery_Informational(t *testing.T) {
	q, err := ParseQuery(url.Values{"q": {"cve"}, "risk": {"informational"}})
	require.NoError(t, err)
	assert.Equal(t, types.RiskInformational, q.Risk)
}

func TestParseQuery_Rejects(t *testing.T) {
	tests := map[string]url.Values{
		"missing q":       {},
		"blank q":         {"q": {"   "}},
		"long q":          {"q": {strings.Repeat("a", 201)}},
		"bad chars":       {"q": {"drop;table"}},
		"bad source":      {"q": {"x"}, "source": {"krebs.com"}},
		"bad risk":        {"q": {"x"}, "risk": {"severe"}},
		"info risk":       {"q": {"x"}, "risk": {"info"}},
		"bad from":        {"q": {"x"}, "from": {"yesterday"}},
		"from after to":   {"q": {"x"}, "from": {"2024-02-01T00:00:00Z"}, "to": {"2024-01-01T00:00:00Z"}},
		"limit zero":      {"q": {"x"}, "limit": {"0"}},
		"limit 101":       {"q": {"x"}, "limit": {"101"}},
		"limit nan":       {"q": {"x"}, "limit": {"ten"}},
		"negative offset": {"q": {"x"}, "offset": {"-1"}},
	}
	for name, v := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseQuery(v)
			require.Error(t, err)
			e := apierr.From(err)
			assert.Equal(t, http.StatusBadRequest, e.Status)
			assert.Equal(t, apierr.CodeValidation, e.Code)
			assert.NotEmpty(t, e.Details)
		})
	}
}

func TestParseQuery_MaxLength(t *testing.T) {
	_, err := ParseQuery(url.Values{"q": {strings.Repeat("a", 200)}})
	assert.NoError(t, err)
}

func fixtureDocs() []types.Document {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	return []types.Document{
		{ID: "1", Title: "Exploit chain", SourceID: "krebs", SourceName: "Krebs", Risk: types.RiskCritical, PublishedAt: base},
		{ID: "2", Title: "Exploit kit", SourceID: "bleeping", SourceName: "Bleeping", Risk: types.RiskHigh, PublishedAt: base},
		{ID: "3", Title: "Exploit broker", SourceID: "bleeping", SourceName: "Bleeping", Risk: types.RiskCritical, PublishedAt: base},
		{ID: "4", Title: "Policy update", SourceID: "krebs", SourceName: "Krebs", Risk: types.RiskCritical, PublishedAt: base},
	}
}

func TestGateway_RiskFilterAggregations(t *testing.T) {
	g := NewGateway(docstore.NewMemory(fixtureDocs()...), nil, 0, logging.Nop())
	q, err := ParseQuery(url.Values{"q": {"exploit"}, "risk": {"critical"}})
	require.NoError(t, err)

	env, err := g.Search(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, env.Hits, 2)
	for _, h := range env.Hits {
		assert.Equal(t, types.RiskCritical, h.Risk)
	}
	assert.Equal(t, len(env.Hits), env.Aggregations.Risks["critical"])
	assert.Equal(t, map[string]int{"Krebs": 1, "Bleeping": 1}, env.Aggregations.Sources)
	assert.Equal(t, 20, env.Meta.Limit)
}

func TestGateway_PaginationLeavesAggregations(t *testing.T) {
	g := NewGateway(docstore.NewMemory(fixtureDocs()...), nil, 0, logging.Nop())
	q, err := ParseQuery(url.Values{"q": {"exploit"}, "limit": {"1"}, "offset": {"1"}})
	require.NoError(t, err)

	env, err := g.Search(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, 3, env.Total)
	require.Len(t, env.Hits, 1)
	assert.Equal(t, "2", env.Hits[0].ID)
	assert.Equal(t, 2, env.Aggregations.Risks["critical"])
	assert.Equal(t, 1, env.Aggregations.Risks["high"])
}

type countingStore struct {
	docstore.Store
	calls int
}

func (c *countingStore) Search(ctx context.Context, q docstore.Query) (*docstore.Result, error) {
	c.calls++
	return c.Store.Search(ctx, q)
}

func TestGateway_Caches(t *testing.T) {
	store := &countingStore{Store: docstore.NewMemory(fixtureDocs()...)}
	g := NewGateway(store, cache.NewMemory(100, time.Hour), time.Minute, logging.Nop())
	q, err := ParseQuery(url.Values{"q": {"exploit"}})
	require.NoError(t, err)

	first, err := g.Search(context.Background(), q)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := g.Search(context.Background(), q)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Total, second.Total)
	assert.Equal(t, 1, store.calls)

	q.Offset = 1
	_, err = g.Search(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, 2, store.calls)
}

func TestCacheKey_Stable(t *testing.T) {
	a, _ := ParseQuery(url.Values{"q": {"x"}, "limit": {"20"}})
	b, _ := ParseQuery(url.Values{"q": {" x "}})
	assert.Equal(t, CacheKey(a), CacheKey(b))
	c, _ := ParseQuery(url.Values{"q": {"y"}})
	assert.NotEqual(t, CacheKey(a), CacheKey(c))
}

type downStore struct{ docstore.Store }

func (downStore) Search(context.Context, docstore.Query) (*docstore.Result, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func TestGateway_StoreDown(t *testing.T) {
	g := NewGateway(downStore{}, nil, 0, logging.Nop())
	_, err := g.Search(context.Background(), Query{Q: "x", Source: "all", Limit: 20})
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, apierr.From(err).Status)
}
