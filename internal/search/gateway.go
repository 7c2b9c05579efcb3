package search

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/gustycube/cyberstreams/internal/apierr"
	"github.com/gustycube/cyberstreams/internal/cache"
	"github.com/gustycube/cyberstreams/internal/docstore"
	"github.com/gustycube/cyberstreams/internal/logging"
	"github.com/gustycube/cyberstreams/internal/metrics"
	"github.com/gustycube/cyberstreams/internal/telemetry"
	"github.com/gustycube/cyberstreams/internal/types"
	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel/attribute"
)

type Aggregations struct {
	Sources map[string]int `json:"sources"`
	Risks   map[string]int `json:"risks"`
}

type Meta struct {
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
	Took   int64 `json:"took"`
}

type Envelope struct {
	Total        int              `json:"total"`
	Hits         []types.Document `json:"hits"`
	Aggregations Aggregations     `json:"aggregations"`
	Meta         Meta             `json:"meta"`
	Cached       bool             `json:"_cached,omitempty"`
}

type Gateway struct {
	store docstore.Store
	cache cache.Cache
	ttl   time.Duration
	log   *logging.Logger
}

// NewGateway returns a Gateway. A nil cache disables result caching.
func NewGateway(store docstore.Store, c cache.Cache, ttl time.Duration, log *logging.Logger) *Gateway {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &Gateway{store: store, cache: c, ttl: ttl, log: log}
}

// CacheKey derives the result-cache key from the normalized query.
func CacheKey(q Query) string {
	b, _ := json.Marshal(q)
	sum := blake3.Sum256(b)
	return "search:" + hex.EncodeToString(sum[:16])
}

func (g *Gateway) Search(ctx context.Context, q Query) (*Envelope, error) {
	ctx, span := telemetry.Tracer("search").Start(ctx, "search")
	defer span.End()
	span.SetAttributes(attribute.String("search.source", q.Source), attribute.Int("search.limit", q.Limit))

	key := CacheKey(q)
	if g.cache != nil {
		var env Envelope
		ok, err := g.cache.Get(ctx, key, &env)
		if err != nil {
			g.log.Warnw("search cache read failed", "err", err)
			metrics.SearchCache.WithLabelValues("error").Inc()
		} else if ok {
			metrics.SearchCache.WithLabelValues("hit").Inc()
			env.Cached = true
			return &env, nil
		} else {
			metrics.SearchCache.WithLabelValues("miss").Inc()
		}
	}

	if g.store == nil {
		return nil, apierr.Unavailable("Search service unavailable", errors.New("no document store configured"))
	}
	start := time.Now()
	res, err := g.store.Search(ctx, docstore.Query{
		Text:   q.Q,
		Source: q.Source,
		Risk:   q.Risk,
		From:   q.From,
		To:     q.To,
		Limit:  q.Limit,
		Offset: q.Offset,
	})
	if err != nil {
		span.RecordError(err)
		g.log.Errorw("search failed", "err", err)
		return nil, apierr.Unavailable("Search service unavailable", err)
	}

	took := res.Took
	if took == 0 {
		took = time.Since(start)
	}
	env := &Envelope{
		Total: res.Total,
		Hits:  res.Hits,
		Aggregations: Aggregations{
			Sources: res.Sources,
			Risks:   res.Risks,
		},
		Meta: Meta{Limit: q.Limit, Offset: q.Offset, Took: took.Milliseconds()},
	}
	if env.Hits == nil {
		env.Hits = []types.Document{}
	}
	if env.Aggregations.Sources == nil {
		env.Aggregations.Sources = map[string]int{}
	}
	if env.Aggregations.Risks == nil {
		env.Aggregations.Risks = map[string]int{}
	}

	if g.cache != nil {
		if err := g.cache.Set(ctx, key, env, g.ttl); err != nil {
			g.log.Warnw("search cache write failed", "err", err)
		}
	}
	return env, nil
}
