// Package docstore abstracts the full-text search engine that holds indexed
// documents and auxiliary entities such as threat actors.
package docstore

import (
	"context"
	"errors"
	"time"

	"github.com/gustycube/cyberstreams/internal/types"
)

var (
	ErrNotFound    = errors.New("docstore: not found")
	ErrUnavailable = errors.New("docstore: unavailable")
)

// Query is a validated search request.
type Query struct {
	Text   string
	Source string
	Risk   types.Risk
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

// Result holds one page of hits plus aggregations over the whole match set.
type Result struct {
	Total   int
	Hits    []types.Document
	Sources map[string]int
	Risks   map[string]int
	Took    time.Duration
}

type Store interface {
	Ping(ctx context.Context) error
	// EnsureResources creates indices, aliases and pipelines if missing.
	EnsureResources(ctx context.Context) error
	// Bulk upserts documents keyed by their id.
	Bulk(ctx context.Context, docs []types.Document) error
	Search(ctx context.Context, q Query) (*Result, error)

	Create(ctx context.Context, index string, doc map[string]any) (string, error)
	Get(ctx context.Context, index, id string) (map[string]any, error)
	Update(ctx context.Context, index, id string, fields map[string]any) error
	Delete(ctx context.Context, index, id string) error
	List(ctx context.Context, index string, limit, offset int) ([]map[string]any, int, error)
}
