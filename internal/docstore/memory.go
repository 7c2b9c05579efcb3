package docstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gustycube/cyberstreams/internal/types"
)

// Memory is an in-process Store. Search uses case-insensitive substring
// matching over title, content and tags.
type Memory struct {
	mu   sync.RWMutex
	docs map[string]types.Document
	seq  map[string]int
	next int
	aux  map[string]map[string]map[string]any
	down bool
}

func NewMemory(seed ...types.Document) *Memory {
	m := &Memory{
		docs: make(map[string]types.Document),
		seq:  make(map[string]int),
		aux:  make(map[string]map[string]map[string]any),
	}
	_ = m.Bulk(context.Background(), seed)
	return m
}

// SetAvailable toggles simulated unavailability.
func (m *Memory) SetAvailable(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = !ok
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down {
		return ErrUnavailable
	}
	return nil
}

func (m *Memory) EnsureResources(ctx context.Context) error { return m.Ping(ctx) }

func (m *Memory) Bulk(ctx context.Context, docs []types.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return ErrUnavailable
	}
	for _, d := range docs {
		if _, ok := m.seq[d.ID]; !ok {
			m.seq[d.ID] = m.next
			m.next++
		}
		m.docs[d.ID] = d
	}
	return nil
}

// Len reports the number of stored documents.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

func (m *Memory) Search(ctx context.Context, q Query) (*Result, error) {
	start := time.Now()
	m.mu.RLock()
	if m.down {
		m.mu.RUnlock()
		return nil, ErrUnavailable
	}
	all := make([]types.Document, 0, len(m.docs))
	for _, d := range m.docs {
		all = append(all, d)
	}
	seq := m.seq
	sort.Slice(all, func(i, j int) bool { return seq[all[i].ID] < seq[all[j].ID] })
	m.mu.RUnlock()

	res := Filter(all, q)
	res.Took = time.Since(start)
	return res, nil
}

// Filter applies query matching, filtering, aggregation and pagination to
// docs, preserving their order.
func Filter(docs []types.Document, q Query) *Result {
	needle := strings.ToLower(q.Text)
	matched := make([]types.Document, 0, len(docs))
	for _, d := range docs {
		if needle != "" && !matches(d, needle) {
			continue
		}
		if q.Source != "" && q.Source != "all" && d.SourceID != q.Source {
			continue
		}
		if q.Risk != "" && d.Risk != q.Risk {
			continue
		}
		if q.From != nil && d.PublishedAt.Before(*q.From) {
			continue
		}
		if q.To != nil && d.PublishedAt.After(*q.To) {
			continue
		}
		matched = append(matched, d)
	}

	res := &Result{
		Total:   len(matched),
		Sources: make(map[string]int),
		Risks:   make(map[string]int),
	}
	for _, d := range matched {
		res.Sources[d.SourceName]++
		res.Risks[string(d.Risk)]++
	}

	lo := q.Offset
	if lo > len(matched) {
		lo = len(matched)
	}
	hi := len(matched)
	if q.Limit > 0 && lo+q.Limit < hi {
		hi = lo + q.Limit
	}
	res.Hits = matched[lo:hi]
	return res
}

func matches(d types.Document, needle string) bool {
	if strings.Contains(strings.ToLower(d.Title), needle) || strings.Contains(strings.ToLower(d.Content), needle) {
		return true
	}
	for _, tag := range d.Tags {
		if strings.Contains(strings.ToLower(tag), needle) {
			return true
		}
	}
	return false
}

func (m *Memory) Create(ctx context.Context, index string, doc map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return "", ErrUnavailable
	}
	id := uuid.NewString()
	if m.aux[index] == nil {
		m.aux[index] = make(map[string]map[string]any)
	}
	m.aux[index][id] = cloneMap(doc)
	return id, nil
}

func (m *Memory) Get(ctx context.Context, index, id string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down {
		return nil, ErrUnavailable
	}
	doc, ok := m.aux[index][id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneMap(doc)
	out["id"] = id
	return out, nil
}

func (m *Memory) Update(ctx context.Context, index, id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return ErrUnavailable
	}
	doc, ok := m.aux[index][id]
	if !ok {
		return ErrNotFound
	}
	for k, v := range fields {
		doc[k] = v
	}
	return nil
}

func (m *Memory) Delete(ctx context.Context, index, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return ErrUnavailable
	}
	if _, ok := m.aux[index][id]; !ok {
		return ErrNotFound
	}
	delete(m.aux[index], id)
	return nil
}

// List pages through index ordered by id.
func (m *Memory) List(ctx context.Context, index string, limit, offset int) ([]map[string]any, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down {
		return nil, 0, ErrUnavailable
	}
	ids := make([]string, 0, len(m.aux[index]))
	for id := range m.aux[index] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	total := len(ids)
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]map[string]any, 0, end-offset)
	for _, id := range ids[offset:end] {
		doc := cloneMap(m.aux[index][id])
		doc["id"] = id
		out = append(out, doc)
	}
	return out, total, nil
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
