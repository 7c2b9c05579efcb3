package ingest

import (
	"sync"

	"github.com/gustycube/cyberstreams/internal/types"
)

// Ring keeps the most recent documents, newest first, up to a fixed
// capacity. Re-adding a document with a known id moves it to the front.
type Ring struct {
	mu   sync.Mutex
	cap  int
	docs []types.Document
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 500
	}
	return &Ring{cap: capacity}
}

// Add inserts docs ahead of existing entries, evicting the oldest beyond
// capacity. It returns the documents whose ids were not already held.
func (r *Ring) Add(docs []types.Document) []types.Document {
	if len(docs) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	incoming := make(map[string]struct{}, len(docs))
	head := make([]types.Document, 0, len(docs))
	for _, d := range docs {
		if _, dup := incoming[d.ID]; dup {
			continue
		}
		incoming[d.ID] = struct{}{}
		head = append(head, d)
	}

	var fresh []types.Document
	known := make(map[string]struct{}, len(r.docs))
	tail := make([]types.Document, 0, len(r.docs))
	for _, d := range r.docs {
		known[d.ID] = struct{}{}
		if _, replaced := incoming[d.ID]; !replaced {
			tail = append(tail, d)
		}
	}
	for _, d := range head {
		if _, ok := known[d.ID]; !ok {
			fresh = append(fresh, d)
		}
	}

	r.docs = append(head, tail...)
	if len(r.docs) > r.cap {
		r.docs = r.docs[:r.cap]
	}
	return fresh
}

// Snapshot returns a copy of the held documents, newest first.
func (r *Ring) Snapshot() []types.Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Document, len(r.docs))
	copy(out, r.docs)
	return out
}

func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.docs)
}
