package credential

import (
	"context"
	"sort"
	"sync"
	"time"
)

type Memory struct {
	mu   sync.RWMutex
	recs map[string]Record
	now  func() time.Time
}

func NewMemory(seeds ...Seed) *Memory {
	m := &Memory{recs: make(map[string]Record, len(seeds)), now: time.Now}
	for _, s := range seeds {
		m.recs[Fingerprint(s.Key)] = s.Record
	}
	return m
}

func (m *Memory) Lookup(_ context.Context, apiKey string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recs[Fingerprint(apiKey)]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *Memory) TouchLastUsed(_ context.Context, apiKey string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fp := Fingerprint(apiKey)
	rec, ok := m.recs[fp]
	if !ok {
		return ErrNotFound
	}
	t = t.UTC()
	rec.LastUsedAt = &t
	m.recs[fp] = rec
	return nil
}

func (m *Memory) Create(_ context.Context, nk NewKey) (string, *Record, error) {
	key, rec, err := mint(nk, m.now())
	if err != nil {
		return "", nil, err
	}
	m.mu.Lock()
	m.recs[Fingerprint(key)] = rec
	m.mu.Unlock()
	return key, &rec, nil
}

func (m *Memory) Revoke(_ context.Context, apiKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fp := Fingerprint(apiKey)
	rec, ok := m.recs[fp]
	if !ok {
		return ErrNotFound
	}
	rec.IsRevoked = true
	m.recs[fp] = rec
	return nil
}

func (m *Memory) List(_ context.Context, userID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.recs))
	for _, rec := range m.recs {
		if userID == "" || rec.UserID == userID {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}
