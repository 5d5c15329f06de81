package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// MemoryStore keeps records in process memory. Useful for tests and for a
// supervisor that does not need to survive its own restart.
type MemoryStore struct {
	m cmap.ConcurrentMap[string, Record]
	// health serializes the read-modify-write in ReportHealth.
	health sync.Mutex
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: cmap.New[Record](), now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, name string) (Record, error) {
	rec, ok := s.m.Get(name)
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Record, error) {
	items := s.m.Items()
	out := make([]Record, 0, len(items))
	for _, rec := range items {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) Put(_ context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now().UTC()
	}
	s.m.Set(rec.Name, rec)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, name string) error {
	s.m.Remove(name)
	return nil
}

func (s *MemoryStore) ReportHealth(_ context.Context, name string, h Health) error {
	s.health.Lock()
	defer s.health.Unlock()

	rec, ok := s.m.Get(name)
	if !ok {
		return ErrNotFound
	}
	if err := applyHealth(&rec, h, s.now().UTC()); err != nil {
		return err
	}
	s.m.Set(name, rec)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
