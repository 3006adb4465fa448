package memory

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type entry struct {
	key       string
	vector    []float32
	expiresAt time.Time
}

// Store is an in-process embedding cache bounded by entry count with an
// optional TTL. The least recently used entry is evicted first.
type Store struct {
	mu         sync.Mutex
	maxEntries int
	ttl        time.Duration
	order      *list.List
	items      map[string]*list.Element
	now        func() time.Time
}

func NewStore(maxEntries int, ttl time.Duration) *Store {
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	return &Store{
		maxEntries: maxEntries,
		ttl:        ttl,
		order:      list.New(),
		items:      make(map[string]*list.Element),
		now:        time.Now,
	}
}

func (s *Store) Get(_ context.Context, key string) ([]float32, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		return nil, false, nil
	}
	e := el.Value.(*entry)
	if s.expired(e) {
		s.remove(el)
		return nil, false, nil
	}
	s.order.MoveToFront(el)
	return e.vector, true, nil
}

// PutIfAbsent stores vector unless a live entry already exists for key.
func (s *Store) PutIfAbsent(_ context.Context, key string, vector []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		if !s.expired(el.Value.(*entry)) {
			return nil
		}
		s.remove(el)
	}

	stored := make([]float32, len(vector))
	copy(stored, vector)
	e := &entry{key: key, vector: stored}
	if s.ttl > 0 {
		e.expiresAt = s.now().Add(s.ttl)
	}
	s.items[key] = s.order.PushFront(e)

	for s.order.Len() > s.maxEntries {
		s.remove(s.order.Back())
	}
	return nil
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

func (s *Store) expired(e *entry) bool {
	return !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt)
}

func (s *Store) remove(el *list.Element) {
	s.order.Remove(el)
	delete(s.items, el.Value.(*entry).key)
}
