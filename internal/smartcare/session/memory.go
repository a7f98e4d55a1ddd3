package session

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	state   *State
	expires time.Time
}

// MemoryStore keeps sessions in process memory. Entries idle longer than ttl are dropped.
type MemoryStore struct {
	*keyedMutex

	mu   sync.RWMutex
	data map[string]memoryEntry
	ttl  time.Duration
	now  func() time.Time
}

// NewMemoryStore ttl <= 0 keeps sessions until Delete.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		keyedMutex: newKeyedMutex(),
		data:       make(map[string]memoryEntry),
		ttl:        ttl,
		now:        time.Now,
	}
}

func (s *MemoryStore) expired(e memoryEntry, now time.Time) bool {
	return s.ttl > 0 && now.After(e.expires)
}

func (s *MemoryStore) Get(_ context.Context, id string) (*State, error) {
	s.mu.RLock()
	e, ok := s.data[id]
	s.mu.RUnlock()
	if !ok || s.expired(e, s.now()) {
		return nil, ErrNotFound
	}
	return e.state.Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, st *State) error {
	now := s.now()
	st.UpdatedAt = now

	s.mu.Lock()
	s.data[st.ID] = memoryEntry{state: st.Clone(), expires: now.Add(s.ttl)}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.data, id)
	s.mu.Unlock()
	return nil
}

// Len counts stored sessions, expired ones included until the next Sweep.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Sweep removes expired entries and reports how many were dropped.
func (s *MemoryStore) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, e := range s.data {
		if s.expired(e, now) {
			delete(s.data, id)
			n++
		}
	}
	return n
}

// StartJanitor sweeps every interval until ctx is done.
func (s *MemoryStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if s.ttl <= 0 || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}
