package stream

import "sync"

// StateStore records which stream ids are currently live. The HTTP surface
// and the viewer registry read it; the controller lifecycle writes it.
type StateStore interface {
	SetLive(streamID string, live bool) error
	IsLive(streamID string) bool
	Live() []string
}

// MemoryStore is the in-process StateStore.
type MemoryStore struct {
	mu   sync.RWMutex
	live map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{live: make(map[string]struct{})}
}

func (s *MemoryStore) SetLive(streamID string, live bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if live {
		s.live[streamID] = struct{}{}
	} else {
		delete(s.live, streamID)
	}
	return nil
}

func (s *MemoryStore) IsLive(streamID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.live[streamID]
	return ok
}

func (s *MemoryStore) Live() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.live))
	for id := range s.live {
		out = append(out, id)
	}
	return out
}
