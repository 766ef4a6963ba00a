package identity

import (
	"context"
	"sync"

	"oblivion/pkg/domain"
	"oblivion/pkg/platform/sentinel"
)

// InMemoryStore is the test double for the home-shard profile store.
type InMemoryStore struct {
	mu       sync.Mutex
	profiles map[domain.UserID]*Profile
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{profiles: make(map[domain.UserID]*Profile)}
}

// Seed inserts a profile directly, for test setup.
func (s *InMemoryStore) Seed(p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p
	s.profiles[p.ID] = &cp
}

func (s *InMemoryStore) FindByID(_ context.Context, id domain.UserID) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *InMemoryStore) SaveProfile(_ context.Context, p *Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.profiles[p.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	existing.Email = p.Email
	existing.RealName = p.RealName
	existing.PasswordHash = p.PasswordHash
	return nil
}

func (s *InMemoryStore) Rename(_ context.Context, oldName, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.profiles {
		if p.Name == oldName {
			p.Name = newName
			return nil
		}
	}
	// Already renamed on an earlier delivery, or never existed. Both fine.
	return nil
}
