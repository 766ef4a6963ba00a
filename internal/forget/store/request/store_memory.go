package request

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"oblivion/internal/forget/models"
	"oblivion/pkg/domain"
	"oblivion/pkg/platform/sentinel"
)

// InMemoryStore keeps requests and shard targets behind one mutex, which
// gives it the same atomicity guarantees the Postgres store gets from
// transactions. It backs unit tests and development wiring.
type InMemoryStore struct {
	mu       sync.RWMutex
	requests map[domain.RequestID]*models.Request
	targets  map[domain.RequestID][]models.ShardTarget
}

func NewMemory() *InMemoryStore {
	return &InMemoryStore{
		requests: make(map[domain.RequestID]*models.Request),
		targets:  make(map[domain.RequestID][]models.ShardTarget),
	}
}

func (s *InMemoryStore) Create(_ context.Context, req *models.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.requests {
		if existing.UserID == req.UserID && existing.Status.Active() {
			return sentinel.ErrConflict
		}
	}
	cp := *req
	s.requests[req.ID] = &cp
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, id domain.RequestID) (*models.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (s *InMemoryStore) FindByToken(_ context.Context, token string) (*models.Request, error) {
	if token == "" {
		return nil, sentinel.ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, req := range s.requests {
		if req.Token == token {
			cp := *req
			return &cp, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemoryStore) UpdateStatus(_ context.Context, id domain.RequestID, status models.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	req.Status = status
	return nil
}

func (s *InMemoryStore) ListAll(_ context.Context) ([]*models.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Request, 0, len(s.requests))
	for _, req := range s.requests {
		cp := *req
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) CreateShardTargets(_ context.Context, targets []models.ShardTarget) error {
	if len(targets) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	reqID := targets[0].RequestID
	seen := make(map[domain.ShardID]bool, len(targets))
	for _, t := range s.targets[reqID] {
		seen[t.ShardID] = true
	}
	for _, t := range targets {
		if t.RequestID != reqID {
			return fmt.Errorf("mixed request ids in one fan-out batch")
		}
		if seen[t.ShardID] {
			return fmt.Errorf("duplicate shard target %s for request %s: %w", t.ShardID, reqID, sentinel.ErrConflict)
		}
		seen[t.ShardID] = true
	}
	s.targets[reqID] = append(s.targets[reqID], targets...)
	return nil
}

func (s *InMemoryStore) UpdateShardStatus(_ context.Context, id domain.RequestID, shard domain.ShardID, status models.Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.targets[id]
	for i := range rows {
		if rows[i].ShardID == shard {
			rows[i].Status = status
			rows[i].ErrorMessage = errMsg
			rows[i].UpdatedAt = time.Now()
			return nil
		}
	}
	return sentinel.ErrNotFound
}

func (s *InMemoryStore) ShardTargets(_ context.Context, id domain.RequestID) ([]models.ShardTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, ok := s.targets[id]
	if !ok || len(rows) == 0 {
		return nil, sentinel.ErrNotFound
	}
	out := make([]models.ShardTarget, len(rows))
	copy(out, rows)
	return out, nil
}

func (s *InMemoryStore) FinalizeIfComplete(_ context.Context, id domain.RequestID, now time.Time) (*models.Request, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, false, sentinel.ErrNotFound
	}
	if !req.Status.Active() {
		return nil, false, nil
	}
	for _, t := range s.targets[id] {
		if t.Status.Active() {
			return nil, false, nil
		}
	}
	req.Status = models.StatusFinished
	completed := now
	req.CompletedAt = &completed
	cp := *req
	return &cp, true, nil
}
