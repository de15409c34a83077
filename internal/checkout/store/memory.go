package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"coinwallet/internal/checkout/domain"
)

// Memory is an in-process submission store.
type Memory struct {
	mu   sync.RWMutex
	subs map[string]*domain.Submission
}

// NewMemory creates an empty in-memory submission store.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string]*domain.Submission)}
}

// Create inserts sub unless the token is already stored.
func (s *Memory) Create(_ context.Context, sub *domain.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[sub.Token]; !ok {
		cp := *sub
		s.subs[sub.Token] = &cp
	}
	return nil
}

// Get returns a copy of the submission stored under token.
func (s *Memory) Get(_ context.Context, token string) (*domain.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[token]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

// Update writes sub if the stored state is still from.
func (s *Memory) Update(_ context.Context, sub *domain.Submission, from domain.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.subs[sub.Token]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.State != from {
		return domain.ErrStateConflict
	}
	cur.State = sub.State
	cur.OrderID = sub.OrderID
	cur.OrderNo = sub.OrderNo
	cur.ErrorCode = sub.ErrorCode
	cur.UpdatedAt = sub.UpdatedAt
	return nil
}

// ListStale returns up to limit submissions in state last updated before before.
func (s *Memory) ListStale(_ context.Context, state domain.State, before time.Time, limit int) ([]*domain.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Submission
	for _, sub := range s.subs {
		if sub.State == state && sub.UpdatedAt.Before(before) {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
