package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the single-process Store used for tests and dev mode.
type MemoryStore struct {
	mu        sync.RWMutex
	requests  map[string]*WorkloadRecord
	decisions map[string]*DecisionRecord
	ledger    []*LedgerRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:  make(map[string]*WorkloadRecord),
		decisions: make(map[string]*DecisionRecord),
	}
}

// --- Request Operations ---

func (s *MemoryStore) SaveRequest(ctx context.Context, req *WorkloadRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	s.requests[req.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRequest(ctx context.Context, id string) (*WorkloadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

// --- Decision Operations ---

func (s *MemoryStore) SaveDecision(ctx context.Context, d *DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.decisions[d.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateDecisionState(ctx context.Context, id, state, failureReason, supersededBy string, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[id]
	if !ok {
		return errors.New("decision not found")
	}
	d.State = state
	if failureReason != "" {
		d.FailureReason = failureReason
	}
	if supersededBy != "" {
		d.SupersededBy = supersededBy
	}
	d.UpdatedAt = updatedAt
	return nil
}

func (s *MemoryStore) GetDecision(ctx context.Context, id string) (*DecisionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.decisions[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) ListDecisionsByRequest(ctx context.Context, requestID string) ([]*DecisionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*DecisionRecord
	for _, d := range s.decisions {
		if d.RequestID == requestID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListDecisionsByState(ctx context.Context, state string) ([]*DecisionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*DecisionRecord
	for _, d := range s.decisions {
		if d.State == state {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Ledger Operations ---

func (s *MemoryStore) AppendLedgerEntry(ctx context.Context, e *LedgerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.ledger = append(s.ledger, &cp)
	return nil
}

func (s *MemoryStore) ListLedgerEntries(ctx context.Context, decisionID string) ([]*LedgerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*LedgerRecord
	for _, e := range s.ledger {
		if e.DecisionID == decisionID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() {}
