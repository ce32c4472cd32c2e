package store

import (
	"context"
	"time"
)

// Store abstracts the durable backend for requests, decision history, and
// the carbon ledger. The engine writes through it; it is never consulted on
// the scheduling hot path.
type Store interface {
	// Request Operations
	SaveRequest(ctx context.Context, req *WorkloadRecord) error
	GetRequest(ctx context.Context, id string) (*WorkloadRecord, error)

	// Decision Operations
	SaveDecision(ctx context.Context, d *DecisionRecord) error
	UpdateDecisionState(ctx context.Context, id, state, failureReason, supersededBy string, updatedAt time.Time) error
	GetDecision(ctx context.Context, id string) (*DecisionRecord, error)
	ListDecisionsByRequest(ctx context.Context, requestID string) ([]*DecisionRecord, error)
	ListDecisionsByState(ctx context.Context, state string) ([]*DecisionRecord, error)

	// Ledger Operations (insert-only)
	AppendLedgerEntry(ctx context.Context, e *LedgerRecord) error
	ListLedgerEntries(ctx context.Context, decisionID string) ([]*LedgerRecord, error)

	Close()
}
