package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Request Operations ---

func (s *PostgresStore) SaveRequest(ctx context.Context, req *WorkloadRecord) error {
	query := `
		INSERT INTO workload_requests (id, name, workload_type, priority, duration_seconds, gpus, cpu_cores, memory_gb, max_cost_per_hour, max_carbon_kg, deadline, earliest_start, preferred_regions, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := s.pool.Exec(ctx, query,
		req.ID, req.Name, req.WorkloadType, req.Priority, req.DurationSeconds,
		req.GPUs, req.CPUCores, req.MemoryGB, req.MaxCostPerHour, req.MaxCarbonKg,
		req.Deadline, req.EarliestStart, req.PreferredRegions, req.SubmittedAt,
	)
	return err
}

func (s *PostgresStore) GetRequest(ctx context.Context, id string) (*WorkloadRecord, error) {
	query := `
		SELECT id, name, workload_type, priority, duration_seconds, gpus, cpu_cores, memory_gb, max_cost_per_hour, max_carbon_kg, deadline, earliest_start, preferred_regions, submitted_at
		FROM workload_requests WHERE id = $1
	`
	var r WorkloadRecord
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&r.ID, &r.Name, &r.WorkloadType, &r.Priority, &r.DurationSeconds,
		&r.GPUs, &r.CPUCores, &r.MemoryGB, &r.MaxCostPerHour, &r.MaxCarbonKg,
		&r.Deadline, &r.EarliestStart, &r.PreferredRegions, &r.SubmittedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// --- Decision Operations ---

func (s *PostgresStore) SaveDecision(ctx context.Context, d *DecisionRecord) error {
	query := `
		INSERT INTO schedule_decisions (id, request_id, region_id, state, window_start, window_end, score, projected_cost, projected_carbon_kg, reasoning, failure_reason, superseded_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			failure_reason = EXCLUDED.failure_reason,
			superseded_by = EXCLUDED.superseded_by,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.pool.Exec(ctx, query,
		d.ID, d.RequestID, d.RegionID, d.State, d.WindowStart, d.WindowEnd,
		d.Score, d.ProjectedCost, d.ProjectedCarbonKg, d.Reasoning,
		d.FailureReason, d.SupersededBy, d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) UpdateDecisionState(ctx context.Context, id, state, failureReason, supersededBy string, updatedAt time.Time) error {
	query := `
		UPDATE schedule_decisions
		SET state = $2,
		    failure_reason = CASE WHEN $3 = '' THEN failure_reason ELSE $3 END,
		    superseded_by = CASE WHEN $4 = '' THEN superseded_by ELSE $4 END,
		    updated_at = $5
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, id, state, failureReason, supersededBy, updatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("decision not found")
	}
	return nil
}

func (s *PostgresStore) GetDecision(ctx context.Context, id string) (*DecisionRecord, error) {
	query := `
		SELECT id, request_id, region_id, state, window_start, window_end, score, projected_cost, projected_carbon_kg, reasoning, failure_reason, superseded_by, created_at, updated_at
		FROM schedule_decisions WHERE id = $1
	`
	var d DecisionRecord
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&d.ID, &d.RequestID, &d.RegionID, &d.State, &d.WindowStart, &d.WindowEnd,
		&d.Score, &d.ProjectedCost, &d.ProjectedCarbonKg, &d.Reasoning,
		&d.FailureReason, &d.SupersededBy, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) ListDecisionsByRequest(ctx context.Context, requestID string) ([]*DecisionRecord, error) {
	query := `
		SELECT id, request_id, region_id, state, window_start, window_end, score, projected_cost, projected_carbon_kg, reasoning, failure_reason, superseded_by, created_at, updated_at
		FROM schedule_decisions WHERE request_id = $1 ORDER BY created_at ASC
	`
	return s.queryDecisions(ctx, query, requestID)
}

func (s *PostgresStore) ListDecisionsByState(ctx context.Context, state string) ([]*DecisionRecord, error) {
	query := `
		SELECT id, request_id, region_id, state, window_start, window_end, score, projected_cost, projected_carbon_kg, reasoning, failure_reason, superseded_by, created_at, updated_at
		FROM schedule_decisions WHERE state = $1 ORDER BY id ASC
	`
	return s.queryDecisions(ctx, query, state)
}

func (s *PostgresStore) queryDecisions(ctx context.Context, query string, arg interface{}) ([]*DecisionRecord, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DecisionRecord
	for rows.Next() {
		var d DecisionRecord
		if err := rows.Scan(
			&d.ID, &d.RequestID, &d.RegionID, &d.State, &d.WindowStart, &d.WindowEnd,
			&d.Score, &d.ProjectedCost, &d.ProjectedCarbonKg, &d.Reasoning,
			&d.FailureReason, &d.SupersededBy, &d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// --- Ledger Operations ---

func (s *PostgresStore) AppendLedgerEntry(ctx context.Context, e *LedgerRecord) error {
	query := `
		INSERT INTO carbon_ledger (id, decision_id, region_id, window_start, window_end, projected_kg, realized_kg, recorded_at, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET realized_kg = EXCLUDED.realized_kg, note = EXCLUDED.note
	`
	_, err := s.pool.Exec(ctx, query,
		e.ID, e.DecisionID, e.RegionID, e.WindowStart, e.WindowEnd,
		e.ProjectedKg, e.RealizedKg, e.RecordedAt, e.Note,
	)
	return err
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, decisionID string) ([]*LedgerRecord, error) {
	query := `
		SELECT id, decision_id, region_id, window_start, window_end, projected_kg, realized_kg, recorded_at, note
		FROM carbon_ledger WHERE decision_id = $1 ORDER BY recorded_at ASC
	`
	rows, err := s.pool.Query(ctx, query, decisionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*LedgerRecord
	for rows.Next() {
		var e LedgerRecord
		if err := rows.Scan(
			&e.ID, &e.DecisionID, &e.RegionID, &e.WindowStart, &e.WindowEnd,
			&e.ProjectedKg, &e.RealizedKg, &e.RecordedAt, &e.Note,
		); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
