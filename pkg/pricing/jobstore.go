package pricing

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/wisbric/fleetctl/internal/ctlerr"
	"github.com/wisbric/fleetctl/internal/db"
)

// JobStore provides database operations for consolidation job tracking.
type JobStore struct {
	dbtx db.DBTX
}

// NewJobStore creates a JobStore.
func NewJobStore(dbtx db.DBTX) *JobStore {
	return &JobStore{dbtx: dbtx}
}

// Start inserts a new running job row.
func (s *JobStore) Start(ctx context.Context) (uuid.UUID, error) {
	id := uuid.New()
	const q = `INSERT INTO pricing_consolidation_jobs (id, started_at, status) VALUES ($1, now(), 'running')`
	if _, err := s.dbtx.Exec(ctx, q, id); err != nil {
		return uuid.Nil, fmt.Errorf("%w: starting consolidation job: %v", ctlerr.TransientStorage, err)
	}
	return id, nil
}

// Complete marks a job completed with its final counters.
func (s *JobStore) Complete(ctx context.Context, id uuid.UUID, job ConsolidationJob) error {
	const q = `UPDATE pricing_consolidation_jobs SET
		status = 'completed', completed_at = now(),
		snapshots_processed = $2, duplicates_removed = $3, gaps_filled = $4, backfills_added = $5
		WHERE id = $1`
	_, err := s.dbtx.Exec(ctx, q, id, job.SnapshotsProcessed, job.DuplicatesRemoved, job.GapsFilled, job.BackfillsAdded)
	if err != nil {
		return fmt.Errorf("%w: completing consolidation job: %v", ctlerr.TransientStorage, err)
	}
	return nil
}

// Fail records a job failure; the next scheduled run picks up where this
// one stopped, since consolidation only ever inserts missing buckets.
func (s *JobStore) Fail(ctx context.Context, id uuid.UUID, jobErr error) error {
	msg := jobErr.Error()
	const q = `UPDATE pricing_consolidation_jobs SET status = 'failed', completed_at = now(), error = $2 WHERE id = $1`
	_, err := s.dbtx.Exec(ctx, q, id, msg)
	if err != nil {
		return fmt.Errorf("%w: recording consolidation job failure: %v", ctlerr.TransientStorage, err)
	}
	return nil
}

// List returns recent consolidation jobs with offset pagination, for the
// operator read endpoint.
func (s *JobStore) List(ctx context.Context, limit, offset int) ([]ConsolidationJob, int, error) {
	var total int
	if err := s.dbtx.QueryRow(ctx, `SELECT count(*) FROM pricing_consolidation_jobs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: counting consolidation jobs: %v", ctlerr.TransientStorage, err)
	}

	const q = `SELECT id, started_at, completed_at, status, snapshots_processed, duplicates_removed,
		gaps_filled, backfills_added, error
		FROM pricing_consolidation_jobs ORDER BY started_at DESC LIMIT $1 OFFSET $2`
	rows, err := s.dbtx.Query(ctx, q, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: listing consolidation jobs: %v", ctlerr.TransientStorage, err)
	}
	defer rows.Close()

	var out []ConsolidationJob
	for rows.Next() {
		var j ConsolidationJob
		if err := rows.Scan(&j.ID, &j.StartedAt, &j.CompletedAt, &j.Status, &j.SnapshotsProcessed,
			&j.DuplicatesRemoved, &j.GapsFilled, &j.BackfillsAdded, &j.Error); err != nil {
			return nil, 0, fmt.Errorf("scanning consolidation job row: %w", err)
		}
		out = append(out, j)
	}
	return out, total, rows.Err()
}
