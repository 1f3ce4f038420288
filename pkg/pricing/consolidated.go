package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/fleetctl/internal/ctlerr"
	"github.com/wisbric/fleetctl/internal/db"
)

// ConsolidatedStore provides database operations for the consolidated tier.
type ConsolidatedStore struct {
	dbtx db.DBTX
}

// NewConsolidatedStore creates a ConsolidatedStore.
func NewConsolidatedStore(dbtx db.DBTX) *ConsolidatedStore {
	return &ConsolidatedStore{dbtx: dbtx}
}

// Upsert inserts a consolidated point, relying on the unique constraint on
// (poolId, observedAt) to guarantee exactly one row per bucket. A
// conflicting row is left untouched — consolidation never overwrites an
// already-settled bucket.
func (s *ConsolidatedStore) Upsert(ctx context.Context, p PricingConsolidated) error {
	const q = `INSERT INTO pricing_consolidated (id, pool_id, observed_at, price, is_interpolated, source_count, data_source)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (pool_id, observed_at) DO NOTHING`
	_, err := s.dbtx.Exec(ctx, q, uuid.New(), p.PoolID, p.ObservedAt, p.Price, p.IsInterpolated, p.SourceCount, p.DataSource)
	if err != nil {
		return fmt.Errorf("%w: upserting consolidated point: %v", ctlerr.TransientStorage, err)
	}
	return nil
}

// PoolsWithPendingSnapshots returns distinct pool ids that have staging
// snapshots older than cutoff awaiting consolidation.
func (s *ConsolidatedStore) PoolsWithPendingSnapshots(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	const q = `SELECT DISTINCT pool_id FROM spot_price_snapshots WHERE observed_at < $1`
	rows, err := s.dbtx.Query(ctx, q, cutoff)
	if err != nil {
		return nil, fmt.Errorf("%w: listing pools with pending snapshots: %v", ctlerr.TransientStorage, err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning pool id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PointsInWindow returns consolidated points for poolID within [from, to],
// ordered by observedAt, used to detect gaps for interpolation.
func (s *ConsolidatedStore) PointsInWindow(ctx context.Context, poolID uuid.UUID, from, to time.Time) ([]PricingConsolidated, error) {
	const q = `SELECT id, pool_id, observed_at, price, is_interpolated, source_count, data_source
		FROM pricing_consolidated WHERE pool_id = $1 AND observed_at BETWEEN $2 AND $3 ORDER BY observed_at`
	rows, err := s.dbtx.Query(ctx, q, poolID, from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: querying consolidated window: %v", ctlerr.TransientStorage, err)
	}
	defer rows.Close()

	var out []PricingConsolidated
	for rows.Next() {
		var p PricingConsolidated
		if err := rows.Scan(&p.ID, &p.PoolID, &p.ObservedAt, &p.Price, &p.IsInterpolated, &p.SourceCount, &p.DataSource); err != nil {
			return nil, fmt.Errorf("scanning consolidated row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
