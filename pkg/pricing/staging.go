package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/fleetctl/internal/ctlerr"
	"github.com/wisbric/fleetctl/internal/db"
)

// StagingStore provides database operations for raw snapshot ingestion.
type StagingStore struct {
	dbtx db.DBTX
}

// NewStagingStore creates a StagingStore.
func NewStagingStore(dbtx db.DBTX) *StagingStore {
	return &StagingStore{dbtx: dbtx}
}

// Insert appends a raw snapshot. No deduplication happens at write time;
// isDuplicate is set later by the consolidator.
func (s *StagingStore) Insert(ctx context.Context, poolID uuid.UUID, price float64, observedAt time.Time, sourceInstanceID, sourceRole string) error {
	const q = `INSERT INTO spot_price_snapshots (id, pool_id, price, observed_at, source_instance_id, source_role, is_duplicate, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, false, now())`
	_, err := s.dbtx.Exec(ctx, q, uuid.New(), poolID, price, observedAt, sourceInstanceID, sourceRole)
	if err != nil {
		return fmt.Errorf("%w: inserting spot price snapshot: %v", ctlerr.TransientStorage, err)
	}
	return nil
}

// UnconsolidatedBefore returns snapshots older than cutoff that have not
// yet been folded into pricing_consolidated, ordered for bucketed
// processing.
func (s *StagingStore) UnconsolidatedBefore(ctx context.Context, cutoff time.Time) ([]SpotPriceSnapshot, error) {
	const q = `SELECT sps.id, sps.pool_id, sps.price, sps.observed_at, sps.source_instance_id, sps.source_role, sps.is_duplicate, sps.created_at
		FROM spot_price_snapshots sps
		WHERE sps.observed_at < $1
		  AND NOT EXISTS (
		    SELECT 1 FROM pricing_consolidated pc
		    WHERE pc.pool_id = sps.pool_id AND pc.observed_at = date_trunc('minute', sps.observed_at)
		  )
		ORDER BY sps.pool_id, sps.observed_at`
	rows, err := s.dbtx.Query(ctx, q, cutoff)
	if err != nil {
		return nil, fmt.Errorf("%w: querying unconsolidated snapshots: %v", ctlerr.TransientStorage, err)
	}
	defer rows.Close()

	var out []SpotPriceSnapshot
	for rows.Next() {
		var snap SpotPriceSnapshot
		if err := rows.Scan(&snap.ID, &snap.PoolID, &snap.Price, &snap.ObservedAt, &snap.SourceInstanceID, &snap.SourceRole, &snap.IsDuplicate, &snap.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning snapshot row: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// MarkDuplicates flags snapshot ids as duplicates once the consolidator
// has chosen a representative for their bucket.
func (s *StagingStore) MarkDuplicates(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.dbtx.Exec(ctx, `UPDATE spot_price_snapshots SET is_duplicate = true WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("%w: marking duplicate snapshots: %v", ctlerr.TransientStorage, err)
	}
	return nil
}
