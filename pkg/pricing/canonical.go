package pricing

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/fleetctl/internal/ctlerr"
	"github.com/wisbric/fleetctl/internal/db"
)

// CanonicalStore provides database operations for the canonical tier, the
// sole read path for ML training and charts.
type CanonicalStore struct {
	dbtx db.DBTX
}

// NewCanonicalStore creates a CanonicalStore.
func NewCanonicalStore(dbtx db.DBTX) *CanonicalStore {
	return &CanonicalStore{dbtx: dbtx}
}

// Upsert writes a canonical point derived from a consolidated point plus
// its confidence/volatility enrichment.
func (s *CanonicalStore) Upsert(ctx context.Context, p PricingCanonical) error {
	const q = `INSERT INTO pricing_canonical (id, pool_id, observed_at, price, is_interpolated, confidence_score, volatility_index)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (pool_id, observed_at) DO UPDATE SET
			price = EXCLUDED.price, is_interpolated = EXCLUDED.is_interpolated,
			confidence_score = EXCLUDED.confidence_score, volatility_index = EXCLUDED.volatility_index`
	_, err := s.dbtx.Exec(ctx, q, uuid.New(), p.PoolID, p.ObservedAt, p.Price, p.IsInterpolated, p.ConfidenceScore, p.VolatilityIndex)
	if err != nil {
		return fmt.Errorf("%w: upserting canonical point: %v", ctlerr.TransientStorage, err)
	}
	return nil
}

// ListRange returns canonical points for poolID in [from, to], the read
// surface for charts and the ML engine.
func (s *CanonicalStore) ListRange(ctx context.Context, poolID uuid.UUID, from, to time.Time) ([]PricingCanonical, error) {
	const q = `SELECT id, pool_id, observed_at, price, is_interpolated, confidence_score, volatility_index
		FROM pricing_canonical WHERE pool_id = $1 AND observed_at BETWEEN $2 AND $3 ORDER BY observed_at`
	rows, err := s.dbtx.Query(ctx, q, poolID, from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: querying canonical range: %v", ctlerr.TransientStorage, err)
	}
	defer rows.Close()

	var out []PricingCanonical
	for rows.Next() {
		var p PricingCanonical
		if err := rows.Scan(&p.ID, &p.PoolID, &p.ObservedAt, &p.Price, &p.IsInterpolated, &p.ConfidenceScore, &p.VolatilityIndex); err != nil {
			return nil, fmt.Errorf("scanning canonical row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeriveEnrichment computes confidenceScore (1.0 for directly-observed
// points, lower for interpolated or backfilled ones) and volatilityIndex
// (coefficient of variation against neighboring points) for a consolidated
// point given its immediate neighbors.
func DeriveEnrichment(point PricingConsolidated, neighbors []PricingConsolidated) (confidence, volatility float64) {
	confidence = 1.0
	if point.IsInterpolated {
		confidence = 0.6
	}
	if point.DataSource == SourceBackfill {
		confidence = 0.4
	}
	if point.SourceCount > 1 {
		confidence = math.Min(1.0, confidence+0.1*float64(point.SourceCount-1))
	}

	if len(neighbors) < 2 {
		return confidence, 0
	}

	var sum, sumSq float64
	for _, n := range neighbors {
		sum += n.Price
	}
	mean := sum / float64(len(neighbors))
	if mean == 0 {
		return confidence, 0
	}
	for _, n := range neighbors {
		d := n.Price - mean
		sumSq += d * d
	}
	stddev := math.Sqrt(sumSq / float64(len(neighbors)))
	volatility = stddev / mean
	return confidence, volatility
}
