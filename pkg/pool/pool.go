// Package pool implements the Pool entity — the (instanceType, region, az)
// triple identifying a spot capacity pool — and the two selection queries
// the emergency orchestrator and replica coordinator depend on.
package pool

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/fleetctl/internal/ctlerr"
	"github.com/wisbric/fleetctl/internal/db"
)

// Pool is a (instanceType, region, az) triple with a rolling boot-time metric.
type Pool struct {
	ID               uuid.UUID
	InstanceType     string
	Region           string
	AZ               string
	MeanBootSeconds  *float64
	BootSampleCount  int
}

// Store provides database operations for pools.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a pool Store.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

const poolColumns = `id, instance_type, region, az, mean_boot_seconds, boot_sample_count`

func scanPool(row pgx.Row) (Pool, error) {
	var p Pool
	err := row.Scan(&p.ID, &p.InstanceType, &p.Region, &p.AZ, &p.MeanBootSeconds, &p.BootSampleCount)
	return p, err
}

// GetOrCreate returns the pool for (instanceType, region, az), creating it
// if it does not yet exist.
func (s *Store) GetOrCreate(ctx context.Context, instanceType, region, az string) (Pool, error) {
	const selectQ = `SELECT ` + poolColumns + ` FROM pools WHERE instance_type = $1 AND region = $2 AND az = $3`
	p, err := scanPool(s.dbtx.QueryRow(ctx, selectQ, instanceType, region, az))
	if err == nil {
		return p, nil
	}
	if err != db.ErrNoRows {
		return Pool{}, fmt.Errorf("%w: looking up pool: %v", ctlerr.TransientStorage, err)
	}

	const insertQ = `INSERT INTO pools (id, instance_type, region, az, boot_sample_count)
		VALUES ($1, $2, $3, $4, 0)
		ON CONFLICT (instance_type, region, az) DO UPDATE SET instance_type = EXCLUDED.instance_type
		RETURNING ` + poolColumns
	return scanPool(s.dbtx.QueryRow(ctx, insertQ, uuid.New(), instanceType, region, az))
}

// Get returns a pool by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Pool, error) {
	const q = `SELECT ` + poolColumns + ` FROM pools WHERE id = $1`
	return scanPool(s.dbtx.QueryRow(ctx, q, id))
}

// FastestBoot selects the pool with the lowest rolling mean boot time
// across promoted replicas for (region, instanceType), requiring at least
// 3 samples; falls back to currentPoolID when no pool qualifies. Ties are
// broken by most recent sample.
func (s *Store) FastestBoot(ctx context.Context, region, instanceType string, currentPoolID uuid.UUID) (Pool, error) {
	const q = `SELECT ` + poolColumns + ` FROM pools
		WHERE region = $1 AND instance_type = $2 AND boot_sample_count >= 3
		ORDER BY mean_boot_seconds ASC, updated_at DESC
		LIMIT 1`
	p, err := scanPool(s.dbtx.QueryRow(ctx, q, region, instanceType))
	if err == nil {
		return p, nil
	}
	if err != db.ErrNoRows {
		return Pool{}, fmt.Errorf("%w: selecting fastest-boot pool: %v", ctlerr.TransientStorage, err)
	}
	if currentPoolID == uuid.Nil {
		return Pool{}, fmt.Errorf("%w: no qualifying pool and no current pool to fall back to", ctlerr.NotFound)
	}
	return s.Get(ctx, currentPoolID)
}

// RecordBootSample updates a pool's rolling boot-time mean, called
// opportunistically after each successful promotion.
func (s *Store) RecordBootSample(ctx context.Context, poolID uuid.UUID, bootSeconds float64) error {
	const q = `UPDATE pools SET
		mean_boot_seconds = COALESCE((mean_boot_seconds * boot_sample_count + $2) / (boot_sample_count + 1), $2),
		boot_sample_count = boot_sample_count + 1,
		updated_at = now()
		WHERE id = $1`
	_, err := s.dbtx.Exec(ctx, q, poolID, bootSeconds)
	if err != nil {
		return fmt.Errorf("%w: recording boot sample: %v", ctlerr.TransientStorage, err)
	}
	return nil
}

// Cheapest selects the lowest-priced pool for (region, instanceType),
// other than excludePoolID, among PricingConsolidated points observed
// within the last hour.
func (s *Store) Cheapest(ctx context.Context, region, instanceType string, excludePoolID uuid.UUID) (Pool, float64, error) {
	const q = `SELECT p.id, p.instance_type, p.region, p.az, p.mean_boot_seconds, p.boot_sample_count, latest.price
		FROM pools p
		JOIN LATERAL (
			SELECT price FROM pricing_consolidated pc
			WHERE pc.pool_id = p.id AND pc.observed_at > now() - interval '1 hour'
			ORDER BY pc.observed_at DESC LIMIT 1
		) latest ON true
		WHERE p.region = $1 AND p.instance_type = $2 AND p.id != $3
		ORDER BY latest.price ASC
		LIMIT 1`
	var p Pool
	var price float64
	row := s.dbtx.QueryRow(ctx, q, region, instanceType, excludePoolID)
	err := row.Scan(&p.ID, &p.InstanceType, &p.Region, &p.AZ, &p.MeanBootSeconds, &p.BootSampleCount, &price)
	if err != nil {
		if err == db.ErrNoRows {
			return Pool{}, 0, fmt.Errorf("%w: no alternate pool with fresh pricing", ctlerr.NotFound)
		}
		return Pool{}, 0, fmt.Errorf("%w: selecting cheapest pool: %v", ctlerr.TransientStorage, err)
	}
	return p, price, nil
}

// CurrentPrice returns the most recent PricingConsolidated price for
// poolID within the last hour, used to decide whether an existing
// replica's pool still clears the cheapest-pool margin.
func (s *Store) CurrentPrice(ctx context.Context, poolID uuid.UUID) (float64, error) {
	const q = `SELECT price FROM pricing_consolidated WHERE pool_id = $1 AND observed_at > now() - interval '1 hour'
		ORDER BY observed_at DESC LIMIT 1`
	var price float64
	err := s.dbtx.QueryRow(ctx, q, poolID).Scan(&price)
	if err != nil {
		if err == db.ErrNoRows {
			return 0, fmt.Errorf("%w: no fresh price for pool", ctlerr.NotFound)
		}
		return 0, fmt.Errorf("%w: reading current price: %v", ctlerr.TransientStorage, err)
	}
	return price, nil
}
