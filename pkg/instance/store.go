package instance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/fleetctl/internal/ctlerr"
	"github.com/wisbric/fleetctl/internal/db"
)

const instanceColumns = `id, agent_id, role, type, region, az, spot_price, ondemand_price,
	baseline_ondemand_price, launch_requested_at, launch_confirmed_at, last_switch_at,
	terminate_requested_at, terminated_at, version`

// Store provides database operations for instances.
type Store struct {
	pool *pgxpool.Pool
	dbtx db.DBTX
}

// NewStore creates an instance Store. pool is required for promoteToPrimary,
// which must run inside its own transaction.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, dbtx: pool}
}

// WithTx returns a Store bound to an open transaction, for callers composing
// instance writes with other stores inside a single transaction.
func (s *Store) WithTx(tx pgx.Tx) *Store {
	return &Store{pool: s.pool, dbtx: tx}
}

func scanInstance(row pgx.Row) (Instance, error) {
	var i Instance
	err := row.Scan(
		&i.ID, &i.AgentID, &i.Role, &i.Type, &i.Region, &i.AZ, &i.SpotPrice, &i.OndemandPrice,
		&i.BaselineOndemandPrice, &i.LaunchRequestedAt, &i.LaunchConfirmedAt, &i.LastSwitchAt,
		&i.TerminateRequestedAt, &i.TerminatedAt, &i.Version,
	)
	return i, err
}

// Get returns a single instance by id.
func (s *Store) Get(ctx context.Context, id string) (Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE id = $1`
	return scanInstance(s.dbtx.QueryRow(ctx, query, id))
}

// CurrentPrimary returns the instance currently holding the primary slot
// for agentID, if any.
func (s *Store) CurrentPrimary(ctx context.Context, agentID uuid.UUID) (Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances
		WHERE agent_id = $1 AND role IN ('runningPrimary', 'promoting') LIMIT 1`
	return scanInstance(s.dbtx.QueryRow(ctx, query, agentID))
}

// Launch inserts a new instance in the launching role.
func (s *Store) Launch(ctx context.Context, p LaunchParams) (Instance, error) {
	const q = `INSERT INTO instances (id, agent_id, role, type, region, az, launch_requested_at, version)
		VALUES ($1, $2, 'launching', $3, $4, $5, now(), 1)
		RETURNING ` + instanceColumns
	return scanInstance(s.dbtx.QueryRow(ctx, q, p.ID, p.AgentID, p.Type, p.Region, p.AZ))
}

// ConfirmAsPrimary moves a launching instance directly to runningPrimary,
// used on first agent registration where no existing primary can conflict.
func (s *Store) ConfirmAsPrimary(ctx context.Context, id string) (Instance, error) {
	const q = `UPDATE instances SET role = 'runningPrimary', launch_confirmed_at = now(), version = version + 1
		WHERE id = $1 AND role = 'launching'
		RETURNING ` + instanceColumns
	row := s.dbtx.QueryRow(ctx, q, id)
	inst, err := scanInstance(row)
	if err != nil {
		return Instance{}, fmt.Errorf("%w: confirming instance %s as primary: %v", ctlerr.TransientStorage, id, err)
	}
	return inst, nil
}

// ConfirmAsReplica moves a launching instance to runningReplica.
func (s *Store) ConfirmAsReplica(ctx context.Context, id string) (Instance, error) {
	const q = `UPDATE instances SET role = 'runningReplica', launch_confirmed_at = now(), version = version + 1
		WHERE id = $1 AND role = 'launching'
		RETURNING ` + instanceColumns
	return scanInstance(s.dbtx.QueryRow(ctx, q, id))
}

// PromoteToPrimary is the single entry point for promotions. Within one
// transaction it demotes any current primary of agentID to
// zombie, then promotes newInstanceID to runningPrimary if and only if its
// version matches expectedVersion. Callers never update role fields
// directly.
func PromoteToPrimary(ctx context.Context, pool *pgxpool.Pool, agentID uuid.UUID, newInstanceID string, expectedVersion int64) (Instance, error) {
	var promoted Instance

	err := db.WithTx(ctx, pool, func(tx pgx.Tx) error {
		demoteQuery := `UPDATE instances
			SET role = 'zombie', terminated_at = now(), version = version + 1
			WHERE agent_id = $1 AND role IN ('runningPrimary', 'promoting') AND id != $2`
		if _, err := tx.Exec(ctx, demoteQuery, agentID, newInstanceID); err != nil {
			return fmt.Errorf("%w: demoting current primary: %v", ctlerr.TransientStorage, err)
		}

		promoteQuery := `UPDATE instances
			SET role = 'runningPrimary', last_switch_at = now(), version = version + 1
			WHERE id = $1 AND version = $2
			RETURNING ` + instanceColumns
		row := tx.QueryRow(ctx, promoteQuery, newInstanceID, expectedVersion)
		inst, err := scanInstance(row)
		if err != nil {
			if err == pgx.ErrNoRows {
				return fmt.Errorf("%w: instance %s version %d", ctlerr.OptimisticConflict, newInstanceID, expectedVersion)
			}
			return fmt.Errorf("%w: promoting instance %s: %v", ctlerr.TransientStorage, newInstanceID, err)
		}
		promoted = inst
		return nil
	})

	return promoted, err
}

// MarkZombie transitions a primary that finished a switch/failover with
// autoTerminate=false (or terminateWaitSeconds=0 with no grace applied)
// to zombie.
func (s *Store) MarkZombie(ctx context.Context, id string, expectedVersion int64) (Instance, error) {
	const q = `UPDATE instances SET role = 'zombie', terminated_at = now(), version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING ` + instanceColumns
	row := s.dbtx.QueryRow(ctx, q, id, expectedVersion)
	inst, err := scanInstance(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Instance{}, fmt.Errorf("%w: instance %s version %d", ctlerr.OptimisticConflict, id, expectedVersion)
		}
		return Instance{}, fmt.Errorf("%w: marking instance zombie: %v", ctlerr.TransientStorage, err)
	}
	return inst, nil
}

// MarkTerminated transitions an instance straight to terminated: used
// when autoTerminate is true and the grace period has elapsed, or
// unconditionally by the emergency termination procedure, which forces
// the old primary to terminated regardless of autoTerminate.
func (s *Store) MarkTerminated(ctx context.Context, id string, expectedVersion int64, terminatedAt time.Time) (Instance, error) {
	const q = `UPDATE instances SET role = 'terminated', terminated_at = $3, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING ` + instanceColumns
	row := s.dbtx.QueryRow(ctx, q, id, expectedVersion, terminatedAt)
	inst, err := scanInstance(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Instance{}, fmt.Errorf("%w: instance %s version %d", ctlerr.OptimisticConflict, id, expectedVersion)
		}
		return Instance{}, fmt.Errorf("%w: marking instance terminated: %v", ctlerr.TransientStorage, err)
	}
	return inst, nil
}

// ForceTerminated unconditionally terminates an instance without a version
// check, for the emergency termination path where the old primary must be
// forced regardless of policy and regardless of racing writers.
func ForceTerminated(ctx context.Context, dbtx db.DBTX, id string) error {
	const q = `UPDATE instances SET role = 'terminated', terminated_at = now(), version = version + 1 WHERE id = $1`
	_, err := dbtx.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("%w: force-terminating instance %s: %v", ctlerr.TransientStorage, id, err)
	}
	return nil
}

// MarkFailedPromotion transitions a replica whose launch confirmed but
// whose health check failed to zombie.
func (s *Store) MarkFailedPromotion(ctx context.Context, id string) error {
	const q = `UPDATE instances SET role = 'zombie', terminated_at = now(), version = version + 1
		WHERE id = $1 AND role IN ('runningReplica', 'promoting')`
	tag, err := s.dbtx.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("%w: marking failed promotion: %v", ctlerr.TransientStorage, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: instance %s not eligible for failed-promotion transition", ctlerr.InvariantViolation, id)
	}
	return nil
}

// TouchHeartbeat updates only bookkeeping fields; role is never touched by
// a heartbeat, even mid-promotion.
func (s *Store) TouchHeartbeat(ctx context.Context, id string) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE instances SET version = version WHERE id = $1`, id)
	return err
}

// ZombiesOlderThan returns zombie instance ids whose terminated_at predates
// the retention cutoff, for the zombie cleanup worker.
func ZombiesOlderThan(ctx context.Context, dbtx db.DBTX, cutoffDays int) ([]string, error) {
	const q = `SELECT id FROM instances WHERE role = 'zombie' AND terminated_at < now() - make_interval(days => $1)`
	rows, err := dbtx.Query(ctx, q, cutoffDays)
	if err != nil {
		return nil, fmt.Errorf("%w: querying aged zombies: %v", ctlerr.TransientStorage, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning zombie id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PurgeZombie transitions a single zombie to terminated unconditionally,
// used by the retention cleanup worker which has already filtered by age.
func PurgeZombie(ctx context.Context, dbtx db.DBTX, id string) error {
	_, err := dbtx.Exec(ctx, `UPDATE instances SET role = 'terminated', version = version + 1 WHERE id = $1 AND role = 'zombie'`, id)
	if err != nil {
		return fmt.Errorf("%w: purging zombie %s: %v", ctlerr.TransientStorage, id, err)
	}
	return nil
}
