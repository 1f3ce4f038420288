// Package replica implements standby instances bound to an agent and the
// store backing them.
package replica

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/fleetctl/internal/ctlerr"
	"github.com/wisbric/fleetctl/internal/db"
)

// Kind distinguishes operator-driven standbys from orchestrator-driven
// failover standbys.
type Kind string

const (
	KindManual    Kind = "manual"
	KindEmergency Kind = "emergency"
)

// Status is a replica's lifecycle state.
type Status string

const (
	StatusLaunching Status = "launching"
	StatusSyncing   Status = "syncing"
	StatusReady     Status = "ready"
	StatusPromoted  Status = "promoted"
	StatusTerminated Status = "terminated"
)

// Replica is a standby instance bound to an agent.
type Replica struct {
	ID               uuid.UUID
	AgentID          uuid.UUID
	ParentInstanceID string
	PoolID           uuid.UUID
	InstanceID       *string
	Kind             Kind
	Status           Status
	SyncMetrics      *string
	LaunchedAt       *time.Time
	ReadyAt          *time.Time
	PromotedAt       *time.Time
	TerminatedAt     *time.Time
	CreatedAt        time.Time
}

const replicaColumns = `id, agent_id, parent_instance_id, pool_id, instance_id, kind, status, sync_metrics,
	launched_at, ready_at, promoted_at, terminated_at, created_at`

// Store provides database operations for replicas.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a Store.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

func scanReplica(row interface {
	Scan(dest ...any) error
}) (Replica, error) {
	var r Replica
	err := row.Scan(&r.ID, &r.AgentID, &r.ParentInstanceID, &r.PoolID, &r.InstanceID, &r.Kind, &r.Status,
		&r.SyncMetrics, &r.LaunchedAt, &r.ReadyAt, &r.PromotedAt, &r.TerminatedAt, &r.CreatedAt)
	return r, err
}

// Create inserts a new replica in the launching state.
func (s *Store) Create(ctx context.Context, agentID uuid.UUID, parentInstanceID string, poolID uuid.UUID, kind Kind) (Replica, error) {
	const q = `INSERT INTO replica_instances
		(id, agent_id, parent_instance_id, pool_id, kind, status, launched_at, created_at)
		VALUES ($1, $2, $3, $4, $5, 'launching', now(), now())
		RETURNING ` + replicaColumns
	row := s.dbtx.QueryRow(ctx, q, uuid.New(), agentID, parentInstanceID, poolID, kind)
	r, err := scanReplica(row)
	if err != nil {
		return Replica{}, fmt.Errorf("%w: creating replica: %v", ctlerr.TransientStorage, err)
	}
	return r, nil
}

// BindInstance attaches a concrete cloud instance id to a replica.
func (s *Store) BindInstance(ctx context.Context, id uuid.UUID, instanceID string) (Replica, error) {
	const q = `UPDATE replica_instances SET instance_id = $2, status = 'syncing' WHERE id = $1 RETURNING ` + replicaColumns
	row := s.dbtx.QueryRow(ctx, q, id, instanceID)
	r, err := scanReplica(row)
	if err != nil {
		return Replica{}, fmt.Errorf("%w: binding replica instance: %v", ctlerr.TransientStorage, err)
	}
	return r, nil
}

// UpdateStatus transitions a replica's lifecycle status.
func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) (Replica, error) {
	var q string
	switch status {
	case StatusReady:
		q = `UPDATE replica_instances SET status = $2, ready_at = now() WHERE id = $1 RETURNING ` + replicaColumns
	case StatusPromoted:
		q = `UPDATE replica_instances SET status = $2, promoted_at = now() WHERE id = $1 RETURNING ` + replicaColumns
	case StatusTerminated:
		q = `UPDATE replica_instances SET status = $2, terminated_at = now() WHERE id = $1 RETURNING ` + replicaColumns
	default:
		q = `UPDATE replica_instances SET status = $2 WHERE id = $1 RETURNING ` + replicaColumns
	}
	row := s.dbtx.QueryRow(ctx, q, id, status)
	r, err := scanReplica(row)
	if err != nil {
		return Replica{}, fmt.Errorf("%w: updating replica status: %v", ctlerr.TransientStorage, err)
	}
	return r, nil
}

// Get returns one replica.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Replica, error) {
	const q = `SELECT ` + replicaColumns + ` FROM replica_instances WHERE id = $1`
	r, err := scanReplica(s.dbtx.QueryRow(ctx, q, id))
	if err != nil {
		return Replica{}, fmt.Errorf("%w: fetching replica %s: %v", ctlerr.NotFound, id, err)
	}
	return r, nil
}

// ActiveForAgent returns the agent's non-terminal replica, if any.
func (s *Store) ActiveForAgent(ctx context.Context, agentID uuid.UUID) (Replica, bool, error) {
	const q = `SELECT ` + replicaColumns + ` FROM replica_instances
		WHERE agent_id = $1 AND status NOT IN ('promoted', 'terminated')
		ORDER BY created_at DESC LIMIT 1`
	r, err := scanReplica(s.dbtx.QueryRow(ctx, q, agentID))
	if err != nil {
		if err == db.ErrNoRows {
			return Replica{}, false, nil
		}
		return Replica{}, false, fmt.Errorf("%w: fetching active replica: %v", ctlerr.TransientStorage, err)
	}
	return r, true, nil
}

// ListForAgent returns work orders for the agent to act on, optionally
// filtered by status.
func (s *Store) ListForAgent(ctx context.Context, agentID uuid.UUID, status *Status) ([]Replica, error) {
	var rows pgx.Rows
	var err error
	if status != nil {
		rows, err = s.dbtx.Query(ctx, `SELECT `+replicaColumns+` FROM replica_instances WHERE agent_id = $1 AND status = $2 ORDER BY created_at DESC`, agentID, *status)
	} else {
		rows, err = s.dbtx.Query(ctx, `SELECT `+replicaColumns+` FROM replica_instances WHERE agent_id = $1 ORDER BY created_at DESC`, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: listing replicas: %v", ctlerr.TransientStorage, err)
	}
	defer rows.Close()

	var out []Replica
	for rows.Next() {
		r, err := scanReplica(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning replica row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
