package agentrec

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/fleetctl/internal/ctlerr"
	"github.com/wisbric/fleetctl/internal/db"
)

const agentColumns = `id, client_id, logical_id, current_instance_id, region, az, mode,
	current_pool_id, auto_switch_enabled, manual_replica_enabled, auto_terminate,
	terminate_wait_seconds, last_heartbeat, status, notice_status,
	emergency_notice_deadline, emergency_failure_count, version`

// Store provides database operations for agents.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates an agent Store.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

func scanAgent(row pgx.Row) (Agent, error) {
	var a Agent
	err := row.Scan(
		&a.ID, &a.ClientID, &a.LogicalID, &a.CurrentInstanceID, &a.Region, &a.AZ, &a.Mode,
		&a.CurrentPoolID, &a.Policy.AutoSwitchEnabled, &a.Policy.ManualReplicaEnabled,
		&a.Policy.AutoTerminate, &a.Policy.TerminateWaitSeconds, &a.LastHeartbeat, &a.Status,
		&a.NoticeStatus, &a.EmergencyNoticeDeadline, &a.EmergencyFailureCount, &a.Version,
	)
	return a, err
}

// Get returns a single agent by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id = $1`
	return scanAgent(s.dbtx.QueryRow(ctx, query, id))
}

// GetByLogicalID returns the agent uniquely identified by (clientID, logicalID).
func (s *Store) GetByLogicalID(ctx context.Context, clientID uuid.UUID, logicalID string) (Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE client_id = $1 AND logical_id = $2`
	return scanAgent(s.dbtx.QueryRow(ctx, query, clientID, logicalID))
}

// Register creates a new agent, or reactivates and reconciles instance
// context if (clientId, logicalId) already exists — an agent is
// reactivated on re-registration under the same logicalId rather than
// duplicated.
func (s *Store) Register(ctx context.Context, p RegisterParams, defaultPolicy Policy) (Agent, bool, error) {
	existing, err := s.GetByLogicalID(ctx, p.ClientID, p.LogicalID)
	if err == nil {
		reconciled, rErr := s.reconcileRegistration(ctx, existing.ID, p)
		return reconciled, false, rErr
	}
	if err != db.ErrNoRows {
		return Agent{}, false, fmt.Errorf("%w: looking up agent by logical id: %v", ctlerr.TransientStorage, err)
	}

	if pErr := ValidatePolicy(defaultPolicy); pErr != nil {
		return Agent{}, false, pErr
	}

	const q = `INSERT INTO agents
		(id, client_id, logical_id, current_instance_id, region, az, mode, status, notice_status,
		 auto_switch_enabled, manual_replica_enabled, auto_terminate, terminate_wait_seconds, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'online', 'none', $8, $9, $10, $11, 1)
		RETURNING ` + agentColumns

	created, err := scanAgent(s.dbtx.QueryRow(ctx, q, uuid.New(), p.ClientID, p.LogicalID, p.InstanceID,
		p.Region, p.AZ, p.Mode, defaultPolicy.AutoSwitchEnabled, defaultPolicy.ManualReplicaEnabled,
		defaultPolicy.AutoTerminate, defaultPolicy.TerminateWaitSeconds))
	if err != nil {
		return Agent{}, false, fmt.Errorf("%w: inserting agent: %v", ctlerr.TransientStorage, err)
	}
	return created, true, nil
}

func (s *Store) reconcileRegistration(ctx context.Context, id uuid.UUID, p RegisterParams) (Agent, error) {
	const q = `UPDATE agents SET current_instance_id = $2, region = $3, az = $4, mode = $5,
		status = 'online', last_heartbeat = now(), version = version + 1
		WHERE id = $1
		RETURNING ` + agentColumns
	row := s.dbtx.QueryRow(ctx, q, id, p.InstanceID, p.Region, p.AZ, p.Mode)
	a, err := scanAgent(row)
	if err != nil {
		return Agent{}, fmt.Errorf("%w: reconciling agent on re-registration: %v", ctlerr.TransientStorage, err)
	}
	return a, nil
}

// Heartbeat updates liveness and reconciles instance context without
// touching role/lifecycle fields.
func (s *Store) Heartbeat(ctx context.Context, id uuid.UUID, p HeartbeatParams) (Agent, error) {
	const q = `UPDATE agents SET status = $2, last_heartbeat = now(),
		current_instance_id = COALESCE($3, current_instance_id),
		mode = COALESCE($4, mode),
		az = COALESCE($5, az),
		version = version + 1
		WHERE id = $1
		RETURNING ` + agentColumns

	var modeArg *Mode
	if p.Mode != nil {
		modeArg = p.Mode
	}

	row := s.dbtx.QueryRow(ctx, q, id, p.Status, p.InstanceID, modeArg, p.AZ)
	a, err := scanAgent(row)
	if err != nil {
		return Agent{}, fmt.Errorf("%w: recording heartbeat: %v", ctlerr.TransientStorage, err)
	}
	return a, nil
}

// ReconcileInstanceContext points an agent at its new current instance,
// pool, and mode after a completed switch or promotion. Role fields on
// instances are never touched here; this only updates the agent's own
// pointer to its active instance.
func (s *Store) ReconcileInstanceContext(ctx context.Context, id uuid.UUID, instanceID string, poolID uuid.UUID, mode Mode) (Agent, error) {
	const q = `UPDATE agents SET current_instance_id = $2, current_pool_id = $3, mode = $4, version = version + 1
		WHERE id = $1
		RETURNING ` + agentColumns
	a, err := scanAgent(s.dbtx.QueryRow(ctx, q, id, instanceID, poolID, mode))
	if err != nil {
		return Agent{}, fmt.Errorf("%w: reconciling agent instance context: %v", ctlerr.TransientStorage, err)
	}
	return a, nil
}

// UpdatePolicy applies a new policy after validating exclusivity
// unconditionally.
func (s *Store) UpdatePolicy(ctx context.Context, id uuid.UUID, p Policy) (Agent, error) {
	if err := ValidatePolicy(p); err != nil {
		return Agent{}, err
	}

	const q = `UPDATE agents SET auto_switch_enabled = $2, manual_replica_enabled = $3,
		auto_terminate = $4, terminate_wait_seconds = $5, version = version + 1
		WHERE id = $1
		RETURNING ` + agentColumns
	row := s.dbtx.QueryRow(ctx, q, id, p.AutoSwitchEnabled, p.ManualReplicaEnabled, p.AutoTerminate, p.TerminateWaitSeconds)
	a, err := scanAgent(row)
	if err != nil {
		return Agent{}, fmt.Errorf("%w: updating agent policy: %v", ctlerr.TransientStorage, err)
	}
	return a, nil
}

// SetNotice records an outstanding preemption notice and its deadline.
func (s *Store) SetNotice(ctx context.Context, id uuid.UUID, notice NoticeStatus, deadline *time.Time) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE agents SET notice_status = $2, emergency_notice_deadline = $3, version = version + 1 WHERE id = $1`,
		id, notice, deadline)
	if err != nil {
		return fmt.Errorf("%w: setting agent notice: %v", ctlerr.TransientStorage, err)
	}
	return nil
}

// ClearNotice resets the notice status once the emergency procedure
// completes (success or escalation).
func (s *Store) ClearNotice(ctx context.Context, id uuid.UUID) error {
	_, err := s.dbtx.Exec(ctx, `UPDATE agents SET notice_status = 'none', emergency_notice_deadline = NULL, version = version + 1 WHERE id = $1`, id)
	return err
}

// IncrementEmergencyFailures bumps the failure counter and returns whether
// it now meets or exceeds threshold, in which case the agent is marked
// error and auto-switching disabled.
func (s *Store) IncrementEmergencyFailures(ctx context.Context, id uuid.UUID, threshold int) (Agent, bool, error) {
	const q = `UPDATE agents SET emergency_failure_count = emergency_failure_count + 1, version = version + 1
		WHERE id = $1 RETURNING ` + agentColumns
	a, err := scanAgent(s.dbtx.QueryRow(ctx, q, id))
	if err != nil {
		return Agent{}, false, fmt.Errorf("%w: incrementing emergency failure count: %v", ctlerr.TransientStorage, err)
	}

	if a.EmergencyFailureCount < threshold {
		return a, false, nil
	}

	const disableQ = `UPDATE agents SET status = 'error', auto_switch_enabled = false, version = version + 1
		WHERE id = $1 RETURNING ` + agentColumns
	a, err = scanAgent(s.dbtx.QueryRow(ctx, disableQ, id))
	if err != nil {
		return Agent{}, false, fmt.Errorf("%w: disabling auto-switch after repeated failures: %v", ctlerr.TransientStorage, err)
	}
	return a, true, nil
}

// ClearError resets the emergency failure counter and re-enables
// auto-switching, for the operator clear-error endpoint used after a
// human has addressed a repeatedly-failing agent.
func (s *Store) ClearError(ctx context.Context, id uuid.UUID) (Agent, error) {
	const q = `UPDATE agents SET status = 'online', emergency_failure_count = 0, version = version + 1
		WHERE id = $1 RETURNING ` + agentColumns
	a, err := scanAgent(s.dbtx.QueryRow(ctx, q, id))
	if err != nil {
		return Agent{}, fmt.Errorf("%w: clearing agent error state: %v", ctlerr.TransientStorage, err)
	}
	return a, nil
}

// List returns agents for clientID with offset pagination, for the
// operator-facing read API.
func (s *Store) List(ctx context.Context, clientID uuid.UUID, limit, offset int) ([]Agent, int, error) {
	countRow := s.dbtx.QueryRow(ctx, `SELECT count(*) FROM agents WHERE client_id = $1`, clientID)
	var total int
	if err := countRow.Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: counting agents: %v", ctlerr.TransientStorage, err)
	}

	query := `SELECT ` + agentColumns + ` FROM agents WHERE client_id = $1 ORDER BY logical_id LIMIT $2 OFFSET $3`
	rows, err := s.dbtx.Query(ctx, query, clientID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: listing agents: %v", ctlerr.TransientStorage, err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning agent row: %w", err)
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

// ListOnlineWithReplicaPolicy returns online agents with
// manualReplicaEnabled set, across all clients, with offset pagination,
// for the replica coordinator's periodic pass.
func (s *Store) ListOnlineWithReplicaPolicy(ctx context.Context, limit, offset int) ([]Agent, int, error) {
	countRow := s.dbtx.QueryRow(ctx, `SELECT count(*) FROM agents WHERE status = 'online' AND manual_replica_enabled = true`)
	var total int
	if err := countRow.Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: counting replica-policy agents: %v", ctlerr.TransientStorage, err)
	}

	query := `SELECT ` + agentColumns + ` FROM agents WHERE status = 'online' AND manual_replica_enabled = true
		ORDER BY id LIMIT $1 OFFSET $2`
	rows, err := s.dbtx.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: listing replica-policy agents: %v", ctlerr.TransientStorage, err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning agent row: %w", err)
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

// ListOnlineWithAutoSwitchPolicy returns online agents with
// autoSwitchEnabled set, across all clients, with offset pagination, for
// the ML advisory worker's periodic pass.
func (s *Store) ListOnlineWithAutoSwitchPolicy(ctx context.Context, limit, offset int) ([]Agent, int, error) {
	countRow := s.dbtx.QueryRow(ctx, `SELECT count(*) FROM agents WHERE status = 'online' AND auto_switch_enabled = true`)
	var total int
	if err := countRow.Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: counting auto-switch-policy agents: %v", ctlerr.TransientStorage, err)
	}

	query := `SELECT ` + agentColumns + ` FROM agents WHERE status = 'online' AND auto_switch_enabled = true
		ORDER BY id LIMIT $1 OFFSET $2`
	rows, err := s.dbtx.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: listing auto-switch-policy agents: %v", ctlerr.TransientStorage, err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning agent row: %w", err)
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

// StaleSince returns agents whose lastHeartbeat predates the given
// threshold, for the health-check background worker.
func (s *Store) StaleSince(ctx context.Context, thresholdSeconds int) ([]Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents
		WHERE status = 'online' AND (last_heartbeat IS NULL OR last_heartbeat < now() - make_interval(secs => $1))`
	rows, err := s.dbtx.Query(ctx, query, thresholdSeconds)
	if err != nil {
		return nil, fmt.Errorf("%w: querying stale agents: %v", ctlerr.TransientStorage, err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
