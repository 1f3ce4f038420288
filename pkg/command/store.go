package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/fleetctl/internal/ctlerr"
	"github.com/wisbric/fleetctl/internal/db"
)

const commandColumns = `id, agent_id, request_id, type, target_mode, target_pool_id,
	priority, terminate_wait_secs, status, pre_state, post_state, trigger,
	user_id, created_at, executed_at, completed_at, version`

// Store provides database operations for commands, with a Redis-backed
// idempotency fast path in front of the requestId unique constraint.
type Store struct {
	dbtx   db.DBTX
	cache  *idempotencyCache
	logger *slog.Logger
}

// NewStore creates a command Store.
func NewStore(dbtx db.DBTX, rdb *redis.Client, logger *slog.Logger) *Store {
	return &Store{dbtx: dbtx, cache: newIdempotencyCache(rdb, logger), logger: logger}
}

func scanCommand(row pgx.Row) (Command, error) {
	var c Command
	err := row.Scan(
		&c.ID, &c.AgentID, &c.RequestID, &c.Type, &c.TargetMode, &c.TargetPoolID,
		&c.Priority, &c.TerminateWaitSecs, &c.Status, &c.PreState, &c.PostState, &c.Trigger,
		&c.UserID, &c.CreatedAt, &c.ExecutedAt, &c.CompletedAt, &c.Version,
	)
	return c, err
}

// Enqueue inserts a new command, or returns the prior record if RequestID
// already exists. A request whose prior
// command is still executing yields ctlerr.DuplicateRequest; one whose
// prior command reached a terminal state yields ctlerr.IdempotentReplay
// alongside the original record.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (Command, error) {
	if !ValidTypes[p.Type] {
		return Command{}, fmt.Errorf("%w: unknown command type %q", ctlerr.InvariantViolation, p.Type)
	}

	if cachedID, ok := s.cache.lookup(ctx, p.RequestID); ok {
		existing, err := s.Get(ctx, cachedID)
		if err == nil {
			return s.replayOrReject(existing)
		}
	}

	const insertQuery = `INSERT INTO commands
		(id, agent_id, request_id, type, target_mode, target_pool_id, priority,
		 terminate_wait_secs, status, pre_state, trigger, user_id, created_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', $9, $10, $11, now(), 1)
		RETURNING ` + commandColumns

	id := uuid.New()
	row := s.dbtx.QueryRow(ctx, insertQuery, id, p.AgentID, p.RequestID, p.Type,
		p.TargetMode, p.TargetPoolID, p.Priority, p.TerminateWaitSecs, p.PreState,
		p.Trigger, p.UserID)

	created, err := scanCommand(row)
	if err == nil {
		s.cache.record(ctx, p.RequestID, created.ID)
		return created, nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		existing, getErr := s.GetByRequestID(ctx, p.RequestID)
		if getErr != nil {
			return Command{}, fmt.Errorf("fetching existing command after conflict: %w", getErr)
		}
		s.cache.record(ctx, p.RequestID, existing.ID)
		return s.replayOrReject(existing)
	}

	return Command{}, fmt.Errorf("%w: inserting command: %v", ctlerr.TransientStorage, err)
}

func (s *Store) replayOrReject(existing Command) (Command, error) {
	if existing.Status == StatusExecuting {
		return existing, fmt.Errorf("%w", ctlerr.DuplicateRequest)
	}
	if existing.Status == StatusCompleted || existing.Status == StatusFailed {
		return existing, fmt.Errorf("%w", ctlerr.IdempotentReplay)
	}
	// Still pending: treat as the same in-flight request, not a new one.
	return existing, nil
}

// Get returns a single command by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands WHERE id = $1`
	return scanCommand(s.dbtx.QueryRow(ctx, query, id))
}

// GetByRequestID returns a single command by its idempotency key.
func (s *Store) GetByRequestID(ctx context.Context, requestID string) (Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands WHERE request_id = $1`
	return scanCommand(s.dbtx.QueryRow(ctx, query, requestID))
}

// TakeForAgent returns the pending commands for agentID in priority-then-
// FIFO order. It does not lock the rows; the agent is responsible for
// executing them in the returned order.
func (s *Store) TakeForAgent(ctx context.Context, agentID uuid.UUID) ([]Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands
		WHERE agent_id = $1 AND status = 'pending'
		ORDER BY priority DESC, created_at ASC`
	rows, err := s.dbtx.Query(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("%w: querying pending commands: %v", ctlerr.TransientStorage, err)
	}
	defer rows.Close()

	var out []Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning command row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// HasActiveForAgent reports whether agentID already has a command of the
// given type that has not reached a terminal state, used by the ML
// advisor to avoid queuing a second switch while one is still in flight.
func (s *Store) HasActiveForAgent(ctx context.Context, agentID uuid.UUID, t Type) (bool, error) {
	const q = `SELECT EXISTS(SELECT 1 FROM commands
		WHERE agent_id = $1 AND type = $2 AND status IN ('pending', 'executing'))`
	var exists bool
	if err := s.dbtx.QueryRow(ctx, q, agentID, t).Scan(&exists); err != nil {
		return false, fmt.Errorf("%w: checking active commands for agent: %v", ctlerr.TransientStorage, err)
	}
	return exists, nil
}

// MarkExecuting transitions a pending command to executing.
func (s *Store) MarkExecuting(ctx context.Context, id uuid.UUID) error {
	tag, err := s.dbtx.Exec(ctx, `UPDATE commands SET status = 'executing', executed_at = now(), version = version + 1
		WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("%w: marking command executing: %v", ctlerr.TransientStorage, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: command %s is not pending", ctlerr.InvariantViolation, id)
	}
	return nil
}

// MarkExecuted transitions a command to its terminal state. Rejected if the
// command is already terminal.
func (s *Store) MarkExecuted(ctx context.Context, id uuid.UUID, report ExecutionReport, postState []byte) (Command, error) {
	status := StatusCompleted
	if !report.Success {
		status = StatusFailed
	}

	const updateQuery = `UPDATE commands
		SET status = $2, post_state = $3, completed_at = now(), version = version + 1
		WHERE id = $1 AND status IN ('pending', 'executing')
		RETURNING ` + commandColumns

	row := s.dbtx.QueryRow(ctx, updateQuery, id, status, postState)
	updated, err := scanCommand(row)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			existing, getErr := s.Get(ctx, id)
			if getErr == nil {
				return existing, fmt.Errorf("%w: command %s already terminal", ctlerr.InvariantViolation, id)
			}
		}
		return Command{}, fmt.Errorf("%w: marking command executed: %v", ctlerr.TransientStorage, err)
	}
	return updated, nil
}
