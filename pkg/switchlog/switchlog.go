// Package switchlog records the historical trail of role changes: which
// instance replaced which, what triggered it, and what it cost in
// downtime and price delta.
package switchlog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/fleetctl/internal/ctlerr"
	"github.com/wisbric/fleetctl/internal/db"
)

// Switch is one completed role change.
type Switch struct {
	ID             uuid.UUID
	AgentID        uuid.UUID
	RequestID      string
	OldInstanceID  string
	NewInstanceID  string
	OldMode        string
	NewMode        string
	OldPrice       float64
	NewPrice       float64
	Trigger        string
	DowntimeMillis int64
	CreatedAt      time.Time
}

// Store provides database operations for the switch history.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a Store.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

// Record inserts a completed switch.
func (s *Store) Record(ctx context.Context, sw Switch) (Switch, error) {
	sw.ID = uuid.New()
	const q = `INSERT INTO switches
		(id, agent_id, request_id, old_instance_id, new_instance_id, old_mode, new_mode,
		 old_price, new_price, trigger, downtime_millis, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		RETURNING created_at`
	row := s.dbtx.QueryRow(ctx, q, sw.ID, sw.AgentID, sw.RequestID, sw.OldInstanceID, sw.NewInstanceID,
		sw.OldMode, sw.NewMode, sw.OldPrice, sw.NewPrice, sw.Trigger, sw.DowntimeMillis)
	if err := row.Scan(&sw.CreatedAt); err != nil {
		return Switch{}, fmt.Errorf("%w: recording switch: %v", ctlerr.TransientStorage, err)
	}
	return sw, nil
}

// ListForAgent returns switch history for an agent, most recent first.
func (s *Store) ListForAgent(ctx context.Context, agentID uuid.UUID, limit, offset int) ([]Switch, int, error) {
	var total int
	if err := s.dbtx.QueryRow(ctx, `SELECT count(*) FROM switches WHERE agent_id = $1`, agentID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: counting switches: %v", ctlerr.TransientStorage, err)
	}

	const q = `SELECT id, agent_id, request_id, old_instance_id, new_instance_id, old_mode, new_mode,
		old_price, new_price, trigger, downtime_millis, created_at
		FROM switches WHERE agent_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := s.dbtx.Query(ctx, q, agentID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: listing switches: %v", ctlerr.TransientStorage, err)
	}
	defer rows.Close()

	var out []Switch
	for rows.Next() {
		var sw Switch
		if err := rows.Scan(&sw.ID, &sw.AgentID, &sw.RequestID, &sw.OldInstanceID, &sw.NewInstanceID,
			&sw.OldMode, &sw.NewMode, &sw.OldPrice, &sw.NewPrice, &sw.Trigger, &sw.DowntimeMillis, &sw.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning switch row: %w", err)
		}
		out = append(out, sw)
	}
	return out, total, rows.Err()
}
