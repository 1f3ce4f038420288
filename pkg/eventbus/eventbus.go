// Package eventbus implements the server-push channel for operator UIs:
// pending notifications persisted with a short TTL and streamed out over
// a long-lived server-sent-events connection.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/fleetctl/internal/ctlerr"
	"github.com/wisbric/fleetctl/internal/db"
)

// eventTTL is how long an undelivered event survives before it auto-expires.
const eventTTL = time.Hour

// Event is an outbound real-time notification.
type Event struct {
	ID        uuid.UUID
	ClientID  uuid.UUID
	Type      string
	Payload   json.RawMessage
	Delivered bool
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store provides database operations for the push-channel event table.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a Store.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

// Publish appends a pending event for clientID. Delivery is
// at-least-once: the row is only marked delivered once a subscriber has
// read it, and it auto-expires after an hour regardless.
func (s *Store) Publish(ctx context.Context, clientID uuid.UUID, eventType string, payload json.RawMessage) error {
	const q = `INSERT INTO sse_events (id, client_id, type, payload, delivered, created_at, expires_at)
		VALUES ($1, $2, $3, $4, false, now(), now() + $5)`
	_, err := s.dbtx.Exec(ctx, q, uuid.New(), clientID, eventType, payload, eventTTL)
	if err != nil {
		return fmt.Errorf("%w: publishing event: %v", ctlerr.TransientStorage, err)
	}
	return nil
}

// PendingSince returns undelivered, unexpired events for clientID created
// after afterID (0 means from the start), oldest first.
func (s *Store) PendingSince(ctx context.Context, clientID uuid.UUID, afterCreatedAt time.Time) ([]Event, error) {
	const q = `SELECT id, client_id, type, payload, delivered, created_at, expires_at
		FROM sse_events
		WHERE client_id = $1 AND expires_at > now() AND created_at > $2
		ORDER BY created_at ASC`
	rows, err := s.dbtx.Query(ctx, q, clientID, afterCreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: querying pending events: %v", ctlerr.TransientStorage, err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.ClientID, &e.Type, &e.Payload, &e.Delivered, &e.CreatedAt, &e.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkDelivered flags events as delivered once a subscriber has read them.
func (s *Store) MarkDelivered(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.dbtx.Exec(ctx, `UPDATE sse_events SET delivered = true WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("%w: marking events delivered: %v", ctlerr.TransientStorage, err)
	}
	return nil
}

// PurgeExpired deletes events past their TTL, for the retention worker.
func (s *Store) PurgeExpired(ctx context.Context) error {
	_, err := s.dbtx.Exec(ctx, `DELETE FROM sse_events WHERE expires_at < now()`)
	if err != nil {
		return fmt.Errorf("%w: purging expired events: %v", ctlerr.TransientStorage, err)
	}
	return nil
}
