package client

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/fleetctl/internal/ctlerr"
	"github.com/wisbric/fleetctl/internal/db"
	"github.com/wisbric/fleetctl/internal/httpserver"
	"github.com/wisbric/fleetctl/pkg/agentrec"
)

const clientColumns = `id, name, auth_token_hash, token_prefix, plan, max_agents,
	auto_switch_enabled, manual_replica_enabled, auto_terminate, terminate_wait_seconds, created_at`

// tokenPrefixLen is how much of the raw token is stored unhashed, purely as
// a lookup index — the same shape as nightowl's api_keys.key_prefix, since
// bcrypt hashes can't be queried by equality.
const tokenPrefixLen = 8

// Store provides database operations for clients.
type Store struct {
	dbtx db.DBTX
}

// NewStore creates a client Store.
func NewStore(dbtx db.DBTX) *Store {
	return &Store{dbtx: dbtx}
}

func scanClient(row pgx.Row) (Client, error) {
	var c Client
	var tokenPrefix string
	err := row.Scan(
		&c.ID, &c.Name, &c.AuthTokenHash, &tokenPrefix, &c.Plan, &c.Limits.MaxAgents,
		&c.DefaultPolicy.AutoSwitchEnabled, &c.DefaultPolicy.ManualReplicaEnabled,
		&c.DefaultPolicy.AutoTerminate, &c.DefaultPolicy.TerminateWaitSeconds, &c.CreatedAt,
	)
	return c, err
}

// Create provisions a new client and returns it alongside the raw bearer
// token, which is shown to the operator exactly once and never stored.
func (s *Store) Create(ctx context.Context, p CreateParams) (Client, string, error) {
	if err := agentrec.ValidatePolicy(p.DefaultPolicy); err != nil {
		return Client{}, "", err
	}

	rawToken, err := generateToken()
	if err != nil {
		return Client{}, "", fmt.Errorf("generating client token: %w", err)
	}
	hash, err := httpserver.HashToken(rawToken)
	if err != nil {
		return Client{}, "", fmt.Errorf("hashing client token: %w", err)
	}

	const q = `INSERT INTO clients
		(id, name, auth_token_hash, token_prefix, plan, max_agents,
		 auto_switch_enabled, manual_replica_enabled, auto_terminate, terminate_wait_seconds, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		RETURNING ` + clientColumns

	created, err := scanClient(s.dbtx.QueryRow(ctx, q, uuid.New(), p.Name, hash, rawToken[:tokenPrefixLen],
		p.Plan, p.Limits.MaxAgents, p.DefaultPolicy.AutoSwitchEnabled, p.DefaultPolicy.ManualReplicaEnabled,
		p.DefaultPolicy.AutoTerminate, p.DefaultPolicy.TerminateWaitSeconds))
	if err != nil {
		return Client{}, "", fmt.Errorf("%w: inserting client: %v", ctlerr.TransientStorage, err)
	}
	return created, rawToken, nil
}

// Get returns a single client by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Client, error) {
	query := `SELECT ` + clientColumns + ` FROM clients WHERE id = $1`
	return scanClient(s.dbtx.QueryRow(ctx, query, id))
}

// AuthenticateToken resolves a raw bearer token to the client it
// authenticates. It first narrows candidates by the indexed token prefix,
// then verifies the full token with a bcrypt comparison — satisfying
// httpserver.ClientLookup.
func (s *Store) AuthenticateToken(ctx context.Context, rawToken string) (uuid.UUID, error) {
	if len(rawToken) < tokenPrefixLen {
		return uuid.Nil, fmt.Errorf("%w: malformed client token", ctlerr.NotFound)
	}

	const q = `SELECT ` + clientColumns + ` FROM clients WHERE token_prefix = $1`
	rows, err := s.dbtx.Query(ctx, q, rawToken[:tokenPrefixLen])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: querying client by token prefix: %v", ctlerr.TransientStorage, err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return uuid.Nil, fmt.Errorf("scanning client row: %w", err)
		}
		if httpserver.VerifyToken(c.AuthTokenHash, rawToken) {
			return c.ID, nil
		}
	}
	if err := rows.Err(); err != nil {
		return uuid.Nil, fmt.Errorf("%w: iterating client rows: %v", ctlerr.TransientStorage, err)
	}
	return uuid.Nil, fmt.Errorf("%w: no client matches token", ctlerr.NotFound)
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "fctl_" + hex.EncodeToString(buf), nil
}
