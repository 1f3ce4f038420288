// Package client implements the Client (organization tenant) entity: the
// parent of every agent, instance, and command in the system. It owns
// bearer-token authentication and the default policy newly registered
// agents inherit.
package client

import (
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/fleetctl/pkg/agentrec"
)

// Plan names a billing/feature tier. It gates nothing in this
// implementation beyond the agent-count limit; it exists so operators can
// read it back alongside Limits.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanStandard   Plan = "standard"
	PlanEnterprise Plan = "enterprise"
)

// Limits bounds what a client's fleet may grow to.
type Limits struct {
	MaxAgents int
}

// Client is an organization tenant: the parent of every agent, instance,
// and command.
type Client struct {
	ID            uuid.UUID
	Name          string
	AuthTokenHash string
	Plan          Plan
	Limits        Limits
	DefaultPolicy agentrec.Policy
	CreatedAt     time.Time
}

// CreateParams is the input to client provisioning. AuthToken is the raw,
// plaintext token returned once to the operator; only its hash is stored.
type CreateParams struct {
	Name          string
	Plan          Plan
	Limits        Limits
	DefaultPolicy agentrec.Policy
}
