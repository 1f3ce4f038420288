// Package instance implements the per-agent instance lifecycle state
// machine: launching/primary/replica/zombie/terminated roles and the
// single atomic PromoteToPrimary entry point for role changes.
package instance

import (
	"time"

	"github.com/google/uuid"
)

// Role is the lifecycle state of an instance.
type Role string

const (
	RoleLaunching      Role = "launching"
	RoleRunningPrimary Role = "runningPrimary"
	RoleRunningReplica Role = "runningReplica"
	RolePromoting      Role = "promoting"
	RoleTerminating    Role = "terminating"
	RoleTerminated     Role = "terminated"
	RoleZombie         Role = "zombie"
)

// IsPrimary reports whether a role counts as holding the one-primary-per-
// agent slot.
func (r Role) IsPrimary() bool {
	return r == RoleRunningPrimary || r == RolePromoting
}

// Instance is a single cloud VM observed or owned by an agent.
type Instance struct {
	ID                  string
	AgentID             uuid.UUID
	Role                Role
	Type                string
	Region              string
	AZ                  string
	SpotPrice           *float64
	OndemandPrice       *float64
	BaselineOndemandPrice *float64
	LaunchRequestedAt   *time.Time
	LaunchConfirmedAt   *time.Time
	LastSwitchAt        *time.Time
	TerminateRequestedAt *time.Time
	TerminatedAt        *time.Time
	Version             int64
}

// IsPrimary derives the boolean primary flag from Role rather than storing
// it independently.
func (i Instance) IsPrimary() bool {
	return i.Role.IsPrimary()
}

// LaunchParams describes a newly launch-requested instance.
type LaunchParams struct {
	ID      string
	AgentID uuid.UUID
	Type    string
	Region  string
	AZ      string
}
