// Package agentrec implements the Agent entity: registration, heartbeat
// reconciliation, and the policy-exclusivity invariant.
package agentrec

import (
	"time"

	"github.com/google/uuid"
)

// Mode is the tier an agent's current instance is running in.
type Mode string

const (
	ModeUnknown  Mode = "unknown"
	ModeOndemand Mode = "ondemand"
	ModeSpot     Mode = "spot"
)

// Status is the agent's liveness state.
type Status string

const (
	StatusOffline Status = "offline"
	StatusOnline  Status = "online"
	StatusError   Status = "error"
)

// NoticeStatus records an outstanding cloud preemption notice.
type NoticeStatus string

const (
	NoticeNone        NoticeStatus = "none"
	NoticeRebalance   NoticeStatus = "rebalance"
	NoticeTermination NoticeStatus = "termination"
)

// Policy is an agent's per-agent configuration. AutoSwitchEnabled and
// ManualReplicaEnabled are mutually exclusive, enforced by ValidatePolicy
// at every write path, unconditionally.
type Policy struct {
	AutoSwitchEnabled    bool
	ManualReplicaEnabled bool
	AutoTerminate        bool
	TerminateWaitSeconds int
}

// Agent is the logical identity of a managed workload, stable across
// instance replacement.
type Agent struct {
	ID                         uuid.UUID
	ClientID                   uuid.UUID
	LogicalID                  string
	CurrentInstanceID          *string
	Region                     string
	AZ                         string
	Mode                       Mode
	CurrentPoolID              *uuid.UUID
	Policy                     Policy
	LastHeartbeat              *time.Time
	Status                     Status
	NoticeStatus               NoticeStatus
	EmergencyNoticeDeadline    *time.Time
	EmergencyFailureCount      int
	Version                    int64
}

// RegisterParams is the input to agent registration.
type RegisterParams struct {
	ClientID     uuid.UUID
	LogicalID    string
	InstanceID   string
	InstanceType string
	Region       string
	AZ           string
	Mode         Mode
}

// HeartbeatParams is the input to the heartbeat endpoint.
type HeartbeatParams struct {
	Status       Status
	InstanceID   *string
	InstanceType *string
	Mode         *Mode
	AZ           *string
}
