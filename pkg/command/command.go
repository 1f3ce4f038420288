// Package command implements the priority command queue: idempotent
// enqueue, priority+FIFO delivery to agents, and execution-report
// reconciliation.
package command

import (
	"time"

	"github.com/google/uuid"
)

// Type is the closed set of command tags an agent can execute. Unknown
// tags fail request validation rather than being stored.
type Type string

const (
	TypeSwitch            Type = "switch"
	TypeLaunchInstance    Type = "launchInstance"
	TypeTerminateInstance Type = "terminateInstance"
	TypePromoteReplica    Type = "promoteReplica"
	TypeApplyConfig       Type = "applyConfig"
	TypeSelfDestruct      Type = "selfDestruct"
)

// ValidTypes lists every command type accepted by enqueue.
var ValidTypes = map[Type]bool{
	TypeSwitch:            true,
	TypeLaunchInstance:    true,
	TypeTerminateInstance: true,
	TypePromoteReplica:    true,
	TypeApplyConfig:       true,
	TypeSelfDestruct:      true,
}

// Status is the command lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Trigger records what caused a command to be enqueued.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerML        Trigger = "ml"
	TriggerEmergency Trigger = "emergency"
	TriggerScheduled Trigger = "scheduled"
)

// Priority levels, highest wins; ties broken by createdAt ascending.
const (
	PriorityEmergency = 100
	PriorityManual    = 75
	PriorityMLUrgent  = 50
	PriorityMLNormal  = 25
	PriorityScheduled = 10
)

// Command is a single directive for an agent.
type Command struct {
	ID                 uuid.UUID
	AgentID            uuid.UUID
	RequestID          string
	Type               Type
	TargetMode         string
	TargetPoolID       *uuid.UUID
	Priority           int
	TerminateWaitSecs  int
	Status             Status
	PreState           []byte
	PostState          []byte
	Trigger            Trigger
	UserID             *uuid.UUID
	CreatedAt          time.Time
	ExecutedAt         *time.Time
	CompletedAt        *time.Time
	Version            int64
}

// EnqueueParams describes a new command to enqueue.
type EnqueueParams struct {
	AgentID           uuid.UUID
	RequestID         string
	Type              Type
	TargetMode        string
	TargetPoolID      *uuid.UUID
	Priority          int
	TerminateWaitSecs int
	PreState          []byte
	Trigger           Trigger
	UserID            *uuid.UUID
}

// ExecutionReport is the agent's report of a completed or failed command.
type ExecutionReport struct {
	Success bool
	Message string
}
