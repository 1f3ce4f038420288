// Package emergency implements the rebalance and termination orchestrator:
// reacting to cloud preemption notices within hard deadlines by binding or
// creating a replica and promoting it.
package emergency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/fleetctl/internal/ctlerr"
	"github.com/wisbric/fleetctl/internal/telemetry"
	"github.com/wisbric/fleetctl/pkg/agentrec"
	"github.com/wisbric/fleetctl/pkg/audit"
	"github.com/wisbric/fleetctl/pkg/command"
	"github.com/wisbric/fleetctl/pkg/instance"
	"github.com/wisbric/fleetctl/pkg/pool"
	"github.com/wisbric/fleetctl/pkg/replica"
)

const (
	rebalanceDeadline   = 120 * time.Second
	terminationDeadline = 60 * time.Second
)

// Orchestrator reacts to inbound preemption notices.
type Orchestrator struct {
	pool              *pgxpool.Pool
	agents            *agentrec.Store
	instances         *instance.Store
	replicas          *replica.Store
	pools             *pool.Store
	commands          *command.Store
	auditWriter       *audit.Writer
	logger            *slog.Logger
	failureThreshold  int
}

// New creates an Orchestrator.
func New(dbPool *pgxpool.Pool, agents *agentrec.Store, instances *instance.Store, replicas *replica.Store,
	pools *pool.Store, commands *command.Store, auditWriter *audit.Writer, logger *slog.Logger, failureThreshold int) *Orchestrator {
	return &Orchestrator{
		pool: dbPool, agents: agents, instances: instances, replicas: replicas,
		pools: pools, commands: commands, auditWriter: auditWriter, logger: logger,
		failureThreshold: failureThreshold,
	}
}

// HandleRebalanceNotice runs the rebalance procedure: bind an existing
// ready replica if one passes a fast health check, otherwise launch one
// in the fastest-boot pool, all within a 120s deadline.
func (o *Orchestrator) HandleRebalanceNotice(ctx context.Context, agentID uuid.UUID, noticeTime time.Time) error {
	deadline := noticeTime.Add(rebalanceDeadline)
	a, err := o.agents.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if err := o.agents.SetNotice(ctx, agentID, agentrec.NoticeRebalance, &deadline); err != nil {
		return err
	}

	return o.promoteWithDeadline(ctx, a, deadline, false)
}

// HandleTerminationNotice runs the termination procedure: bind to any
// existing replica regardless of state, promote aggressively (skipping
// the health check if the deadline requires it), and force the old
// primary to terminated.
func (o *Orchestrator) HandleTerminationNotice(ctx context.Context, agentID uuid.UUID, noticeTime time.Time) error {
	deadline := noticeTime.Add(terminationDeadline)
	a, err := o.agents.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if err := o.agents.SetNotice(ctx, agentID, agentrec.NoticeTermination, &deadline); err != nil {
		return err
	}

	return o.promoteWithDeadline(ctx, a, deadline, true)
}

// ContinuePromotion re-enters the promotion decision for an agent with an
// outstanding notice, called once its bound replica reports ready. A no-op
// if the agent has no outstanding notice.
func (o *Orchestrator) ContinuePromotion(ctx context.Context, agentID uuid.UUID) error {
	a, err := o.agents.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if a.NoticeStatus == agentrec.NoticeNone || a.EmergencyNoticeDeadline == nil {
		return nil
	}
	return o.promoteWithDeadline(ctx, a, *a.EmergencyNoticeDeadline, a.NoticeStatus == agentrec.NoticeTermination)
}

func (o *Orchestrator) promoteWithDeadline(ctx context.Context, a agentrec.Agent, deadline time.Time, aggressive bool) error {
	r, ok, err := o.replicas.ActiveForAgent(ctx, a.ID)
	if err != nil {
		return err
	}

	if !ok {
		r, err = o.createEmergencyReplica(ctx, a, aggressive)
		if err != nil {
			return err
		}
	}

	skipHealthCheck := aggressive && time.Until(deadline) < terminationDeadline/2
	if skipHealthCheck {
		o.logger.Warn("EMERGENCY_PROMOTION_WITHOUT_HEALTH_CHECK", "agent_id", a.ID, "replica_id", r.ID)
	}

	ready := r.Status == replica.StatusReady || skipHealthCheck
	if !ready {
		// The replica isn't ready yet; the caller (replica status-report
		// handler) re-enters promotion once it reports ready. Nothing more
		// to do on this notice.
		return nil
	}

	if time.Now().After(deadline) {
		o.auditWriter.Critical(a.ClientID, "EMERGENCY_DEADLINE_MISSED",
			fmt.Sprintf("agent %s missed its emergency promotion deadline", a.ID), nil)
		telemetry.EmergencyDeadlineMissesTotal.WithLabelValues(noticeLabel(aggressive)).Inc()
		return fmt.Errorf("%w: agent %s emergency deadline at %s", ctlerr.DeadlineExceeded, a.ID, deadline)
	}

	return o.promoteReplica(ctx, a, r, aggressive)
}

func (o *Orchestrator) createEmergencyReplica(ctx context.Context, a agentrec.Agent, aggressive bool) (replica.Replica, error) {
	if a.CurrentInstanceID == nil {
		return replica.Replica{}, fmt.Errorf("%w: agent %s has no current instance to replace", ctlerr.InvariantViolation, a.ID)
	}

	var targetPoolID uuid.UUID
	if a.CurrentPoolID != nil {
		currentPool, err := o.pools.Get(ctx, *a.CurrentPoolID)
		if err == nil {
			fastest, err := o.pools.FastestBoot(ctx, a.Region, currentPool.InstanceType, *a.CurrentPoolID)
			if err == nil {
				targetPoolID = fastest.ID
			} else {
				targetPoolID = *a.CurrentPoolID
			}
		}
	}
	if targetPoolID == uuid.Nil {
		return replica.Replica{}, fmt.Errorf("%w: no pool resolvable for agent %s", ctlerr.InvariantViolation, a.ID)
	}

	r, err := o.replicas.Create(ctx, a.ID, *a.CurrentInstanceID, targetPoolID, replica.KindEmergency)
	if err != nil {
		return replica.Replica{}, err
	}

	priority := command.PriorityEmergency
	_, err = o.commands.Enqueue(ctx, command.EnqueueParams{
		AgentID:      a.ID,
		RequestID:    fmt.Sprintf("emergency-launch-%s", r.ID),
		Type:         command.TypeLaunchInstance,
		TargetPoolID: &targetPoolID,
		Priority:     priority,
		Trigger:      command.TriggerEmergency,
	})
	if err != nil {
		return replica.Replica{}, err
	}
	return r, nil
}

func (o *Orchestrator) promoteReplica(ctx context.Context, a agentrec.Agent, r replica.Replica, aggressive bool) error {
	if r.InstanceID == nil {
		return fmt.Errorf("%w: replica %s has no bound instance", ctlerr.InvariantViolation, r.ID)
	}

	current, err := o.instances.Get(ctx, *r.InstanceID)
	if err != nil {
		return err
	}

	_, err = instance.PromoteToPrimary(ctx, o.pool, a.ID, current.ID, current.Version)
	if err != nil {
		incAgent, disabled, incErr := o.agents.IncrementEmergencyFailures(ctx, a.ID, o.failureThreshold)
		if incErr == nil && disabled {
			o.auditWriter.Critical(incAgent.ClientID, "EMERGENCY_PROMOTION_FAILURES_EXCEEDED",
				fmt.Sprintf("agent %s disabled after repeated emergency promotion failures", a.ID), nil)
		}
		return err
	}

	if aggressive && a.CurrentInstanceID != nil {
		if err := instance.ForceTerminated(ctx, o.pool, *a.CurrentInstanceID); err != nil {
			o.logger.Error("forcing old primary to terminated", "instance_id", *a.CurrentInstanceID, "error", err)
		}
	}

	if _, err := o.replicas.UpdateStatus(ctx, r.ID, replica.StatusPromoted); err != nil {
		o.logger.Error("marking replica promoted", "replica_id", r.ID, "error", err)
	}
	if err := o.agents.ClearNotice(ctx, a.ID); err != nil {
		o.logger.Error("clearing agent notice", "agent_id", a.ID, "error", err)
	}

	telemetry.EmergencyPromotionsTotal.WithLabelValues(noticeLabel(aggressive), "promoted").Inc()
	return nil
}

func noticeLabel(aggressive bool) string {
	if aggressive {
		return "termination"
	}
	return "rebalance"
}
