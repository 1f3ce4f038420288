package replica

import (
	"context"
	"log/slog"
	"time"

	"github.com/wisbric/fleetctl/internal/telemetry"
	"github.com/wisbric/fleetctl/pkg/agentrec"
	"github.com/wisbric/fleetctl/pkg/command"
	"github.com/wisbric/fleetctl/pkg/pool"
)

// cheapestPoolMarginPercent is the threshold beyond which a standing
// replica's pool is considered stale. Crossing it never tears the replica
// down; it only logs, since recreation is triggered only by promotion or
// termination.
const cheapestPoolMarginPercent = 20

// Coordinator is the long-running worker that enforces each enabled
// agent's replica policy. Exactly one pass runs at a time.
type Coordinator struct {
	agents   *agentrec.Store
	replicas *Store
	pools    *pool.Store
	commands *command.Store
	logger   *slog.Logger
	interval time.Duration
}

// NewCoordinator creates a Coordinator with the given pass cadence.
func NewCoordinator(agents *agentrec.Store, replicas *Store, pools *pool.Store, commands *command.Store, logger *slog.Logger, interval time.Duration) *Coordinator {
	return &Coordinator{agents: agents, replicas: replicas, pools: pools, commands: commands, logger: logger, interval: interval}
}

// Run blocks, executing one pass per tick until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.pass(ctx); err != nil {
				c.logger.Error("replica coordinator pass failed", "error", err)
			}
		}
	}
}

func (c *Coordinator) pass(ctx context.Context) error {
	start := time.Now()
	defer func() {
		telemetry.ReplicaCoordinatorPassDuration.Observe(time.Since(start).Seconds())
	}()

	limit, offset := 200, 0
	for {
		agents, total, err := c.agents.ListOnlineWithReplicaPolicy(ctx, limit, offset)
		if err != nil {
			return err
		}
		for _, a := range agents {
			if err := c.reconcileAgent(ctx, a); err != nil {
				c.logger.Error("reconciling agent replica policy", "agent_id", a.ID, "error", err)
			}
		}
		offset += len(agents)
		if offset >= total || len(agents) == 0 {
			break
		}
	}
	return nil
}

func (c *Coordinator) reconcileAgent(ctx context.Context, a agentrec.Agent) error {
	if !a.Policy.ManualReplicaEnabled {
		// autoSwitchEnabled agents keep no standing replica; emergency
		// replicas are the orchestrator's responsibility.
		return nil
	}
	if a.CurrentInstanceID == nil || a.CurrentPoolID == nil {
		return nil
	}

	active, ok, err := c.replicas.ActiveForAgent(ctx, a.ID)
	if err != nil {
		return err
	}

	currentPool, err := c.pools.Get(ctx, *a.CurrentPoolID)
	if err != nil {
		return nil
	}

	if !ok {
		cheapest, _, err := c.pools.Cheapest(ctx, a.Region, currentPool.InstanceType, *a.CurrentPoolID)
		if err != nil {
			return nil // no cheaper pool with fresh pricing, nothing to do this pass
		}
		r, err := c.replicas.Create(ctx, a.ID, *a.CurrentInstanceID, cheapest.ID, KindManual)
		if err != nil {
			return err
		}
		_, err = c.commands.Enqueue(ctx, command.EnqueueParams{
			AgentID:      a.ID,
			RequestID:    "replica-coordinator-launch-" + r.ID.String(),
			Type:         command.TypeLaunchInstance,
			TargetPoolID: &cheapest.ID,
			Priority:     command.PriorityScheduled,
			Trigger:      command.TriggerScheduled,
		})
		return err
	}

	// A standing replica exists. Check whether its pool has drifted beyond
	// the configured margin; if so, only log — teardown happens on the
	// next promotion or termination, never here.
	currentPrice, err := c.pools.CurrentPrice(ctx, active.PoolID)
	if err != nil {
		return nil
	}
	cheapest, cheapestPrice, err := c.pools.Cheapest(ctx, a.Region, currentPool.InstanceType, active.PoolID)
	if err != nil {
		return nil
	}
	if currentPrice > 0 && (currentPrice-cheapestPrice)/currentPrice*100 > cheapestPoolMarginPercent {
		c.logger.Info("replica pool drifted beyond margin, recreate deferred to next promotion/termination",
			"agent_id", a.ID, "current_pool_id", active.PoolID, "cheaper_pool_id", cheapest.ID,
			"current_price", currentPrice, "cheapest_price", cheapestPrice)
	}
	return nil
}
