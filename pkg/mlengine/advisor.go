package mlengine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wisbric/fleetctl/internal/telemetry"
	"github.com/wisbric/fleetctl/pkg/agentrec"
	"github.com/wisbric/fleetctl/pkg/command"
	"github.com/wisbric/fleetctl/pkg/instance"
	"github.com/wisbric/fleetctl/pkg/pool"
)

// Advisor is the long-running worker that evaluates the configured Engine
// against every auto-switch-enabled agent and enqueues a switch command
// when the engine recommends one. Exactly one pass runs at a time.
type Advisor struct {
	agents        *agentrec.Store
	instances     *instance.Store
	pools         *pool.Store
	commands      *command.Store
	engine        Engine
	logger        *slog.Logger
	interval      time.Duration
	marginPercent float64
}

// NewAdvisor creates an Advisor with the given pass cadence. marginPercent
// is passed through to the engine as the configured cheapest-pool margin
// threshold, the same value the replica coordinator uses to judge drift.
func NewAdvisor(agents *agentrec.Store, instances *instance.Store, pools *pool.Store, commands *command.Store,
	engine Engine, logger *slog.Logger, interval time.Duration, marginPercent float64) *Advisor {
	return &Advisor{
		agents: agents, instances: instances, pools: pools, commands: commands,
		engine: engine, logger: logger, interval: interval, marginPercent: marginPercent,
	}
}

// Run blocks, executing one pass per tick until ctx is cancelled.
func (a *Advisor) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.pass(ctx); err != nil {
				a.logger.Error("ml advisor pass failed", "error", err)
			}
		}
	}
}

func (a *Advisor) pass(ctx context.Context) error {
	start := time.Now()
	defer func() {
		telemetry.MLAdvisorPassDuration.Observe(time.Since(start).Seconds())
	}()

	limit, offset := 200, 0
	for {
		agents, total, err := a.agents.ListOnlineWithAutoSwitchPolicy(ctx, limit, offset)
		if err != nil {
			return err
		}
		for _, ag := range agents {
			if err := a.evaluateAgent(ctx, ag); err != nil {
				a.logger.Error("evaluating agent for switch recommendation", "agent_id", ag.ID, "error", err)
			}
		}
		offset += len(agents)
		if offset >= total || len(agents) == 0 {
			break
		}
	}
	return nil
}

func (a *Advisor) evaluateAgent(ctx context.Context, ag agentrec.Agent) error {
	if ag.CurrentInstanceID == nil || ag.CurrentPoolID == nil {
		return nil
	}

	active, err := a.commands.HasActiveForAgent(ctx, ag.ID, command.TypeSwitch)
	if err != nil {
		return err
	}
	if active {
		// A switch is already queued or executing; let it resolve
		// before evaluating again.
		return nil
	}

	currentPool, err := a.pools.Get(ctx, *ag.CurrentPoolID)
	if err != nil {
		return nil
	}
	currentPrice, err := a.pools.CurrentPrice(ctx, *ag.CurrentPoolID)
	if err != nil {
		return nil
	}
	cheapest, cheapestPrice, err := a.pools.Cheapest(ctx, ag.Region, currentPool.InstanceType, *ag.CurrentPoolID)
	if err != nil {
		return nil // no cheaper pool with fresh pricing, nothing to recommend this pass
	}

	var ondemandPrice float64
	if inst, err := a.instances.Get(ctx, *ag.CurrentInstanceID); err == nil {
		if inst.OndemandPrice != nil {
			ondemandPrice = *inst.OndemandPrice
		} else if inst.BaselineOndemandPrice != nil {
			ondemandPrice = *inst.BaselineOndemandPrice
		}
	}

	decision, err := a.engine.Decide(ctx, Input{
		CurrentPrice:  currentPrice,
		CheapestPrice: cheapestPrice,
		OndemandPrice: ondemandPrice,
		MarginPercent: a.marginPercent,
	})
	if err != nil {
		return err
	}
	if !decision.Recommend {
		return nil
	}

	priority := command.PriorityMLNormal
	urgencyLabel := "normal"
	if decision.Urgent {
		priority = command.PriorityMLUrgent
		urgencyLabel = "urgent"
	}
	telemetry.MLRecommendationsTotal.WithLabelValues(urgencyLabel).Inc()

	targetPoolID := cheapest.ID
	_, err = a.commands.Enqueue(ctx, command.EnqueueParams{
		AgentID:      ag.ID,
		RequestID:    fmt.Sprintf("ml-advisor-%s-%d", ag.ID, time.Now().UnixNano()),
		Type:         command.TypeSwitch,
		TargetMode:   string(agentrec.ModeSpot),
		TargetPoolID: &targetPoolID,
		Priority:     priority,
		Trigger:      command.TriggerML,
	})
	if err != nil {
		return err
	}

	a.logger.Info("ml advisor recommended a switch", "agent_id", ag.ID, "target_pool_id", targetPoolID,
		"urgent", decision.Urgent, "reason", decision.Reason)
	return nil
}
