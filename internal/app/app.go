// Package app wires every collaborator into a single Engine value and
// dispatches to the api, worker, or migrate runtime mode.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/fleetctl/internal/adminapi"
	"github.com/wisbric/fleetctl/internal/agentapi"
	"github.com/wisbric/fleetctl/internal/config"
	"github.com/wisbric/fleetctl/internal/ctlerr"
	"github.com/wisbric/fleetctl/internal/httpserver"
	"github.com/wisbric/fleetctl/internal/platform"
	"github.com/wisbric/fleetctl/internal/telemetry"
	"github.com/wisbric/fleetctl/internal/version"
	"github.com/wisbric/fleetctl/pkg/agentrec"
	"github.com/wisbric/fleetctl/pkg/audit"
	"github.com/wisbric/fleetctl/pkg/client"
	"github.com/wisbric/fleetctl/pkg/cloudapi"
	"github.com/wisbric/fleetctl/pkg/command"
	"github.com/wisbric/fleetctl/pkg/emergency"
	"github.com/wisbric/fleetctl/pkg/eventbus"
	"github.com/wisbric/fleetctl/pkg/instance"
	"github.com/wisbric/fleetctl/pkg/mlengine"
	"github.com/wisbric/fleetctl/pkg/notify"
	"github.com/wisbric/fleetctl/pkg/pool"
	"github.com/wisbric/fleetctl/pkg/pricing"
	"github.com/wisbric/fleetctl/pkg/replica"
	"github.com/wisbric/fleetctl/pkg/switchlog"
)

// Engine holds every constructed collaborator. It is an explicit value
// passed to the functions that need it, never a package-level singleton.
type Engine struct {
	cfg            *config.Config
	logger         *slog.Logger
	db             *pgxpool.Pool
	rdb            *redis.Client
	tracerShutdown telemetry.ShutdownFunc

	clients      *client.Store
	agents       *agentrec.Store
	instances    *instance.Store
	commands     *command.Store
	pools        *pool.Store
	staging      *pricing.StagingStore
	consolidated *pricing.ConsolidatedStore
	canonical    *pricing.CanonicalStore
	jobs         *pricing.JobStore
	consolidator *pricing.Consolidator
	replicas     *replica.Store
	coordinator  *replica.Coordinator
	switches     *switchlog.Store
	events       *eventbus.Store
	bus          *eventbus.Bus
	auditWriter  *audit.Writer
	cloud        cloudapi.Client
	mlAdvisor    *mlengine.Advisor
	notifier     *notify.Notifier
	orchestrator *emergency.Orchestrator
}

// New constructs an Engine from cfg. It opens the database and Redis
// connections and wires every domain store on top of them.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	tracerShutdown, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "fleetctl", version.Version)
	if err != nil {
		return nil, fmt.Errorf("initializing tracer: %w", err)
	}

	dbPool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL, int32(cfg.DBPoolSize))
	if err != nil {
		_ = tracerShutdown(ctx)
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		dbPool.Close()
		_ = tracerShutdown(ctx)
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	notifier := notify.NewNotifier(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
	auditWriter := audit.NewWriter(dbPool, notifier, logger)

	var cloud cloudapi.Client
	ec2Client, err := cloudapi.NewEC2Client(ctx, cfg.AWSRegion)
	if err != nil {
		logger.Warn("cloud provider client unavailable, backfill and launch will fail until resolved", "error", err)
	} else {
		cloud = ec2Client
	}

	clients := client.NewStore(dbPool)
	agents := agentrec.NewStore(dbPool)
	instances := instance.NewStore(dbPool)
	commands := command.NewStore(dbPool, rdb, logger)
	pools := pool.NewStore(dbPool)
	staging := pricing.NewStagingStore(dbPool)
	consolidated := pricing.NewConsolidatedStore(dbPool)
	canonical := pricing.NewCanonicalStore(dbPool)
	jobs := pricing.NewJobStore(dbPool)
	consolidator := pricing.NewConsolidator(staging, consolidated, canonical, jobs, pools, cloud, logger)
	replicas := replica.NewStore(dbPool)
	coordinator := replica.NewCoordinator(agents, replicas, pools, commands, logger,
		time.Duration(cfg.ReplicaCoordinatorIntervalSeconds)*time.Second)
	switches := switchlog.NewStore(dbPool)
	events := eventbus.NewStore(dbPool)
	bus := eventbus.NewBus(events, rdb, logger)
	orchestrator := emergency.New(dbPool, agents, instances, replicas, pools, commands, auditWriter, logger,
		cfg.EmergencyPromotionFailureThreshold)

	mlEngine := mlengine.NewHeuristicEngine()
	mlAdvisor := mlengine.NewAdvisor(agents, instances, pools, commands, mlEngine, logger,
		time.Duration(cfg.MLAdvisorIntervalSeconds)*time.Second, float64(cfg.CheapestPoolMarginPercent))

	return &Engine{
		cfg: cfg, logger: logger, db: dbPool, rdb: rdb, tracerShutdown: tracerShutdown,
		clients: clients, agents: agents, instances: instances, commands: commands, pools: pools,
		staging: staging, consolidated: consolidated, canonical: canonical, jobs: jobs, consolidator: consolidator,
		replicas: replicas, coordinator: coordinator, switches: switches, events: events, bus: bus,
		auditWriter: auditWriter, cloud: cloud, mlAdvisor: mlAdvisor, notifier: notifier,
		orchestrator: orchestrator,
	}, nil
}

// Close releases the database and Redis connections and flushes the
// tracer provider.
func (e *Engine) Close() {
	e.db.Close()
	_ = e.rdb.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.tracerShutdown(shutdownCtx); err != nil {
		e.logger.Error("shutting down tracer", "error", err)
	}
}

// Run dispatches to the runtime mode named by cfg.Mode.
func (e *Engine) Run(ctx context.Context) error {
	switch e.cfg.Mode {
	case "api":
		return e.runAPI(ctx)
	case "worker":
		return e.runWorker(ctx)
	case "migrate":
		return platform.RunMigrations(e.cfg.DatabaseURL, e.cfg.MigrationsDir)
	default:
		return fmt.Errorf("%w: unknown run mode %q", ctlerr.InvariantViolation, e.cfg.Mode)
	}
}

func (e *Engine) runAPI(ctx context.Context) error {
	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	srv := httpserver.NewServer(httpserver.Config{
		CORSAllowedOrigins: e.cfg.CORSAllowedOrigins,
		AdminToken:         e.cfg.AdminToken,
	}, e.logger, e.db, e.rdb, metricsReg, e.clients.AuthenticateToken)

	agentHandler := agentapi.NewHandler(e.clients, e.agents, e.instances, e.commands, e.pools, e.staging,
		e.replicas, e.switches, e.orchestrator, e.bus, e.auditWriter, e.db, e.logger)
	adminHandler := adminapi.NewHandler(e.clients, e.agents, e.commands, e.switches, e.jobs, e.bus, e.logger)

	srv.AgentAPI.Mount("/", agentHandler.Routes())
	srv.AdminAPI.Mount("/", adminHandler.Routes())

	e.auditWriter.Start(ctx)
	defer e.auditWriter.Close()

	httpSrv := &http.Server{
		Addr:         e.cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		e.logger.Info("starting http server", "addr", e.cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runWorker starts every periodic background task. The replica
// coordinator and ML advisor each run as their own goroutine since they
// carry their own internal ticker; the remaining tasks share one
// scheduling loop here, following the scheduled-job cadence each was
// configured with.
func (e *Engine) runWorker(ctx context.Context) error {
	e.auditWriter.Start(ctx)
	defer e.auditWriter.Close()

	go e.coordinator.Run(ctx)
	go e.mlAdvisor.Run(ctx)

	consolidationInterval := time.Duration(e.cfg.ConsolidationIntervalHours) * time.Hour
	consolidationTicker := time.NewTicker(consolidationInterval)
	defer consolidationTicker.Stop()

	zombieTicker := time.NewTicker(6 * time.Hour)
	defer zombieTicker.Stop()

	staleTicker := time.NewTicker(time.Minute)
	defer staleTicker.Stop()

	ssePurgeTicker := time.NewTicker(15 * time.Minute)
	defer ssePurgeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-consolidationTicker.C:
			if _, err := e.consolidator.Run(ctx, consolidationInterval); err != nil {
				e.logger.Error("consolidation run failed", "error", err)
			}
		case <-zombieTicker.C:
			e.purgeAgedZombies(ctx)
		case <-staleTicker.C:
			e.flagStaleAgents(ctx)
		case <-ssePurgeTicker.C:
			if err := e.events.PurgeExpired(ctx); err != nil {
				e.logger.Error("purging expired sse events failed", "error", err)
			}
		}
	}
}

func (e *Engine) purgeAgedZombies(ctx context.Context) {
	ids, err := instance.ZombiesOlderThan(ctx, e.db, e.cfg.ZombieRetentionDays)
	if err != nil {
		e.logger.Error("listing aged zombie instances failed", "error", err)
		return
	}
	for _, id := range ids {
		if err := instance.PurgeZombie(ctx, e.db, id); err != nil {
			e.logger.Error("purging aged zombie instance failed", "instance_id", id, "error", err)
		}
	}
}

func (e *Engine) flagStaleAgents(ctx context.Context) {
	stale, err := e.agents.StaleSince(ctx, e.cfg.HeartbeatStaleThresholdSeconds)
	if err != nil {
		e.logger.Error("querying stale agents failed", "error", err)
		return
	}
	for _, a := range stale {
		e.auditWriter.Log(audit.Entry{
			ClientID: a.ClientID, Severity: audit.SeverityWarning, Type: "AGENT_HEARTBEAT_STALE",
			Message: fmt.Sprintf("agent %s has not reported a heartbeat since %v", a.ID, a.LastHeartbeat),
			ResourceID: a.ID,
		})
	}
}
