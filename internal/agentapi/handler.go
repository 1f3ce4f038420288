// Package agentapi implements the agent-facing HTTP contract: the small,
// stable set of endpoints every managed workload's sidecar agent calls to
// register, report liveness and pricing, and carry out commands.
package agentapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/fleetctl/internal/ctlerr"
	"github.com/wisbric/fleetctl/internal/httpserver"
	"github.com/wisbric/fleetctl/pkg/agentrec"
	"github.com/wisbric/fleetctl/pkg/audit"
	"github.com/wisbric/fleetctl/pkg/client"
	"github.com/wisbric/fleetctl/pkg/command"
	"github.com/wisbric/fleetctl/pkg/emergency"
	"github.com/wisbric/fleetctl/pkg/eventbus"
	"github.com/wisbric/fleetctl/pkg/instance"
	"github.com/wisbric/fleetctl/pkg/pool"
	"github.com/wisbric/fleetctl/pkg/pricing"
	"github.com/wisbric/fleetctl/pkg/replica"
	"github.com/wisbric/fleetctl/pkg/switchlog"
)

// Handler composes every store the agent-facing contract touches. Most
// individual endpoints only need two or three of these; the bundle is
// shared because switch-report and the emergency notices cut across
// almost all of them.
type Handler struct {
	clients      *client.Store
	agents       *agentrec.Store
	instances    *instance.Store
	commands     *command.Store
	pools        *pool.Store
	staging      *pricing.StagingStore
	replicas     *replica.Store
	switches     *switchlog.Store
	orchestrator *emergency.Orchestrator
	bus          *eventbus.Bus
	auditWriter  *audit.Writer
	dbpool       *pgxpool.Pool
	logger       *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(clients *client.Store, agents *agentrec.Store, instances *instance.Store, commands *command.Store,
	pools *pool.Store, staging *pricing.StagingStore, replicas *replica.Store, switches *switchlog.Store,
	orchestrator *emergency.Orchestrator, bus *eventbus.Bus, auditWriter *audit.Writer, dbpool *pgxpool.Pool, logger *slog.Logger) *Handler {
	return &Handler{
		clients: clients, agents: agents, instances: instances, commands: commands, pools: pools,
		staging: staging, replicas: replicas, switches: switches, orchestrator: orchestrator,
		bus: bus, auditWriter: auditWriter, dbpool: dbpool, logger: logger,
	}
}

// Routes mounts the agent-facing contract. The same contract is preserved
// bit-for-bit across versions; endpoints are never renamed or removed,
// only added to.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/register", h.handleRegister)
	r.Post("/{agentId}/heartbeat", h.handleHeartbeat)
	r.Post("/{agentId}/pricing-report", h.handlePricingReport)
	r.Get("/{agentId}/pending-commands", h.handlePendingCommands)
	r.Post("/{agentId}/commands/{commandId}/executed", h.handleCommandExecuted)
	r.Post("/{agentId}/switch-report", h.handleSwitchReport)
	r.Post("/{agentId}/rebalance-notice", h.handleRebalanceNotice)
	r.Post("/{agentId}/termination-notice", h.handleTerminationNotice)
	r.Get("/{agentId}/replicas", h.handleListReplicas)
	r.Put("/{agentId}/replicas/{replicaId}", h.handleBindReplica)
	r.Post("/{agentId}/replicas/{replicaId}/status", h.handleReplicaStatus)
	r.Post("/{agentId}/termination-report", h.handleTerminationReport)
	return r
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, name))
}

// agentForRequest loads the path agent and checks it belongs to the
// caller's tenant, unless the caller is an admin.
func (h *Handler) agentForRequest(r *http.Request) (agentrec.Agent, bool) {
	id, err := pathUUID(r, "agentId")
	if err != nil {
		return agentrec.Agent{}, false
	}
	a, err := h.agents.Get(r.Context(), id)
	if err != nil {
		return agentrec.Agent{}, false
	}
	ident := httpserver.FromContext(r.Context())
	if ident != nil && ident.Role == httpserver.RoleClient && ident.ClientID != a.ClientID {
		return agentrec.Agent{}, false
	}
	return a, true
}

func respondDomainError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case ctlerr.Is(err, ctlerr.DuplicateRequest):
		httpserver.RespondError(w, http.StatusConflict, "duplicate_request", err.Error())
	case ctlerr.Is(err, ctlerr.IdempotentReplay):
		httpserver.RespondError(w, http.StatusOK, "idempotent_replay", err.Error())
	case ctlerr.Is(err, ctlerr.OptimisticConflict):
		httpserver.RespondError(w, http.StatusConflict, "optimistic_conflict", err.Error())
	case ctlerr.Is(err, ctlerr.InvariantViolation):
		httpserver.RespondError(w, http.StatusUnprocessableEntity, "invariant_violation", err.Error())
	case ctlerr.Is(err, ctlerr.NotFound):
		httpserver.RespondError(w, http.StatusNotFound, "not_found", err.Error())
	case ctlerr.Is(err, ctlerr.DeadlineExceeded):
		httpserver.RespondError(w, http.StatusGatewayTimeout, "deadline_exceeded", err.Error())
	case ctlerr.Is(err, ctlerr.ExternalUnavailable):
		httpserver.RespondError(w, http.StatusBadGateway, "external_unavailable", err.Error())
	default:
		logger.Error("unhandled agent api error", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

type registerRequest struct {
	LogicalAgentID string `json:"logicalAgentId" validate:"required"`
	InstanceID     string `json:"instanceId" validate:"required"`
	InstanceType   string `json:"instanceType" validate:"required"`
	Region         string `json:"region" validate:"required"`
	AZ             string `json:"az" validate:"required"`
	AMIID          string `json:"amiId"`
	Mode           string `json:"mode" validate:"required,oneof=unknown ondemand spot"`
	Hostname       string `json:"hostname"`
	PrivateIP      string `json:"privateIp"`
	PublicIP       string `json:"publicIp"`
	AgentVersion   string `json:"agentVersion"`
}

type registerResponse struct {
	ID     uuid.UUID     `json:"id"`
	Policy policyPayload `json:"policy"`
}

type policyPayload struct {
	AutoSwitchEnabled    bool `json:"autoSwitchEnabled"`
	ManualReplicaEnabled bool `json:"manualReplicaEnabled"`
	AutoTerminate        bool `json:"autoTerminate"`
	TerminateWaitSeconds int  `json:"terminateWaitSeconds"`
}

func toPolicyPayload(p agentrec.Policy) policyPayload {
	return policyPayload{
		AutoSwitchEnabled:    p.AutoSwitchEnabled,
		ManualReplicaEnabled: p.ManualReplicaEnabled,
		AutoTerminate:        p.AutoTerminate,
		TerminateWaitSeconds: p.TerminateWaitSeconds,
	}
}

// handleRegister creates the agent if (clientId, logicalAgentId) is new,
// or reconciles instance context if it already exists, then confirms the
// reported instance straight to runningPrimary when nothing else holds
// the primary slot for this agent.
func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	ctx := r.Context()

	ident := httpserver.FromContext(ctx)
	if ident == nil || ident.Role != httpserver.RoleClient {
		httpserver.RespondError(w, http.StatusForbidden, "forbidden", "client token required")
		return
	}

	cl, err := h.clients.Get(ctx, ident.ClientID)
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}

	p, err := h.pools.GetOrCreate(ctx, req.InstanceType, req.Region, req.AZ)
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}

	a, created, err := h.agents.Register(ctx, agentrec.RegisterParams{
		ClientID: ident.ClientID, LogicalID: req.LogicalAgentID, InstanceID: req.InstanceID,
		InstanceType: req.InstanceType, Region: req.Region, AZ: req.AZ, Mode: agentrec.Mode(req.Mode),
	}, cl.DefaultPolicy)
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}

	if created {
		inst, err := h.instances.Launch(ctx, instance.LaunchParams{
			ID: req.InstanceID, AgentID: a.ID, Type: req.InstanceType, Region: req.Region, AZ: req.AZ,
		})
		if err != nil {
			respondDomainError(w, h.logger, err)
			return
		}
		if _, err := h.instances.ConfirmAsPrimary(ctx, inst.ID); err != nil {
			respondDomainError(w, h.logger, err)
			return
		}
		if _, err := h.agents.ReconcileInstanceContext(ctx, a.ID, inst.ID, p.ID, a.Mode); err != nil {
			h.logger.Error("reconciling new agent pool context", "agent_id", a.ID, "error", err)
		}
		h.auditWriter.Log(audit.Entry{ClientID: ident.ClientID, Severity: audit.SeverityInfo, Type: "AGENT_REGISTERED", Message: fmt.Sprintf("agent %s registered", req.LogicalAgentID), ResourceID: a.ID})
	}

	h.publish(ctx, ident.ClientID, "agent.registered", map[string]any{"agentId": a.ID, "logicalAgentId": a.LogicalID})
	httpserver.Respond(w, http.StatusOK, registerResponse{ID: a.ID, Policy: toPolicyPayload(a.Policy)})
}

type heartbeatRequest struct {
	Status       string  `json:"status" validate:"required,oneof=offline online error"`
	InstanceID   *string `json:"instanceId"`
	InstanceType *string `json:"instanceType"`
	Mode         *string `json:"mode"`
	AZ           *string `json:"az"`
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	a, ok := h.agentForRequest(r)
	if !ok {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "agent not found")
		return
	}
	var req heartbeatRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	var modeArg *agentrec.Mode
	if req.Mode != nil {
		m := agentrec.Mode(*req.Mode)
		modeArg = &m
	}

	updated, err := h.agents.Heartbeat(r.Context(), a.ID, agentrec.HeartbeatParams{
		Status: agentrec.Status(req.Status), InstanceID: req.InstanceID, Mode: modeArg, AZ: req.AZ,
	})
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"id": updated.ID, "lastHeartbeat": updated.LastHeartbeat})
}

type pricingReportRequest struct {
	Pools         []poolPriceRequest `json:"pools" validate:"required,min=1,dive"`
	OnDemandPrice float64            `json:"onDemandPrice" validate:"required,gt=0"`
	ObservedAt    *time.Time         `json:"observedAt"`
}

type poolPriceRequest struct {
	ID    uuid.UUID `json:"id" validate:"required"`
	Price float64   `json:"price" validate:"required,gt=0"`
}

func (h *Handler) handlePricingReport(w http.ResponseWriter, r *http.Request) {
	a, ok := h.agentForRequest(r)
	if !ok {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "agent not found")
		return
	}
	var req pricingReportRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	ctx := r.Context()

	observedAt := time.Now()
	if req.ObservedAt != nil {
		observedAt = *req.ObservedAt
	}

	sourceRole := "primary"
	if a.CurrentInstanceID != nil {
		if inst, err := h.instances.Get(ctx, *a.CurrentInstanceID); err == nil && inst.Role == instance.RoleRunningReplica {
			sourceRole = "replica"
		}
	}
	sourceInstanceID := ""
	if a.CurrentInstanceID != nil {
		sourceInstanceID = *a.CurrentInstanceID
	}

	for _, p := range req.Pools {
		if err := h.staging.Insert(ctx, p.ID, p.Price, observedAt, sourceInstanceID, sourceRole); err != nil {
			respondDomainError(w, h.logger, err)
			return
		}
	}
	httpserver.Respond(w, http.StatusAccepted, map[string]any{"accepted": len(req.Pools)})
}

func (h *Handler) handlePendingCommands(w http.ResponseWriter, r *http.Request) {
	a, ok := h.agentForRequest(r)
	if !ok {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "agent not found")
		return
	}
	cmds, err := h.commands.TakeForAgent(r.Context(), a.ID)
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"commands": cmds})
}

type commandExecutedRequest struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (h *Handler) handleCommandExecuted(w http.ResponseWriter, r *http.Request) {
	a, ok := h.agentForRequest(r)
	if !ok {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "agent not found")
		return
	}
	cmdID, err := pathUUID(r, "commandId")
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid command id")
		return
	}
	var req commandExecutedRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	ctx := r.Context()

	cmd, err := h.commands.Get(ctx, cmdID)
	if err != nil || cmd.AgentID != a.ID {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "command not found")
		return
	}

	postState, _ := json.Marshal(req)
	updated, err := h.commands.MarkExecuted(ctx, cmdID, command.ExecutionReport{Success: req.Success, Message: req.Message}, postState)
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}

	h.publish(ctx, a.ClientID, "command.completed", map[string]any{"commandId": updated.ID, "status": updated.Status})
	httpserver.Respond(w, http.StatusOK, map[string]any{"id": updated.ID, "status": updated.Status})
}

type switchReportRequest struct {
	CommandID   uuid.UUID         `json:"commandId" validate:"required"`
	OldInstance string            `json:"oldInstance" validate:"required"`
	NewInstance string            `json:"newInstance" validate:"required"`
	Timing      switchTimingFields `json:"timing" validate:"required"`
	Pricing     switchPricingFields `json:"pricing" validate:"required"`
	Trigger     string            `json:"trigger" validate:"required,oneof=manual ml emergency scheduled"`
}

type switchTimingFields struct {
	InitiatedAt        time.Time  `json:"initiatedAt" validate:"required"`
	AMICreatedAt       *time.Time `json:"amiCreatedAt"`
	InstanceLaunchedAt *time.Time `json:"instanceLaunchedAt"`
	InstanceReadyAt    *time.Time `json:"instanceReadyAt"`
	OldTerminatedAt    *time.Time `json:"oldTerminatedAt"`
}

type switchPricingFields struct {
	OnDemand float64 `json:"onDemand"`
	OldSpot  float64 `json:"oldSpot"`
	NewSpot  float64 `json:"newSpot"`
}

// handleSwitchReport applies the result of a completed switch or failover
// that the agent carried out. The key rule: absence of
// timing.oldTerminatedAt means the prior instance lands in ZOMBIE, never
// TERMINATED, regardless of the agent's autoTerminate policy.
func (h *Handler) handleSwitchReport(w http.ResponseWriter, r *http.Request) {
	a, ok := h.agentForRequest(r)
	if !ok {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "agent not found")
		return
	}
	var req switchReportRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	ctx := r.Context()

	cmd, err := h.commands.Get(ctx, req.CommandID)
	if err != nil || cmd.AgentID != a.ID {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "command not found")
		return
	}

	reportedMode := agentrec.ModeSpot
	if req.Pricing.NewSpot == 0 {
		reportedMode = agentrec.ModeOndemand
	}

	expectedOld := ""
	if a.CurrentInstanceID != nil {
		expectedOld = *a.CurrentInstanceID
	}
	if err := command.ValidateSwitchReport(cmd, command.SwitchReportFields{
		CommandID: req.CommandID, RequestID: cmd.RequestID, OldInstance: req.OldInstance, NewInstance: req.NewInstance,
		OldMode: string(a.Mode), NewMode: string(reportedMode),
	}, expectedOld, ""); err != nil {
		respondDomainError(w, h.logger, err)
		return
	}

	oldInst, err := h.instances.Get(ctx, req.OldInstance)
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}

	newInst, err := h.instances.Get(ctx, req.NewInstance)
	if err != nil {
		newInst, err = h.instances.Launch(ctx, instance.LaunchParams{
			ID: req.NewInstance, AgentID: a.ID, Type: oldInst.Type, Region: a.Region, AZ: a.AZ,
		})
		if err != nil {
			respondDomainError(w, h.logger, err)
			return
		}
	}

	promoted, err := instance.PromoteToPrimary(ctx, h.dbpool, a.ID, newInst.ID, newInst.Version)
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}

	// The demote step inside PromoteToPrimary always leaves the old
	// primary ZOMBIE; upgrade to TERMINATED only when the agent reports a
	// concrete termination timestamp.
	if req.Timing.OldTerminatedAt != nil {
		refreshed, err := h.instances.Get(ctx, oldInst.ID)
		if err == nil {
			if _, err := h.instances.MarkTerminated(ctx, refreshed.ID, refreshed.Version, *req.Timing.OldTerminatedAt); err != nil {
				h.logger.Warn("marking switched-out instance terminated", "instance_id", refreshed.ID, "error", err)
			}
		}
	}

	var downtimeMillis int64
	if req.Timing.InstanceReadyAt != nil {
		downtimeMillis = req.Timing.InstanceReadyAt.Sub(req.Timing.InitiatedAt).Milliseconds()
	}

	if _, err := h.switches.Record(ctx, switchlog.Switch{
		AgentID: a.ID, RequestID: cmd.RequestID, OldInstanceID: req.OldInstance, NewInstanceID: req.NewInstance,
		OldMode: string(a.Mode), NewMode: string(reportedMode), OldPrice: req.Pricing.OldSpot, NewPrice: req.Pricing.NewSpot,
		Trigger: req.Trigger, DowntimeMillis: downtimeMillis,
	}); err != nil {
		h.logger.Error("recording switch", "agent_id", a.ID, "error", err)
	}

	poolID := uuid.Nil
	if cmd.TargetPoolID != nil {
		poolID = *cmd.TargetPoolID
	} else if a.CurrentPoolID != nil {
		poolID = *a.CurrentPoolID
	}
	if _, err := h.agents.ReconcileInstanceContext(ctx, a.ID, promoted.ID, poolID, reportedMode); err != nil {
		h.logger.Error("reconciling agent instance context after switch", "agent_id", a.ID, "error", err)
	}

	h.publish(ctx, a.ClientID, "instance.switched", map[string]any{"agentId": a.ID, "oldInstance": req.OldInstance, "newInstance": promoted.ID})
	httpserver.Respond(w, http.StatusOK, map[string]any{"newInstanceId": promoted.ID, "role": promoted.Role})
}

type noticeRequest struct {
	NoticeTime *time.Time `json:"noticeTime"`
}

func (h *Handler) handleRebalanceNotice(w http.ResponseWriter, r *http.Request) {
	a, ok := h.agentForRequest(r)
	if !ok {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "agent not found")
		return
	}
	var req noticeRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	noticeTime := time.Now()
	if req.NoticeTime != nil {
		noticeTime = *req.NoticeTime
	}
	if err := h.orchestrator.HandleRebalanceNotice(r.Context(), a.ID, noticeTime); err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	h.publish(r.Context(), a.ClientID, "agent.rebalance_notice", map[string]any{"agentId": a.ID})
	httpserver.Respond(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (h *Handler) handleTerminationNotice(w http.ResponseWriter, r *http.Request) {
	a, ok := h.agentForRequest(r)
	if !ok {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "agent not found")
		return
	}
	var req struct {
		TerminationTime *time.Time `json:"terminationTime"`
	}
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	noticeTime := time.Now()
	if req.TerminationTime != nil {
		noticeTime = *req.TerminationTime
	}
	if err := h.orchestrator.HandleTerminationNotice(r.Context(), a.ID, noticeTime); err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	h.publish(r.Context(), a.ClientID, "agent.termination_notice", map[string]any{"agentId": a.ID})
	httpserver.Respond(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (h *Handler) handleListReplicas(w http.ResponseWriter, r *http.Request) {
	a, ok := h.agentForRequest(r)
	if !ok {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "agent not found")
		return
	}
	var statusPtr *replica.Status
	if s := r.URL.Query().Get("status"); s != "" {
		st := replica.Status(s)
		statusPtr = &st
	}
	list, err := h.replicas.ListForAgent(r.Context(), a.ID, statusPtr)
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"replicas": list})
}

type bindReplicaRequest struct {
	InstanceID string `json:"instanceId" validate:"required"`
}

func (h *Handler) handleBindReplica(w http.ResponseWriter, r *http.Request) {
	a, ok := h.agentForRequest(r)
	if !ok {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "agent not found")
		return
	}
	replicaID, err := pathUUID(r, "replicaId")
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid replica id")
		return
	}
	var req bindReplicaRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	ctx := r.Context()

	rep, err := h.replicas.Get(ctx, replicaID)
	if err != nil || rep.AgentID != a.ID {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "replica not found")
		return
	}
	if _, err := h.instances.Launch(ctx, instance.LaunchParams{ID: req.InstanceID, AgentID: a.ID, Region: a.Region, AZ: a.AZ}); err != nil {
		h.logger.Warn("launching replica instance row", "instance_id", req.InstanceID, "error", err)
	}
	updated, err := h.replicas.BindInstance(ctx, replicaID, req.InstanceID)
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, updated)
}

type replicaStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=launching syncing ready promoted terminated"`
}

func (h *Handler) handleReplicaStatus(w http.ResponseWriter, r *http.Request) {
	a, ok := h.agentForRequest(r)
	if !ok {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "agent not found")
		return
	}
	replicaID, err := pathUUID(r, "replicaId")
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid replica id")
		return
	}
	var req replicaStatusRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	ctx := r.Context()

	rep, err := h.replicas.Get(ctx, replicaID)
	if err != nil || rep.AgentID != a.ID {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "replica not found")
		return
	}
	if rep.InstanceID != nil {
		if _, err := h.instances.ConfirmAsReplica(ctx, *rep.InstanceID); err != nil {
			h.logger.Warn("confirming replica instance", "instance_id", *rep.InstanceID, "error", err)
		}
	}
	updated, err := h.replicas.UpdateStatus(ctx, replicaID, replica.Status(req.Status))
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}

	if updated.Status == replica.StatusReady {
		if err := h.orchestrator.ContinuePromotion(ctx, a.ID); err != nil {
			h.logger.Error("continuing promotion after replica ready", "agent_id", a.ID, "error", err)
		}
	}

	httpserver.Respond(w, http.StatusOK, updated)
}

type terminationReportRequest struct {
	InstanceID string `json:"instanceId" validate:"required"`
}

func (h *Handler) handleTerminationReport(w http.ResponseWriter, r *http.Request) {
	a, ok := h.agentForRequest(r)
	if !ok {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "agent not found")
		return
	}
	var req terminationReportRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	ctx := r.Context()

	inst, err := h.instances.Get(ctx, req.InstanceID)
	if err != nil || inst.AgentID != a.ID {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "instance not found")
		return
	}
	updated, err := h.instances.MarkTerminated(ctx, inst.ID, inst.Version, time.Now())
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	h.publish(ctx, a.ClientID, "instance.terminated", map[string]any{"instanceId": updated.ID})
	httpserver.Respond(w, http.StatusOK, map[string]any{"id": updated.ID, "role": updated.Role})
}

// publish nudges SSE subscribers for clientID. Failures only get logged:
// the durable event row (if any) already landed through the domain write
// this follows, and delivery is at-least-once via the keep-alive poll.
func (h *Handler) publish(ctx context.Context, clientID uuid.UUID, eventType string, payload map[string]any) {
	body, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("marshaling sse payload", "event_type", eventType, "error", err)
		return
	}
	if err := h.bus.Publish(ctx, clientID, eventType, body); err != nil {
		h.logger.Warn("publishing sse event", "event_type", eventType, "client_id", clientID, "error", err)
	}
}
