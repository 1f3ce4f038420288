// Package adminapi implements the operator-facing HTTP contract: client
// provisioning, fleet visibility, manual command issuance, and the
// streaming event feed.
package adminapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/fleetctl/internal/ctlerr"
	"github.com/wisbric/fleetctl/internal/httpserver"
	"github.com/wisbric/fleetctl/pkg/agentrec"
	"github.com/wisbric/fleetctl/pkg/client"
	"github.com/wisbric/fleetctl/pkg/command"
	"github.com/wisbric/fleetctl/pkg/eventbus"
	"github.com/wisbric/fleetctl/pkg/pricing"
	"github.com/wisbric/fleetctl/pkg/switchlog"
)

// Handler composes the stores the operator-facing contract reads and
// writes across. Unlike agentapi, most of these endpoints touch exactly
// one store; they are bundled here because they share the admin-only
// auth boundary and route prefix rather than any domain coupling.
type Handler struct {
	clients  *client.Store
	agents   *agentrec.Store
	commands *command.Store
	switches *switchlog.Store
	jobs     *pricing.JobStore
	bus      *eventbus.Bus
	logger   *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(clients *client.Store, agents *agentrec.Store, commands *command.Store,
	switches *switchlog.Store, jobs *pricing.JobStore, bus *eventbus.Bus, logger *slog.Logger) *Handler {
	return &Handler{clients: clients, agents: agents, commands: commands, switches: switches, jobs: jobs, bus: bus, logger: logger}
}

// Routes mounts the operator-facing contract.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/clients", h.handleCreateClient)
	r.Get("/clients/{clientId}", h.handleGetClient)
	r.Get("/clients/{clientId}/agents", h.handleListAgents)
	r.Post("/agents/{agentId}/clear-error", h.handleClearError)
	r.Put("/agents/{agentId}/policy", h.handleUpdatePolicy)
	r.Get("/agents/{agentId}/commands", h.handleListCommands)
	r.Post("/agents/{agentId}/commands", h.handleEnqueueCommand)
	r.Get("/agents/{agentId}/switches", h.handleListSwitches)
	r.Get("/pricing/jobs", h.handleListJobs)
	r.Get("/clients/{clientId}/events", h.handleStreamEvents)
	return r
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, name))
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case ctlerr.Is(err, ctlerr.NotFound):
		httpserver.RespondError(w, http.StatusNotFound, "not_found", err.Error())
	case ctlerr.Is(err, ctlerr.InvariantViolation):
		httpserver.RespondError(w, http.StatusUnprocessableEntity, "invariant_violation", err.Error())
	case ctlerr.Is(err, ctlerr.DuplicateRequest):
		httpserver.RespondError(w, http.StatusConflict, "duplicate_request", err.Error())
	case ctlerr.Is(err, ctlerr.IdempotentReplay):
		httpserver.RespondError(w, http.StatusOK, "idempotent_replay", err.Error())
	case ctlerr.Is(err, ctlerr.OptimisticConflict):
		httpserver.RespondError(w, http.StatusConflict, "optimistic_conflict", err.Error())
	default:
		h.logger.Error("unhandled admin api error", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

type createClientRequest struct {
	Name          string  `json:"name" validate:"required"`
	Plan          string  `json:"plan" validate:"required,oneof=free standard enterprise"`
	MaxAgents     int     `json:"maxAgents" validate:"required,gt=0"`
	DefaultPolicy policyRequest `json:"defaultPolicy" validate:"required"`
}

type policyRequest struct {
	AutoSwitchEnabled    bool `json:"autoSwitchEnabled"`
	ManualReplicaEnabled bool `json:"manualReplicaEnabled"`
	AutoTerminate        bool `json:"autoTerminate"`
	TerminateWaitSeconds int  `json:"terminateWaitSeconds" validate:"gte=0"`
}

func toPolicy(p policyRequest) agentrec.Policy {
	return agentrec.Policy{
		AutoSwitchEnabled:    p.AutoSwitchEnabled,
		ManualReplicaEnabled: p.ManualReplicaEnabled,
		AutoTerminate:        p.AutoTerminate,
		TerminateWaitSeconds: p.TerminateWaitSeconds,
	}
}

type createClientResponse struct {
	ID       uuid.UUID `json:"id"`
	AuthToken string   `json:"authToken"`
}

// handleCreateClient provisions a tenant and returns its bearer token.
// The token is shown exactly once; only its hash is ever persisted.
func (h *Handler) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	var req createClientRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	c, token, err := h.clients.Create(r.Context(), client.CreateParams{
		Name: req.Name, Plan: client.Plan(req.Plan),
		Limits: client.Limits{MaxAgents: req.MaxAgents}, DefaultPolicy: toPolicy(req.DefaultPolicy),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusCreated, createClientResponse{ID: c.ID, AuthToken: token})
}

func (h *Handler) handleGetClient(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "clientId")
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid client id")
		return
	}
	c, err := h.clients.Get(r.Context(), id)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "client not found")
		return
	}
	httpserver.Respond(w, http.StatusOK, c)
}

func (h *Handler) handleListAgents(w http.ResponseWriter, r *http.Request) {
	clientID, err := pathUUID(r, "clientId")
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid client id")
		return
	}
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	agents, total, err := h.agents.List(r.Context(), clientID, params.PageSize, params.Offset)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(agents, params, total))
}

func (h *Handler) handleClearError(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathUUID(r, "agentId")
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid agent id")
		return
	}
	a, err := h.agents.ClearError(r.Context(), agentID)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "agent not found")
		return
	}
	httpserver.Respond(w, http.StatusOK, a)
}

func (h *Handler) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathUUID(r, "agentId")
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid agent id")
		return
	}
	var req policyRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	a, err := h.agents.UpdatePolicy(r.Context(), agentID, toPolicy(req))
	if err != nil {
		httpserver.RespondError(w, http.StatusUnprocessableEntity, "invariant_violation", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, a)
}

func (h *Handler) handleListCommands(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathUUID(r, "agentId")
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid agent id")
		return
	}
	cmds, err := h.commands.TakeForAgent(r.Context(), agentID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"commands": cmds})
}

type enqueueCommandRequest struct {
	RequestID         string  `json:"requestId" validate:"required"`
	Type              string  `json:"type" validate:"required,oneof=switch launchInstance terminateInstance promoteReplica applyConfig selfDestruct"`
	TargetMode        string  `json:"targetMode"`
	TargetPoolID      *uuid.UUID `json:"targetPoolId"`
	TerminateWaitSecs int     `json:"terminateWaitSeconds" validate:"gte=0"`
}

// handleEnqueueCommand lets an operator issue a manual command, e.g.
// forcing a switch or a replica promotion outside the ML/emergency paths.
func (h *Handler) handleEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathUUID(r, "agentId")
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid agent id")
		return
	}
	var req enqueueCommandRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	cmd, err := h.commands.Enqueue(r.Context(), command.EnqueueParams{
		AgentID: agentID, RequestID: req.RequestID, Type: command.Type(req.Type),
		TargetMode: req.TargetMode, TargetPoolID: req.TargetPoolID,
		Priority: command.PriorityManual, TerminateWaitSecs: req.TerminateWaitSecs,
		Trigger: command.TriggerManual,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusAccepted, cmd)
}

func (h *Handler) handleListSwitches(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathUUID(r, "agentId")
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid agent id")
		return
	}
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	list, total, err := h.switches.ListForAgent(r.Context(), agentID, params.PageSize, params.Offset)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(list, params, total))
}

func (h *Handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	jobs, total, err := h.jobs.List(r.Context(), params.PageSize, params.Offset)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(jobs, params, total))
}

// handleStreamEvents serves the admin-facing SSE feed for a single client.
func (h *Handler) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	clientID, err := pathUUID(r, "clientId")
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid client id")
		return
	}
	h.bus.ServeHTTP(w, r, clientID)
}
