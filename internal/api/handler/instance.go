package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/controlplane/internal/api/request"
	"github.com/edvin/controlplane/internal/api/response"
	"github.com/edvin/controlplane/internal/core"
)

type Instance struct {
	svc *core.InstanceService
}

func NewInstance(svc *core.InstanceService) *Instance {
	return &Instance{svc: svc}
}

// Create registers a new instance. It returns 202: the instance exists but
// nothing is provisioned until billing confirms the subscription.
func (h *Instance) Create(w http.ResponseWriter, r *http.Request) {
	var req request.CreateInstance
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	in, err := h.svc.Create(r.Context(), core.CreateInstanceParams{
		TenantID:       req.TenantID,
		Name:           req.Name,
		Tier:           req.Tier,
		SubscriptionID: req.SubscriptionID,
		TrialEligible:  req.TrialEligible,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusAccepted, in)
}

func (h *Instance) List(w http.ResponseWriter, r *http.Request) {
	params := request.ParseListParams(r)

	instances, hasMore, err := h.svc.List(r.Context(), params)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	var nextCursor string
	if hasMore && len(instances) > 0 {
		nextCursor = instances[len(instances)-1].ID
	}
	response.WritePaginated(w, http.StatusOK, instances, nextCursor, hasMore)
}

func (h *Instance) Get(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	in, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, in)
}

// Events returns the instance's append-only provisioning log.
func (h *Instance) Events(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := h.svc.ListEvents(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, events)
}

func (h *Instance) Start(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.svc.Start)
}

func (h *Instance) Stop(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.svc.Stop)
}

func (h *Instance) Terminate(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.svc.Terminate)
}

// Reprovision re-enters the provisioning pipeline for a failed instance.
func (h *Instance) Reprovision(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.svc.Reprovision)
}

func (h *Instance) Migrate(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req request.MigrateInstance
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.svc.Migrate(r.Context(), id, req.TargetRole); err != nil {
		writeServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "migrating"})
}

// action runs a lifecycle operation addressed by the {id} URL parameter.
func (h *Instance) action(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) error) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := fn(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
