package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/controlplane/internal/api/request"
	"github.com/edvin/controlplane/internal/api/response"
	"github.com/edvin/controlplane/internal/core"
)

type DbServer struct {
	svc                    *core.DbServerService
	healthFailureThreshold int
	poolMaxInstances       int
}

func NewDbServer(svc *core.DbServerService, healthFailureThreshold, poolMaxInstances int) *DbServer {
	return &DbServer{svc: svc, healthFailureThreshold: healthFailureThreshold, poolMaxInstances: poolMaxInstances}
}

// List returns every registered database server with utilization, fullest
// first.
func (h *DbServer) List(w http.ResponseWriter, r *http.Request) {
	servers, err := h.svc.List(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, servers)
}

func (h *DbServer) Get(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	server, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, server)
}

// Register adds an externally managed database server to the pool.
func (h *DbServer) Register(w http.ResponseWriter, r *http.Request) {
	var req request.RegisterDbServer
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	server, err := h.svc.Register(r.Context(), core.RegisterParams{
		Name:         req.Name,
		Role:         req.Role,
		MaxInstances: req.MaxInstances,
		Host:         req.Host,
		Port:         req.Port,
		AdminDSN:     req.AdminDSN,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusCreated, server)
}

// GrowPool provisions one more shared pool server on demand.
func (h *DbServer) GrowPool(w http.ResponseWriter, r *http.Request) {
	var req request.GrowPool
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	maxInstances := req.MaxInstances
	if maxInstances == 0 {
		maxInstances = h.poolMaxInstances
	}
	if err := h.svc.GrowPool(r.Context(), maxInstances); err != nil {
		writeServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "provisioning"})
}

// HealthCheck triggers the health sweep outside its cron schedule.
func (h *DbServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.TriggerHealthCheck(r.Context(), h.healthFailureThreshold); err != nil {
		writeServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "checking"})
}
