package httpapi

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/patrick-hofmann/koompl/internal/flow"
	"github.com/patrick-hofmann/koompl/internal/store"
)

// FlowsHandler is the read/terminate admin surface over flows.
type FlowsHandler struct {
	flows  store.FlowStore
	engine *flow.Engine
}

func NewFlowsHandler(flows store.FlowStore, engine *flow.Engine) *FlowsHandler {
	return &FlowsHandler{flows: flows, engine: engine}
}

func (h *FlowsHandler) RegisterRoutes(mux *http.ServeMux, auth func(http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("GET /v1/flows", auth(h.handleList))
	mux.HandleFunc("GET /v1/flows/{id}", auth(h.handleGet))
	mux.HandleFunc("DELETE /v1/flows/{id}", auth(h.handleTerminate))
	mux.HandleFunc("GET /v1/agents/{id}/flows", auth(h.handleListByAgent))
}

func (h *FlowsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	status := store.FlowStatus(r.URL.Query().Get("status"))
	flows, err := h.flows.List(r.Context(), status)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"flows": flows, "count": len(flows)})
}

func (h *FlowsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	f, err := h.flows.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "flow not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *FlowsHandler) handleListByAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	status := store.FlowStatus(r.URL.Query().Get("status"))
	flows, err := h.flows.ListByAgent(r.Context(), id, status)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"flows": flows, "count": len(flows)})
}

func (h *FlowsHandler) handleTerminate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	err := h.engine.Terminate(r.Context(), id, "terminated by operator")
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "flow not found"})
	case errors.Is(err, flow.ErrPreconditionFailed):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, flow.ErrFlowBusy):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "flow is busy, retry"})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "status": store.FlowFailed})
	}
}

func pathUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}
