package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/agentforge-dev/agentforge/flow"
	"github.com/agentforge-dev/agentforge/flow/store"
)

// adminServer exposes the project/flow submission surface spec.md §1 calls
// external glue but which a runnable daemon still needs: somewhere to POST
// a Flow and ask for its status. Grounded on the orchestrator reference
// example's /v1/workflows + /v1/run admin routes, rebuilt on chi + cors to
// match this repo's own hooks/events servers rather than net/http.ServeMux.
type adminServer struct {
	manager *flowManager
	st      store.Store
}

func newAdminServer(manager *flowManager, st store.Store) *adminServer {
	return &adminServer{manager: manager, st: st}
}

type submitFlowRequest struct {
	ProjectID string    `json:"project_id"`
	Flow      flow.Flow `json:"flow"`
}

func (a *adminServer) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
	}))

	mux.Get("/healthz", a.handleHealthz)
	mux.Post("/projects", a.handleCreateProject)
	mux.Post("/flows", a.handleSubmitFlow)
	mux.Get("/flows/{flow_id}", a.handleFlowStatus)

	return mux
}

func (a *adminServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type createProjectRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (a *adminServer) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var body createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ID == "" || body.Name == "" {
		http.Error(w, "id and name are required", http.StatusBadRequest)
		return
	}
	if a.st == nil {
		http.Error(w, "audit store not configured", http.StatusServiceUnavailable)
		return
	}
	err := a.st.CreateProject(r.Context(), store.Project{
		ID:        body.ID,
		Name:      body.Name,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (a *adminServer) handleSubmitFlow(w http.ResponseWriter, r *http.Request) {
	var body submitFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if err := a.manager.Submit(r.Context(), body.ProjectID, &body.Flow); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"flow_id": body.Flow.FlowID, "status": "accepted"})
}

func (a *adminServer) handleFlowStatus(w http.ResponseWriter, r *http.Request) {
	flowID := chi.URLParam(r, "flow_id")
	if rf, ok := a.manager.get(flowID); ok {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rf.ex.GetState())
		return
	}
	http.NotFound(w, r)
}

func marshalFlow(f *flow.Flow) ([]byte, error) {
	return json.Marshal(f)
}

func marshalAny(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
