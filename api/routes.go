package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"approval-engine/workflow"

	"github.com/gorilla/mux"
)

// companyHeader carries the tenant on every request.
const companyHeader = "X-Company-Id"

// Server wires the workflow engine and definition catalog to HTTP.
type Server struct {
	engine      *workflow.Engine
	definitions *workflow.DefinitionService
}

// NewServer returns a Server over the given engine and catalog.
func NewServer(engine *workflow.Engine, definitions *workflow.DefinitionService) *Server {
	return &Server{engine: engine, definitions: definitions}
}

// ConfigureRoutes sets up all the HTTP API endpoints.
func (s *Server) ConfigureRoutes(r *mux.Router) {
	r.HandleFunc("/definitions", s.CreateDefinitionHandler).Methods("POST")
	r.HandleFunc("/definitions", s.ListDefinitionsHandler).Methods("GET")
	r.HandleFunc("/definitions/{definition_id}", s.GetDefinitionHandler).Methods("GET")
	r.HandleFunc("/definitions/{definition_id}", s.UpdateDefinitionHandler).Methods("PUT")
	r.HandleFunc("/definitions/{definition_id}", s.DeleteDefinitionHandler).Methods("DELETE")
	r.HandleFunc("/definitions/{definition_id}/versions", s.NewVersionHandler).Methods("POST")

	r.HandleFunc("/workflows/start", s.StartWorkflowHandler).Methods("POST")
	r.HandleFunc("/workflows/{instance_id}", s.GetInstanceHandler).Methods("GET")
	r.HandleFunc("/workflows/{instance_id}/actions", s.ProcessApprovalHandler).Methods("POST")
	r.HandleFunc("/workflows/{instance_id}/return", s.ReturnToNodeHandler).Methods("POST")
	r.HandleFunc("/workflows/{instance_id}/cancel", s.CancelWorkflowHandler).Methods("POST")
	r.HandleFunc("/workflows/{instance_id}/history", s.GetHistoryHandler).Methods("GET")
	r.HandleFunc("/workflows/{instance_id}/nodes/{node_id}/approvers", s.GetNodeApproversHandler).Methods("GET")

	// Basic landing page or instructions
	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<h1>Approval Engine</h1>
			<p>Available Routes (all require the <code>X-Company-Id</code> header):</p>
			<ul>
				<li><code>POST /definitions</code> - Create a workflow definition</li>
				<li><code>GET /definitions</code> - List workflow definitions</li>
				<li><code>GET /definitions/:definition_id</code> - Fetch a definition</li>
				<li><code>PUT /definitions/:definition_id</code> - Update a definition in place</li>
				<li><code>DELETE /definitions/:definition_id</code> - Soft-delete a definition</li>
				<li><code>POST /definitions/:definition_id/versions</code> - Publish a new major version</li>
				<li><code>POST /workflows/start</code> - Start a workflow instance</li>
				<li><code>GET /workflows/:instance_id</code> - Get instance state</li>
				<li><code>POST /workflows/:instance_id/actions</code> - Approve, reject or delegate</li>
				<li><code>POST /workflows/:instance_id/return</code> - Send the workflow back to an earlier node</li>
				<li><code>POST /workflows/:instance_id/cancel</code> - Cancel a running workflow</li>
				<li><code>GET /workflows/:instance_id/history</code> - Approval history ledger</li>
				<li><code>GET /workflows/:instance_id/nodes/:node_id/approvers</code> - Resolve a node's approvers</li>
			</ul>
		`)
	}).Methods("GET")
}

// CreateDefinitionHandler handles POST /definitions.
func (s *Server) CreateDefinitionHandler(w http.ResponseWriter, r *http.Request) {
	companyID, ok := tenant(w, r)
	if !ok {
		return
	}

	var def workflow.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		http.Error(w, fmt.Sprintf("Error decoding definition: %v", err), http.StatusBadRequest)
		return
	}
	def.CompanyID = companyID

	created, err := s.definitions.Create(r.Context(), &def)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(created)
	log.Printf("API: Created definition %s (%s) for company %s", created.ID, created.Name, companyID)
}

// ListDefinitionsHandler handles GET /definitions.
func (s *Server) ListDefinitionsHandler(w http.ResponseWriter, r *http.Request) {
	companyID, ok := tenant(w, r)
	if !ok {
		return
	}

	defs, err := s.definitions.List(r.Context(), companyID)
	if err != nil {
		writeError(w, err)
		return
	}
	if defs == nil {
		defs = []*workflow.Definition{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(defs)
}

// GetDefinitionHandler handles GET /definitions/:definition_id.
func (s *Server) GetDefinitionHandler(w http.ResponseWriter, r *http.Request) {
	companyID, ok := tenant(w, r)
	if !ok {
		return
	}
	definitionID := mux.Vars(r)["definition_id"]

	def, err := s.definitions.Get(r.Context(), companyID, definitionID)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(def)
}

// UpdateDefinitionHandler handles PUT /definitions/:definition_id.
func (s *Server) UpdateDefinitionHandler(w http.ResponseWriter, r *http.Request) {
	companyID, ok := tenant(w, r)
	if !ok {
		return
	}
	definitionID := mux.Vars(r)["definition_id"]

	var patch workflow.DefinitionPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, fmt.Sprintf("Error decoding definition patch: %v", err), http.StatusBadRequest)
		return
	}

	def, err := s.definitions.Update(r.Context(), companyID, definitionID, patch)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(def)
	log.Printf("API: Updated definition %s to version %d.%d", def.ID, def.Version.Major, def.Version.Minor)
}

// DeleteDefinitionHandler handles DELETE /definitions/:definition_id.
func (s *Server) DeleteDefinitionHandler(w http.ResponseWriter, r *http.Request) {
	companyID, ok := tenant(w, r)
	if !ok {
		return
	}
	definitionID := mux.Vars(r)["definition_id"]

	if err := s.definitions.SoftDelete(r.Context(), companyID, definitionID); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
	log.Printf("API: Soft-deleted definition %s for company %s", definitionID, companyID)
}

// NewVersionHandler handles POST /definitions/:definition_id/versions.
func (s *Server) NewVersionHandler(w http.ResponseWriter, r *http.Request) {
	companyID, ok := tenant(w, r)
	if !ok {
		return
	}
	definitionID := mux.Vars(r)["definition_id"]

	var graph workflow.Graph
	if err := json.NewDecoder(r.Body).Decode(&graph); err != nil {
		http.Error(w, fmt.Sprintf("Error decoding graph: %v", err), http.StatusBadRequest)
		return
	}

	def, err := s.definitions.NewVersion(r.Context(), companyID, definitionID, graph)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(def)
	log.Printf("API: Published definition %s as new version %d.%d (was %s)", def.ID, def.Version.Major, def.Version.Minor, definitionID)
}

// startRequest is the body of POST /workflows/start.
type startRequest struct {
	DefinitionID string         `json:"workflowDefinitionId"`
	DocumentID   string         `json:"documentId"`
	Variables    map[string]any `json:"variables"`
	StartedBy    string         `json:"startedBy"`
}

// StartWorkflowHandler handles POST /workflows/start.
func (s *Server) StartWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	companyID, ok := tenant(w, r)
	if !ok {
		return
	}

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Error decoding start request: %v", err), http.StatusBadRequest)
		return
	}
	if req.DefinitionID == "" {
		http.Error(w, "workflowDefinitionId is required", http.StatusBadRequest)
		return
	}

	inst, err := s.engine.StartWorkflow(r.Context(), companyID, req.DefinitionID, req.DocumentID, req.Variables, req.StartedBy)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(inst)
	log.Printf("API: Started workflow instance %s from definition %s", inst.ID, req.DefinitionID)
}

// GetInstanceHandler handles GET /workflows/:instance_id.
func (s *Server) GetInstanceHandler(w http.ResponseWriter, r *http.Request) {
	companyID, ok := tenant(w, r)
	if !ok {
		return
	}
	instanceID := mux.Vars(r)["instance_id"]

	inst, err := s.engine.GetInstance(r.Context(), companyID, instanceID)
	if err != nil {
		writeError(w, err)
		return
	}
	if inst == nil {
		http.Error(w, fmt.Sprintf("Workflow instance %s not found", instanceID), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(inst)
}

// actionRequest is the body of POST /workflows/:instance_id/actions.
type actionRequest struct {
	NodeID           string `json:"nodeId"`
	Action           string `json:"action"`
	ActorID          string `json:"approverId"`
	Comment          string `json:"comment"`
	DelegateToUserID string `json:"delegateToUserId"`
}

// ProcessApprovalHandler handles POST /workflows/:instance_id/actions.
func (s *Server) ProcessApprovalHandler(w http.ResponseWriter, r *http.Request) {
	companyID, ok := tenant(w, r)
	if !ok {
		return
	}
	instanceID := mux.Vars(r)["instance_id"]

	var body actionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("Error decoding action request: %v", err), http.StatusBadRequest)
		return
	}
	action, err := workflow.ParseAction(body.Action)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	inst, err := s.engine.ProcessApproval(r.Context(), companyID, workflow.ApprovalRequest{
		InstanceID:       instanceID,
		NodeID:           body.NodeID,
		Action:           action,
		ActorID:          body.ActorID,
		Comment:          body.Comment,
		DelegateToUserID: body.DelegateToUserID,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(inst)
	log.Printf("API: Processed %s by %s on instance %s (now at %s, status %s)",
		action, body.ActorID, instanceID, inst.CurrentNodeID, inst.Status)
}

// returnRequest is the body of POST /workflows/:instance_id/return.
type returnRequest struct {
	TargetNodeID string `json:"targetNodeId"`
	ActorID      string `json:"approverId"`
	Comment      string `json:"comment"`
}

// ReturnToNodeHandler handles POST /workflows/:instance_id/return.
func (s *Server) ReturnToNodeHandler(w http.ResponseWriter, r *http.Request) {
	companyID, ok := tenant(w, r)
	if !ok {
		return
	}
	instanceID := mux.Vars(r)["instance_id"]

	var body returnRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("Error decoding return request: %v", err), http.StatusBadRequest)
		return
	}

	inst, err := s.engine.ReturnToNode(r.Context(), companyID, instanceID, body.TargetNodeID, body.ActorID, body.Comment)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(inst)
	log.Printf("API: Returned instance %s to node %s", instanceID, body.TargetNodeID)
}

// cancelRequest is the body of POST /workflows/:instance_id/cancel.
type cancelRequest struct {
	ActorID string `json:"approverId"`
	Reason  string `json:"reason"`
}

// CancelWorkflowHandler handles POST /workflows/:instance_id/cancel.
func (s *Server) CancelWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	companyID, ok := tenant(w, r)
	if !ok {
		return
	}
	instanceID := mux.Vars(r)["instance_id"]

	var body cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("Error decoding cancel request: %v", err), http.StatusBadRequest)
		return
	}

	inst, err := s.engine.CancelWorkflow(r.Context(), companyID, instanceID, body.ActorID, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(inst)
	log.Printf("API: Cancelled instance %s", instanceID)
}

// GetHistoryHandler handles GET /workflows/:instance_id/history.
func (s *Server) GetHistoryHandler(w http.ResponseWriter, r *http.Request) {
	companyID, ok := tenant(w, r)
	if !ok {
		return
	}
	instanceID := mux.Vars(r)["instance_id"]

	records, err := s.engine.GetApprovalHistory(r.Context(), companyID, instanceID)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []*workflow.ApprovalRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

// GetNodeApproversHandler handles GET /workflows/:instance_id/nodes/:node_id/approvers.
func (s *Server) GetNodeApproversHandler(w http.ResponseWriter, r *http.Request) {
	companyID, ok := tenant(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)

	approvers, err := s.engine.GetNodeApprovers(r.Context(), companyID, vars["instance_id"], vars["node_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if approvers == nil {
		approvers = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"nodeId":    vars["node_id"],
		"approvers": approvers,
	})
}

// tenant extracts the company id header, rejecting the request when absent.
func tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	companyID := r.Header.Get(companyHeader)
	if companyID == "" {
		http.Error(w, fmt.Sprintf("%s header is required", companyHeader), http.StatusBadRequest)
		return "", false
	}
	return companyID, true
}

// writeError maps engine errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workflow.ErrDefinitionNotFound),
		errors.Is(err, workflow.ErrInstanceNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, workflow.ErrConcurrentModification):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, workflow.ErrInvalidGraph),
		errors.Is(err, workflow.ErrDefinitionInactive),
		errors.Is(err, workflow.ErrInstanceNotRunning),
		errors.Is(err, workflow.ErrNodeMismatch),
		errors.Is(err, workflow.ErrCommentRequired),
		errors.Is(err, workflow.ErrInvalidTargetNode),
		errors.Is(err, workflow.ErrNoEligibleTransition),
		errors.Is(err, workflow.ErrUnknownDelegate),
		errors.Is(err, workflow.ErrActorNotEligible):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		log.Printf("API: Internal error: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
