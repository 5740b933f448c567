package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ehrlich-b/dispatch/internal/state"
	"github.com/ehrlich-b/dispatch/internal/storage"
	"github.com/ehrlich-b/dispatch/internal/workers"
)

// Spec administration.

type specRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Command     string `json:"command"`
	CreatedBy   string `json:"created_by,omitempty"`
}

func (s *Server) handleCreateSpec(w http.ResponseWriter, r *http.Request) {
	var req specRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.Command == "" {
		writeError(w, http.StatusBadRequest, "name and command are required")
		return
	}
	spec := &storage.Spec{
		Name:        req.Name,
		Description: req.Description,
		Command:     req.Command,
		CreatedBy:   req.CreatedBy,
		IsActive:    true,
	}
	if err := s.store.CreateSpec(r.Context(), spec); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, spec)
}

func (s *Server) handleListSpecs(w http.ResponseWriter, r *http.Request) {
	specs, err := s.store.ListSpecs(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, specs)
}

func (s *Server) handleGetSpec(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid spec id")
		return
	}
	spec, err := s.store.GetSpec(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

func (s *Server) handleUpdateSpec(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid spec id")
		return
	}
	spec, err := s.store.GetSpec(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	var req specRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name != "" {
		spec.Name = req.Name
	}
	if req.Command != "" {
		spec.Command = req.Command
	}
	if req.Description != "" {
		spec.Description = req.Description
	}
	if err := s.store.SaveSpec(r.Context(), spec); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

// handleDeleteSpec deactivates rather than deletes: job history keeps
// referring to the spec by name.
func (s *Server) handleDeleteSpec(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid spec id")
		return
	}
	if err := s.store.DeactivateSpec(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Queue administration.

type queueRequest struct {
	Name      string              `json:"name"`
	Priority  state.QueuePriority `json:"priority,omitempty"`
	Strategy  state.Strategy      `json:"strategy,omitempty"`
	TimeLimit int                 `json:"time_limit,omitempty"`
	IsDefault bool                `json:"is_default,omitempty"`
}

func (s *Server) handleCreateQueue(w http.ResponseWriter, r *http.Request) {
	var req queueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	queue := &storage.Queue{
		Name:      req.Name,
		Priority:  req.Priority,
		Strategy:  req.Strategy,
		TimeLimit: req.TimeLimit,
		IsDefault: req.IsDefault,
	}
	if err := s.engine.CreateQueue(r.Context(), queue); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, queue)
}

func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := s.store.ListQueues(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queues)
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid queue id")
		return
	}
	queue, err := s.store.GetQueue(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queue)
}

func (s *Server) handleUpdateQueue(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid queue id")
		return
	}
	queue, err := s.store.GetQueue(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	var req queueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Priority != "" {
		if !state.ValidQueuePriority(req.Priority) {
			writeError(w, http.StatusBadRequest, "unknown priority")
			return
		}
		queue.Priority = req.Priority
	}
	if req.Strategy != "" {
		if !state.ValidStrategy(req.Strategy) {
			writeError(w, http.StatusBadRequest, "unknown strategy")
			return
		}
		queue.Strategy = req.Strategy
	}
	if req.TimeLimit > 0 {
		queue.TimeLimit = req.TimeLimit
	}
	if req.IsDefault {
		queue.IsDefault = true
	}
	if err := s.store.SaveQueue(r.Context(), queue); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queue)
}

func (s *Server) handleDeleteQueue(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid queue id")
		return
	}
	if err := s.engine.DeleteQueue(r.Context(), id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) queueStateHandler(target state.QueueState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid queue id")
			return
		}
		queue, err := s.engine.SetQueueState(r.Context(), id, target)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, queue)
	}
}

func (s *Server) handleListQueueWorkers(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid queue id")
		return
	}
	list, err := s.store.ListQueueWorkers(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAssignWorker(w http.ResponseWriter, r *http.Request) {
	queueID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid queue id")
		return
	}
	workerID, err := pathID(r, "workerID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid worker id")
		return
	}
	if err := s.store.AssignWorker(r.Context(), queueID, workerID); err != nil {
		writeStoreError(w, err)
		return
	}
	s.engine.Wake()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnassignWorker(w http.ResponseWriter, r *http.Request) {
	queueID, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid queue id")
		return
	}
	workerID, err := pathID(r, "workerID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid worker id")
		return
	}
	if err := s.store.UnassignWorker(r.Context(), queueID, workerID); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Worker administration.

type workerRequest struct {
	Name       string             `json:"name"`
	WorkerType storage.WorkerType `json:"worker_type"`
	Hostname   string             `json:"hostname,omitempty"`
	IPAddress  string             `json:"ip_address,omitempty"`
	Port       int                `json:"port,omitempty"`
	SSHUser    string             `json:"ssh_user,omitempty"`
	AuthMethod storage.AuthMethod `json:"auth_method,omitempty"`
	Password   string             `json:"password,omitempty"`
	Provision  bool               `json:"provision,omitempty"`
	MaxJobs    int                `json:"max_jobs,omitempty"`
}

func (s *Server) handleCreateWorker(w http.ResponseWriter, r *http.Request) {
	var req workerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	worker, err := s.workers.Create(r.Context(), workers.CreateRequest{
		Name:       req.Name,
		WorkerType: req.WorkerType,
		Hostname:   req.Hostname,
		IPAddress:  req.IPAddress,
		Port:       req.Port,
		SSHUser:    req.SSHUser,
		AuthMethod: req.AuthMethod,
		Password:   req.Password,
		Provision:  req.Provision,
		MaxJobs:    req.MaxJobs,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, worker)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	list, err := s.workers.List(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid worker id")
		return
	}
	worker, err := s.workers.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (s *Server) handleUpdateWorker(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid worker id")
		return
	}
	var req workerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.MaxJobs <= 0 {
		writeError(w, http.StatusBadRequest, "max_jobs must be positive")
		return
	}
	worker, err := s.workers.SetMaxJobs(r.Context(), id, req.MaxJobs)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (s *Server) handleDeleteWorker(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid worker id")
		return
	}
	if err := s.workers.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// workerActionHandler adapts a manager lifecycle method to an endpoint.
func (s *Server) workerActionHandler(action func(*workers.Manager, context.Context, int64) (*storage.Worker, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid worker id")
			return
		}
		worker, err := action(s.workers, r.Context(), id)
		if err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.engine.Wake()
		writeJSON(w, http.StatusOK, worker)
	}
}

func (s *Server) handleWorkerDeployment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid worker id")
		return
	}
	worker, err := s.workers.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if key := r.URL.Query().Get("key"); key != "" {
		if d, ok := s.workers.Deployments().Get(key); ok {
			writeJSON(w, http.StatusOK, d)
			return
		}
		writeError(w, http.StatusNotFound, "unknown deployment")
		return
	}
	d, ok := s.workers.Deployments().Latest(worker.Name)
	if !ok {
		writeError(w, http.StatusNotFound, "no deployments for worker")
		return
	}
	writeJSON(w, http.StatusOK, d)
}
