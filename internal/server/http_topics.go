package server

import (
	"net/http"
)

type registerTopicInput struct {
	Name        string `json:"name"`
	Owner       string `json:"owner"`
	Description string `json:"description"`
}

// handleRegisterTopic handles POST /v1/topics.
func (s *Server) handleRegisterTopic(w http.ResponseWriter, r *http.Request, tenantID string) {
	var in registerTopicInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	t, err := s.topics.Register(r.Context(), tenantID, in.Name, in.Owner, in.Description)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// handleListTopics handles GET /v1/topics.
func (s *Server) handleListTopics(w http.ResponseWriter, r *http.Request, tenantID string) {
	topics, err := s.topics.ListByTenant(r.Context(), tenantID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"topics": topics, "total": len(topics)})
}

// handleGetTopic handles GET /v1/topics/{name}.
func (s *Server) handleGetTopic(w http.ResponseWriter, r *http.Request, tenantID string) {
	t, err := s.topics.FindByName(r.Context(), tenantID, r.PathValue("name"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleActivateTopic handles POST /v1/topics/{name}/activate.
func (s *Server) handleActivateTopic(w http.ResponseWriter, r *http.Request, tenantID string) {
	t, err := s.topics.Activate(r.Context(), tenantID, r.PathValue("name"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleDeactivateTopic handles POST /v1/topics/{name}/deactivate.
func (s *Server) handleDeactivateTopic(w http.ResponseWriter, r *http.Request, tenantID string) {
	t, err := s.topics.Deactivate(r.Context(), tenantID, r.PathValue("name"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleDeleteTopic handles DELETE /v1/topics/{name}.
func (s *Server) handleDeleteTopic(w http.ResponseWriter, r *http.Request, tenantID string) {
	if err := s.topics.Delete(r.Context(), tenantID, r.PathValue("name")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
