package server

import (
	"net/http"

	"github.com/alfredjeanlab/kbus/internal/bus"
	"github.com/alfredjeanlab/kbus/internal/ingest"
	"github.com/alfredjeanlab/kbus/internal/model"
)

type publishResponse struct {
	Event  *model.Event `json:"event"`
	Result bus.Result   `json:"result"`
}

// handlePublish handles POST /v1/topics/{name}/events. The event is accepted
// for asynchronous delivery; the response never reports delivery outcomes.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request, tenantID string) {
	if s.admitter == nil {
		writeError(w, http.StatusServiceUnavailable, "publishing is not enabled")
		return
	}
	var in ingest.Submission
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if in.TenantID != "" && in.TenantID != tenantID {
		writeError(w, http.StatusForbidden, "tenant_id does not match "+TenantHeader)
		return
	}
	in.TenantID = tenantID

	e, res, err := s.admitter.Admit(r.Context(), r.PathValue("name"), in)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, publishResponse{Event: e, Result: res})
}
