package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alfredjeanlab/kbus/internal/ingest"
	"github.com/alfredjeanlab/kbus/internal/model"
)

// NewHTTPHandler returns an http.Handler with all routes registered.
// When authToken is non-empty, requests (except GET /v1/health) must include
// a valid Authorization: Bearer <token> header.
func (s *Server) NewHTTPHandler(authToken string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/topics", s.tenant(s.handleRegisterTopic))
	mux.HandleFunc("GET /v1/topics", s.tenant(s.handleListTopics))
	mux.HandleFunc("GET /v1/topics/{name}", s.tenant(s.handleGetTopic))
	mux.HandleFunc("POST /v1/topics/{name}/activate", s.tenant(s.handleActivateTopic))
	mux.HandleFunc("POST /v1/topics/{name}/deactivate", s.tenant(s.handleDeactivateTopic))
	mux.HandleFunc("DELETE /v1/topics/{name}", s.tenant(s.handleDeleteTopic))
	mux.HandleFunc("POST /v1/topics/{name}/events", s.tenant(s.handlePublish))
	mux.HandleFunc("POST /v1/subscriptions", s.tenant(s.handleCreateSubscription))
	mux.HandleFunc("GET /v1/subscriptions", s.tenant(s.handleListSubscriptions))
	mux.HandleFunc("GET /v1/subscriptions/{id}", s.tenant(s.handleGetSubscription))
	mux.HandleFunc("PATCH /v1/subscriptions/{id}", s.tenant(s.handleUpdateSubscription))
	mux.HandleFunc("POST /v1/subscriptions/{id}/activate", s.tenant(s.handleActivateSubscription))
	mux.HandleFunc("POST /v1/subscriptions/{id}/deactivate", s.tenant(s.handleDeactivateSubscription))
	mux.HandleFunc("POST /v1/subscriptions/{id}/cancel", s.tenant(s.handleCancelSubscription))
	mux.HandleFunc("GET /v1/deliveries", s.tenant(s.handleListDeliveries))
	mux.HandleFunc("GET /v1/deliveries/stream", s.tenant(s.handleDeliveryStream))
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return AuthMiddleware(authToken, mux)
}

// tenantHandler is a handler that runs on behalf of one tenant.
type tenantHandler func(w http.ResponseWriter, r *http.Request, tenantID string)

// tenant resolves the calling tenant from TenantHeader.
func (s *Server) tenant(h tenantHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.Header.Get(TenantHeader))
		if tenantID == "" {
			writeError(w, http.StatusBadRequest, "missing "+TenantHeader+" header")
			return
		}
		h(w, r, tenantID)
	}
}

// handleHealth handles GET /v1/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeBody decodes a JSON request body into v, rejecting unknown fields.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps a registry, ingest or store error to a status code.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("server: request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	var ve *model.ValidationError
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, model.ErrDuplicateTopic),
		errors.Is(err, model.ErrSubscriptionCancelled),
		errors.Is(err, model.ErrEventConflict),
		errors.Is(err, ingest.ErrTopicInactive):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalidFilter), errors.As(err, &ve):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
