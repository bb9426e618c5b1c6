package server

import (
	"encoding/json"
	"net/http"

	"github.com/alfredjeanlab/kbus/internal/model"
	"github.com/alfredjeanlab/kbus/internal/registry"
)

type createSubscriptionInput struct {
	EventType          string             `json:"event_type"`
	SubscriberService  string             `json:"subscriber_service"`
	SubscriberEndpoint string             `json:"subscriber_endpoint"`
	FilterExpression   json.RawMessage    `json:"filter_expression,omitempty"`
	RetryPolicy        *model.RetryPolicy `json:"retry_policy,omitempty"`
}

// updateSubscriptionInput uses nil for "leave unchanged"; a JSON null
// filter_expression clears the filter.
type updateSubscriptionInput struct {
	SubscriberEndpoint *string            `json:"subscriber_endpoint,omitempty"`
	FilterExpression   json.RawMessage    `json:"filter_expression,omitempty"`
	RetryPolicy        *model.RetryPolicy `json:"retry_policy,omitempty"`
}

// handleCreateSubscription handles POST /v1/subscriptions.
func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request, tenantID string) {
	var in createSubscriptionInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	req := registry.NewSubscription{
		TenantID:           tenantID,
		EventType:          in.EventType,
		SubscriberService:  in.SubscriberService,
		SubscriberEndpoint: in.SubscriberEndpoint,
		FilterExpression:   in.FilterExpression,
	}
	if in.RetryPolicy != nil {
		req.RetryPolicy = *in.RetryPolicy
	}
	sub, err := s.subs.Create(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// handleListSubscriptions handles GET /v1/subscriptions.
func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request, tenantID string) {
	subs, err := s.subs.List(r.Context(), tenantID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if et := r.URL.Query().Get("event_type"); et != "" {
		kept := subs[:0]
		for _, sub := range subs {
			if sub.EventType == et {
				kept = append(kept, sub)
			}
		}
		subs = kept
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs, "total": len(subs)})
}

// handleGetSubscription handles GET /v1/subscriptions/{id}.
func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request, tenantID string) {
	sub, err := s.subs.Get(r.Context(), r.PathValue("id"), tenantID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// handleUpdateSubscription handles PATCH /v1/subscriptions/{id}.
func (s *Server) handleUpdateSubscription(w http.ResponseWriter, r *http.Request, tenantID string) {
	var in updateSubscriptionInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	sub, err := s.subs.Update(r.Context(), r.PathValue("id"), tenantID, registry.SubscriptionUpdate{
		SubscriberEndpoint: in.SubscriberEndpoint,
		FilterExpression:   in.FilterExpression,
		RetryPolicy:        in.RetryPolicy,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

type subscriptionTransition func(r *http.Request, id, tenantID string) (*model.Subscription, error)

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, tenantID string, fn subscriptionTransition) {
	sub, err := fn(r, r.PathValue("id"), tenantID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// handleActivateSubscription handles POST /v1/subscriptions/{id}/activate.
func (s *Server) handleActivateSubscription(w http.ResponseWriter, r *http.Request, tenantID string) {
	s.handleTransition(w, r, tenantID, func(r *http.Request, id, tenantID string) (*model.Subscription, error) {
		return s.subs.Activate(r.Context(), id, tenantID)
	})
}

// handleDeactivateSubscription handles POST /v1/subscriptions/{id}/deactivate.
func (s *Server) handleDeactivateSubscription(w http.ResponseWriter, r *http.Request, tenantID string) {
	s.handleTransition(w, r, tenantID, func(r *http.Request, id, tenantID string) (*model.Subscription, error) {
		return s.subs.Deactivate(r.Context(), id, tenantID)
	})
}

// handleCancelSubscription handles POST /v1/subscriptions/{id}/cancel.
func (s *Server) handleCancelSubscription(w http.ResponseWriter, r *http.Request, tenantID string) {
	s.handleTransition(w, r, tenantID, func(r *http.Request, id, tenantID string) (*model.Subscription, error) {
		return s.subs.Cancel(r.Context(), id, tenantID)
	})
}
