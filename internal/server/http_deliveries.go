package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/alfredjeanlab/kbus/internal/model"
)

const (
	defaultDeliveryLimit = 100
	maxDeliveryLimit     = 1000
)

// handleListDeliveries handles GET /v1/deliveries. Results are always scoped
// to the calling tenant.
func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request, tenantID string) {
	q := r.URL.Query()
	filter := model.DeliveryFilter{
		TenantID:       tenantID,
		EventID:        q.Get("event_id"),
		SubscriptionID: q.Get("subscription_id"),
		Limit:          defaultDeliveryLimit,
	}

	if v := q.Get("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			status := model.DeliveryStatus(strings.TrimSpace(st))
			if !status.IsRecorded() {
				writeError(w, http.StatusBadRequest, "invalid status "+strconv.Quote(st))
				return
			}
			filter.Status = append(filter.Status, status)
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = min(n, maxDeliveryLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	recs, err := s.store.ListDeliveries(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if recs == nil {
		recs = []*model.DeliveryRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": recs, "total": len(recs)})
}
