package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alfredjeanlab/kbus/internal/events"
)

const (
	// streamRingSize is the number of recent outcomes kept for Last-Event-ID
	// reconnection.
	streamRingSize = 1000

	// streamKeepalive is how often keepalive comments are sent.
	streamKeepalive = 15 * time.Second

	streamClientBuffer = 64
)

// streamEvent is one outcome notification held in the ring and sent to
// clients.
type streamEvent struct {
	ID       uint64
	Subject  string
	TenantID string
	Data     []byte
}

// OutcomeStream fans delivery outcome notifications out to server-sent event
// clients. It implements events.Publisher so the distributor can publish to
// it alongside NATS. Clients only ever see their own tenant's outcomes.
type OutcomeStream struct {
	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	nextID  atomic.Uint64

	ringMu  sync.RWMutex
	ring    [streamRingSize]streamEvent
	ringPos int
	ringLen int
}

type streamClient struct {
	tenantID string
	subjects []string // subject patterns; empty matches all
	ch       chan *streamEvent
}

// NewOutcomeStream creates an empty stream.
func NewOutcomeStream() *OutcomeStream {
	return &OutcomeStream{clients: make(map[*streamClient]struct{})}
}

// Publish implements events.Publisher. Only events.DeliveryOutcome values
// carry a tenant; anything else is dropped.
func (h *OutcomeStream) Publish(_ context.Context, subject string, event any) error {
	var tenantID string
	switch o := event.(type) {
	case events.DeliveryOutcome:
		tenantID = o.TenantID
	case *events.DeliveryOutcome:
		tenantID = o.TenantID
	default:
		return nil
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling %s outcome: %w", subject, err)
	}
	h.broadcast(subject, tenantID, data)
	return nil
}

// Close implements events.Publisher.
func (h *OutcomeStream) Close() error { return nil }

func (h *OutcomeStream) broadcast(subject, tenantID string, data []byte) {
	evt := &streamEvent{
		ID:       h.nextID.Add(1),
		Subject:  subject,
		TenantID: tenantID,
		Data:     data,
	}

	h.ringMu.Lock()
	h.ring[h.ringPos] = *evt
	h.ringPos = (h.ringPos + 1) % streamRingSize
	if h.ringLen < streamRingSize {
		h.ringLen++
	}
	h.ringMu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.matches(evt) {
			select {
			case c.ch <- evt:
			default:
				// Slow clients drop events rather than block the distributor.
			}
		}
	}
}

func (h *OutcomeStream) subscribe(tenantID string, subjects []string) *streamClient {
	c := &streamClient{
		tenantID: tenantID,
		subjects: subjects,
		ch:       make(chan *streamEvent, streamClientBuffer),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *OutcomeStream) unsubscribe(c *streamClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// since returns buffered events with ID > lastID, oldest first.
func (h *OutcomeStream) since(lastID uint64) []*streamEvent {
	h.ringMu.RLock()
	defer h.ringMu.RUnlock()

	var out []*streamEvent
	start := h.ringPos - h.ringLen
	if start < 0 {
		start += streamRingSize
	}
	for i := range h.ringLen {
		evt := h.ring[(start+i)%streamRingSize]
		if evt.ID > lastID {
			out = append(out, &evt)
		}
	}
	return out
}

func (c *streamClient) matches(evt *streamEvent) bool {
	if evt.TenantID != c.tenantID {
		return false
	}
	if len(c.subjects) == 0 {
		return true
	}
	for _, p := range c.subjects {
		if matchSubject(p, evt.Subject) {
			return true
		}
	}
	return false
}

// matchSubject matches a dot-separated subject against a NATS-style pattern:
// "*" matches one segment and a trailing ">" matches one or more.
func matchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pp := strings.Split(pattern, ".")
	sp := strings.Split(subject, ".")
	for i, p := range pp {
		if p == ">" {
			return i < len(sp)
		}
		if i >= len(sp) {
			return false
		}
		if p != "*" && p != sp[i] {
			return false
		}
	}
	return len(pp) == len(sp)
}

// subjectsFromQuery maps ?status=dead,retrying to outcome subjects.
func subjectsFromQuery(r *http.Request) []string {
	var subjects []string
	for _, st := range strings.Split(r.URL.Query().Get("status"), ",") {
		st = strings.TrimSpace(st)
		if st != "" {
			subjects = append(subjects, "kbus.delivery."+st)
		}
	}
	return subjects
}

// handleDeliveryStream handles GET /v1/deliveries/stream.
func (s *Server) handleDeliveryStream(w http.ResponseWriter, r *http.Request, tenantID string) {
	if s.stream == nil {
		writeError(w, http.StatusServiceUnavailable, "outcome stream is not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	client := s.stream.subscribe(tenantID, subjectsFromQuery(r))
	defer s.stream.unsubscribe(client)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if lastID, err := strconv.ParseUint(v, 10, 64); err == nil {
			for _, evt := range s.stream.since(lastID) {
				if client.matches(evt) {
					writeStreamEvent(w, evt)
				}
			}
			flusher.Flush()
		}
	}

	keepalive := time.NewTicker(streamKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-client.ch:
			writeStreamEvent(w, evt)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprintf(w, ":keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeStreamEvent(w http.ResponseWriter, evt *streamEvent) {
	fmt.Fprintf(w, "id:%d\n", evt.ID)
	fmt.Fprintf(w, "event:%s\n", evt.Subject)
	fmt.Fprintf(w, "data:%s\n\n", evt.Data)
}
