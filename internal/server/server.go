// Package server exposes the bus over an HTTP admin API and a gRPC health
// service.
package server

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alfredjeanlab/kbus/internal/ingest"
	"github.com/alfredjeanlab/kbus/internal/registry"
	"github.com/alfredjeanlab/kbus/internal/store"
)

// TenantHeader carries the calling tenant on every admin request.
const TenantHeader = "X-Tenant-ID"

// Deps are the components the admin API serves.
type Deps struct {
	Store         store.Store
	Topics        *registry.Topics
	Subscriptions *registry.Subscriptions
	Admitter      *ingest.Admitter
	Stream        *OutcomeStream     // optional; enables GET /v1/deliveries/stream
	Gatherer      prometheus.Gatherer // optional; enables GET /metrics
	Logger        *slog.Logger
}

// Server implements the admin API.
type Server struct {
	store    store.Store
	topics   *registry.Topics
	subs     *registry.Subscriptions
	admitter *ingest.Admitter
	stream   *OutcomeStream
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// New returns a Server over d.
func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:    d.Store,
		topics:   d.Topics,
		subs:     d.Subscriptions,
		admitter: d.Admitter,
		stream:   d.Stream,
		gatherer: d.Gatherer,
		logger:   logger,
	}
}
