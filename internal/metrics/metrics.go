// Package metrics defines the Prometheus instruments for the bus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the bus instruments. A nil *Metrics is valid and records
// nothing, so components can be built without a registry in tests.
type Metrics struct {
	EventsPublished   *prometheus.CounterVec
	DeliveriesCreated prometheus.Counter
	DeliveryOutcomes  *prometheus.CounterVec
	DeliveryDuration  prometheus.Histogram
	SweepDue          prometheus.Histogram
	QueueDepth        prometheus.Gauge
	ArchivedRecords   prometheus.Counter
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kbus_events_published_total",
				Help: "Events offered to the bus, by admission result",
			},
			[]string{"result"},
		),
		DeliveriesCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kbus_deliveries_created_total",
				Help: "Delivery records created by routing",
			},
		),
		DeliveryOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kbus_delivery_outcomes_total",
				Help: "Delivery attempts by resulting record status",
			},
			[]string{"status"},
		),
		DeliveryDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kbus_delivery_duration_seconds",
				Help:    "Duration of outbound webhook calls",
				Buckets: prometheus.DefBuckets,
			},
		),
		SweepDue: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kbus_retry_sweep_due_records",
				Help:    "Due delivery records claimed per retry sweep",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
			},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kbus_delivery_queue_depth",
				Help: "Delivery jobs waiting for a worker",
			},
		),
		ArchivedRecords: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kbus_archived_records_total",
				Help: "Terminal delivery records exported to the archive",
			},
		),
	}
	reg.MustRegister(
		m.EventsPublished,
		m.DeliveriesCreated,
		m.DeliveryOutcomes,
		m.DeliveryDuration,
		m.SweepDue,
		m.QueueDepth,
		m.ArchivedRecords,
	)
	return m
}

// Admission results for EventsPublished.
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
)

func (m *Metrics) EventPublished(result string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(result).Inc()
}

func (m *Metrics) DeliveryCreated() {
	if m == nil {
		return
	}
	m.DeliveriesCreated.Inc()
}

// DeliveryAttempted records one outbound call and the status it produced.
func (m *Metrics) DeliveryAttempted(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.DeliveryOutcomes.WithLabelValues(status).Inc()
	m.DeliveryDuration.Observe(d.Seconds())
}

// DeliveryAbandoned records a record moved to DEAD without a call.
func (m *Metrics) DeliveryAbandoned() {
	if m == nil {
		return
	}
	m.DeliveryOutcomes.WithLabelValues("abandoned").Inc()
}

func (m *Metrics) Swept(n int) {
	if m == nil {
		return
	}
	m.SweepDue.Observe(float64(n))
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) Archived(n int) {
	if m == nil {
		return
	}
	m.ArchivedRecords.Add(float64(n))
}
