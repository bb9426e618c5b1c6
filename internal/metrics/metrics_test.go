package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.EventPublished(ResultAccepted)
	m.DeliveryCreated()
	m.DeliveryAttempted("delivered", time.Second)
	m.DeliveryAbandoned()
	m.Swept(3)
	m.SetQueueDepth(1)
	m.Archived(2)
}

func TestRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.EventPublished(ResultAccepted)
	m.EventPublished(ResultAccepted)
	m.EventPublished(ResultRejected)
	m.DeliveryCreated()
	m.DeliveryAttempted("retrying", 20*time.Millisecond)
	m.DeliveryAttempted("dead", 30*time.Millisecond)
	m.DeliveryAbandoned()
	m.SetQueueDepth(7)
	m.Archived(4)

	if got := testutil.ToFloat64(m.EventsPublished.WithLabelValues(ResultAccepted)); got != 2 {
		t.Errorf("accepted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.EventsPublished.WithLabelValues(ResultRejected)); got != 1 {
		t.Errorf("rejected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DeliveryOutcomes.WithLabelValues("abandoned")); got != 1 {
		t.Errorf("abandoned = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.QueueDepth); got != 7 {
		t.Errorf("queue depth = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.ArchivedRecords); got != 4 {
		t.Errorf("archived = %v, want 4", got)
	}
	if n := testutil.CollectAndCount(m.DeliveryDuration); n != 1 {
		t.Errorf("duration histogram series = %d, want 1", n)
	}
}

func TestDoubleRegisterPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	defer func() {
		if recover() == nil {
			t.Fatal("expected MustRegister to panic on duplicate registration")
		}
	}()
	New(reg)
}
