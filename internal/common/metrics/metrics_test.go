package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSchemaDriftEvents_Labels(t *testing.T) {
	classifications := []string{"safe", "warning", "breaking"}

	for _, c := range classifications {
		SchemaDriftEvents.WithLabelValues("job-1", c).Inc()
	}

	counter := SchemaDriftEvents.WithLabelValues("job-1", "breaking")
	if counter == nil {
		t.Error("expected counter to be non-nil")
	}
}

func TestQueueMessagesPublished_Labels(t *testing.T) {
	for _, qType := range []string{"nats", "sqs"} {
		QueueMessagesPublished.WithLabelValues(qType).Inc()
		QueueMessagesPublished.WithLabelValues(qType).Add(100)
	}

	counter := QueueMessagesPublished.WithLabelValues("nats")
	if counter == nil {
		t.Error("expected counter to be non-nil")
	}
}

func TestQueuePublishErrors_Counter(t *testing.T) {
	QueuePublishErrors.WithLabelValues("nats").Inc()
	QueuePublishErrors.WithLabelValues("sqs").Inc()

	counter := QueuePublishErrors.WithLabelValues("nats")
	if counter == nil {
		t.Error("expected counter to be non-nil")
	}
}

func TestHTTPRequestsTotal_Labels(t *testing.T) {
	methods := []string{"GET", "POST", "PUT", "DELETE"}
	paths := []string{"/jobs", "/jobs/{jobID}/start"}
	statuses := []string{"200", "202", "400", "404", "500"}

	for _, method := range methods {
		for _, path := range paths {
			for _, status := range statuses {
				HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
			}
		}
	}

	counter := HTTPRequestsTotal.WithLabelValues("GET", "/jobs", "200")
	if counter == nil {
		t.Error("expected counter to be non-nil")
	}
}

func TestHTTPRequestDuration_Observe(t *testing.T) {
	HTTPRequestDuration.WithLabelValues("GET", "/jobs").Observe(0.015)
	HTTPRequestDuration.WithLabelValues("POST", "/jobs").Observe(0.150)

	histogram := HTTPRequestDuration.WithLabelValues("GET", "/jobs")
	if histogram == nil {
		t.Error("expected histogram to be non-nil")
	}
}

func TestMetricNamingConvention(t *testing.T) {
	// Verify metrics follow the cdc_subsystem_name convention
	expectedNames := map[string]prometheus.Metric{
		"cdc_schema_drift_events_total":      SchemaDriftEvents.WithLabelValues("job-1", "safe"),
		"cdc_queue_messages_published_total": QueueMessagesPublished.WithLabelValues("nats"),
		"cdc_http_requests_total":            HTTPRequestsTotal.WithLabelValues("GET", "/jobs", "200"),
	}

	for name, metric := range expectedNames {
		if desc := metric.Desc().String(); !strings.Contains(desc, `"`+name+`"`) {
			t.Errorf("metric descriptor %s does not carry name %s", desc, name)
		}
	}
}

func TestCounterValue(t *testing.T) {
	reg := prometheus.NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter",
		Help: "Test counter",
	})
	reg.MustRegister(counter)

	counter.Add(5)
	if val := testutil.ToFloat64(counter); val != 5 {
		t.Errorf("expected counter value 5, got %f", val)
	}

	counter.Inc()
	if val := testutil.ToFloat64(counter); val != 6 {
		t.Errorf("expected counter value 6, got %f", val)
	}
}

func TestGaugeValue(t *testing.T) {
	reg := prometheus.NewRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_gauge",
		Help: "Test gauge",
	})
	reg.MustRegister(gauge)

	gauge.Set(100)
	if val := testutil.ToFloat64(gauge); val != 100 {
		t.Errorf("expected gauge value 100, got %f", val)
	}

	gauge.Add(50)
	if val := testutil.ToFloat64(gauge); val != 150 {
		t.Errorf("expected gauge value 150, got %f", val)
	}

	gauge.Sub(30)
	if val := testutil.ToFloat64(gauge); val != 120 {
		t.Errorf("expected gauge value 120, got %f", val)
	}
}

func BenchmarkSchemaDriftEventsInc(b *testing.B) {
	counter := SchemaDriftEvents.WithLabelValues("bench-job", "safe")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		counter.Inc()
	}
}
