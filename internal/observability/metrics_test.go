package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestMiddlewareRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewKMSCollector(reg)
	if err != nil {
		t.Fatalf("NewKMSCollector: %v", err)
	}

	handler := collector.Middleware("/api/v1/keys", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/keys", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if got := testutil.ToFloat64(collector.HTTPRequests.WithLabelValues("/api/v1/keys", "POST", "200")); got != 1 {
		t.Fatalf("kms_http_requests_total = %v, want 1", got)
	}

	if count := histogramSampleCount(t, reg, "kms_http_request_duration_seconds", map[string]string{
		"route":  "/api/v1/keys",
		"method": "POST",
	}); count != 1 {
		t.Fatalf("kms_http_request_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestMiddlewareRecordsErrorCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewKMSCollector(reg)
	if err != nil {
		t.Fatalf("NewKMSCollector: %v", err)
	}

	handler := collector.Middleware("/api/v1/keys", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/keys", nil))

	if got := testutil.ToFloat64(collector.HTTPRequests.WithLabelValues("/api/v1/keys", "POST", "403")); got != 1 {
		t.Fatalf("kms_http_requests_total{code=403} = %v, want 1", got)
	}
}

func TestSetLinkHealthDrivesGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewKMSCollector(reg)
	if err != nil {
		t.Fatalf("NewKMSCollector: %v", err)
	}

	collector.SetLinkHealth("RED", 0.25, 3)

	if got := testutil.ToFloat64(collector.LinkStatus); got != 2 {
		t.Fatalf("kms_link_status = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.LinkQBER); got != 0.25 {
		t.Fatalf("kms_link_qber = %v, want 0.25", got)
	}
	if got := testutil.ToFloat64(collector.ActiveSessions); got != 3 {
		t.Fatalf("kms_active_sessions = %v, want 3", got)
	}
}

func TestCountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewKMSCollector(reg)
	if err != nil {
		t.Fatalf("NewKMSCollector: %v", err)
	}

	collector.AddKeyIssued()
	collector.AddKeyIssued()
	collector.AddAttackDetected()

	if got := testutil.ToFloat64(collector.KeysIssued); got != 2 {
		t.Fatalf("kms_keys_issued_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.AttacksDetected); got != 1 {
		t.Fatalf("kms_attacks_detected_total = %v, want 1", got)
	}
}

func TestNewKMSCollectorToleratesReRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewKMSCollector(reg)
	if err != nil {
		t.Fatalf("first NewKMSCollector: %v", err)
	}
	second, err := NewKMSCollector(reg)
	if err != nil {
		t.Fatalf("second NewKMSCollector: %v", err)
	}

	first.AddKeyIssued()
	second.AddKeyIssued()
	if got := testutil.ToFloat64(second.KeysIssued); got != 2 {
		t.Fatalf("shared kms_keys_issued_total = %v, want 2", got)
	}
}

func histogramSampleCount(t *testing.T, g prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	families, err := g.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.GetHistogram() == nil {
				t.Fatalf("metric %s is not a histogram", name)
			}
			return metric.GetHistogram().GetSampleCount()
		}
	}

	var have []string
	for _, fam := range families {
		have = append(have, fam.GetName())
	}
	t.Fatalf("histogram %s with labels %v not found; gathered: %s", name, labels, strings.Join(have, ", "))
	return 0
}

func labelsMatch(metric *dto.Metric, want map[string]string) bool {
	got := make(map[string]string, len(metric.GetLabel()))
	for _, pair := range metric.GetLabel() {
		got[pair.GetName()] = pair.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}
