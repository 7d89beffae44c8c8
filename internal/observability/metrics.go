package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// statusValue encodes a link status for the link_status gauge.
var statusValue = map[string]float64{
	"GREEN":  0,
	"YELLOW": 1,
	"RED":    2,
}

// KMSCollector bundles Prometheus metrics for the KMS surface and provides
// helpers to wire them into HTTP handlers.
type KMSCollector struct {
	gatherer prometheus.Gatherer

	HTTPRequests  *prometheus.CounterVec
	HTTPDurations *prometheus.HistogramVec

	KeysIssued      prometheus.Counter
	AttacksDetected prometheus.Counter
	LinkQBER        prometheus.Gauge
	LinkStatus      prometheus.Gauge
	ActiveSessions  prometheus.Gauge
}

// NewKMSCollector registers KMS Prometheus metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewKMSCollector(reg prometheus.Registerer) (*KMSCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kms_http_requests_total",
		Help: "Total number of handled KMS HTTP requests, labeled by route, method, and status code.",
	}, []string{"route", "method", "code"})
	requests, err := registerCounterVec(reg, requests, "kms_http_requests_total")
	if err != nil {
		return nil, err
	}

	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kms_http_request_duration_seconds",
		Help:    "KMS HTTP request latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"route", "method"})
	durations, err = registerHistogramVec(reg, durations, "kms_http_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	keysIssued, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kms_keys_issued_total",
		Help: "Total session keys issued since process start.",
	}), "kms_keys_issued_total")
	if err != nil {
		return nil, err
	}
	attacks, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kms_attacks_detected_total",
		Help: "Total eavesdropping detections since process start.",
	}), "kms_attacks_detected_total")
	if err != nil {
		return nil, err
	}
	qber, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kms_link_qber",
		Help: "Most recently observed quantum bit error rate.",
	}), "kms_link_qber")
	if err != nil {
		return nil, err
	}
	status, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kms_link_status",
		Help: "Current link status: 0=GREEN, 1=YELLOW, 2=RED.",
	}), "kms_link_status")
	if err != nil {
		return nil, err
	}
	sessions, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kms_active_sessions",
		Help: "Current number of active key sessions.",
	}), "kms_active_sessions")
	if err != nil {
		return nil, err
	}

	return &KMSCollector{
		gatherer:        gatherer,
		HTTPRequests:    requests,
		HTTPDurations:   durations,
		KeysIssued:      keysIssued,
		AttacksDetected: attacks,
		LinkQBER:        qber,
		LinkStatus:      status,
		ActiveSessions:  sessions,
	}, nil
}

// Middleware records request counts and latency for an HTTP route.
func (c *KMSCollector) Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		if c.HTTPRequests != nil {
			c.HTTPRequests.WithLabelValues(route, r.Method, fmt.Sprintf("%d", rec.code)).Inc()
		}
		if c.HTTPDurations != nil {
			c.HTTPDurations.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Handler exposes a ready-to-use /metrics handler.
func (c *KMSCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// AddKeyIssued satisfies the manager's MetricsRecorder interface.
func (c *KMSCollector) AddKeyIssued() {
	if c == nil || c.KeysIssued == nil {
		return
	}
	c.KeysIssued.Inc()
}

// AddAttackDetected satisfies the manager's MetricsRecorder interface.
func (c *KMSCollector) AddAttackDetected() {
	if c == nil || c.AttacksDetected == nil {
		return
	}
	c.AttacksDetected.Inc()
}

// SetLinkHealth drives the link gauges directly from the manager's
// bookkeeping commits. Counters stay monotonic across demo resets per
// Prometheus convention; the authoritative resettable counters live in the
// manager's health snapshot.
func (c *KMSCollector) SetLinkHealth(status string, qber float64, activeSessions int) {
	if c == nil {
		return
	}
	if c.LinkStatus != nil {
		c.LinkStatus.Set(statusValue[status])
	}
	if c.LinkQBER != nil {
		c.LinkQBER.Set(qber)
	}
	if c.ActiveSessions != nil {
		c.ActiveSessions.Set(float64(activeSessions))
	}
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
