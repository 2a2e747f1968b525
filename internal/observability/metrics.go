// Package observability collects Prometheus metrics for the tool provider.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks launch outcomes and extension-service traffic.
type Metrics struct {
	// LaunchCounter counts validated launches.
	// Labels: consumer, outcome (ok or the error kind)
	LaunchCounter *prometheus.CounterVec

	// ServiceCallDuration measures outbound extension-service latency.
	// Labels: host (consumer endpoint), status (success|error)
	ServiceCallDuration *prometheus.HistogramVec

	// SignatureRejections counts launches that failed OAuth verification:
	// bad signature, stale timestamp, or replayed nonce.
	SignatureRejections prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		LaunchCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lti",
			Name:      "launches_total",
			Help:      "Launch requests by consumer and outcome.",
		}, []string{"consumer", "outcome"}),
		ServiceCallDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lti",
			Name:      "service_call_seconds",
			Help:      "Outbound extension-service call latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"host", "status"}),
		SignatureRejections: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "lti",
			Name:      "signature_rejections_total",
			Help:      "Launches rejected for signature, timestamp, or nonce-replay failures.",
		}),
	}
}

type timingTransport struct {
	base http.RoundTripper
	m    *Metrics
}

func (t *timingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	status := "error"
	if err == nil && resp.StatusCode/100 == 2 {
		status = "success"
	}
	t.m.ServiceCallDuration.WithLabelValues(req.URL.Host, status).Observe(time.Since(start).Seconds())
	return resp, err
}

// InstrumentClient times every outbound call made through the client.
func (m *Metrics) InstrumentClient(c *http.Client) {
	base := c.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	c.Transport = &timingTransport{base: base, m: m}
}
