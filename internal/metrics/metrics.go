package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tbank_checkout"

// Metrics holds the service collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	checkoutStarts  *prometheus.CounterVec
	completions     *prometheus.CounterVec
	gatewayDuration *prometheus.HistogramVec
	callbacks       *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		checkoutStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_starts_total",
			Help:      "Checkout start attempts by result.",
		}, []string{"result"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_completions_total",
			Help:      "Checkout completions by resulting session status and whether this call applied it.",
		}, []string{"status", "applied"}),
		gatewayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_seconds",
			Help:      "Payment gateway call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "result"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_callbacks_total",
			Help:      "Gateway notifications received, by signature check result.",
		}, []string{"signature"}),
	}

	reg.MustRegister(m.checkoutStarts, m.completions, m.gatewayDuration, m.callbacks)
	return m
}

func (m *Metrics) CheckoutStarted(result string) {
	if m == nil {
		return
	}
	m.checkoutStarts.WithLabelValues(result).Inc()
}

func (m *Metrics) CheckoutCompleted(status string, applied bool) {
	if m == nil {
		return
	}
	label := "false"
	if applied {
		label = "true"
	}
	m.completions.WithLabelValues(status, label).Inc()
}

func (m *Metrics) ObserveGateway(method string, t *Timer, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.gatewayDuration.WithLabelValues(method, result).Observe(t.Duration().Seconds())
}

// CallbackReceived counts notifications; signature is valid, invalid or skipped.
func (m *Metrics) CallbackReceived(signature string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(signature).Inc()
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
