package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the Prometheus collectors exported on /metrics.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	checkoutsTotal      *prometheus.CounterVec
	settlementsTotal    *prometheus.CounterVec
	gatewayRequests     *prometheus.HistogramVec
	stockShortfalls     prometheus.Counter
}

// NewMetrics registers storefront collectors on a dedicated registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		checkoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_checkouts_total",
			Help: "Orders created by checkout, by gateway",
		}, []string{"gateway"}),
		settlementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_settlements_total",
			Help: "Settlement attempts by gateway and outcome",
		}, []string{"gateway", "outcome"}),
		gatewayRequests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storefront_gateway_request_duration_seconds",
			Help:    "Outbound payment gateway call latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"gateway", "operation", "outcome"}),
		stockShortfalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storefront_stock_shortfalls_total",
			Help: "Order lines settled without enough stock to deduct",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.checkoutsTotal,
		m.settlementsTotal,
		m.gatewayRequests,
		m.stockShortfalls,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware counts requests and observes latency per chi route pattern.
func (m *Metrics) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := newResponseRecorder(w)
			next.ServeHTTP(recorder, r)

			route := SanitizeRoute(routePattern(r))
			method := SanitizeMethod(r.Method)
			m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(recorder.Status())).Inc()
			m.httpRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RecordCheckout counts a created order.
func (m *Metrics) RecordCheckout(gateway string) {
	if m == nil {
		return
	}
	m.checkoutsTotal.WithLabelValues(gateway).Inc()
}

// RecordSettlement counts a settlement outcome such as paid, already_paid or rejected.
func (m *Metrics) RecordSettlement(gateway, outcome string) {
	if m == nil {
		return
	}
	m.settlementsTotal.WithLabelValues(gateway, outcome).Inc()
}

// ObserveGatewayCall records the latency of one outbound gateway request.
func (m *Metrics) ObserveGatewayCall(gateway, operation string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.gatewayRequests.WithLabelValues(gateway, operation, outcome).Observe(elapsed.Seconds())
}

// RecordStockShortfall counts one order line that could not be fully deducted.
func (m *Metrics) RecordStockShortfall() {
	if m == nil {
		return
	}
	m.stockShortfalls.Inc()
}
