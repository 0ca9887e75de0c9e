package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hookrelay_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hookrelay_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	ingressEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_ingress_events_total",
			Help: "Inbound webhook requests by result",
		},
		[]string{"result"},
	)

	deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_deliveries_total",
			Help: "Delivery attempts by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hookrelay_delivery_duration_seconds",
			Help:    "Delivery attempt latency in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30},
		},
		[]string{"mode"},
	)

	retriesScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hookrelay_retries_scheduled_total",
			Help: "Number of delivery retries scheduled",
		},
	)

	liveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hookrelay_live_connections",
			Help: "Number of live tunnel connections per webhook",
		},
		[]string{"webhook"},
	)

	routingReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_routing_reloads_total",
			Help: "Routing document reloads by result",
		},
		[]string{"result"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hookrelay_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	dbConnectionsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hookrelay_db_connections_in_use",
			Help: "Number of database connections currently in use",
		},
	)

	dbConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hookrelay_db_connections_idle",
			Help: "Number of idle database connections",
		},
	)

	eventsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hookrelay_events_purged_total",
			Help: "Number of events removed by retention",
		},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func IncrementInFlight() {
	httpRequestsInFlight.Inc()
}

func DecrementInFlight() {
	httpRequestsInFlight.Dec()
}

// RecordIngress counts an inbound webhook; result is "accepted" or the
// error code returned to the caller.
func RecordIngress(result string) {
	ingressEvents.WithLabelValues(result).Inc()
}

func RecordDelivery(mode, outcome string, duration time.Duration) {
	deliveries.WithLabelValues(mode, outcome).Inc()
	deliveryDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

func RecordRetryScheduled() {
	retriesScheduled.Inc()
}

func SetLiveConnections(webhookID string, n int) {
	if n == 0 {
		liveConnections.DeleteLabelValues(webhookID)
		return
	}
	liveConnections.WithLabelValues(webhookID).Set(float64(n))
}

func RecordRoutingReload(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	routingReloads.WithLabelValues(result).Inc()
}

func UpdateDBStats(open, inUse, idle int) {
	dbConnectionsOpen.Set(float64(open))
	dbConnectionsInUse.Set(float64(inUse))
	dbConnectionsIdle.Set(float64(idle))
}

func AddEventsPurged(n int) {
	eventsPurged.Add(float64(n))
}

// NormalizePath turns a route pattern such as /webhook/{org}/{name} into
// /webhook/:org/:name for use as a label.
func NormalizePath(path string) string {
	if len(path) > 100 {
		path = path[:100]
	}

	normalized := make([]byte, 0, len(path))
	inParam := false
	for i := 0; i < len(path); i++ {
		switch {
		case path[i] == '{':
			inParam = true
			normalized = append(normalized, ':')
		case path[i] == '}':
			inParam = false
		case inParam && path[i] == '.':
			// {path...} wildcard suffix
		default:
			normalized = append(normalized, path[i])
		}
	}
	return string(normalized)
}
