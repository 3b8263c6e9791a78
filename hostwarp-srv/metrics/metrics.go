package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hostwarp"

// Metrics holds every Prometheus series the pool and its instances update.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	poolActive          prometheus.Gauge
	poolReserved        prometheus.Gauge
	reservationsExpired prometheus.Counter
	reserveFailures     prometheus.Counter

	sessions      prometheus.Counter
	parseOutcomes *prometheus.CounterVec
	bytesRead     prometheus.Counter
	bytesWritten  prometheus.Counter
	upstreamDials *prometheus.CounterVec
	dialDuration  *prometheus.HistogramVec
	configReloads *prometheus.CounterVec
}

// New registers all series on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		poolActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_active_ports",
			Help:      "Number of ports with a running proxy instance",
		}),
		poolReserved: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_reserved_ports",
			Help:      "Number of ports reserved but not yet borrowed",
		}),
		reservationsExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_reservations_expired_total",
			Help:      "Reservations evicted by the sweeper",
		}),
		reserveFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_reserve_failures_total",
			Help:      "Reserve calls that found no free port",
		}),
		sessions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Client connections accepted by all instances",
		}),
		parseOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Parsed requests by resulting status",
		}, []string{"status"}),
		bytesRead: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_bytes_read_total",
			Help:      "Bytes relayed from upstream servers to clients",
		}),
		bytesWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_bytes_written_total",
			Help:      "Bytes forwarded from clients to upstream servers",
		}),
		upstreamDials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_dials_total",
			Help:      "Upstream connection attempts by route and outcome",
		}, []string{"route", "outcome"}),
		dialDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_dial_duration_seconds",
			Help:      "Time to establish upstream connections",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		configReloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration reload attempts by outcome",
		}, []string{"outcome"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SetPoolSizes(active, reserved int) {
	if m == nil {
		return
	}
	m.poolActive.Set(float64(active))
	m.poolReserved.Set(float64(reserved))
}

func (m *Metrics) ReservationsExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reservationsExpired.Add(float64(n))
}

func (m *Metrics) ReserveFailed() {
	if m == nil {
		return
	}
	m.reserveFailures.Inc()
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

// RequestParsed counts one parsed request under its status name.
func (m *Metrics) RequestParsed(status string) {
	if m == nil {
		return
	}
	m.parseOutcomes.WithLabelValues(status).Inc()
}

func (m *Metrics) AddBytesRead(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesRead.Add(float64(n))
}

func (m *Metrics) AddBytesWritten(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesWritten.Add(float64(n))
}

// ObserveDial records one upstream dial attempt.
func (m *Metrics) ObserveDial(route string, took time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.upstreamDials.WithLabelValues(route, outcome).Inc()
	m.dialDuration.WithLabelValues(route).Observe(took.Seconds())
}

func (m *Metrics) ConfigReloaded(err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.configReloads.WithLabelValues(outcome).Inc()
}
