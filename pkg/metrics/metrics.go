package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the service exports. A nil *Collector is a
// valid no-op recorder.
type Collector struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	ReservationsTotal *prometheus.CounterVec
	UnitsReserved     prometheus.Counter
	RedemptionsTotal  *prometheus.CounterVec
	UnitsDelivered    prometheus.Counter
	TxRetries         *prometheus.CounterVec
	LedgerCorrections prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewCollector registers the metrics on reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated from the global registry.
func NewCollector(namespace string, reg *prometheus.Registry) *Collector {
	f := promauto.With(reg)

	return &Collector{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route, and status code.",
		}, []string{"method", "route", "status"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency distribution.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"method", "route"}),

		ReservationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "reservations_total",
			Help:      "Reservation attempts by outcome kind.",
		}, []string{"result"}),

		UnitsReserved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "units_reserved_total",
			Help:      "Units debited from dispenser stock by reservations.",
		}),

		RedemptionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "redemptions_total",
			Help:      "Code redemptions by outcome kind.",
		}, []string{"result"}),

		UnitsDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "units_delivered_total",
			Help:      "Units recorded as delivered.",
		}),

		TxRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "tx_retries_total",
			Help:      "Transactions retried after a conflict.",
		}, []string{"operation"}),

		LedgerCorrections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "corrections_total",
			Help:      "Prescriptions whose used units were rewritten from delivery history. Alert if non-zero.",
		}),

		gatherer: reg,
	}
}

func (c *Collector) ObserveReservation(result string, units int) {
	if c == nil {
		return
	}
	c.ReservationsTotal.WithLabelValues(result).Inc()
	if units > 0 {
		c.UnitsReserved.Add(float64(units))
	}
}

func (c *Collector) ObserveRedemption(result string, units int) {
	if c == nil {
		return
	}
	c.RedemptionsTotal.WithLabelValues(result).Inc()
	if units > 0 {
		c.UnitsDelivered.Add(float64(units))
	}
}

func (c *Collector) ObserveRetry(operation string) {
	if c == nil {
		return
	}
	c.TxRetries.WithLabelValues(operation).Inc()
}

func (c *Collector) ObserveLedgerCorrection() {
	if c == nil {
		return
	}
	c.LedgerCorrections.Inc()
}

func (c *Collector) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.RequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
