// Package metrics exposes spectre's Prometheus collectors and the HTTP
// handler that serves them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors bundles every metric spectre's components report against.
type Collectors struct {
	RotationsTotal    *prometheus.CounterVec
	CircuitsBuilt     *prometheus.CounterVec
	CircuitBuildRetry prometheus.Counter
	VerifierPoolSize  *prometheus.GaugeVec
	VerifierDuration  prometheus.Histogram
	ActiveConns       prometheus.Gauge
	BytesRelayed      *prometheus.CounterVec
}

// New registers and returns the full collector set against reg.
func New(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)

	return &Collectors{
		RotationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spectre",
			Name:      "rotations_total",
			Help:      "Chain rotations, partitioned by outcome (ok, empty_pool, error).",
		}, []string{"outcome"}),

		CircuitsBuilt: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spectre",
			Name:      "circuits_built_total",
			Help:      "Circuit build attempts, partitioned by outcome (ok, failed).",
		}, []string{"outcome"}),

		CircuitBuildRetry: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "spectre",
			Name:      "circuit_build_retries_total",
			Help:      "Circuit build retry attempts across all client connections.",
		}),

		VerifierPoolSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "spectre",
			Name:      "verifier_pool_size",
			Help:      "Proxy count after the last verifier pass, partitioned by liveness.",
		}, []string{"alive"}),

		VerifierDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "spectre",
			Name:      "verifier_pass_duration_seconds",
			Help:      "Wall-clock duration of a full verifier pass.",
			Buckets:   prometheus.DefBuckets,
		}),

		ActiveConns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "spectre",
			Name:      "active_connections",
			Help:      "SOCKS5 client connections currently being relayed.",
		}),

		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spectre",
			Name:      "bytes_relayed_total",
			Help:      "Bytes relayed through the AEAD dataplane, partitioned by direction.",
		}, []string{"direction"}),
	}
}

// Handler returns the HTTP handler serving the registry's metrics in the
// Prometheus text exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
