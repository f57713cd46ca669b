// Package metrics exposes the relayer's Prometheus instrumentation.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bundler"

// Metrics holds the instrument set incremented by the admission and
// bundling paths.
type Metrics struct {
	registry *prometheus.Registry

	OpsAdmitted prometheus.Counter
	OpsReplaced prometheus.Counter
	OpsRejected *prometheus.CounterVec
	OpsIncluded prometheus.Counter
	PoolSize    prometheus.Gauge

	BundlesSubmitted prometheus.Counter
	BundlesFailed    *prometheus.CounterVec
	BundleOps        prometheus.Histogram
	CycleSeconds     prometheus.Histogram

	logger log.Logger
}

// New creates the instrument set on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	return &Metrics{
		registry: reg,
		OpsAdmitted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ops_admitted_total",
			Help:      "Operations admitted into the mempool",
		}),
		OpsReplaced: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ops_replaced_total",
			Help:      "Operations displaced by a higher-fee conflicting operation",
		}),
		OpsRejected: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ops_rejected_total",
			Help:      "Operations rejected at admission, by reason",
		}, []string{"reason"}),
		OpsIncluded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ops_included_total",
			Help:      "Operations confirmed on chain inside a bundle",
		}),
		PoolSize: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mempool_size",
			Help:      "Current mempool depth",
		}),
		BundlesSubmitted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundles_submitted_total",
			Help:      "Bundles confirmed by the backend",
		}),
		BundlesFailed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundles_failed_total",
			Help:      "Bundle submissions that did not confirm, by failure kind",
		}, []string{"kind"}),
		BundleOps: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bundle_ops",
			Help:      "Operations per submitted bundle",
			Buckets:   prometheus.LinearBuckets(1, 4, 8),
		}),
		CycleSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one bundling cycle",
			Buckets:   prometheus.DefBuckets,
		}),
		logger: log.New("module", "metrics"),
	}
}

// Serve starts the /metrics and /health endpoints.
func (m *Metrics) Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"bundler","timestamp":%d}`, time.Now().Unix())
	})

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		m.logger.Info("Metrics server starting", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server error", "err", err)
		}
	}()
}
