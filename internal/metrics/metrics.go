package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"fraudflow/logger"
)

// Collector owns the pipeline's Prometheus instruments and an optional
// background sampler for host CPU/memory gauges. Each Collector carries its
// own registry so tests can build isolated instances.
type Collector struct {
	registry *prometheus.Registry

	cpuUsage    prometheus.Gauge
	memoryUsage prometheus.Gauge

	activeTransactions  prometheus.Gauge
	transactionDuration prometheus.Histogram
	predictionLatency   prometheus.Histogram
	predictionScores    prometheus.Histogram
	cacheHits           prometheus.Counter
	cacheMisses         prometheus.Counter

	errorsTotal prometheus.Counter
	errorTypes  *prometheus.CounterVec

	batchSuccess prometheus.Counter
	batchFailure prometheus.Counter

	log *logger.Log
}

// NewCollector registers all pipeline instruments on a fresh registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		cpuUsage: factory.NewGauge(prometheus.GaugeOpts{
			Name: "system_cpu_usage",
			Help: "CPU usage percentage",
		}),
		memoryUsage: factory.NewGauge(prometheus.GaugeOpts{
			Name: "system_memory_usage",
			Help: "Memory usage percentage",
		}),
		activeTransactions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "active_transactions",
			Help: "Number of transactions being processed",
		}),
		transactionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "transaction_duration_seconds",
			Help:    "Time taken to process transactions",
			Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0},
		}),
		predictionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "model_prediction_latency",
			Help:    "Time taken for model predictions",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0},
		}),
		predictionScores: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "model_prediction_scores",
			Help:    "Distribution of fraud prediction scores",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "prediction_cache_hits_total",
			Help: "Prediction cache hits",
		}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "prediction_cache_misses_total",
			Help: "Prediction cache misses",
		}),
		errorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors",
		}),
		errorTypes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "error_types_total",
			Help: "Total errors by type",
		}, []string{"error_type"}),
		batchSuccess: factory.NewCounter(prometheus.CounterOpts{
			Name: "batch_transactions_success_total",
			Help: "Transactions processed successfully",
		}),
		batchFailure: factory.NewCounter(prometheus.CounterOpts{
			Name: "batch_transactions_failed_total",
			Help: "Transactions that failed processing",
		}),
		log: logger.GetLogger(),
	}
}

// RecordTransactionStart marks a transaction as in flight.
func (c *Collector) RecordTransactionStart() {
	c.activeTransactions.Inc()
}

// RecordTransactionEnd marks a transaction finished and observes its
// duration.
func (c *Collector) RecordTransactionEnd(duration time.Duration) {
	c.activeTransactions.Dec()
	c.transactionDuration.Observe(duration.Seconds())
}

// RecordPrediction observes scorer latency and the returned probability.
func (c *Collector) RecordPrediction(latency time.Duration, fraudProbability float64) {
	c.predictionLatency.Observe(latency.Seconds())
	c.predictionScores.Observe(fraudProbability)
}

// RecordCacheLookup counts a prediction cache hit or miss.
func (c *Collector) RecordCacheLookup(hit bool) {
	if hit {
		c.cacheHits.Inc()
	} else {
		c.cacheMisses.Inc()
	}
}

// RecordError counts an error under its type label.
func (c *Collector) RecordError(errorType string) {
	c.errorsTotal.Inc()
	c.errorTypes.WithLabelValues(errorType).Inc()
}

// RecordBatchOutcome adds a batch's success/failure split.
func (c *Collector) RecordBatchOutcome(success, failure int) {
	c.batchSuccess.Add(float64(success))
	c.batchFailure.Add(float64(failure))
}

// StartSystemSampling updates the CPU and memory gauges on the given
// interval until the context is cancelled.
func (c *Collector) StartSystemSampling(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sampleSystem()
			}
		}
	}()
}

func (c *Collector) sampleSystem() {
	log := c.log.WithComponent("metrics")

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		c.cpuUsage.Set(percents[0])
	} else if err != nil {
		log.WithError(err).Debug("cpu sampling failed")
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		c.memoryUsage.Set(vm.UsedPercent)
	} else {
		log.WithError(err).Debug("memory sampling failed")
	}
}

// Handler exposes the collector's registry for scraping.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve runs a scrape endpoint on addr until the context is cancelled.
func (c *Collector) Serve(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		c.log.WithComponent("metrics").WithFields(logger.Fields{"addr": addr}).Info("metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.log.WithComponent("metrics").WithError(err).Warn("metrics endpoint stopped")
		}
	}()
}
