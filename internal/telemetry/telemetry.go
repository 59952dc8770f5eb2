// Package telemetry exports identification metrics to Prometheus.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"photomatch/internal/domain"
	"photomatch/internal/embedding"
)

// Observer receives pipeline events. Implementations must be safe for
// concurrent use.
type Observer interface {
	OnIdentify(d time.Duration, decision domain.MatchDecision, err error)
	OnExtraction(d time.Duration, mode embedding.Mode, err error)
	OnStoreLoad(d time.Duration, records int, err error)
}

// Nop discards every event.
type Nop struct{}

func (Nop) OnIdentify(time.Duration, domain.MatchDecision, error) {}
func (Nop) OnExtraction(time.Duration, embedding.Mode, error)      {}
func (Nop) OnStoreLoad(time.Duration, int, error)                  {}

// PrometheusObserver implements Observer with client_golang collectors.
type PrometheusObserver struct {
	opLatency   *prometheus.HistogramVec
	decisions   *prometheus.CounterVec
	scores      prometheus.Histogram
	extractions *prometheus.CounterVec
	skipped     prometheus.Counter
	storeSize   prometheus.Gauge
	storeLoads  *prometheus.CounterVec
}

// NewPrometheusObserver creates the collectors and registers them with reg.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	o := &PrometheusObserver{
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "photomatch_operation_latency_seconds",
			Help:    "Latency of pipeline operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"op", "status"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "photomatch_identify_total",
			Help: "Identification requests by outcome",
		}, []string{"outcome"}),
		scores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "photomatch_best_score",
			Help:    "Cosine score of the best candidate",
			Buckets: prometheus.LinearBuckets(-1, 0.1, 21),
		}),
		extractions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "photomatch_extractions_total",
			Help: "Feature extractions by mode and status",
		}, []string{"mode", "status"}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "photomatch_shape_mismatch_skipped_total",
			Help: "Stored records skipped because their length differed from the query",
		}),
		storeSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "photomatch_store_records",
			Help: "Records in the loaded embedding store",
		}),
		storeLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "photomatch_store_loads_total",
			Help: "Embedding store loads",
		}, []string{"status"}),
	}
	reg.MustRegister(o.opLatency, o.decisions, o.scores, o.extractions, o.skipped, o.storeSize, o.storeLoads)
	return o
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Outcome classifies a decision for the identify counter.
func Outcome(d domain.MatchDecision, err error) string {
	switch {
	case err != nil:
		return "error"
	case d.EmptyDatabase:
		return "empty_database"
	case !d.HasCandidate():
		return "no_candidate"
	case d.Accepted:
		return "match"
	default:
		return "below_threshold"
	}
}

func (o *PrometheusObserver) OnIdentify(d time.Duration, decision domain.MatchDecision, err error) {
	o.opLatency.WithLabelValues("identify", status(err)).Observe(d.Seconds())
	o.decisions.WithLabelValues(Outcome(decision, err)).Inc()
	if err == nil && decision.HasCandidate() {
		o.scores.Observe(decision.Score)
	}
	if decision.Skipped > 0 {
		o.skipped.Add(float64(decision.Skipped))
	}
}

func (o *PrometheusObserver) OnExtraction(d time.Duration, mode embedding.Mode, err error) {
	o.opLatency.WithLabelValues("extract", status(err)).Observe(d.Seconds())
	o.extractions.WithLabelValues(mode.String(), status(err)).Inc()
}

func (o *PrometheusObserver) OnStoreLoad(d time.Duration, records int, err error) {
	o.opLatency.WithLabelValues("store_load", status(err)).Observe(d.Seconds())
	o.storeLoads.WithLabelValues(status(err)).Inc()
	if err == nil {
		o.storeSize.Set(float64(records))
	}
}
