package monitoring

import (
	"net/http"
	"time"

	"charlora/core/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsExporter exposes pipeline metrics for Prometheus/Grafana
type MetricsExporter struct {
	registry *prometheus.Registry

	jobsSubmitted  prometheus.Counter
	stageEntered   *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	jobsFinished   *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	trainingActive prometheus.Gauge
	trainingCost   prometheus.Counter
}

// NewMetricsExporter creates the pipeline metrics on a private registry
func NewMetricsExporter() *MetricsExporter {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &MetricsExporter{
		registry: reg,
		jobsSubmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "charlora_jobs_submitted_total",
			Help: "Total number of accepted job submissions",
		}),
		stageEntered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "charlora_stage_entered_total",
			Help: "Total number of times jobs entered each stage",
		}, []string{"stage"}),
		// 1s to ~9h
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "charlora_stage_duration_seconds",
			Help:    "Time jobs spent in each stage",
			Buckets: prometheus.ExponentialBuckets(1, 2, 15),
		}, []string{"stage"}),
		jobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "charlora_jobs_finished_total",
			Help: "Total number of jobs reaching a terminal stage",
		}, []string{"stage", "kind"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "charlora_training_queue_depth",
			Help: "Jobs holding a ticket for the training slot",
		}),
		trainingActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "charlora_training_active",
			Help: "1 while a job holds the training slot",
		}),
		trainingCost: f.NewCounter(prometheus.CounterOpts{
			Name: "charlora_training_cost_usd_total",
			Help: "Estimated cost of all training runs",
		}),
	}
}

func (me *MetricsExporter) JobSubmitted() { me.jobsSubmitted.Inc() }

func (me *MetricsExporter) StageEntered(stage models.Stage) {
	me.stageEntered.WithLabelValues(string(stage)).Inc()
}

func (me *MetricsExporter) StageFinished(stage models.Stage, elapsed time.Duration) {
	me.stageDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())
}

func (me *MetricsExporter) JobFinished(stage models.Stage, kind models.ErrorKind) {
	me.jobsFinished.WithLabelValues(string(stage), string(kind)).Inc()
}

func (me *MetricsExporter) SetQueueDepth(n int) { me.queueDepth.Set(float64(n)) }

func (me *MetricsExporter) SetTrainingActive(active bool) {
	if active {
		me.trainingActive.Set(1)
	} else {
		me.trainingActive.Set(0)
	}
}

// ObserveTrainingCost adds one run's estimated cost
func (me *MetricsExporter) ObserveTrainingCost(usd float64) { me.trainingCost.Add(usd) }

// Registry returns the registry the metrics live on
func (me *MetricsExporter) Registry() *prometheus.Registry { return me.registry }

// Handler serves the metrics in the Prometheus exposition format
func (me *MetricsExporter) Handler() http.Handler {
	return promhttp.HandlerFor(me.registry, promhttp.HandlerOpts{})
}
