package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry      *prometheus.Registry
	jobsTotal     *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	activeJobs    prometheus.Gauge
	stageFailures *prometheus.CounterVec
	jobsRecovered prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxmux_worker_jobs_total",
			Help: "Total worker jobs by final outcome.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voxmux_worker_job_duration_seconds",
			Help:    "Total processing duration for each worker job.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voxmux_worker_active_jobs",
			Help: "Current number of jobs being processed.",
		}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxmux_worker_stage_failures_total",
			Help: "Failed pipeline attempts by stage.",
		}, []string{"stage"}),
		jobsRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxmux_worker_jobs_recovered_total",
			Help: "Jobs requeued at startup after being left in flight.",
		}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.stageFailures,
		m.jobsRecovered,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
