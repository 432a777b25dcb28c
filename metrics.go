package coflow

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// engineCollector exposes the task statistics of an Engine as prometheus metrics.
type engineCollector struct {
	engine *Engine
	tasks  *prometheus.Desc
	ok     *prometheus.Desc
	failed *prometheus.Desc
}

// NewCollector creates a prometheus collector of e's task statistics.
func NewCollector(e *Engine) prometheus.Collector {
	return &engineCollector{
		engine: e,
		tasks: prometheus.NewDesc(
			"coflow_tasks",
			"Number of managed tasks per state.",
			[]string{"state"}, nil,
		),
		ok: prometheus.NewDesc(
			"coflow_tasks_ok",
			"Number of managed tasks terminated with return code 0.",
			nil, nil,
		),
		failed: prometheus.NewDesc(
			"coflow_tasks_failed",
			"Number of managed tasks terminated with a nonzero return code.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *engineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tasks
	ch <- c.ok
	ch <- c.failed
}

// Collect implements prometheus.Collector.
func (c *engineCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.engine.Stats()
	for _, s := range States {
		ch <- prometheus.MustNewConstMetric(c.tasks, prometheus.GaugeValue, float64(st.Count(s)), s.String())
	}
	ch <- prometheus.MustNewConstMetric(c.ok, prometheus.GaugeValue, float64(st.OK))
	ch <- prometheus.MustNewConstMetric(c.failed, prometheus.GaugeValue, float64(st.Failed))
}

// MetricsHandler returns an http handler serving e's metrics on its own registry.
func MetricsHandler(e *Engine) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	err := reg.Register(NewCollector(e))
	if err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
