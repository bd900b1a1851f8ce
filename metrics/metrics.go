// Package metrics exports runtime state in the prometheus format.
package metrics

import (
	"time"

	"github.com/MXWXZ/plugd/fault"
	"github.com/MXWXZ/plugd/hook"
	"github.com/MXWXZ/plugd/lifecycle"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "plugd"

// Source provides the state sampled on every scrape.
type Source interface {
	Stats() lifecycle.Stats
}

// Retainer reports bytes retained by all sandboxes.
type Retainer interface {
	Retained() int64
}

var statuses = []lifecycle.Status{
	lifecycle.StatusActive,
	lifecycle.StatusDisabled,
	lifecycle.StatusError,
}

// Collector samples plugin records and sandbox usage at scrape time and
// counts hook invocations as they happen.
type Collector struct {
	src      Source
	retainer Retainer

	plugins   *prometheus.Desc
	hooks     *prometheus.Desc
	rss       *prometheus.Desc
	retained  *prometheus.Desc
	execTime  *prometheus.Desc
	memory    *prometheus.Desc
	network   *prometheus.Desc
	database  *prometheus.Desc
	calls     *prometheus.Desc
	dispatch  *prometheus.CounterVec
	failures  *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

func New(src Source, retainer Retainer) *Collector {
	sandbox := []string{"plugin"}
	return &Collector{
		src:      src,
		retainer: retainer,
		plugins: prometheus.NewDesc(namespace+"_plugins", "Plugins by status.",
			[]string{"status"}, nil),
		hooks: prometheus.NewDesc(namespace+"_hooks", "Hook names with at least one handler.",
			nil, nil),
		rss: prometheus.NewDesc(namespace+"_process_rss_bytes", "Resident memory of the host process.",
			nil, nil),
		retained: prometheus.NewDesc(namespace+"_retained_bytes", "Bytes retained by all sandboxes.",
			nil, nil),
		execTime: prometheus.NewDesc(namespace+"_sandbox_execution_ms", "Execution time charged to a sandbox.",
			sandbox, nil),
		memory: prometheus.NewDesc(namespace+"_sandbox_memory_bytes", "Memory high-water mark of a sandbox.",
			sandbox, nil),
		network: prometheus.NewDesc(namespace+"_sandbox_network_requests", "Network requests made by a sandbox.",
			sandbox, nil),
		database: prometheus.NewDesc(namespace+"_sandbox_database_queries", "Database queries made by a sandbox.",
			sandbox, nil),
		calls: prometheus.NewDesc(namespace+"_sandbox_calls", "Calls into a sandbox.",
			sandbox, nil),
		dispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_invocations_total",
			Help:      "Hook handler invocations.",
		}, []string{"plugin", "hook"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_failures_total",
			Help:      "Failed hook handler invocations by error code.",
		}, []string{"plugin", "hook", "code"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "hook_duration_seconds",
			Help:      "Hook handler latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"hook"}),
	}
}

// Observe is a hook.Observer.
func (c *Collector) Observe(plugin string, name string, d time.Duration, err error) {
	c.dispatch.WithLabelValues(plugin, name).Inc()
	c.durations.WithLabelValues(name).Observe(d.Seconds())
	if err != nil {
		c.failures.WithLabelValues(plugin, name, fault.CodeOf(err).MsgID()).Inc()
	}
}

var _ hook.Observer = (*Collector)(nil).Observe

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.plugins, c.hooks, c.rss, c.retained,
		c.execTime, c.memory, c.network, c.database, c.calls,
	} {
		ch <- d
	}
	c.dispatch.Describe(ch)
	c.failures.Describe(ch)
	c.durations.Describe(ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.src.Stats()
	count := map[lifecycle.Status]int{
		lifecycle.StatusActive:   stats.Active,
		lifecycle.StatusDisabled: stats.Disabled,
		lifecycle.StatusError:    stats.Error,
	}
	for _, s := range statuses {
		ch <- prometheus.MustNewConstMetric(c.plugins, prometheus.GaugeValue, float64(count[s]), string(s))
	}
	ch <- prometheus.MustNewConstMetric(c.hooks, prometheus.GaugeValue, float64(stats.Hooks))
	ch <- prometheus.MustNewConstMetric(c.rss, prometheus.GaugeValue, float64(stats.RSS))
	if c.retainer != nil {
		ch <- prometheus.MustNewConstMetric(c.retained, prometheus.GaugeValue, float64(c.retainer.Retained()))
	}
	for _, info := range stats.Sandboxes {
		u := info.Usage
		ch <- prometheus.MustNewConstMetric(c.execTime, prometheus.CounterValue, float64(u.ExecutionTimeMs), info.PluginID)
		ch <- prometheus.MustNewConstMetric(c.memory, prometheus.GaugeValue, float64(u.MemoryBytes), info.PluginID)
		ch <- prometheus.MustNewConstMetric(c.network, prometheus.CounterValue, float64(u.NetworkRequests), info.PluginID)
		ch <- prometheus.MustNewConstMetric(c.database, prometheus.CounterValue, float64(u.DatabaseQueries), info.PluginID)
		ch <- prometheus.MustNewConstMetric(c.calls, prometheus.CounterValue, float64(u.Calls), info.PluginID)
	}
	c.dispatch.Collect(ch)
	c.failures.Collect(ch)
	c.durations.Collect(ch)
}
