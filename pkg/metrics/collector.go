package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haolipeng/waf_detector/pkg/object"
)

const namespace = "waf_detector"

// Collector 汇总评估和配置相关的 Prometheus 指标
//
// 所有方法对 nil 接收者是空操作，未启用指标时调用方可以直接传 nil。
type Collector struct {
	registry *prometheus.Registry

	runs          *prometheus.CounterVec
	runDuration   prometheus.Histogram
	timeouts      prometheus.Counter
	events        prometheus.Counter
	actions       *prometheus.CounterVec
	truncations   *prometheus.CounterVec
	builds        *prometheus.CounterVec
	loadedConfigs prometheus.Gauge
	ruleCount     prometheus.Gauge
}

// NewCollector 创建指标收集器，registry 为 nil 时使用独立的注册表
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: registry,
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Evaluation calls by return code.",
		}, []string{"code"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of a single evaluation call.",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeouts_total",
			Help:      "Evaluation calls that exhausted their time budget.",
		}),
		events: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events reported by evaluation calls.",
		}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Actions returned by evaluation calls, by action type.",
		}, []string{"type"}),
		truncations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "truncations_total",
			Help:      "Input values truncated before evaluation, by reason.",
		}, []string{"reason"}),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_total",
			Help:      "Instance builds by result.",
		}, []string{"result"}),
		loadedConfigs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loaded_configs",
			Help:      "Configurations currently held by the builder.",
		}),
		ruleCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_rules",
			Help:      "Rules compiled into the current instance.",
		}),
	}

	registry.MustRegister(
		c.runs, c.runDuration, c.timeouts, c.events,
		c.actions, c.truncations, c.builds, c.loadedConfigs, c.ruleCount,
	)
	return c
}

// RecordRun 记录一次评估调用
func (c *Collector) RecordRun(code string, duration time.Duration, events int, actionTypes []string, timeout bool) {
	if c == nil {
		return
	}
	c.runs.WithLabelValues(code).Inc()
	c.runDuration.Observe(duration.Seconds())
	if timeout {
		c.timeouts.Inc()
	}
	if events > 0 {
		c.events.Add(float64(events))
	}
	for _, t := range actionTypes {
		c.actions.WithLabelValues(t).Inc()
	}
}

// RecordTruncations 记录请求解析时的截断
func (c *Collector) RecordTruncations(t object.Truncations) {
	if c == nil {
		return
	}
	for reason, sizes := range t {
		c.truncations.WithLabelValues(reason.String()).Add(float64(len(sizes)))
	}
}

// RecordBuild 记录一次实例构建
func (c *Collector) RecordBuild(err error, configs, rules int) {
	if c == nil {
		return
	}
	if err != nil {
		c.builds.WithLabelValues("failure").Inc()
		return
	}
	c.builds.WithLabelValues("success").Inc()
	c.loadedConfigs.Set(float64(configs))
	c.ruleCount.Set(float64(rules))
}

// Registry 返回底层注册表
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler 返回 Prometheus 抓取端点
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
