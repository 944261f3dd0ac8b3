// Package metrics exports agent activity as Prometheus metrics. The
// [Observer] derives everything from the activity event stream, so the
// agent loop carries no metrics code of its own.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nugget/trialmatch/internal/events"
)

const namespace = "trialmatch"

// Observer is an events.Observer that updates Prometheus collectors.
type Observer struct {
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	iterations   prometheus.Histogram
	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	thinking     prometheus.Counter
	serviceUp    *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Observer, error) {
	o := &Observer{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Agent runs that passed input validation and started.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Agent runs that reached a terminal state, by status.",
		}, []string{"status"}),
		iterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_iterations",
			Help:      "Model iterations used per finished run.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls dispatched, by tool and result.",
		}, []string{"tool", "result"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Duration of tool executions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		thinking: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "thinking_fragments_total",
			Help:      "Reasoning text fragments emitted alongside tool calls.",
		}),
		serviceUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "service_up",
			Help:      "Whether a dependency answered its last health probe (1) or not (0).",
		}, []string{"service"}),
	}

	for _, c := range []prometheus.Collector{
		o.runsStarted, o.runsFinished, o.iterations, o.toolCalls, o.toolDuration, o.thinking, o.serviceUp,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Notify implements events.Observer.
func (o *Observer) Notify(e events.Event) {
	switch e.Kind {
	case events.KindStart:
		o.runsStarted.Inc()

	case events.KindThinking:
		o.thinking.Inc()

	case events.KindToolResult:
		result := "ok"
		if ok, _ := e.Data["ok"].(bool); !ok {
			result = "error"
		}
		o.toolCalls.WithLabelValues(e.ToolName, result).Inc()
		if ms, ok := e.Data["duration_ms"].(int64); ok {
			d := time.Duration(ms) * time.Millisecond
			o.toolDuration.WithLabelValues(e.ToolName).Observe(d.Seconds())
		}

	case events.KindComplete:
		o.runsFinished.WithLabelValues("succeeded").Inc()
		o.iterations.Observe(float64(e.Iteration))

	case events.KindError:
		status, _ := e.Data["status"].(string)
		if status == "" {
			status = "failed"
		}
		o.runsFinished.WithLabelValues(status).Inc()
		o.iterations.Observe(float64(e.Iteration))
	}
}

// SetServiceUp records the latest probe result for a dependency.
func (o *Observer) SetServiceUp(service string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	o.serviceUp.WithLabelValues(service).Set(v)
}
