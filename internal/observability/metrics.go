// Package observability exposes scheduler metrics and the debug HTTP server.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"signalbell/internal/scheduler"
)

// Metrics turns scheduler events into Prometheus series. Register it as a
// scheduler listener.
type Metrics struct {
	registry         prometheus.Registerer
	events           *prometheus.CounterVec
	playbacks        *prometheus.CounterVec
	playbackDuration *prometheus.HistogramVec
	queueRuns        prometheus.Counter
	queueDepth       prometheus.Gauge
	running          prometheus.Gauge
}

func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		registry: reg,
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_events_total",
				Help:      "Scheduler events by kind",
			},
			[]string{"kind"},
		),
		playbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "playbacks_total",
				Help:      "Finished playbacks by outcome and trigger",
			},
			[]string{"outcome", "trigger"},
		),
		playbackDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "playback_duration_seconds",
				Help:      "Wall time of finished playbacks",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"outcome"},
		),
		queueRuns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_runs_total",
				Help:      "Execution queue runs started",
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Playbacks waiting behind the current one",
			},
		),
		running: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scheduler_running",
				Help:      "1 while the scheduler is running",
			},
		),
	}

	reg.MustRegister(
		m.events,
		m.playbacks,
		m.playbackDuration,
		m.queueRuns,
		m.queueDepth,
		m.running,
	)
	return m
}

// ObserveStatus registers gauges read from status on every scrape.
func (m *Metrics) ObserveStatus(namespace string, status func() scheduler.Status) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_tick_timestamp_seconds",
			Help:      "Unix time of the last evaluation tick",
		}, func() float64 {
			st := status()
			if st.LastTick.IsZero() {
				return 0
			}
			return float64(st.LastTick.UnixNano()) / 1e9
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tick_errors",
			Help:      "Failed evaluation ticks since start",
		}, func() float64 { return float64(status().TickErrors) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fire_cache_size",
			Help:      "Schedules already fired in the current minute",
		}, func() float64 { return float64(status().CacheSize) }),
	)
}

func (m *Metrics) HandleEvent(e scheduler.Event) {
	m.events.WithLabelValues(string(e.Kind)).Inc()

	switch e.Kind {
	case scheduler.EventStarted:
		m.running.Set(1)
	case scheduler.EventStopped:
		m.running.Set(0)
		m.queueDepth.Set(0)
	case scheduler.EventQueueStarted:
		m.queueRuns.Inc()
		m.queueDepth.Set(float64(e.QueueLen))
	case scheduler.EventQueueFinished:
		m.queueDepth.Set(0)
	case scheduler.EventFired:
		m.queueDepth.Set(float64(e.QueueLen))
	case scheduler.EventCompleted:
		m.recordPlayback("completed", e)
	case scheduler.EventError:
		if e.Schedule != nil {
			m.recordPlayback("failed", e)
		}
	}
}

func (m *Metrics) recordPlayback(outcome string, e scheduler.Event) {
	trigger := "scheduled"
	if e.Manual {
		trigger = "manual"
	}
	m.playbacks.WithLabelValues(outcome, trigger).Inc()
	m.playbackDuration.WithLabelValues(outcome).Observe(e.Took.Seconds())
}
