package metrics

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)

	// Scheduler
	Ticks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scheduler_ticks_total", Help: "Scheduler tick outcomes."},
		[]string{"result"}, // ok | error
	)
	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_tick_duration_seconds",
			Help:    "Duration of one scheduler tick.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)
	CampaignsDue = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "scheduler_campaigns_due_total", Help: "Campaigns classified as due."},
	)
	CampaignConfigErrors = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "scheduler_campaign_config_errors_total", Help: "Campaigns skipped for malformed schedule or timezone."},
	)
	EmptyResolutions = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "scheduler_empty_resolutions_total", Help: "Due campaigns whose pending worklist was empty (stuck campaigns show up here every tick)."},
	)
	RecipientSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scheduler_recipient_sends_total", Help: "Per-recipient delivery outcomes."},
		[]string{"outcome"}, // sent | transport_error | lost_race | skipped
	)
	SendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_send_duration_seconds",
			Help:    "Gateway send latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)
	CampaignTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scheduler_campaign_transitions_total", Help: "Campaign state-machine transitions applied."},
		[]string{"kind"}, // sent | cycle_advanced
	)
)

// MustRegister registers default and service collectors.
func MustRegister() {
	prometheus.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		HTTPRequests, HTTPDuration,
		Ticks, TickDuration, CampaignsDue, CampaignConfigErrors,
		EmptyResolutions, RecipientSends, SendDuration, CampaignTransitions,
	)
}

// PGXPoolStats exports pgxpool counters.
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns          prometheus.Gauge
	idle           prometheus.Gauge
	acquireCount   prometheus.Counter
	acquireLatency prometheus.Counter

	// pgxpool reports cumulative totals; only the delta since the previous
	// sample is added to the counters.
	lastAcquires    int64
	lastAcquireTime time.Duration
}

func NewPGXPoolStats(pool *pgxpool.Pool) *PGXPoolStats {
	m := &PGXPoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		acquireCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquires_total", Help: "Total pool acquires.",
		}),
		acquireLatency: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquire_seconds_total", Help: "Sum of acquire latencies.",
		}),
	}
	prometheus.MustRegister(m.conns, m.idle, m.acquireCount, m.acquireLatency)
	return m
}

func (m *PGXPoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	for {
		select {
		case <-stop:
			t.Stop()
			return
		case <-t.C:
			m.sample()
		}
	}
}

func (m *PGXPoolStats) sample() {
	s := m.pool.Stat()
	m.conns.Set(float64(s.TotalConns()))
	m.idle.Set(float64(s.IdleConns()))
	if d := s.AcquireCount() - m.lastAcquires; d > 0 {
		m.acquireCount.Add(float64(d))
	}
	m.lastAcquires = s.AcquireCount()
	if d := s.AcquireDuration() - m.lastAcquireTime; d > 0 {
		m.acquireLatency.Add(d.Seconds())
	}
	m.lastAcquireTime = s.AcquireDuration()
}
