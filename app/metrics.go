package app

import (
	"context"
	rtdebug "runtime/debug"
	"time"

	"github.com/qsrgraph/qsrgraph/common"
	"github.com/qsrgraph/qsrgraph/config"
	"github.com/qsrgraph/qsrgraph/degradation"
	"github.com/qsrgraph/qsrgraph/graph"
	"github.com/qsrgraph/qsrgraph/health"
	"github.com/qsrgraph/qsrgraph/optimization"
	"github.com/qsrgraph/qsrgraph/pipeline"
	"github.com/qsrgraph/qsrgraph/reliability"
)

const (
	statsWindow   = time.Hour
	timeoutWindow = 10 * time.Minute
)

// registryStats derives pipeline-level rates from the process registry.
// Terminal processes stay registered until the sweeper ages them out, so
// the windows below always have data to aggregate.
type registryStats struct {
	reg *pipeline.Registry
}

func (s *registryStats) terminalSince(span time.Duration) []*pipeline.Process {
	cutoff := time.Now().Add(-span)
	var out []*pipeline.Process
	for _, p := range s.reg.All() {
		if p.Status().Terminal() && p.EndedAt().After(cutoff) {
			out = append(out, p)
		}
	}
	return out
}

// errorRatePercent is the failed share of processes finished in the last
// hour. No finished processes reads as zero, not as failure.
func (s *registryStats) errorRatePercent() float64 {
	done := s.terminalSince(statsWindow)
	if len(done) == 0 {
		return 0
	}
	failed := 0
	for _, p := range done {
		if p.Status() == pipeline.StatusFailed {
			failed++
		}
	}
	return float64(failed) / float64(len(done)) * 100
}

func (s *registryStats) successRate() float64 {
	done := s.terminalSince(statsWindow)
	if len(done) == 0 {
		return 100
	}
	completed := 0
	for _, p := range done {
		if p.Status() == pipeline.StatusCompleted {
			completed++
		}
	}
	return float64(completed) / float64(len(done)) * 100
}

func (s *registryStats) throughputPerHour() float64 {
	n := 0
	for _, p := range s.terminalSince(statsWindow) {
		if p.Status() == pipeline.StatusCompleted {
			n++
		}
	}
	return float64(n)
}

func (s *registryStats) meanDurationSeconds() float64 {
	done := s.terminalSince(statsWindow)
	if len(done) == 0 {
		return 0
	}
	total := 0.0
	for _, p := range done {
		total += p.EndedAt().Sub(p.CreatedAt).Seconds()
	}
	return total / float64(len(done))
}

func (s *registryStats) recentTimeouts() int {
	n := 0
	for _, p := range s.terminalSince(timeoutWindow) {
		if common.KindOf(p.Err()) == common.KindTimeout {
			n++
		}
	}
	return n
}

// thresholdFor merges the configured alert bounds over the built-in
// defaults for one metric.
func thresholdFor(snap *config.Config, name string, def health.Threshold) health.Threshold {
	if t, ok := snap.Monitoring.AlertThresholds[name]; ok {
		if t.Warning != 0 {
			def.Warning = t.Warning
		}
		if t.Critical != 0 {
			def.Critical = t.Critical
		}
	}
	return def
}

func constSampler(fn func() float64) health.Sampler {
	return func(context.Context) (float64, error) { return fn(), nil }
}

func registerHealthMetrics(m *health.Monitor, snap *config.Config, stats *registryStats,
	dlq *reliability.DLQ, localQueue *degradation.LocalQueue, reg *pipeline.Registry,
	client *graph.Client, breaker *reliability.Breaker) {

	interval := time.Duration(snap.Monitoring.MetricsCollectionInterval) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	concurrency := snap.Processing.ConcurrentProcesses
	if concurrency <= 0 {
		concurrency = 5
	}
	queueCap := snap.Degradation.LocalQueueCap
	if queueCap <= 0 {
		queueCap = 10000
	}

	m.Register("memory_percent", "system", interval,
		thresholdFor(snap, "memory_percent", health.Threshold{
			Warning: float64(snap.Degradation.MemoryThreshold), Critical: 90,
			Operator: health.OpGreater, MinDuration: time.Minute,
		}),
		constSampler(heapPercent))

	m.Register("error_rate", "pipeline", interval,
		thresholdFor(snap, "error_rate", health.Threshold{
			Warning: 10, Critical: 30,
			Operator: health.OpGreater, MinDuration: 2 * time.Minute,
		}),
		constSampler(stats.errorRatePercent))

	m.Register("success_rate", "pipeline", interval,
		thresholdFor(snap, "success_rate", health.Threshold{
			Warning: 90, Critical: 70,
			Operator: health.OpLess, MinDuration: 5 * time.Minute,
		}),
		constSampler(stats.successRate))

	// Alert-free metrics: sampled for trends and the optimizer, with
	// bounds no observation can breach.
	m.Register("throughput_per_hour", "pipeline", interval,
		health.Threshold{Warning: -1, Critical: -1, Operator: health.OpLess},
		constSampler(stats.throughputPerHour))

	m.Register("processing_time_seconds", "pipeline", interval,
		thresholdFor(snap, "processing_time_seconds", health.Threshold{
			Warning: 600, Critical: 900,
			Operator: health.OpGreater, MinDuration: 5 * time.Minute,
		}),
		constSampler(stats.meanDurationSeconds))

	m.Register("active_processes", "pipeline", interval,
		thresholdFor(snap, "active_processes", health.Threshold{
			Warning: float64(2 * concurrency), Critical: float64(4 * concurrency),
			Operator: health.OpGreater, MinDuration: 2 * time.Minute,
		}),
		constSampler(func() float64 { return float64(reg.ActiveCount()) }))

	m.Register("queue_depth", "reliability", interval,
		thresholdFor(snap, "queue_depth", health.Threshold{
			Warning: 50, Critical: 100,
			Operator: health.OpGreater, MinDuration: time.Minute,
		}),
		constSampler(func() float64 { return float64(dlq.Depth()) }))

	m.Register("local_queue_depth", "degradation", interval,
		thresholdFor(snap, "local_queue_depth", health.Threshold{
			Warning: float64(queueCap / 10), Critical: float64(queueCap / 2),
			Operator: health.OpGreater, MinDuration: time.Minute,
		}),
		constSampler(func() float64 { return float64(localQueue.Depth()) }))

	m.Register("graph_latency_ms", "graph", interval,
		thresholdFor(snap, "graph_latency_ms", health.Threshold{
			Warning: 500, Critical: 2000,
			Operator: health.OpGreater, MinDuration: time.Minute,
		}),
		func(ctx context.Context) (float64, error) {
			latency, err := client.HealthProbe(ctx)
			if err != nil {
				return 0, err
			}
			return float64(latency.Milliseconds()), nil
		})

	m.Register("circuit_breaker_failures", "graph", interval,
		thresholdFor(snap, "circuit_breaker_failures", health.Threshold{
			Warning: 3, Critical: 5,
			Operator: health.OpGreater, MinDuration: time.Minute,
		}),
		constSampler(func() float64 {
			return float64(breaker.Metrics().ConsecutiveFailures)
		}))
}

// registerTunables wires the parameters the optimization engine may
// adjust. Every Apply routes through the configuration manager or a
// runtime setter, so changes land in the change log or take effect
// immediately; nothing requires a restart except the pool size, which is
// read at driver construction.
func registerTunables(e *optimization.Engine, cfg *config.Manager,
	client *graph.Client, breaker *reliability.Breaker) {

	e.Register(optimization.Tunable{
		Name:           "batch_size",
		Metric:         "processing_time_seconds",
		WorseningSlope: 1,
		Direction:      -1,
		Min:            1,
		Max:            10,
		Current:        func() float64 { return float64(client.BatchSize()) },
		Apply: func(v float64) error {
			_, err := cfg.Set("processing.batch_size", int(v), "optimizer")
			return err
		},
	})

	e.Register(optimization.Tunable{
		Name:           "circuit_breaker_threshold",
		Metric:         "circuit_breaker_failures",
		WorseningSlope: 1,
		Direction:      1,
		Min:            3,
		Max:            10,
		Current: func() float64 {
			return float64(breaker.Metrics().FailureThreshold)
		},
		Apply: func(v float64) error {
			breaker.SetThreshold(int(v))
			return nil
		},
	})

	e.Register(optimization.Tunable{
		Name:           "memory_limit_mb",
		Metric:         "memory_percent",
		WorseningSlope: 1,
		Direction:      -1,
		Min:            512,
		Max:            8192,
		Current: func() float64 {
			// The runtime default limit is effectively unbounded; report
			// the ceiling so the first proposal steps down from there.
			mb := float64(rtdebug.SetMemoryLimit(-1)) / (1 << 20)
			if mb > 8192 {
				return 8192
			}
			return mb
		},
		Apply: func(v float64) error {
			rtdebug.SetMemoryLimit(int64(v) * (1 << 20))
			return nil
		},
	})

	e.Register(optimization.Tunable{
		Name:           "connection_pool_size",
		Metric:         "graph_latency_ms",
		WorseningSlope: 1,
		Direction:      1,
		Min:            5,
		Max:            50,
		Current: func() float64 {
			return float64(cfg.Snapshot().Database.ConnectionPoolSize)
		},
		Apply: func(v float64) error {
			_, err := cfg.Set("database.connection_pool_size", int(v), "optimizer")
			return err
		},
	})
}
