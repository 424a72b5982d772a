package health

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qsrgraph/qsrgraph/pipeline"
)

type stubStuck struct{ files []pipeline.StuckFile }

func (s stubStuck) StuckFiles() []pipeline.StuckFile { return s.files }

// sequenceSampler returns preset values, repeating the last one.
func sequenceSampler(values ...float64) (Sampler, *int) {
	i := new(int)
	return func(context.Context) (float64, error) {
		v := values[min(*i, len(values)-1)]
		*i++
		return v, nil
	}, i
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func newMonitor(t *testing.T) *Monitor {
	t.Helper()
	return NewMonitor(prometheus.NewRegistry(), nil, t.TempDir())
}

func collect(m *Monitor, name string, times int) {
	for i := 0; i < times; i++ {
		m.Collect(context.Background(), name)
	}
}

func TestThreshold_DurationGate(t *testing.T) {
	m := newMonitor(t)
	sampler, _ := sequenceSampler(95, 95, 95)
	// interval 30s, min duration 90s: three breaching samples required.
	m.Register("error_rate", "pipeline", 30*time.Second,
		Threshold{Warning: 30, Critical: 90, Operator: OpGreater, MinDuration: 90 * time.Second}, sampler)

	collect(m, "error_rate", 2)
	assert.Empty(t, m.ActiveAlerts(), "two breaching samples do not satisfy the duration gate")

	collect(m, "error_rate", 1)
	alerts := m.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, LevelCritical, alerts[0].Level)
	assert.Equal(t, LevelCritical, m.Overall())
}

func TestThreshold_WarningBeforeCritical(t *testing.T) {
	m := newMonitor(t)
	sampler, _ := sequenceSampler(50)
	m.Register("memory_percent", "system", time.Minute,
		Threshold{Warning: 40, Critical: 90, Operator: OpGreater, MinDuration: time.Minute}, sampler)

	collect(m, "memory_percent", 1)
	alerts := m.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, LevelWarning, alerts[0].Level)
	assert.Equal(t, LevelWarning, m.Overall())
}

func TestAlert_NoDuplicates(t *testing.T) {
	m := newMonitor(t)
	sampler, _ := sequenceSampler(95)
	m.Register("error_rate", "pipeline", time.Minute,
		Threshold{Warning: 30, Critical: 90, Operator: OpGreater, MinDuration: time.Minute}, sampler)

	collect(m, "error_rate", 5)
	assert.Len(t, m.ActiveAlerts(), 1, "sustained breach raises exactly one alert")
}

func TestAlert_EscalatesWarningToCritical(t *testing.T) {
	m := newMonitor(t)
	sampler, _ := sequenceSampler(50, 95)
	m.Register("error_rate", "pipeline", time.Minute,
		Threshold{Warning: 30, Critical: 90, Operator: OpGreater, MinDuration: time.Minute}, sampler)

	collect(m, "error_rate", 1)
	require.Equal(t, LevelWarning, m.ActiveAlerts()[0].Level)

	collect(m, "error_rate", 1)
	alerts := m.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, LevelCritical, alerts[0].Level)
}

func TestAlert_ResolvesAfterHealthyStreak(t *testing.T) {
	m := newMonitor(t)
	sampler, _ := sequenceSampler(95, 10, 10, 10)
	m.Register("error_rate", "pipeline", time.Minute,
		Threshold{Warning: 30, Critical: 90, Operator: OpGreater, MinDuration: time.Minute}, sampler)

	collect(m, "error_rate", 1)
	require.Len(t, m.ActiveAlerts(), 1)

	collect(m, "error_rate", 2)
	assert.Len(t, m.ActiveAlerts(), 1, "needs three healthy samples")

	collect(m, "error_rate", 1)
	assert.Empty(t, m.ActiveAlerts())
	assert.Equal(t, LevelHealthy, m.Overall())
}

func TestOperator_LessThan(t *testing.T) {
	m := newMonitor(t)
	sampler, _ := sequenceSampler(40)
	m.Register("success_rate", "pipeline", time.Minute,
		Threshold{Warning: 80, Critical: 50, Operator: OpLess, MinDuration: time.Minute}, sampler)

	collect(m, "success_rate", 1)
	alerts := m.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, LevelCritical, alerts[0].Level)
}

func TestComponents_WorstWins(t *testing.T) {
	m := newMonitor(t)
	bad, _ := sequenceSampler(95)
	good, _ := sequenceSampler(1)
	m.Register("error_rate", "pipeline", time.Minute,
		Threshold{Warning: 30, Critical: 90, Operator: OpGreater, MinDuration: time.Minute}, bad)
	m.Register("queue_depth", "reliability", time.Minute,
		Threshold{Warning: 50, Critical: 100, Operator: OpGreater, MinDuration: time.Minute}, good)

	collect(m, "error_rate", 1)
	collect(m, "queue_depth", 1)

	comps := m.Components()
	assert.Equal(t, LevelCritical, comps["pipeline"])
	assert.Equal(t, LevelHealthy, comps["reliability"])
	assert.Equal(t, LevelCritical, m.Overall())
}

func TestDashboard_IncludesStuckFiles(t *testing.T) {
	stuck := stubStuck{files: []pipeline.StuckFile{
		{ProcessID: "p1", Stage: pipeline.StageEntityExtraction, ElapsedSeconds: 2400},
	}}
	m := NewMonitor(prometheus.NewRegistry(), stuck, "")
	sampler, _ := sequenceSampler(1)
	m.Register("throughput", "pipeline", time.Minute,
		Threshold{Warning: 0.5, Critical: 0.1, Operator: OpLess, MinDuration: time.Minute}, sampler)
	collect(m, "throughput", 3)

	d := m.Dashboard()
	require.Len(t, d.StuckFiles, 1)
	assert.Equal(t, "p1", d.StuckFiles[0].ProcessID)
	assert.Contains(t, d.Metrics, "throughput")
	assert.Equal(t, 3, d.Metrics["throughput"].Samples)
}

func TestTrend(t *testing.T) {
	base := time.Now().UTC()
	var rising []Sample
	for i := 0; i < 10; i++ {
		rising = append(rising, Sample{At: base.Add(time.Duration(i) * time.Minute), Value: float64(i) * 2})
	}
	slope, corr := Trend(rising)
	assert.InDelta(t, 2.0, slope, 1e-9)
	assert.InDelta(t, 1.0, corr, 1e-9)

	flat := []Sample{
		{At: base, Value: 5}, {At: base.Add(time.Minute), Value: 5}, {At: base.Add(2 * time.Minute), Value: 5},
	}
	slope, corr = Trend(flat)
	assert.Zero(t, slope)
	assert.Zero(t, corr)
}

func TestRing_Bounded(t *testing.T) {
	r := newRing()
	for i := 0; i < ringCap+100; i++ {
		r.push(Sample{Value: float64(i)})
	}
	assert.Equal(t, ringCap, r.count)
	last := r.last(1)
	assert.Equal(t, float64(ringCap+99), last[0].Value)
}
