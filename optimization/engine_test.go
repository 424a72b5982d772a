package optimization

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qsrgraph/qsrgraph/common"
	"github.com/qsrgraph/qsrgraph/health"
)

// fakeSource serves canned sample windows per metric.
type fakeSource struct {
	windows map[string][]health.Sample
}

func (f *fakeSource) Window(name string, _ time.Duration) []health.Sample {
	return f.windows[name]
}

func risingSamples(n int, start, step float64) []health.Sample {
	base := time.Now().UTC().Add(-time.Duration(n) * time.Minute)
	out := make([]health.Sample, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, health.Sample{
			At:    base.Add(time.Duration(i) * time.Minute),
			Value: start + float64(i)*step,
		})
	}
	return out
}

func flatSamples(n int, value float64) []health.Sample {
	return risingSamples(n, value, 0)
}

// batchTunable proposes shrinking the batch when processing time climbs.
func batchTunable(current *float64, applied *[]float64) Tunable {
	return Tunable{
		Name:           "batch_size",
		Metric:         "processing_time_seconds",
		WorseningSlope: 1,
		Direction:      -1,
		Min:            1,
		Current:        func() float64 { return *current },
		Apply: func(v float64) error {
			*current = v
			*applied = append(*applied, v)
			return nil
		},
	}
}

func TestAnalyze_ProposesBoundedAdjustment(t *testing.T) {
	src := &fakeSource{windows: map[string][]health.Sample{
		"processing_time_seconds": risingSamples(20, 100, 5),
	}}
	e := NewEngine(src, "")
	current := 10.0
	var applied []float64
	e.Register(batchTunable(&current, &applied))

	proposals := e.Analyze()
	require.Len(t, proposals, 1)
	p := proposals[0]
	assert.Equal(t, "batch_size", p.Parameter)
	assert.Equal(t, 10.0, p.OldValue)
	assert.Equal(t, 8.0, p.NewValue, "adjustment is capped at twenty percent")
	assert.GreaterOrEqual(t, p.Confidence, 0.7)
	assert.Empty(t, applied, "analysis never applies anything")
}

func TestAnalyze_SkipsThinOrNoisyData(t *testing.T) {
	current := 10.0
	var applied []float64

	// Too few samples.
	e := NewEngine(&fakeSource{windows: map[string][]health.Sample{
		"processing_time_seconds": risingSamples(5, 100, 5),
	}}, "")
	e.Register(batchTunable(&current, &applied))
	assert.Empty(t, e.Analyze())

	// Flat trend: zero correlation.
	e = NewEngine(&fakeSource{windows: map[string][]health.Sample{
		"processing_time_seconds": flatSamples(20, 100),
	}}, "")
	e.Register(batchTunable(&current, &applied))
	assert.Empty(t, e.Analyze())

	// Improving trend needs no intervention.
	e = NewEngine(&fakeSource{windows: map[string][]health.Sample{
		"processing_time_seconds": risingSamples(20, 200, -5),
	}}, "")
	e.Register(batchTunable(&current, &applied))
	assert.Empty(t, e.Analyze())
}

func TestStartExperiment_OneAtATime(t *testing.T) {
	src := &fakeSource{windows: map[string][]health.Sample{
		"processing_time_seconds": risingSamples(20, 100, 5),
	}}
	e := NewEngine(src, "")
	current := 10.0
	var applied []float64
	e.Register(batchTunable(&current, &applied))

	p := e.Analyze()[0]
	require.NoError(t, e.StartExperiment(p))
	assert.Equal(t, 8.0, current, "the proposal took effect")
	require.NotNil(t, e.Active())

	err := e.StartExperiment(p)
	assert.Equal(t, common.KindBusyRetryLater, common.KindOf(err))
}

func TestEvaluate_NotDueBeforeWindow(t *testing.T) {
	src := &fakeSource{windows: map[string][]health.Sample{
		"processing_time_seconds": risingSamples(20, 100, 5),
	}}
	e := NewEngine(src, "")
	current := 10.0
	var applied []float64
	e.Register(batchTunable(&current, &applied))
	require.NoError(t, e.StartExperiment(e.Analyze()[0]))

	exp, err := e.EvaluateExperiment()
	require.NoError(t, err)
	assert.Nil(t, exp, "evaluation waits out the window")
	assert.NotNil(t, e.Active())
}

func TestEvaluate_RevertsOnRegression(t *testing.T) {
	src := &fakeSource{windows: map[string][]health.Sample{
		"processing_time_seconds": risingSamples(20, 100, 5),
		"success_rate":            flatSamples(12, 95),
		"throughput_per_hour":     flatSamples(12, 40),
	}}
	dir := t.TempDir()
	e := NewEngine(src, dir)
	current := 10.0
	var applied []float64
	e.Register(batchTunable(&current, &applied))
	require.NoError(t, e.StartExperiment(e.Analyze()[0]))

	// The success rate collapses after the change.
	src.windows["success_rate"] = flatSamples(12, 40)
	e.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }

	exp, err := e.EvaluateExperiment()
	require.NoError(t, err)
	require.NotNil(t, exp)
	assert.Equal(t, OutcomeReverted, exp.Outcome)
	assert.Less(t, exp.Score, -10.0)
	assert.Equal(t, 10.0, current, "old value restored")
	assert.Nil(t, e.Active())

	// The journal survives a restart.
	reloaded := NewEngine(src, dir)
	journal := reloaded.Journal()
	require.Len(t, journal, 1)
	assert.Equal(t, OutcomeReverted, journal[0].Outcome)
}

func TestEvaluate_KeepsImprovement(t *testing.T) {
	src := &fakeSource{windows: map[string][]health.Sample{
		"processing_time_seconds": risingSamples(20, 100, 5),
		"success_rate":            flatSamples(12, 90),
		"throughput_per_hour":     flatSamples(12, 40),
	}}
	e := NewEngine(src, "")
	current := 10.0
	var applied []float64
	e.Register(batchTunable(&current, &applied))
	require.NoError(t, e.StartExperiment(e.Analyze()[0]))

	src.windows["success_rate"] = flatSamples(12, 97)
	src.windows["throughput_per_hour"] = flatSamples(12, 48)
	e.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }

	exp, err := e.EvaluateExperiment()
	require.NoError(t, err)
	require.NotNil(t, exp)
	assert.Equal(t, OutcomeKept, exp.Outcome)
	assert.Greater(t, exp.Score, 0.0)
	assert.Equal(t, 8.0, current, "kept experiments leave the new value in place")
}

func TestWeightedScore(t *testing.T) {
	baseline := map[string]float64{
		"success_rate":            100,
		"processing_time_seconds": 100,
	}
	after := map[string]float64{
		"success_rate":            110, // +10% at weight +1.0
		"processing_time_seconds": 90,  // -10% at weight -1.0
	}
	// (1.0*10 + (-1.0)*(-10)) / 2 = 10
	assert.InDelta(t, 10.0, weightedScore(baseline, after), 1e-9)

	assert.Zero(t, weightedScore(nil, nil))
}
