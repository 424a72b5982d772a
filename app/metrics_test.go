package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qsrgraph/qsrgraph/config"
	"github.com/qsrgraph/qsrgraph/health"
	"github.com/qsrgraph/qsrgraph/pipeline"
)

func TestToInt(t *testing.T) {
	assert.Equal(t, 5, toInt(5))
	assert.Equal(t, 5, toInt(int64(5)))
	assert.Equal(t, 5, toInt(5.0))
	assert.Equal(t, 0, toInt("5"))
	assert.Equal(t, 0, toInt(nil))
}

func TestHeapPercent(t *testing.T) {
	pct := heapPercent()
	assert.Greater(t, pct, 0.0)
	assert.LessOrEqual(t, pct, 100.0)
}

func TestThresholdFor_ConfigOverridesDefaults(t *testing.T) {
	snap := &config.Config{
		Monitoring: config.MonitoringConfig{
			AlertThresholds: map[string]config.ThresholdConfig{
				"error_rate": {Warning: 5, Critical: 20},
			},
		},
	}
	def := health.Threshold{
		Warning: 10, Critical: 30,
		Operator: health.OpGreater, MinDuration: 2 * time.Minute,
	}

	merged := thresholdFor(snap, "error_rate", def)
	assert.Equal(t, 5.0, merged.Warning)
	assert.Equal(t, 20.0, merged.Critical)
	assert.Equal(t, health.OpGreater, merged.Operator)
	assert.Equal(t, 2*time.Minute, merged.MinDuration)

	// Metrics without an override keep the built-in bounds.
	unchanged := thresholdFor(snap, "memory_percent", def)
	assert.Equal(t, def, unchanged)
}

func TestRegistryStats_EmptyRegistry(t *testing.T) {
	stats := &registryStats{reg: pipeline.NewRegistry()}
	require.Empty(t, stats.terminalSince(time.Hour))
	assert.Equal(t, 0.0, stats.errorRatePercent())
	assert.Equal(t, 100.0, stats.successRate())
	assert.Equal(t, 0.0, stats.throughputPerHour())
	assert.Equal(t, 0.0, stats.meanDurationSeconds())
	assert.Equal(t, 0, stats.recentTimeouts())
}
