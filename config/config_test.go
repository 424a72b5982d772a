package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := Load(EnvTesting, t.TempDir())
	require.NoError(t, err)
	return m
}

func TestDetectEnvironment_FromVariable(t *testing.T) {
	tests := []struct {
		value string
		want  Environment
	}{
		{"production", EnvProduction},
		{"staging", EnvStaging},
		{"testing", EnvTesting},
		{"development", EnvDevelopment},
		{"PRODUCTION", EnvProduction},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("DEPLOYMENT_ENV", tt.value)
			assert.Equal(t, tt.want, DetectEnvironment())
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	m, err := Load(EnvProduction, t.TempDir())
	require.NoError(t, err)

	cfg := m.Snapshot()
	assert.Equal(t, 3, cfg.Processing.BatchSize)
	assert.Equal(t, 900, cfg.Processing.TimeoutSeconds)
	assert.Equal(t, 5, cfg.Processing.RetryAttempts)
	assert.Equal(t, 5, cfg.Processing.ConcurrentProcesses)
	assert.Equal(t, 10, cfg.Database.ConnectionPoolSize)
	assert.Equal(t, 60, cfg.Database.QueryTimeout)
	assert.Equal(t, 120, cfg.Degradation.QueueModeThreshold)
	assert.True(t, cfg.Degradation.AutoRecovery)
	assert.True(t, cfg.Security.AuditLogging)
	assert.True(t, cfg.Security.DataSanitization)
	assert.False(t, cfg.Processing.CrossDocumentDedup)
}

func TestSet_RecordsChangeAndFiresWatcher(t *testing.T) {
	m := newTestManager(t)

	var fired []string
	m.Watch("processing.batch_size", func(key string, old, new interface{}) {
		fired = append(fired, key)
	})

	change, err := m.Set("processing.batch_size", 7, "operator")
	require.NoError(t, err)
	assert.True(t, change.Applied)
	assert.Equal(t, "processing.batch_size", change.KeyPath)
	assert.Equal(t, 7, m.Snapshot().Processing.BatchSize)
	assert.Equal(t, []string{"processing.batch_size"}, fired)

	// Setting the same value again must not re-fire the watcher.
	_, err = m.Set("processing.batch_size", 7, "operator")
	require.NoError(t, err)
	assert.Len(t, fired, 1)
}

func TestSet_InvalidValueRejected(t *testing.T) {
	m := newTestManager(t)

	change, err := m.Set("processing.batch_size", 0, "operator")
	require.Error(t, err)
	assert.False(t, change.Applied)

	// The snapshot keeps the previous valid value.
	assert.Equal(t, 3, m.Snapshot().Processing.BatchSize)
}

func TestRollback(t *testing.T) {
	m := newTestManager(t)

	change, err := m.Set("processing.batch_size", 9, "operator")
	require.NoError(t, err)
	require.Equal(t, 9, m.Snapshot().Processing.BatchSize)

	_, err = m.Rollback(change.ChangeID, "operator")
	require.NoError(t, err)
	assert.Equal(t, 3, m.Snapshot().Processing.BatchSize)

	_, err = m.Rollback("no-such-change", "operator")
	assert.Error(t, err)
}

func TestApplyTemplate(t *testing.T) {
	m := newTestManager(t)

	changes, err := m.ApplyTemplate("aggressive", "operator")
	require.NoError(t, err)
	assert.Len(t, changes, 3)

	cfg := m.Snapshot()
	assert.Equal(t, 10, cfg.Processing.BatchSize)
	assert.Equal(t, 10, cfg.Processing.ConcurrentProcesses)
	assert.Equal(t, 20, cfg.Database.ConnectionPoolSize)

	_, err = m.ApplyTemplate("nonexistent", "operator")
	assert.Error(t, err)
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(EnvTesting, dir)
	require.NoError(t, err)

	_, err = m.Set("processing.batch_size", 6, "operator")
	require.NoError(t, err)
	require.NoError(t, m.Save())

	raw, err := os.ReadFile(filepath.Join(dir, "config", "testing.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"batch_size": 6`)
	assert.Contains(t, string(raw), `"changes"`)
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("QSR_PROCESSING_BATCH_SIZE", "12")
	m, err := Load(EnvProduction, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 12, m.Snapshot().Processing.BatchSize)
}
