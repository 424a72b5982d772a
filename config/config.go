// Package config provides environment-scoped configuration management for
// the qsrgraph ingestion system.
//
// Configuration is loaded with the following precedence (later sources
// override earlier ones):
//  1. Per-environment defaults
//  2. data/config/<env>.json
//  3. Environment variables (QSR_ prefix, underscores for nesting)
//
// The active environment is selected by DEPLOYMENT_ENV; hostname patterns
// (*prod*, *stage*, *test*) are the fallback. Every change made through the
// Manager is recorded in an append-only change log and can be rolled back.
// Readers always see a complete snapshot; a change is never observable
// half-applied.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Environment identifies a deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
	EnvTesting     Environment = "testing"
)

// DetectEnvironment resolves the active environment from DEPLOYMENT_ENV,
// falling back to hostname patterns, then development.
func DetectEnvironment() Environment {
	switch Environment(strings.ToLower(os.Getenv("DEPLOYMENT_ENV"))) {
	case EnvDevelopment:
		return EnvDevelopment
	case EnvStaging:
		return EnvStaging
	case EnvProduction:
		return EnvProduction
	case EnvTesting:
		return EnvTesting
	}
	host, err := os.Hostname()
	if err != nil {
		return EnvDevelopment
	}
	host = strings.ToLower(host)
	switch {
	case strings.Contains(host, "prod"):
		return EnvProduction
	case strings.Contains(host, "stage"):
		return EnvStaging
	case strings.Contains(host, "test"):
		return EnvTesting
	}
	return EnvDevelopment
}

// ProcessingConfig controls the ingestion pipeline and graph writes.
type ProcessingConfig struct {
	BatchSize           int   `mapstructure:"batch_size" json:"batch_size"`
	TimeoutSeconds      int   `mapstructure:"timeout_seconds" json:"timeout_seconds"`
	RetryAttempts       int   `mapstructure:"retry_attempts" json:"retry_attempts"`
	ConcurrentProcesses int   `mapstructure:"concurrent_processes" json:"concurrent_processes"`
	MaxUploadBytes      int64 `mapstructure:"max_upload_bytes" json:"max_upload_bytes"`
	CrossDocumentDedup  bool  `mapstructure:"cross_document_dedup" json:"cross_document_dedup"`
}

// DatabaseConfig contains graph database connection settings.
type DatabaseConfig struct {
	URI                string `mapstructure:"uri" json:"uri"`
	Username           string `mapstructure:"username" json:"username"`
	Password           string `mapstructure:"password" json:"password"`
	ConnectionPoolSize int    `mapstructure:"connection_pool_size" json:"connection_pool_size"`
	QueryTimeout       int    `mapstructure:"query_timeout" json:"query_timeout"`
}

// ThresholdConfig is a warning/critical pair for one health metric.
type ThresholdConfig struct {
	Warning  float64 `mapstructure:"warning" json:"warning"`
	Critical float64 `mapstructure:"critical" json:"critical"`
}

// MonitoringConfig controls the health monitor.
type MonitoringConfig struct {
	MetricsCollectionInterval int                        `mapstructure:"metrics_collection_interval" json:"metrics_collection_interval"`
	AlertThresholds           map[string]ThresholdConfig `mapstructure:"alert_thresholds" json:"alert_thresholds"`
}

// DegradationConfig controls mode switching and the local write queue.
type DegradationConfig struct {
	QueueModeThreshold int  `mapstructure:"queue_mode_threshold" json:"queue_mode_threshold"`
	MemoryThreshold    int  `mapstructure:"memory_threshold" json:"memory_threshold"`
	AutoRecovery       bool `mapstructure:"auto_recovery" json:"auto_recovery"`
	LocalQueueCap      int  `mapstructure:"local_queue_cap" json:"local_queue_cap"`
}

// SecurityConfig controls audit logging and payload sanitization.
type SecurityConfig struct {
	AuditLogging     bool `mapstructure:"audit_logging" json:"audit_logging"`
	DataSanitization bool `mapstructure:"data_sanitization" json:"data_sanitization"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int     `mapstructure:"port" json:"port"`
	RateLimit       float64 `mapstructure:"rate_limit" json:"rate_limit"`
	ShutdownSeconds int     `mapstructure:"shutdown_seconds" json:"shutdown_seconds"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
}

// StorageConfig names the on-disk layout roots.
type StorageConfig struct {
	UploadDir  string `mapstructure:"upload_dir" json:"upload_dir"`
	ContentDir string `mapstructure:"content_dir" json:"content_dir"`
	DataDir    string `mapstructure:"data_dir" json:"data_dir"`
}

// Config is the full typed configuration tree.
type Config struct {
	Environment Environment       `mapstructure:"environment" json:"environment"`
	Processing  ProcessingConfig  `mapstructure:"processing" json:"processing"`
	Database    DatabaseConfig    `mapstructure:"database" json:"database"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring" json:"monitoring"`
	Degradation DegradationConfig `mapstructure:"degradation" json:"degradation"`
	Security    SecurityConfig    `mapstructure:"security" json:"security"`
	Server      ServerConfig      `mapstructure:"server" json:"server"`
	Logging     LoggingConfig     `mapstructure:"logging" json:"logging"`
	Storage     StorageConfig     `mapstructure:"storage" json:"storage"`
}

// Change records one configuration mutation in the append-only change log.
type Change struct {
	ChangeID   string      `json:"change_id"`
	KeyPath    string      `json:"key_path"`
	Old        interface{} `json:"old"`
	New        interface{} `json:"new"`
	User       string      `json:"user"`
	At         time.Time   `json:"at"`
	Applied    bool        `json:"applied"`
	Reversible bool        `json:"reversible"`
}

// WatchFunc is invoked after a key's value actually changes.
type WatchFunc func(keyPath string, old, new interface{})

// Manager owns the configuration snapshot, change log, and watchers.
type Manager struct {
	mu       sync.RWMutex
	v        *viper.Viper
	env      Environment
	path     string
	current  *Config
	changes  []Change
	watchers map[string][]WatchFunc
}

func setDefaults(v *viper.Viper, env Environment) {
	v.SetDefault("processing.batch_size", 3)
	v.SetDefault("processing.timeout_seconds", 900)
	v.SetDefault("processing.retry_attempts", 5)
	v.SetDefault("processing.concurrent_processes", 5)
	v.SetDefault("processing.max_upload_bytes", int64(10*1024*1024))
	v.SetDefault("processing.cross_document_dedup", false)

	v.SetDefault("database.uri", "bolt://localhost:7687")
	v.SetDefault("database.username", "neo4j")
	v.SetDefault("database.password", "")
	v.SetDefault("database.connection_pool_size", 10)
	v.SetDefault("database.query_timeout", 60)

	v.SetDefault("monitoring.metrics_collection_interval", 15)

	v.SetDefault("degradation.queue_mode_threshold", 120)
	v.SetDefault("degradation.memory_threshold", 70)
	v.SetDefault("degradation.auto_recovery", true)
	v.SetDefault("degradation.local_queue_cap", 10000)

	v.SetDefault("security.audit_logging", true)
	v.SetDefault("security.data_sanitization", true)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit", 0.0)
	v.SetDefault("server.shutdown_seconds", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("storage.upload_dir", "uploads")
	v.SetDefault("storage.content_dir", "content")
	v.SetDefault("storage.data_dir", "data")

	// Environment-specific overrides.
	switch env {
	case EnvDevelopment:
		v.SetDefault("logging.level", "debug")
		v.SetDefault("logging.format", "text")
	case EnvTesting:
		v.SetDefault("processing.concurrent_processes", 2)
		v.SetDefault("processing.timeout_seconds", 30)
	case EnvStaging:
		v.SetDefault("processing.concurrent_processes", 3)
	}
}

// Load builds a Manager for the given environment, reading
// <dataDir>/config/<env>.json when present.
func Load(env Environment, dataDir string) (*Manager, error) {
	v := viper.New()
	setDefaults(v, env)

	path := filepath.Join(dataDir, "config", string(env)+".json")
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) && !isPathError(err) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("QSR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	m := &Manager{
		v:        v,
		env:      env,
		path:     path,
		watchers: make(map[string][]WatchFunc),
	}
	cfg, err := m.unmarshal()
	if err != nil {
		return nil, err
	}
	m.current = cfg
	return m, nil
}

func isPathError(err error) bool {
	_, ok := err.(*os.PathError)
	return ok
}

func (m *Manager) unmarshal() (*Config, error) {
	cfg := &Config{}
	if err := m.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.Environment = m.env
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate schema-checks a configuration tree.
func Validate(cfg *Config) error {
	if cfg.Processing.BatchSize < 1 {
		return fmt.Errorf("processing.batch_size must be >= 1, got %d", cfg.Processing.BatchSize)
	}
	if cfg.Processing.ConcurrentProcesses < 1 {
		return fmt.Errorf("processing.concurrent_processes must be >= 1, got %d", cfg.Processing.ConcurrentProcesses)
	}
	if cfg.Processing.RetryAttempts < 0 {
		return fmt.Errorf("processing.retry_attempts must be >= 0, got %d", cfg.Processing.RetryAttempts)
	}
	if cfg.Processing.MaxUploadBytes < 1 {
		return fmt.Errorf("processing.max_upload_bytes must be positive, got %d", cfg.Processing.MaxUploadBytes)
	}
	if cfg.Database.ConnectionPoolSize < 1 {
		return fmt.Errorf("database.connection_pool_size must be >= 1, got %d", cfg.Database.ConnectionPoolSize)
	}
	if cfg.Database.QueryTimeout < 1 {
		return fmt.Errorf("database.query_timeout must be >= 1, got %d", cfg.Database.QueryTimeout)
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Degradation.MemoryThreshold < 1 || cfg.Degradation.MemoryThreshold > 100 {
		return fmt.Errorf("degradation.memory_threshold must be 1..100, got %d", cfg.Degradation.MemoryThreshold)
	}
	return nil
}

// Snapshot returns the current immutable configuration. Callers must not
// mutate the returned value.
func (m *Manager) Snapshot() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Environment returns the active environment.
func (m *Manager) Environment() Environment { return m.env }

// Get returns the value at a dotted key path.
func (m *Manager) Get(keyPath string) interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.v.Get(keyPath)
}

// Set applies one configuration change, records it in the change log, and
// fires watchers if the effective value changed. The new tree is validated
// before it becomes visible; a rejected change is recorded as not applied.
func (m *Manager) Set(keyPath string, value interface{}, actor string) (Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setLocked(keyPath, value, actor, true)
}

func (m *Manager) setLocked(keyPath string, value interface{}, actor string, reversible bool) (Change, error) {
	old := m.v.Get(keyPath)
	change := Change{
		ChangeID:   uuid.NewString(),
		KeyPath:    keyPath,
		Old:        old,
		New:        value,
		User:       actor,
		At:         time.Now().UTC(),
		Reversible: reversible,
	}

	m.v.Set(keyPath, value)
	cfg, err := m.unmarshal()
	if err != nil {
		// Restore the previous value so readers never see the bad tree.
		m.v.Set(keyPath, old)
		m.changes = append(m.changes, change)
		return change, err
	}

	change.Applied = true
	m.current = cfg
	m.changes = append(m.changes, change)

	if fmt.Sprintf("%v", old) != fmt.Sprintf("%v", value) {
		for _, fn := range m.watchers[keyPath] {
			fn(keyPath, old, value)
		}
	}
	return change, nil
}

// Watch registers a callback fired when the value at keyPath actually
// changes through Set, ApplyTemplate, or Rollback.
func (m *Manager) Watch(keyPath string, fn WatchFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers[keyPath] = append(m.watchers[keyPath], fn)
}

// Rollback reverts an applied, reversible change by its id.
func (m *Manager) Rollback(changeID string, actor string) (Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.changes) - 1; i >= 0; i-- {
		c := m.changes[i]
		if c.ChangeID != changeID {
			continue
		}
		if !c.Applied {
			return Change{}, fmt.Errorf("change %s was never applied", changeID)
		}
		if !c.Reversible {
			return Change{}, fmt.Errorf("change %s is not reversible", changeID)
		}
		return m.setLocked(c.KeyPath, c.Old, actor, true)
	}
	return Change{}, fmt.Errorf("change %s not found", changeID)
}

// Changes returns a copy of the change log, newest last.
func (m *Manager) Changes() []Change {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Change, len(m.changes))
	copy(out, m.changes)
	return out
}

// Save persists the current configuration and change history to the
// environment's config file.
func (m *Manager) Save() error {
	m.mu.RLock()
	state := struct {
		Config  *Config  `json:"config"`
		Changes []Change `json:"changes"`
	}{m.current, m.changes}
	path := m.path
	m.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// WatchFile re-reads the environment config file when it changes on disk.
// Uses viper's fsnotify-backed watcher; changes flow through the same
// snapshot swap as Set.
func (m *Manager) WatchFile() {
	m.v.OnConfigChange(func(fsnotifyEvent fsnotify.Event) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cfg, err := m.unmarshal(); err == nil {
			m.current = cfg
		}
	})
	m.v.WatchConfig()
}
