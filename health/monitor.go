// Package health samples system metrics on independent intervals,
// evaluates duration-gated thresholds, and raises non-duplicate alerts.
// The monitor never mutates pipeline state; it only observes and reports.
package health

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/qsrgraph/qsrgraph/common"
	"github.com/qsrgraph/qsrgraph/pipeline"
)

// Level is a health state, ordered healthy < warning < critical.
type Level string

const (
	LevelHealthy  Level = "healthy"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

func levelRank(l Level) int {
	switch l {
	case LevelCritical:
		return 2
	case LevelWarning:
		return 1
	}
	return 0
}

// Operator compares a sample against a threshold bound.
type Operator string

const (
	OpGreater Operator = "gt"
	OpLess    Operator = "lt"
)

func (o Operator) breaches(value, bound float64) bool {
	if o == OpLess {
		return value < bound
	}
	return value > bound
}

// Threshold gates alerts for one metric. A bound is breached only when
// the last ceil(MinDuration/interval) samples all breach it.
type Threshold struct {
	Warning     float64       `json:"warning"`
	Critical    float64       `json:"critical"`
	Operator    Operator      `json:"operator"`
	MinDuration time.Duration `json:"min_duration"`
}

// Alert is one raised threshold breach.
type Alert struct {
	ID         string     `json:"id"`
	Metric     string     `json:"metric"`
	Component  string     `json:"component"`
	Level      Level      `json:"level"`
	Value      float64    `json:"value"`
	Bound      float64    `json:"bound"`
	StartedAt  time.Time  `json:"started_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Sampler produces one observation of a metric.
type Sampler func(ctx context.Context) (float64, error)

// healthyToResolve is how many consecutive non-breaching samples resolve
// an active alert.
const healthyToResolve = 3

const alertHistoryCap = 500

type metricDef struct {
	name      string
	component string
	interval  time.Duration
	threshold Threshold
	sampler   Sampler

	ring          *ring
	healthyStreak int
}

// StuckLister reports stuck processing files. The pipeline implements it.
type StuckLister interface {
	StuckFiles() []pipeline.StuckFile
}

// Dashboard is the operator view.
type Dashboard struct {
	Overall      Level                `json:"overall"`
	Components   map[string]Level     `json:"components"`
	ActiveAlerts []Alert              `json:"active_alerts"`
	Metrics      map[string]Summary   `json:"metrics"`
	StuckFiles   []pipeline.StuckFile `json:"stuck_files"`
	GeneratedAt  time.Time            `json:"generated_at"`
}

// Summary condenses one metric's recent window.
type Summary struct {
	Latest  float64 `json:"latest"`
	Mean    float64 `json:"mean"`
	Slope   float64 `json:"slope_per_minute"`
	Samples int     `json:"samples"`
}

// Monitor owns metric sampling and alerting.
type Monitor struct {
	mu      sync.RWMutex
	defs    map[string]*metricDef
	active  map[string]*Alert // keyed by metric
	history []Alert

	stuck    StuckLister
	alertLog string // data/health/alerts.json, empty disables persistence

	gaugeValue  *prometheus.GaugeVec
	alertsTotal *prometheus.CounterVec
	healthGauge prometheus.Gauge

	stop chan struct{}
	wg   sync.WaitGroup
	log  *logrus.Entry
}

// NewMonitor builds a monitor. reg may be nil to skip prometheus
// registration; dataDir may be empty to skip the on-disk alert log.
func NewMonitor(reg prometheus.Registerer, stuck StuckLister, dataDir string) *Monitor {
	m := &Monitor{
		defs:   make(map[string]*metricDef),
		active: make(map[string]*Alert),
		stuck:  stuck,
		stop:   make(chan struct{}),
		log:    common.Logger.WithField("component", "health"),
		gaugeValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "qsrgraph", Name: "metric_value", Help: "Latest sampled value per health metric.",
		}, []string{"metric"}),
		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qsrgraph", Name: "alerts_total", Help: "Alerts raised, by metric and level.",
		}, []string{"metric", "level"}),
		healthGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qsrgraph", Name: "health_level", Help: "Overall health: 0 healthy, 1 warning, 2 critical.",
		}),
	}
	if dataDir != "" {
		dir := filepath.Join(dataDir, "health")
		if err := os.MkdirAll(dir, 0o755); err == nil {
			m.alertLog = filepath.Join(dir, "alerts.json")
		}
	}
	if reg != nil {
		reg.MustRegister(m.gaugeValue, m.alertsTotal, m.healthGauge)
	}
	return m
}

// Register adds a metric with its sampler, interval, and threshold.
func (m *Monitor) Register(name, component string, interval time.Duration, threshold Threshold, sampler Sampler) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if threshold.MinDuration <= 0 {
		threshold.MinDuration = interval
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs[name] = &metricDef{
		name:      name,
		component: component,
		interval:  interval,
		threshold: threshold,
		sampler:   sampler,
		ring:      newRing(),
	}
}

// Start launches one sampling loop per metric.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, def := range m.defs {
		def := def
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ticker := time.NewTicker(def.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-m.stop:
					return
				case <-ticker.C:
					m.Collect(ctx, def.name)
				}
			}
		}()
	}
}

// Stop halts all sampling loops.
func (m *Monitor) Stop() {
	close(m.stop)
	m.wg.Wait()
}

// Collect samples one metric immediately and evaluates its threshold.
func (m *Monitor) Collect(ctx context.Context, name string) {
	m.mu.Lock()
	def, ok := m.defs[name]
	m.mu.Unlock()
	if !ok {
		return
	}

	value, err := def.sampler(ctx)
	if err != nil {
		m.log.WithError(err).WithField("metric", name).Debug("sample failed")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	def.ring.push(Sample{At: time.Now().UTC(), Value: value})
	m.gaugeValue.WithLabelValues(name).Set(value)
	m.evaluateLocked(def, value)
	m.healthGauge.Set(float64(levelRank(m.overallLocked())))
}

// evaluateLocked applies the duration gate and manages the active alert.
func (m *Monitor) evaluateLocked(def *metricDef, latest float64) {
	needed := int(math.Ceil(float64(def.threshold.MinDuration) / float64(def.interval)))
	if needed < 1 {
		needed = 1
	}
	recent := def.ring.last(needed)

	level := LevelHealthy
	bound := 0.0
	if len(recent) >= needed {
		if allBreach(recent, def.threshold.Operator, def.threshold.Critical) {
			level, bound = LevelCritical, def.threshold.Critical
		} else if allBreach(recent, def.threshold.Operator, def.threshold.Warning) {
			level, bound = LevelWarning, def.threshold.Warning
		}
	}

	active := m.active[def.name]
	switch {
	case level != LevelHealthy:
		def.healthyStreak = 0
		if active != nil && active.Level == level {
			return // duplicate
		}
		if active != nil {
			m.resolveLocked(active)
		}
		alert := &Alert{
			ID:        uuid.NewString(),
			Metric:    def.name,
			Component: def.component,
			Level:     level,
			Value:     latest,
			Bound:     bound,
			StartedAt: time.Now().UTC(),
		}
		m.active[def.name] = alert
		m.alertsTotal.WithLabelValues(def.name, string(level)).Inc()
		m.log.WithFields(logrus.Fields{
			"metric": def.name, "level": level, "value": latest, "bound": bound,
		}).Warn("health alert raised")
		m.persistLocked()

	case active != nil:
		if !def.threshold.Operator.breaches(latest, def.threshold.Warning) {
			def.healthyStreak++
		} else {
			def.healthyStreak = 0
		}
		if def.healthyStreak >= healthyToResolve {
			m.resolveLocked(active)
			delete(m.active, def.name)
			def.healthyStreak = 0
			m.persistLocked()
		}
	}
}

func (m *Monitor) resolveLocked(a *Alert) {
	now := time.Now().UTC()
	a.ResolvedAt = &now
	m.history = append(m.history, *a)
	if len(m.history) > alertHistoryCap {
		m.history = m.history[len(m.history)-alertHistoryCap:]
	}
	m.log.WithFields(logrus.Fields{"metric": a.Metric, "level": a.Level}).Info("health alert resolved")
}

func allBreach(samples []Sample, op Operator, bound float64) bool {
	for _, s := range samples {
		if !op.breaches(s.Value, bound) {
			return false
		}
	}
	return true
}

func (m *Monitor) persistLocked() {
	if m.alertLog == "" {
		return
	}
	payload := struct {
		Active  []Alert `json:"active"`
		History []Alert `json:"history"`
	}{History: m.history}
	for _, a := range m.active {
		payload.Active = append(payload.Active, *a)
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return
	}
	tmp := m.alertLog + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err == nil {
		_ = os.Rename(tmp, m.alertLog)
	}
}

// Overall is the worst component health.
func (m *Monitor) Overall() Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overallLocked()
}

func (m *Monitor) overallLocked() Level {
	worst := LevelHealthy
	for _, a := range m.active {
		if levelRank(a.Level) > levelRank(worst) {
			worst = a.Level
		}
	}
	return worst
}

// Components rolls health up per component.
func (m *Monitor) Components() map[string]Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Level)
	for _, def := range m.defs {
		if _, ok := out[def.component]; !ok {
			out[def.component] = LevelHealthy
		}
	}
	for _, a := range m.active {
		if levelRank(a.Level) > levelRank(out[a.Component]) {
			out[a.Component] = a.Level
		}
	}
	return out
}

// ActiveAlerts returns the unresolved alerts, newest first.
func (m *Monitor) ActiveAlerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Window returns a metric's samples from the trailing duration.
func (m *Monitor) Window(name string, span time.Duration) []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.defs[name]
	if !ok {
		return nil
	}
	return def.ring.since(time.Now().UTC().Add(-span))
}

// Latest returns a metric's newest sample.
func (m *Monitor) Latest(name string) (Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.defs[name]
	if !ok || def.ring.count == 0 {
		return Sample{}, false
	}
	last := def.ring.last(1)
	return last[0], true
}

// Dashboard builds the operator view.
func (m *Monitor) Dashboard() *Dashboard {
	d := &Dashboard{
		Overall:     m.Overall(),
		Components:  m.Components(),
		Metrics:     make(map[string]Summary),
		GeneratedAt: time.Now().UTC(),
	}
	d.ActiveAlerts = m.ActiveAlerts()
	if m.stuck != nil {
		d.StuckFiles = m.stuck.StuckFiles()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, def := range m.defs {
		recent := def.ring.since(time.Now().UTC().Add(-time.Hour))
		d.Metrics[name] = summarize(recent)
	}
	return d
}

func summarize(samples []Sample) Summary {
	s := Summary{Samples: len(samples)}
	if len(samples) == 0 {
		return s
	}
	sum := 0.0
	for _, smp := range samples {
		sum += smp.Value
	}
	s.Latest = samples[len(samples)-1].Value
	s.Mean = sum / float64(len(samples))
	s.Slope, _ = Trend(samples)
	return s
}

// Trend fits a least-squares line over the samples and returns the slope
// per minute and the absolute correlation coefficient. The optimization
// engine uses the correlation as its confidence.
func Trend(samples []Sample) (slopePerMinute, correlation float64) {
	n := float64(len(samples))
	if n < 2 {
		return 0, 0
	}
	t0 := samples[0].At
	var sumX, sumY, sumXY, sumXX, sumYY float64
	for _, s := range samples {
		x := s.At.Sub(t0).Minutes()
		y := s.Value
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
		sumYY += y * y
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, 0
	}
	slope := (n*sumXY - sumX*sumY) / denom

	varY := n*sumYY - sumY*sumY
	if varY <= 0 {
		return slope, 0
	}
	corr := (n*sumXY - sumX*sumY) / math.Sqrt(denom*varY)
	return slope, math.Abs(corr)
}
