// Package optimization proposes bounded parameter adjustments from metric
// trends and validates each one as an experiment: measure a baseline,
// apply the change, compare a weighted score after the evaluation window,
// and revert automatically when the system got worse.
package optimization

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/qsrgraph/qsrgraph/common"
	"github.com/qsrgraph/qsrgraph/health"
)

const (
	analysisWindow    = 24 * time.Hour
	minSamples        = 10
	minConfidence     = 0.7
	maxAdjustFraction = 0.2
	evaluationWindow  = 60 * time.Minute
	revertScoreLimit  = -10.0
	journalCap        = 100
)

// scoreWeights is the weighted comparison used to judge an experiment.
// Positive weights reward increases, negative weights punish them.
var scoreWeights = map[string]float64{
	"success_rate":             1.0,
	"throughput_per_hour":      1.0,
	"processing_time_seconds":  -1.0,
	"memory_percent":           -0.5,
	"circuit_breaker_failures": -0.8,
}

// MetricSource supplies trend data. The health monitor satisfies it.
type MetricSource interface {
	Window(name string, span time.Duration) []health.Sample
}

// Tunable is one parameter the engine may adjust.
type Tunable struct {
	// Name identifies the parameter in proposals and the journal.
	Name string
	// Metric drives the proposal.
	Metric string
	// WorseningSlope is +1 when a rising metric signals trouble, -1 when
	// a falling one does.
	WorseningSlope int
	// Direction is +1 to raise the parameter on worsening trends, -1 to
	// lower it.
	Direction int
	// Min and Max clamp the proposed value after the percentage bound.
	Min, Max float64
	// Current reads the live value; Apply installs a new one.
	Current func() float64
	Apply   func(v float64) error
}

// Proposal is one bounded adjustment backed by a trend.
type Proposal struct {
	ID         string    `json:"id"`
	Parameter  string    `json:"parameter"`
	OldValue   float64   `json:"old_value"`
	NewValue   float64   `json:"new_value"`
	Confidence float64   `json:"confidence"`
	Reason     string    `json:"reason"`
	ProposedAt time.Time `json:"proposed_at"`
}

// Outcome of a finished experiment.
type Outcome string

const (
	OutcomeKept     Outcome = "kept"
	OutcomeReverted Outcome = "reverted"
)

// Experiment is a proposal under (or after) evaluation.
type Experiment struct {
	Proposal    Proposal           `json:"proposal"`
	Baseline    map[string]float64 `json:"baseline"`
	After       map[string]float64 `json:"after,omitempty"`
	Score       float64            `json:"score"`
	Outcome     Outcome            `json:"outcome,omitempty"`
	AppliedAt   time.Time          `json:"applied_at"`
	EvaluatedAt time.Time          `json:"evaluated_at,omitempty"`
}

// Engine analyzes trends and runs one experiment at a time.
type Engine struct {
	source   MetricSource
	tunables []Tunable

	mu      sync.Mutex
	active  *Experiment
	journal []Experiment

	evalWindow  time.Duration
	journalPath string
	now         func() time.Time
	log         *logrus.Entry
}

// NewEngine builds an engine. dataDir may be empty to disable the journal.
func NewEngine(source MetricSource, dataDir string) *Engine {
	e := &Engine{
		source:     source,
		evalWindow: evaluationWindow,
		now:        func() time.Time { return time.Now().UTC() },
		log:        common.Logger.WithField("component", "optimization"),
	}
	if dataDir != "" {
		dir := filepath.Join(dataDir, "optimization")
		if err := os.MkdirAll(dir, 0o755); err == nil {
			e.journalPath = filepath.Join(dir, "journal.json")
			e.load()
		}
	}
	return e
}

// Register adds a tunable parameter.
func (e *Engine) Register(t Tunable) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tunables = append(e.tunables, t)
}

func (e *Engine) load() {
	data, err := os.ReadFile(e.journalPath)
	if err != nil {
		return
	}
	var journal []Experiment
	if json.Unmarshal(data, &journal) == nil {
		e.journal = journal
	}
}

func (e *Engine) persistLocked() {
	if e.journalPath == "" {
		return
	}
	data, err := json.MarshalIndent(e.journal, "", "  ")
	if err != nil {
		return
	}
	tmp := e.journalPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err == nil {
		_ = os.Rename(tmp, e.journalPath)
	}
}

// Analyze inspects every tunable's driving metric over the analysis window
// and returns the proposals whose trend confidence clears the bar. It does
// not apply anything.
func (e *Engine) Analyze() []Proposal {
	e.mu.Lock()
	tunables := make([]Tunable, len(e.tunables))
	copy(tunables, e.tunables)
	e.mu.Unlock()

	var proposals []Proposal
	for _, tun := range tunables {
		if p, ok := e.propose(tun); ok {
			proposals = append(proposals, p)
		}
	}
	return proposals
}

func (e *Engine) propose(tun Tunable) (Proposal, bool) {
	samples := e.source.Window(tun.Metric, analysisWindow)
	if len(samples) < minSamples {
		return Proposal{}, false
	}
	slope, corr := health.Trend(samples)
	if corr < minConfidence {
		return Proposal{}, false
	}
	if float64(tun.WorseningSlope)*slope <= 0 {
		return Proposal{}, false
	}

	current := tun.Current()
	adjusted := current * (1 + float64(tun.Direction)*maxAdjustFraction)
	adjusted = math.Round(adjusted)
	// The percentage bound wins over rounding drift.
	low, high := current*(1-maxAdjustFraction), current*(1+maxAdjustFraction)
	adjusted = math.Max(low, math.Min(high, adjusted))
	if tun.Min > 0 {
		adjusted = math.Max(tun.Min, adjusted)
	}
	if tun.Max > 0 {
		adjusted = math.Min(tun.Max, adjusted)
	}
	if adjusted == current {
		return Proposal{}, false
	}

	return Proposal{
		ID:         uuid.NewString(),
		Parameter:  tun.Name,
		OldValue:   current,
		NewValue:   adjusted,
		Confidence: corr,
		Reason: fmt.Sprintf("%s trending %+.3f/min over %d samples",
			tun.Metric, slope, len(samples)),
		ProposedAt: e.now(),
	}, true
}

// StartExperiment applies a proposal after snapshotting the baseline.
// Only one experiment runs at a time.
func (e *Engine) StartExperiment(p Proposal) error {
	e.mu.Lock()
	if e.active != nil {
		e.mu.Unlock()
		return common.E(common.KindBusyRetryLater, "an experiment is already running")
	}
	tun, ok := e.tunableFor(p.Parameter)
	if !ok {
		e.mu.Unlock()
		return common.E(common.KindInvalidInput, "unknown parameter "+p.Parameter)
	}
	e.mu.Unlock()

	baseline := e.measure()
	if err := tun.Apply(p.NewValue); err != nil {
		return common.Wrap(common.KindInternal, "applying "+p.Parameter, err)
	}

	e.mu.Lock()
	e.active = &Experiment{Proposal: p, Baseline: baseline, AppliedAt: e.now()}
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{
		"parameter": p.Parameter, "old": p.OldValue, "new": p.NewValue,
		"confidence": p.Confidence,
	}).Info("optimization experiment started")
	return nil
}

func (e *Engine) tunableFor(name string) (Tunable, bool) {
	for _, t := range e.tunables {
		if t.Name == name {
			return t, true
		}
	}
	return Tunable{}, false
}

// measure averages the scored metrics over the evaluation window.
func (e *Engine) measure() map[string]float64 {
	out := make(map[string]float64, len(scoreWeights))
	for metric := range scoreWeights {
		samples := e.source.Window(metric, e.evalWindow)
		if len(samples) == 0 {
			continue
		}
		var sum float64
		for _, s := range samples {
			sum += s.Value
		}
		out[metric] = sum / float64(len(samples))
	}
	return out
}

// EvaluateExperiment scores the active experiment once its window has
// elapsed. A score below the revert limit restores the old value. Returns
// the finished experiment, or nil when none was due.
func (e *Engine) EvaluateExperiment() (*Experiment, error) {
	e.mu.Lock()
	exp := e.active
	e.mu.Unlock()
	if exp == nil {
		return nil, nil
	}
	if e.now().Sub(exp.AppliedAt) < e.evalWindow {
		return nil, nil
	}

	exp.After = e.measure()
	exp.Score = weightedScore(exp.Baseline, exp.After)
	exp.EvaluatedAt = e.now()

	var err error
	if exp.Score < revertScoreLimit {
		exp.Outcome = OutcomeReverted
		e.mu.Lock()
		tun, ok := e.tunableFor(exp.Proposal.Parameter)
		e.mu.Unlock()
		if ok {
			if applyErr := tun.Apply(exp.Proposal.OldValue); applyErr != nil {
				err = common.Wrap(common.KindInternal, "reverting "+exp.Proposal.Parameter, applyErr)
			}
		}
		e.log.WithFields(logrus.Fields{
			"parameter": exp.Proposal.Parameter, "score": exp.Score,
		}).Warn("optimization experiment reverted")
	} else {
		exp.Outcome = OutcomeKept
		e.log.WithFields(logrus.Fields{
			"parameter": exp.Proposal.Parameter, "score": exp.Score,
		}).Info("optimization experiment kept")
	}

	e.mu.Lock()
	e.journal = append(e.journal, *exp)
	if len(e.journal) > journalCap {
		e.journal = e.journal[len(e.journal)-journalCap:]
	}
	e.active = nil
	e.persistLocked()
	e.mu.Unlock()

	return exp, err
}

// weightedScore sums weighted percentage changes between the baseline and
// the after measurement. Metrics missing from either side are skipped.
func weightedScore(baseline, after map[string]float64) float64 {
	var score, totalWeight float64
	for metric, weight := range scoreWeights {
		before, okB := baseline[metric]
		now, okA := after[metric]
		if !okB || !okA || before == 0 {
			continue
		}
		change := (now - before) / math.Abs(before) * 100
		score += weight * change
		totalWeight += math.Abs(weight)
	}
	if totalWeight == 0 {
		return 0
	}
	return score / totalWeight
}

// Active returns the running experiment, if any.
func (e *Engine) Active() *Experiment {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return nil
	}
	cp := *e.active
	return &cp
}

// Journal returns finished experiments, oldest first.
func (e *Engine) Journal() []Experiment {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Experiment, len(e.journal))
	copy(out, e.journal)
	return out
}

// Run drives the analyze/experiment/evaluate cycle on an interval until
// the stop channel closes.
func (e *Engine) Run(stop <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if _, err := e.EvaluateExperiment(); err != nil {
			e.log.WithError(err).Error("experiment evaluation failed")
			continue
		}
		if e.Active() != nil {
			continue
		}
		proposals := e.Analyze()
		if len(proposals) == 0 {
			continue
		}
		best := proposals[0]
		for _, p := range proposals[1:] {
			if p.Confidence > best.Confidence {
				best = p
			}
		}
		if err := e.StartExperiment(best); err != nil {
			e.log.WithError(err).Warn("could not start experiment")
		}
	}
}
