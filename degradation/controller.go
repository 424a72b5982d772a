// Package degradation keeps the pipeline alive under partial failure. A
// trigger table maps observed stress (open graph circuit, memory pressure,
// error rate, queue depth, repeated timeouts) to one of six operating
// modes, each with concrete effects: smaller batches, longer timeouts,
// gated intake, or diverting graph writes to a durable local queue.
package degradation

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qsrgraph/qsrgraph/common"
	"github.com/qsrgraph/qsrgraph/config"
	"github.com/qsrgraph/qsrgraph/graph"
	"github.com/qsrgraph/qsrgraph/model"
	"github.com/qsrgraph/qsrgraph/reliability"
)

// Mode is the current operating posture.
type Mode string

const (
	ModeNormal              Mode = "normal"
	ModeReducedPerformance  Mode = "reduced_performance"
	ModeLocalQueue          Mode = "local_queue"
	ModeMemoryConstrained   Mode = "memory_constrained"
	ModeSelectiveProcessing Mode = "selective_processing"
	ModeEmergency           Mode = "emergency"
)

// modeRank orders modes by severity for recovery decisions.
var modeRank = map[Mode]int{
	ModeNormal:              0,
	ModeReducedPerformance:  1,
	ModeSelectiveProcessing: 2,
	ModeMemoryConstrained:   3,
	ModeLocalQueue:          4,
	ModeEmergency:           5,
}

// Trigger names one stress condition.
type Trigger string

const (
	TriggerCircuitOpen      Trigger = "graph_circuit_open"
	TriggerMemoryPressure   Trigger = "memory_pressure"
	TriggerErrorRate        Trigger = "error_rate"
	TriggerQueueDepth       Trigger = "queue_depth"
	TriggerRepeatedTimeouts Trigger = "repeated_timeouts"
)

const (
	memoryCriticalPercent = 90.0
	errorRatePercentLimit = 30.0
	queueDepthLimit       = 100
	timeoutRepeatLimit    = 3
	emergencyTriggerCount = 3
	// memorySustainSamples guards against acting on one GC spike.
	memorySustainSamples = 2
	recoveryDelay        = 5 * time.Minute
	eventCap             = 200
)

// Signals are the observations the trigger table evaluates. Nil funcs read
// as unstressed.
type Signals struct {
	BreakerOpenFor   func() time.Duration
	MemoryPercent    func() float64
	ErrorRatePercent func() float64
	QueueDepth       func() int
	RecentTimeouts   func() int
}

// TimeoutScaler adjusts pipeline stage timeouts. The pipeline satisfies it.
type TimeoutScaler interface {
	SetTimeoutScale(percent int)
}

// GraphWriter is the slice of the graph client the drain worker replays
// queued writes through.
type GraphWriter interface {
	CreateEntitiesBatch(ctx context.Context, txn *reliability.Txn, processID string, entities []model.Entity) (graph.BatchResult, error)
	CreateRelationshipsBatch(ctx context.Context, txn *reliability.Txn, processID string, rels []model.Relationship) (graph.BatchResult, error)
}

// Event records one mode transition.
type Event struct {
	At       time.Time `json:"at"`
	From     Mode      `json:"from"`
	To       Mode      `json:"to"`
	Triggers []Trigger `json:"triggers"`
}

// Controller evaluates the trigger table and owns the local write queue.
// It implements the pipeline's admission gate and the bridge's diverter.
type Controller struct {
	cfg     *config.Manager
	queue   *LocalQueue
	graph   GraphWriter
	scaler  TimeoutScaler
	signals Signals

	mu             sync.Mutex
	mode           Mode
	activeTriggers []Trigger
	memStreak      int
	lastStress     time.Time
	savedBatch     int
	events         []Event

	recoveryDelay time.Duration

	drainKick chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	log *logrus.Entry
}

// NewController wires the controller. scaler may be nil in tests.
func NewController(cfg *config.Manager, queue *LocalQueue, gw GraphWriter, scaler TimeoutScaler, signals Signals) *Controller {
	return &Controller{
		cfg:           cfg,
		queue:         queue,
		graph:         gw,
		scaler:        scaler,
		signals:       signals,
		mode:          ModeNormal,
		recoveryDelay: recoveryDelay,
		drainKick:     make(chan struct{}, 1),
		stop:          make(chan struct{}),
		log:           common.Logger.WithField("component", "degradation"),
	}
}

// SetTimeoutScaler installs the scaler after construction. The pipeline
// and this controller reference each other, so one side is wired late.
func (c *Controller) SetTimeoutScaler(scaler TimeoutScaler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scaler = scaler
}

// Start launches the periodic trigger evaluation and the drain worker.
func (c *Controller) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Evaluate()
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		c.drainLoop(ctx)
	}()
}

func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}

// Mode returns the current operating mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// ActiveTriggers returns the triggers firing at the last evaluation.
func (c *Controller) ActiveTriggers() []Trigger {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Trigger, len(c.activeTriggers))
	copy(out, c.activeTriggers)
	return out
}

// Events returns the mode transition history, oldest first.
func (c *Controller) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// QueueDepth reports the local write queue backlog.
func (c *Controller) QueueDepth() int {
	if c.queue == nil {
		return 0
	}
	return c.queue.Depth()
}

// Evaluate runs the trigger table once and transitions if needed.
func (c *Controller) Evaluate() Mode {
	triggers := c.evaluateTriggers()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeTriggers = triggers

	desired := desiredMode(triggers)
	if len(triggers) > 0 {
		c.lastStress = time.Now().UTC()
	}

	if desired == c.mode {
		return c.mode
	}

	// Escalation is immediate; recovery waits for the quiet period and
	// honors the auto_recovery switch.
	if modeRank[desired] < modeRank[c.mode] {
		snap := c.cfg.Snapshot()
		if !snap.Degradation.AutoRecovery {
			return c.mode
		}
		if time.Since(c.lastStress) < c.recoveryDelay {
			return c.mode
		}
	}

	c.transitionLocked(desired, triggers)
	return c.mode
}

func (c *Controller) evaluateTriggers() []Trigger {
	var triggers []Trigger
	snap := c.cfg.Snapshot()

	if c.signals.BreakerOpenFor != nil {
		limit := time.Duration(snap.Degradation.QueueModeThreshold) * time.Second
		if c.signals.BreakerOpenFor() > limit {
			triggers = append(triggers, TriggerCircuitOpen)
		}
	}
	if c.signals.MemoryPercent != nil {
		c.mu.Lock()
		if c.signals.MemoryPercent() > memoryCriticalPercent {
			c.memStreak++
		} else {
			c.memStreak = 0
		}
		sustained := c.memStreak >= memorySustainSamples
		c.mu.Unlock()
		if sustained {
			triggers = append(triggers, TriggerMemoryPressure)
		}
	}
	if c.signals.ErrorRatePercent != nil && c.signals.ErrorRatePercent() > errorRatePercentLimit {
		triggers = append(triggers, TriggerErrorRate)
	}
	if c.signals.QueueDepth != nil && c.signals.QueueDepth() > queueDepthLimit {
		triggers = append(triggers, TriggerQueueDepth)
	}
	if c.signals.RecentTimeouts != nil && c.signals.RecentTimeouts() >= timeoutRepeatLimit {
		triggers = append(triggers, TriggerRepeatedTimeouts)
	}
	return triggers
}

func desiredMode(triggers []Trigger) Mode {
	if len(triggers) >= emergencyTriggerCount {
		return ModeEmergency
	}
	has := func(t Trigger) bool {
		for _, x := range triggers {
			if x == t {
				return true
			}
		}
		return false
	}
	switch {
	case has(TriggerCircuitOpen):
		return ModeLocalQueue
	case has(TriggerMemoryPressure):
		return ModeMemoryConstrained
	case has(TriggerErrorRate), has(TriggerQueueDepth):
		return ModeSelectiveProcessing
	case has(TriggerRepeatedTimeouts):
		return ModeReducedPerformance
	}
	return ModeNormal
}

func (c *Controller) transitionLocked(to Mode, triggers []Trigger) {
	from := c.mode
	c.mode = to
	c.events = append(c.events, Event{
		At: time.Now().UTC(), From: from, To: to, Triggers: triggers,
	})
	if len(c.events) > eventCap {
		c.events = c.events[len(c.events)-eventCap:]
	}
	c.log.WithFields(logrus.Fields{
		"from": from, "to": to, "triggers": triggers,
	}).Warn("degradation mode changed")

	c.applyLocked(to)
}

// applyLocked applies the mode's effects. Batch and timeout adjustments go
// through the config manager so the change log records them.
func (c *Controller) applyLocked(to Mode) {
	switch to {
	case ModeNormal:
		if c.scaler != nil {
			c.scaler.SetTimeoutScale(100)
		}
		if c.savedBatch > 0 {
			_, _ = c.cfg.Set("processing.batch_size", c.savedBatch, "degradation")
			c.savedBatch = 0
		}
		c.kickDrain()
	case ModeReducedPerformance:
		if c.scaler != nil {
			c.scaler.SetTimeoutScale(150)
		}
	case ModeMemoryConstrained, ModeEmergency:
		if c.scaler != nil {
			c.scaler.SetTimeoutScale(150)
		}
		c.halveBatchLocked()
		debug.FreeOSMemory()
	case ModeLocalQueue:
		// Writes divert at the bridge; the drain worker replays them once
		// the breaker closes.
	case ModeSelectiveProcessing:
		// Intake gating only, enforced in AdmitUpload.
	}
}

func (c *Controller) halveBatchLocked() {
	cur := c.cfg.Snapshot().Processing.BatchSize
	if cur <= 1 {
		return
	}
	if c.savedBatch == 0 {
		c.savedBatch = cur
	}
	_, _ = c.cfg.Set("processing.batch_size", cur/2, "degradation")
}

// AdmitUpload gates new uploads by mode. Emergency refuses everything;
// selective and memory-constrained modes run at half concurrency.
func (c *Controller) AdmitUpload(activeProcesses int) error {
	c.mu.Lock()
	mode := c.mode
	c.mu.Unlock()

	switch mode {
	case ModeEmergency:
		return common.E(common.KindBusyRetryLater, "uploads suspended in emergency mode")
	case ModeSelectiveProcessing, ModeMemoryConstrained:
		limit := c.cfg.Snapshot().Processing.ConcurrentProcesses / 2
		if limit < 1 {
			limit = 1
		}
		if activeProcesses >= limit {
			return common.E(common.KindBusyRetryLater, "intake reduced under degraded operation")
		}
	}
	return nil
}

// Divert enqueues a graph write for later replay. Implements the bridge's
// diverter.
func (c *Controller) Divert(ctx context.Context, processID string, entities []model.Entity, rels []model.Relationship) error {
	if c.queue == nil {
		return common.E(common.KindInternal, "local queue not configured")
	}
	err := c.queue.Enqueue(QueuedWrite{
		ProcessID:     processID,
		Entities:      entities,
		Relationships: rels,
		EnqueuedAt:    time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	c.kickDrain()
	return nil
}

// WaitDrained blocks until the local queue is empty or the context ends.
func (c *Controller) WaitDrained(ctx context.Context) error {
	if c.queue == nil {
		return nil
	}
	for {
		if c.queue.Depth() == 0 {
			return nil
		}
		c.kickDrain()
		select {
		case <-ctx.Done():
			return common.Wrap(common.KindTimeout, "waiting for local queue drain", ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (c *Controller) kickDrain() {
	select {
	case c.drainKick <- struct{}{}:
	default:
	}
}

// drainLoop replays queued writes whenever the breaker is closed.
func (c *Controller) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
		case <-c.drainKick:
		}
		c.drainOnce(ctx)
	}
}

func (c *Controller) drainOnce(ctx context.Context) {
	if c.queue == nil || c.graph == nil {
		return
	}
	for {
		if c.signals.BreakerOpenFor != nil && c.signals.BreakerOpenFor() > 0 {
			return
		}
		key, w, err := c.queue.Peek()
		if err != nil || w == nil {
			return
		}
		if len(w.Entities) > 0 {
			if _, err := c.graph.CreateEntitiesBatch(ctx, nil, w.ProcessID, w.Entities); err != nil {
				c.log.WithError(err).Warn("local queue replay failed, will retry")
				return
			}
		}
		if len(w.Relationships) > 0 {
			if _, err := c.graph.CreateRelationshipsBatch(ctx, nil, w.ProcessID, w.Relationships); err != nil {
				c.log.WithError(err).Warn("local queue replay failed, will retry")
				return
			}
		}
		if err := c.queue.Remove(key); err != nil {
			c.log.WithError(err).Error("removing replayed queue record")
			return
		}
		c.log.WithFields(logrus.Fields{
			"process_id": w.ProcessID,
			"entities":   len(w.Entities),
			"rels":       len(w.Relationships),
		}).Info("replayed queued graph write")
	}
}
