// Package recovery reacts to health signals with pre-declared strategy
// chains. Execution is disciplined: one in-flight recovery per failure
// and target, a bounded attempt window, and escalation to the DLQ when
// the chain is exhausted.
package recovery

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/qsrgraph/qsrgraph/common"
	"github.com/qsrgraph/qsrgraph/reliability"
)

// FailureType classifies a detected failure.
type FailureType string

const (
	FailureStuckTextExtraction   FailureType = "stuck_text_extraction"
	FailureStuckEntityExtraction FailureType = "stuck_entity_extraction"
	FailureStuckGraphWrite       FailureType = "stuck_graph_write"
	FailureMemoryExhaustion      FailureType = "memory_exhaustion"
	FailureConnection            FailureType = "connection_failure"
	FailureProcessingTimeout     FailureType = "processing_timeout"
	FailureCircuitOpenTooLong    FailureType = "cb_open_too_long"
	FailureStuckTransaction      FailureType = "stuck_transaction"
)

// Strategy is one recovery action.
type Strategy string

const (
	StrategyRetryStage      Strategy = "retry_stage"
	StrategyClearMemory     Strategy = "clear_memory"
	StrategyRestartProcess  Strategy = "restart_process"
	StrategyForceComplete   Strategy = "force_complete"
	StrategyResetCB         Strategy = "reset_cb"
	StrategyResetConnection Strategy = "reset_connection"
	StrategyRollbackTxn     Strategy = "rollback_txn"
	StrategyEscalate        Strategy = "escalate"
)

// strategyOrder is the pre-declared chain per failure type. force_complete
// never appears for graph writes or the integrity gate.
var strategyOrder = map[FailureType][]Strategy{
	FailureStuckTextExtraction:   {StrategyRetryStage, StrategyClearMemory, StrategyRestartProcess, StrategyEscalate},
	FailureStuckEntityExtraction: {StrategyRetryStage, StrategyClearMemory, StrategyForceComplete, StrategyEscalate},
	FailureStuckGraphWrite:       {StrategyResetCB, StrategyResetConnection, StrategyRetryStage, StrategyEscalate},
	FailureMemoryExhaustion:      {StrategyClearMemory, StrategyRestartProcess, StrategyEscalate},
	FailureConnection:            {StrategyResetConnection, StrategyResetCB, StrategyRetryStage, StrategyEscalate},
	FailureProcessingTimeout:     {StrategyRetryStage, StrategyForceComplete, StrategyEscalate},
	FailureCircuitOpenTooLong:    {StrategyResetCB, StrategyResetConnection, StrategyEscalate},
	FailureStuckTransaction:      {StrategyRollbackTxn, StrategyRetryStage, StrategyEscalate},
}

// Actions are the hooks recovery drives. The application context wires
// them to the pipeline, graph client, and transaction manager.
type Actions interface {
	RetryStage(processID string) error
	RestartProcess(processID string) error
	ForceComplete(processID string) error
	Terminate(processID string) error
	ClearMemory() error
	ResetCircuit() error
	ResetConnection() error
	RollbackTxn(ctx context.Context, txnID string) error
}

// Outcome of one attempt.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeEscalated Outcome = "escalated"
)

// Attempt is one recorded recovery execution.
type Attempt struct {
	ID          string      `json:"id"`
	FailureType FailureType `json:"failure_type"`
	Target      string      `json:"target"`
	Strategy    Strategy    `json:"strategy"`
	StartedAt   time.Time   `json:"started_at"`
	EndedAt     time.Time   `json:"ended_at"`
	Outcome     Outcome     `json:"outcome"`
	Detail      string      `json:"detail,omitempty"`
}

const (
	maxAttemptsPerWindow = 3
	attemptWindow        = 10 * time.Minute
	historyCap           = 200
)

// Controller executes recovery strategies.
type Controller struct {
	actions Actions
	dlq     *reliability.DLQ

	mu       sync.Mutex
	inflight map[string]bool
	// attemptTimes tracks recent attempts per failure type for the
	// cooldown window.
	attemptTimes map[FailureType][]time.Time
	// chainIndex remembers how far down the chain a recurring failure is.
	chainIndex map[string]int
	history    []Attempt

	logPath string
	log     *logrus.Entry
}

// NewController builds a controller. dataDir may be empty to disable the
// persisted history; dlq may be nil to disable escalation records.
func NewController(actions Actions, dlq *reliability.DLQ, dataDir string) *Controller {
	c := &Controller{
		actions:      actions,
		dlq:          dlq,
		inflight:     make(map[string]bool),
		attemptTimes: make(map[FailureType][]time.Time),
		chainIndex:   make(map[string]int),
		log:          common.Logger.WithField("component", "recovery"),
	}
	if dataDir != "" {
		dir := filepath.Join(dataDir, "recovery")
		if err := os.MkdirAll(dir, 0o755); err == nil {
			c.logPath = filepath.Join(dir, "log.json")
			c.load()
		}
	}
	return c
}

func (c *Controller) load() {
	data, err := os.ReadFile(c.logPath)
	if err != nil {
		return
	}
	var history []Attempt
	if json.Unmarshal(data, &history) == nil {
		c.history = history
	}
}

func (c *Controller) persistLocked() {
	if c.logPath == "" {
		return
	}
	data, err := json.MarshalIndent(c.history, "", "  ")
	if err != nil {
		return
	}
	tmp := c.logPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err == nil {
		_ = os.Rename(tmp, c.logPath)
	}
}

// History returns the recorded attempts, oldest first.
func (c *Controller) History() []Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Attempt, len(c.history))
	copy(out, c.history)
	return out
}

// Handle runs the next strategy in the failure's chain. A second call for
// the same recurring failure advances down the chain. Returns the attempt
// record; the error reports refusal (already in flight) or strategy
// failure.
func (c *Controller) Handle(ctx context.Context, failure FailureType, target string) (*Attempt, error) {
	chain, ok := strategyOrder[failure]
	if !ok {
		return nil, common.E(common.KindInvalidInput, "unknown failure type "+string(failure))
	}
	key := string(failure) + "|" + target

	c.mu.Lock()
	if c.inflight[key] {
		c.mu.Unlock()
		return nil, common.E(common.KindBusyRetryLater, "recovery already in flight for this failure")
	}
	if c.windowExhaustedLocked(failure) {
		c.mu.Unlock()
		return c.escalate(ctx, failure, target, "attempt window exhausted")
	}
	c.inflight[key] = true
	idx := c.chainIndex[key]
	c.attemptTimes[failure] = append(c.attemptTimes[failure], time.Now().UTC())
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
	}()

	for ; idx < len(chain); idx++ {
		strategy := chain[idx]
		if strategy == StrategyEscalate {
			break
		}
		attempt := c.begin(failure, target, strategy)
		err := c.apply(ctx, strategy, target)
		c.finish(attempt, err)
		if err == nil {
			c.mu.Lock()
			c.chainIndex[key] = idx + 1 // a recurrence tries the next rung
			c.mu.Unlock()
			return attempt, nil
		}
		c.log.WithError(err).WithFields(logrus.Fields{
			"failure": failure, "target": target, "strategy": strategy,
		}).Warn("recovery strategy failed")
	}

	return c.escalate(ctx, failure, target, "strategy chain exhausted")
}

func (c *Controller) windowExhaustedLocked(failure FailureType) bool {
	cutoff := time.Now().UTC().Add(-attemptWindow)
	times := c.attemptTimes[failure]
	kept := times[:0]
	for _, ts := range times {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	c.attemptTimes[failure] = kept
	return len(kept) >= maxAttemptsPerWindow
}

func (c *Controller) apply(ctx context.Context, strategy Strategy, target string) error {
	switch strategy {
	case StrategyRetryStage:
		return c.actions.RetryStage(target)
	case StrategyClearMemory:
		return c.actions.ClearMemory()
	case StrategyRestartProcess:
		return c.actions.RestartProcess(target)
	case StrategyForceComplete:
		return c.actions.ForceComplete(target)
	case StrategyResetCB:
		return c.actions.ResetCircuit()
	case StrategyResetConnection:
		return c.actions.ResetConnection()
	case StrategyRollbackTxn:
		return c.actions.RollbackTxn(ctx, target)
	}
	return common.E(common.KindInternal, "unknown strategy "+string(strategy))
}

func (c *Controller) begin(failure FailureType, target string, strategy Strategy) *Attempt {
	return &Attempt{
		ID:          uuid.NewString(),
		FailureType: failure,
		Target:      target,
		Strategy:    strategy,
		StartedAt:   time.Now().UTC(),
	}
}

func (c *Controller) finish(a *Attempt, err error) {
	a.EndedAt = time.Now().UTC()
	if err != nil {
		a.Outcome = OutcomeFailure
		a.Detail = err.Error()
	} else {
		a.Outcome = OutcomeSuccess
	}
	c.record(a)
}

func (c *Controller) record(a *Attempt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, *a)
	if len(c.history) > historyCap {
		c.history = c.history[len(c.history)-historyCap:]
	}
	c.persistLocked()
}

// escalate terminates the target, enqueues a manual-review DLQ record,
// and resets the chain so a fresh occurrence starts over.
func (c *Controller) escalate(ctx context.Context, failure FailureType, target, reason string) (*Attempt, error) {
	attempt := c.begin(failure, target, StrategyEscalate)

	if target != "" {
		if err := c.actions.Terminate(target); err != nil {
			c.log.WithError(err).WithField("target", target).Warn("escalation terminate failed")
		}
	}
	if c.dlq != nil {
		_, _ = c.dlq.EnqueueClassified("recovery_escalation", map[string]interface{}{
			"failure_type": string(failure),
			"target":       target,
			"reason":       reason,
		}, common.E(common.KindInterrupted, reason), reliability.ClassManualReview)
	}

	attempt.EndedAt = time.Now().UTC()
	attempt.Outcome = OutcomeEscalated
	attempt.Detail = reason
	c.record(attempt)

	c.mu.Lock()
	delete(c.chainIndex, string(failure)+"|"+target)
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{"failure": failure, "target": target}).
		Error("recovery escalated to manual review")
	return attempt, common.E(common.KindInterrupted, "recovery escalated: "+reason)
}
