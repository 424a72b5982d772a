package reliability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/qsrgraph/qsrgraph/common"
)

// TxnState is the lifecycle state of one saga transaction.
type TxnState string

const (
	TxnOpen       TxnState = "open"
	TxnCommitted  TxnState = "committed"
	TxnRolledBack TxnState = "rolled_back"
)

// Compensation undoes one forward operation. Compensations must be
// idempotent: a rollback retried after partial failure may run them twice.
type Compensation func(ctx context.Context) error

type sagaOp struct {
	forward      string
	compensating string
	undo         Compensation
}

// Txn is one compensation-based transaction. Not ACID: commit discards the
// compensations, rollback runs them in reverse order best-effort.
type Txn struct {
	ID        string
	StartedAt time.Time

	mu    sync.Mutex
	state TxnState
	ops   []sagaOp
}

// State returns the transaction state.
func (t *Txn) State() TxnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// PendingCompensations returns how many compensations would run on
// rollback. Zero after commit.
func (t *Txn) PendingCompensations() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}

// stuckTxnAge is how long a transaction may stay open before the recovery
// controller may roll it back automatically.
const stuckTxnAge = 30 * time.Minute

// TxnManager tracks open saga transactions. Partial rollbacks are
// escalated to the DLQ as manual_review records.
type TxnManager struct {
	mu   sync.Mutex
	txns map[string]*Txn
	dlq  *DLQ
	log  *logrus.Entry
}

// NewTxnManager builds a transaction manager. The DLQ is optional; without
// it partial rollbacks are only logged.
func NewTxnManager(dlq *DLQ) *TxnManager {
	return &TxnManager{
		txns: make(map[string]*Txn),
		dlq:  dlq,
		log:  common.Logger.WithField("component", "txn_manager"),
	}
}

// Begin opens a transaction.
func (m *TxnManager) Begin() *Txn {
	t := &Txn{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC(),
		state:     TxnOpen,
	}
	m.mu.Lock()
	m.txns[t.ID] = t
	m.mu.Unlock()
	return t
}

// Get looks up an open or finished transaction by id.
func (m *TxnManager) Get(txnID string) (*Txn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[txnID]
	return t, ok
}

// Add records a forward/compensating pair. Call only after the forward
// operation has succeeded.
func (m *TxnManager) Add(t *Txn, forward, compensating string, undo Compensation) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TxnOpen {
		return fmt.Errorf("transaction %s is %s, cannot add operations", t.ID, t.state)
	}
	t.ops = append(t.ops, sagaOp{forward: forward, compensating: compensating, undo: undo})
	return nil
}

// Commit finalizes the transaction and discards its compensations.
func (m *TxnManager) Commit(txnID string) error {
	t, ok := m.Get(txnID)
	if !ok {
		return fmt.Errorf("unknown transaction %s", txnID)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TxnOpen {
		return fmt.Errorf("transaction %s is %s, cannot commit", t.ID, t.state)
	}
	t.state = TxnCommitted
	t.ops = nil
	m.log.WithField("txn_id", t.ID).Info("transaction committed")
	return nil
}

// Rollback runs the compensations in reverse order, best-effort. Every
// compensation is attempted even when earlier ones fail; failures are
// collected and the partial rollback is escalated to the DLQ for manual
// review.
func (m *TxnManager) Rollback(ctx context.Context, txnID, reason string) error {
	t, ok := m.Get(txnID)
	if !ok {
		return fmt.Errorf("unknown transaction %s", txnID)
	}
	t.mu.Lock()
	if t.state != TxnOpen {
		state := t.state
		t.mu.Unlock()
		return fmt.Errorf("transaction %s is %s, cannot roll back", t.ID, state)
	}
	ops := t.ops
	t.state = TxnRolledBack
	t.ops = nil
	t.mu.Unlock()

	log := m.log.WithFields(logrus.Fields{"txn_id": t.ID, "reason": reason})
	log.Warn("rolling back transaction")

	var failed []string
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		if err := op.undo(ctx); err != nil {
			failed = append(failed, op.compensating)
			log.WithError(err).WithField("compensation", op.compensating).
				Error("compensation failed")
			continue
		}
		log.WithField("compensation", op.compensating).Debug("compensation applied")
	}

	if len(failed) > 0 {
		if m.dlq != nil {
			_, _ = m.dlq.EnqueueClassified("partial_rollback", map[string]interface{}{
				"txn_id":               t.ID,
				"reason":               reason,
				"failed_compensations": failed,
			}, common.E(common.KindInternal, "partial rollback"), ClassManualReview)
		}
		return fmt.Errorf("rollback of %s incomplete: %d of %d compensations failed",
			t.ID, len(failed), len(ops))
	}
	return nil
}

// Release forgets a finished transaction.
func (m *TxnManager) Release(txnID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.txns, txnID)
}

// Stuck returns transactions open for longer than the stuck threshold.
// These are eligible for automated rollback by the recovery controller.
func (m *TxnManager) Stuck() []*Txn {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Txn
	cutoff := time.Now().UTC().Add(-stuckTxnAge)
	for _, t := range m.txns {
		if t.State() == TxnOpen && t.StartedAt.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// OpenCount returns the number of transactions currently open.
func (m *TxnManager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.txns {
		if t.State() == TxnOpen {
			n++
		}
	}
	return n
}
