package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaga_CommitDiscardsCompensations(t *testing.T) {
	m := NewTxnManager(nil)
	txn := m.Begin()

	ran := false
	require.NoError(t, m.Add(txn, "create entities", "delete entities",
		func(ctx context.Context) error { ran = true; return nil }))
	require.Equal(t, 1, txn.PendingCompensations())

	require.NoError(t, m.Commit(txn.ID))
	assert.Equal(t, TxnCommitted, txn.State())
	assert.Equal(t, 0, txn.PendingCompensations(), "committed saga must have an empty compensation list")
	assert.False(t, ran)

	// Terminal transactions reject further operations.
	assert.Error(t, m.Add(txn, "x", "y", func(ctx context.Context) error { return nil }))
	assert.Error(t, m.Commit(txn.ID))
	assert.Error(t, m.Rollback(context.Background(), txn.ID, "late"))
}

func TestSaga_RollbackRunsCompensationsInReverseOrder(t *testing.T) {
	m := NewTxnManager(nil)
	txn := m.Begin()

	var order []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		require.NoError(t, m.Add(txn, "forward "+name, "undo "+name,
			func(ctx context.Context) error {
				order = append(order, name)
				return nil
			}))
	}

	require.NoError(t, m.Rollback(context.Background(), txn.ID, "test"))
	assert.Equal(t, []string{"c", "b", "a"}, order)
	assert.Equal(t, TxnRolledBack, txn.State())
}

func TestSaga_PartialRollbackEscalatesToDLQ(t *testing.T) {
	dlq, err := OpenDLQ(t.TempDir(), 10)
	require.NoError(t, err)
	m := NewTxnManager(dlq)
	txn := m.Begin()

	var order []string
	require.NoError(t, m.Add(txn, "f1", "u1", func(ctx context.Context) error {
		order = append(order, "u1")
		return nil
	}))
	require.NoError(t, m.Add(txn, "f2", "u2", func(ctx context.Context) error {
		return errors.New("undo failed")
	}))

	err = m.Rollback(context.Background(), txn.ID, "test")
	require.Error(t, err)
	// Best effort: the remaining compensation still ran.
	assert.Equal(t, []string{"u1"}, order)

	manual := dlq.Items(ClassManualReview)
	require.Len(t, manual, 1)
	assert.Equal(t, "partial_rollback", manual[0].OpKind)
}

func TestSaga_StuckDetection(t *testing.T) {
	m := NewTxnManager(nil)
	fresh := m.Begin()
	old := m.Begin()
	old.StartedAt = time.Now().UTC().Add(-45 * time.Minute)

	stuck := m.Stuck()
	require.Len(t, stuck, 1)
	assert.Equal(t, old.ID, stuck[0].ID)
	assert.Equal(t, 2, m.OpenCount())
	_ = fresh
}

func TestSaga_UnknownTxn(t *testing.T) {
	m := NewTxnManager(nil)
	assert.Error(t, m.Commit("missing"))
	assert.Error(t, m.Rollback(context.Background(), "missing", "r"))
}
