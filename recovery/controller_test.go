package recovery

import (
	"context"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qsrgraph/qsrgraph/common"
	"github.com/qsrgraph/qsrgraph/reliability"
)

// fakeActions records every hook invocation and fails the strategies
// listed in fail.
type fakeActions struct {
	mu         sync.Mutex
	calls      []string
	terminated []string
	fail       map[Strategy]bool
	block      chan struct{}
}

func (f *fakeActions) call(name string, s Strategy) error {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	fail := f.fail[s]
	block := f.block
	f.block = nil // only the first call parks
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if fail {
		return common.E(common.KindInternal, name+" failed")
	}
	return nil
}

func (f *fakeActions) RetryStage(string) error     { return f.call("retry_stage", StrategyRetryStage) }
func (f *fakeActions) RestartProcess(string) error { return f.call("restart", StrategyRestartProcess) }
func (f *fakeActions) ForceComplete(string) error {
	return f.call("force_complete", StrategyForceComplete)
}
func (f *fakeActions) ClearMemory() error     { return f.call("clear_memory", StrategyClearMemory) }
func (f *fakeActions) ResetCircuit() error    { return f.call("reset_cb", StrategyResetCB) }
func (f *fakeActions) ResetConnection() error { return f.call("reset_conn", StrategyResetConnection) }
func (f *fakeActions) RollbackTxn(context.Context, string) error {
	return f.call("rollback_txn", StrategyRollbackTxn)
}
func (f *fakeActions) Terminate(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, id)
	return nil
}

func (f *fakeActions) callNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func newController(t *testing.T, actions Actions) (*Controller, *reliability.DLQ) {
	t.Helper()
	dlq, err := reliability.OpenDLQ(t.TempDir(), 100)
	require.NoError(t, err)
	return NewController(actions, dlq, t.TempDir()), dlq
}

func TestHandle_FirstStrategyWins(t *testing.T) {
	actions := &fakeActions{}
	c, _ := newController(t, actions)

	attempt, err := c.Handle(context.Background(), FailureStuckTextExtraction, "p1")
	require.NoError(t, err)
	assert.Equal(t, StrategyRetryStage, attempt.Strategy)
	assert.Equal(t, OutcomeSuccess, attempt.Outcome)
	assert.Equal(t, []string{"retry_stage"}, actions.callNames())
}

func TestHandle_RecurrenceAdvancesChain(t *testing.T) {
	actions := &fakeActions{}
	c, _ := newController(t, actions)

	first, err := c.Handle(context.Background(), FailureStuckTextExtraction, "p1")
	require.NoError(t, err)
	require.Equal(t, StrategyRetryStage, first.Strategy)

	second, err := c.Handle(context.Background(), FailureStuckTextExtraction, "p1")
	require.NoError(t, err)
	assert.Equal(t, StrategyClearMemory, second.Strategy,
		"a recurring failure moves to the next rung")
}

func TestHandle_FailedStrategyFallsThrough(t *testing.T) {
	actions := &fakeActions{fail: map[Strategy]bool{StrategyRetryStage: true}}
	c, _ := newController(t, actions)

	attempt, err := c.Handle(context.Background(), FailureStuckTextExtraction, "p1")
	require.NoError(t, err)
	assert.Equal(t, StrategyClearMemory, attempt.Strategy)
	assert.Equal(t, []string{"retry_stage", "clear_memory"}, actions.callNames())

	// Both the failure and the success are on record.
	history := c.History()
	require.Len(t, history, 2)
	assert.Equal(t, OutcomeFailure, history[0].Outcome)
	assert.Equal(t, OutcomeSuccess, history[1].Outcome)
}

func TestHandle_ChainExhaustedEscalates(t *testing.T) {
	actions := &fakeActions{fail: map[Strategy]bool{
		StrategyRetryStage: true, StrategyClearMemory: true, StrategyRestartProcess: true,
	}}
	c, dlq := newController(t, actions)

	attempt, err := c.Handle(context.Background(), FailureStuckTextExtraction, "p1")
	require.Error(t, err)
	assert.Equal(t, common.KindInterrupted, common.KindOf(err))
	assert.Equal(t, StrategyEscalate, attempt.Strategy)
	assert.Equal(t, OutcomeEscalated, attempt.Outcome)

	assert.Equal(t, []string{"p1"}, actions.terminated)
	items := dlq.Items(reliability.ClassManualReview)
	require.Len(t, items, 1)
	assert.Equal(t, "recovery_escalation", items[0].OpKind)
}

func TestHandle_AttemptWindowEscalates(t *testing.T) {
	actions := &fakeActions{}
	c, dlq := newController(t, actions)

	for i := 0; i < 3; i++ {
		_, err := c.Handle(context.Background(), FailureMemoryExhaustion, "")
		require.NoError(t, err)
	}

	attempt, err := c.Handle(context.Background(), FailureMemoryExhaustion, "")
	require.Error(t, err)
	assert.Equal(t, StrategyEscalate, attempt.Strategy)
	assert.Len(t, dlq.Items(reliability.ClassManualReview), 1)
}

func TestHandle_OneInFlightPerFailureAndTarget(t *testing.T) {
	block := make(chan struct{})
	actions := &fakeActions{block: block}
	c, _ := newController(t, actions)

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = c.Handle(context.Background(), FailureStuckGraphWrite, "p1")
	}()
	<-started
	// Wait until the first call is parked inside the action.
	for len(actions.callNames()) == 0 {
		runtime.Gosched()
	}

	_, err := c.Handle(context.Background(), FailureStuckGraphWrite, "p1")
	assert.Equal(t, common.KindBusyRetryLater, common.KindOf(err))

	// A different target is independent.
	_, err = c.Handle(context.Background(), FailureStuckGraphWrite, "p2")
	assert.NoError(t, err)

	close(block)
}

func TestHandle_GraphWriteChainHasNoForceComplete(t *testing.T) {
	for _, s := range strategyOrder[FailureStuckGraphWrite] {
		assert.NotEqual(t, StrategyForceComplete, s)
	}
}

func TestHandle_StuckTransactionRollsBack(t *testing.T) {
	actions := &fakeActions{}
	c, _ := newController(t, actions)

	attempt, err := c.Handle(context.Background(), FailureStuckTransaction, "txn-42")
	require.NoError(t, err)
	assert.Equal(t, StrategyRollbackTxn, attempt.Strategy)
	assert.Equal(t, []string{"rollback_txn"}, actions.callNames())
}

func TestHistory_PersistsAcrossControllers(t *testing.T) {
	dir := t.TempDir()
	actions := &fakeActions{}
	c := NewController(actions, nil, dir)

	_, err := c.Handle(context.Background(), FailureConnection, "")
	require.NoError(t, err)

	reloaded := NewController(actions, nil, dir)
	history := reloaded.History()
	require.Len(t, history, 1)
	assert.Equal(t, FailureConnection, history[0].FailureType)
	assert.Equal(t, StrategyResetConnection, history[0].Strategy)
}

func TestHandle_UnknownFailure(t *testing.T) {
	c, _ := newController(t, &fakeActions{})
	_, err := c.Handle(context.Background(), FailureType("bogus"), "")
	assert.Equal(t, common.KindInvalidInput, common.KindOf(err))
}
