package degradation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qsrgraph/qsrgraph/common"
	"github.com/qsrgraph/qsrgraph/config"
	"github.com/qsrgraph/qsrgraph/graph"
	"github.com/qsrgraph/qsrgraph/model"
	"github.com/qsrgraph/qsrgraph/reliability"
)

type fakeScaler struct {
	mu    sync.Mutex
	scale int
}

func (f *fakeScaler) SetTimeoutScale(percent int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scale = percent
}

func (f *fakeScaler) current() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scale
}

type fakeWriter struct {
	mu       sync.Mutex
	entities int
	rels     int
	fail     bool
}

func (f *fakeWriter) CreateEntitiesBatch(_ context.Context, _ *reliability.Txn, _ string, entities []model.Entity) (graph.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return graph.BatchResult{}, common.E(common.KindGraphWriteFailed, "write refused")
	}
	f.entities += len(entities)
	return graph.BatchResult{Created: len(entities)}, nil
}

func (f *fakeWriter) CreateRelationshipsBatch(_ context.Context, _ *reliability.Txn, _ string, rels []model.Relationship) (graph.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return graph.BatchResult{}, common.E(common.KindGraphWriteFailed, "write refused")
	}
	f.rels += len(rels)
	return graph.BatchResult{Created: len(rels)}, nil
}

// mutableSignals lets a test flip individual readings between evaluations.
type mutableSignals struct {
	mu         sync.Mutex
	breakerFor time.Duration
	memory     float64
	errorRate  float64
	queueDepth int
	timeouts   int
}

func (s *mutableSignals) signals() Signals {
	return Signals{
		BreakerOpenFor:   func() time.Duration { s.mu.Lock(); defer s.mu.Unlock(); return s.breakerFor },
		MemoryPercent:    func() float64 { s.mu.Lock(); defer s.mu.Unlock(); return s.memory },
		ErrorRatePercent: func() float64 { s.mu.Lock(); defer s.mu.Unlock(); return s.errorRate },
		QueueDepth:       func() int { s.mu.Lock(); defer s.mu.Unlock(); return s.queueDepth },
		RecentTimeouts:   func() int { s.mu.Lock(); defer s.mu.Unlock(); return s.timeouts },
	}
}

func (s *mutableSignals) set(fn func(*mutableSignals)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func testManager(t *testing.T) *config.Manager {
	t.Helper()
	m, err := config.Load(config.EnvTesting, t.TempDir())
	require.NoError(t, err)
	return m
}

func testController(t *testing.T, sig *mutableSignals) (*Controller, *fakeScaler, *fakeWriter) {
	t.Helper()
	q, err := OpenLocalQueue(t.TempDir(), 10)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	scaler := &fakeScaler{scale: 100}
	writer := &fakeWriter{}
	c := NewController(testManager(t), q, writer, scaler, sig.signals())
	return c, scaler, writer
}

func TestQueue_FIFOAndPersistence(t *testing.T) {
	dir := t.TempDir()
	q, err := OpenLocalQueue(dir, 10)
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(QueuedWrite{ProcessID: "p1"}))
	require.NoError(t, q.Enqueue(QueuedWrite{ProcessID: "p2"}))
	require.NoError(t, q.Close())

	// Records survive reopening.
	q, err = OpenLocalQueue(dir, 10)
	require.NoError(t, err)
	defer q.Close()
	assert.Equal(t, 2, q.Depth())

	key, w, err := q.Peek()
	require.NoError(t, err)
	assert.Equal(t, "p1", w.ProcessID)
	require.NoError(t, q.Remove(key))

	_, w, err = q.Peek()
	require.NoError(t, err)
	assert.Equal(t, "p2", w.ProcessID)
}

func TestQueue_CapacityRejects(t *testing.T) {
	q, err := OpenLocalQueue(t.TempDir(), 2)
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Enqueue(QueuedWrite{ProcessID: "p1"}))
	require.NoError(t, q.Enqueue(QueuedWrite{ProcessID: "p2"}))
	err = q.Enqueue(QueuedWrite{ProcessID: "p3"})
	assert.Equal(t, common.KindLocalQueueFull, common.KindOf(err))
	assert.Equal(t, 2, q.Depth())
}

func TestEvaluate_CircuitOpenEntersLocalQueue(t *testing.T) {
	sig := &mutableSignals{}
	c, _, _ := testController(t, sig)

	// Below the queue-mode threshold nothing happens.
	sig.set(func(s *mutableSignals) { s.breakerFor = 30 * time.Second })
	assert.Equal(t, ModeNormal, c.Evaluate())

	sig.set(func(s *mutableSignals) { s.breakerFor = 3 * time.Minute })
	assert.Equal(t, ModeLocalQueue, c.Evaluate())
	assert.Contains(t, c.ActiveTriggers(), TriggerCircuitOpen)
}

func TestEvaluate_MemoryPressureNeedsSustainedReadings(t *testing.T) {
	sig := &mutableSignals{}
	c, scaler, _ := testController(t, sig)

	sig.set(func(s *mutableSignals) { s.memory = 95 })
	assert.Equal(t, ModeNormal, c.Evaluate(), "one spike is not sustained pressure")
	assert.Equal(t, ModeMemoryConstrained, c.Evaluate())
	assert.Equal(t, 150, scaler.current())

	// Default batch size 3 drops to 1.
	assert.Equal(t, 1, c.cfg.Snapshot().Processing.BatchSize)
}

func TestEvaluate_ErrorRateAndQueueDepthGateIntake(t *testing.T) {
	sig := &mutableSignals{}
	c, _, _ := testController(t, sig)

	sig.set(func(s *mutableSignals) { s.errorRate = 45 })
	assert.Equal(t, ModeSelectiveProcessing, c.Evaluate())

	sig.set(func(s *mutableSignals) { s.errorRate = 0; s.queueDepth = 150 })
	assert.Equal(t, ModeSelectiveProcessing, c.Evaluate())
}

func TestEvaluate_RepeatedTimeoutsReducePerformance(t *testing.T) {
	sig := &mutableSignals{}
	c, scaler, _ := testController(t, sig)

	sig.set(func(s *mutableSignals) { s.timeouts = 3 })
	assert.Equal(t, ModeReducedPerformance, c.Evaluate())
	assert.Equal(t, 150, scaler.current())
}

func TestEvaluate_ThreeTriggersIsEmergency(t *testing.T) {
	sig := &mutableSignals{}
	c, _, _ := testController(t, sig)

	sig.set(func(s *mutableSignals) {
		s.breakerFor = 5 * time.Minute
		s.errorRate = 50
		s.timeouts = 5
	})
	assert.Equal(t, ModeEmergency, c.Evaluate())
	assert.Len(t, c.ActiveTriggers(), 3)

	err := c.AdmitUpload(0)
	assert.Equal(t, common.KindBusyRetryLater, common.KindOf(err))
}

func TestEvaluate_RecoveryRestoresEffects(t *testing.T) {
	sig := &mutableSignals{}
	c, scaler, _ := testController(t, sig)
	c.recoveryDelay = 0

	sig.set(func(s *mutableSignals) { s.memory = 95 })
	c.Evaluate()
	require.Equal(t, ModeMemoryConstrained, c.Evaluate())
	require.Equal(t, 1, c.cfg.Snapshot().Processing.BatchSize)

	sig.set(func(s *mutableSignals) { s.memory = 40 })
	assert.Equal(t, ModeNormal, c.Evaluate())
	assert.Equal(t, 100, scaler.current())
	assert.Equal(t, 3, c.cfg.Snapshot().Processing.BatchSize, "batch size restored")

	events := c.Events()
	require.Len(t, events, 2)
	assert.Equal(t, ModeMemoryConstrained, events[0].To)
	assert.Equal(t, ModeNormal, events[1].To)
}

func TestEvaluate_NoRecoveryInsideQuietPeriod(t *testing.T) {
	sig := &mutableSignals{}
	c, _, _ := testController(t, sig)

	sig.set(func(s *mutableSignals) { s.timeouts = 4 })
	require.Equal(t, ModeReducedPerformance, c.Evaluate())

	sig.set(func(s *mutableSignals) { s.timeouts = 0 })
	assert.Equal(t, ModeReducedPerformance, c.Evaluate(),
		"recovery waits out the quiet period")
}

func TestEvaluate_NoRecoveryWhenDisabled(t *testing.T) {
	sig := &mutableSignals{}
	c, _, _ := testController(t, sig)
	c.recoveryDelay = 0
	_, err := c.cfg.Set("degradation.auto_recovery", false, "test")
	require.NoError(t, err)

	sig.set(func(s *mutableSignals) { s.timeouts = 4 })
	require.Equal(t, ModeReducedPerformance, c.Evaluate())

	sig.set(func(s *mutableSignals) { s.timeouts = 0 })
	assert.Equal(t, ModeReducedPerformance, c.Evaluate())
}

func TestAdmitUpload_SelectiveHalvesConcurrency(t *testing.T) {
	sig := &mutableSignals{}
	c, _, _ := testController(t, sig)

	sig.set(func(s *mutableSignals) { s.errorRate = 50 })
	require.Equal(t, ModeSelectiveProcessing, c.Evaluate())

	// Testing environment allows 2 concurrent processes, halved to 1.
	assert.NoError(t, c.AdmitUpload(0))
	err := c.AdmitUpload(1)
	assert.Equal(t, common.KindBusyRetryLater, common.KindOf(err))
}

func TestDivert_DrainReplaysInOrder(t *testing.T) {
	sig := &mutableSignals{}
	c, _, writer := testController(t, sig)

	entities := []model.Entity{{LocalID: "e1"}, {LocalID: "e2"}}
	rels := []model.Relationship{{SourceLocalID: "e1", TargetLocalID: "e2"}}
	require.NoError(t, c.Divert(context.Background(), "p1", entities, rels))
	require.Equal(t, 1, c.QueueDepth())

	c.drainOnce(context.Background())
	assert.Zero(t, c.QueueDepth())
	assert.Equal(t, 2, writer.entities)
	assert.Equal(t, 1, writer.rels)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, c.WaitDrained(ctx))
}

func TestDrain_WaitsForClosedBreaker(t *testing.T) {
	sig := &mutableSignals{}
	c, _, writer := testController(t, sig)

	require.NoError(t, c.Divert(context.Background(), "p1", []model.Entity{{LocalID: "e1"}}, nil))

	sig.set(func(s *mutableSignals) { s.breakerFor = time.Minute })
	c.drainOnce(context.Background())
	assert.Equal(t, 1, c.QueueDepth(), "no replay while the breaker is open")
	assert.Zero(t, writer.entities)

	sig.set(func(s *mutableSignals) { s.breakerFor = 0 })
	c.drainOnce(context.Background())
	assert.Zero(t, c.QueueDepth())
	assert.Equal(t, 1, writer.entities)
}

func TestDrain_FailedReplayStaysQueued(t *testing.T) {
	sig := &mutableSignals{}
	c, _, writer := testController(t, sig)
	writer.fail = true

	require.NoError(t, c.Divert(context.Background(), "p1", []model.Entity{{LocalID: "e1"}}, nil))
	c.drainOnce(context.Background())
	assert.Equal(t, 1, c.QueueDepth(), "record survives a failed replay")

	writer.fail = false
	c.drainOnce(context.Background())
	assert.Zero(t, c.QueueDepth())
}
