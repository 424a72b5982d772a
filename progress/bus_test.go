package progress

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_SnapshotAndPublish(t *testing.T) {
	b := NewBus()

	_, ok := b.Snapshot("p1")
	assert.False(t, ok)

	b.Publish(Update{ProcessID: "p1", Stage: "validation", Percent: 5})
	snap, ok := b.Snapshot("p1")
	require.True(t, ok)
	assert.Equal(t, "validation", snap.Stage)
	assert.Equal(t, 5.0, snap.Percent)
	assert.False(t, snap.At.IsZero())
}

func TestBus_SubscriberGetsSnapshotFirstThenLive(t *testing.T) {
	b := NewBus()
	b.Publish(Update{ProcessID: "p1", Stage: "validation", Percent: 10})

	ch, cancel := b.Subscribe("p1")
	defer cancel()

	first := <-ch
	assert.Equal(t, 10.0, first.Percent)

	b.Publish(Update{ProcessID: "p1", Stage: "validation", Percent: 20})
	second := <-ch
	assert.Equal(t, 20.0, second.Percent)
}

func TestBus_PercentMonotonicWithinStage(t *testing.T) {
	b := NewBus()
	b.Publish(Update{ProcessID: "p1", Stage: "graph_write", Percent: 70})
	b.Publish(Update{ProcessID: "p1", Stage: "graph_write", Percent: 60})

	snap, _ := b.Snapshot("p1")
	assert.Equal(t, 70.0, snap.Percent, "percent must not move backwards within a stage")

	// A stage transition may lower the percent window.
	b.Publish(Update{ProcessID: "p1", Stage: "integrity_check", Percent: 85})
	snap, _ = b.Snapshot("p1")
	assert.Equal(t, 85.0, snap.Percent)

	// A failure resets the stage window.
	b.Publish(Update{ProcessID: "p1", Stage: "integrity_check", Percent: 80, Error: "retrying"})
	snap, _ = b.Snapshot("p1")
	assert.Equal(t, 80.0, snap.Percent)
}

func TestBus_SlowSubscriberIsDropped(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe("p1")
	defer cancel()

	// Overflow the subscriber buffer without draining.
	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(Update{ProcessID: "p1", Stage: "entity_extraction", Percent: float64(i)})
	}

	assert.Equal(t, 0, b.SubscriberCount("p1"), "slow subscriber must be dropped, not block the producer")

	// The channel was closed; draining it terminates.
	n := 0
	for range ch {
		n++
	}
	assert.Equal(t, subscriberBuffer, n)
}

func TestBus_TerminalClosesSubscribers(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe("p1")
	defer cancel()

	b.Publish(Update{ProcessID: "p1", Stage: "finalization", Percent: 100, Terminal: true})

	var got []Update
	for u := range ch {
		got = append(got, u)
	}
	require.Len(t, got, 1)
	assert.True(t, got[0].Terminal)

	// Publishing after terminal is a no-op.
	b.Publish(Update{ProcessID: "p1", Stage: "finalization", Percent: 100})
	assert.Len(t, b.History("p1"), 1)

	// A late subscriber still receives the terminal snapshot, then closes.
	late, lateCancel := b.Subscribe("p1")
	defer lateCancel()
	u, ok := <-late
	require.True(t, ok)
	assert.True(t, u.Terminal)
	_, ok = <-late
	assert.False(t, ok)
}

func TestBus_HistoryRingBounded(t *testing.T) {
	b := NewBus()
	for i := 0; i < historySize+50; i++ {
		b.Publish(Update{ProcessID: "p1", Stage: "entity_extraction", Percent: float64(i % 100), Message: fmt.Sprintf("u%d", i), Error: "x"})
	}
	h := b.History("p1")
	assert.Len(t, h, historySize)
	assert.Equal(t, fmt.Sprintf("u%d", historySize+49), h[len(h)-1].Message)
}

func TestBus_Remove(t *testing.T) {
	b := NewBus()
	b.Publish(Update{ProcessID: "p1", Stage: "validation", Percent: 1})
	ch, _ := b.Subscribe("p1")

	b.Remove("p1")
	_, ok := b.Snapshot("p1")
	assert.False(t, ok)

	// Drain pending then confirm closed.
	for range ch {
	}
}
