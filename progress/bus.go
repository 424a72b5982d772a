// Package progress implements the per-process progress bus: a current
// snapshot, a bounded replay ring for reconnecting subscribers, and a
// non-blocking fan-out. Publishing never blocks the pipeline; a subscriber
// that cannot keep up is dropped.
package progress

import (
	"sync"
	"time"
)

// Update is the wire-format progress record, identical over the WebSocket
// stream and the polling snapshot endpoint.
type Update struct {
	ProcessID          string                 `json:"process_id"`
	Stage              string                 `json:"stage"`
	Percent            float64                `json:"percent"`
	Message            string                 `json:"message"`
	EntitiesFound      int                    `json:"entities_found"`
	RelationshipsFound int                    `json:"relationships_found"`
	ElapsedSeconds     float64                `json:"elapsed_seconds"`
	ETASeconds         *float64               `json:"eta_seconds,omitempty"`
	Terminal           bool                   `json:"terminal"`
	Error              string                 `json:"error,omitempty"`
	SuccessSummary     map[string]interface{} `json:"success_summary,omitempty"`
	At                 time.Time              `json:"at"`
}

const (
	historySize      = 200
	subscriberBuffer = 64
)

type subscriber struct {
	ch chan Update
}

type procState struct {
	snapshot *Update
	history  []Update // bounded ring, oldest first
	subs     map[int]*subscriber
	nextSub  int
	terminal bool
}

// Bus fans progress updates out to subscribers per process.
type Bus struct {
	mu    sync.RWMutex
	procs map[string]*procState
}

// NewBus creates an empty progress bus.
func NewBus() *Bus {
	return &Bus{procs: make(map[string]*procState)}
}

func (b *Bus) state(processID string) *procState {
	st, ok := b.procs[processID]
	if !ok {
		st = &procState{subs: make(map[int]*subscriber)}
		b.procs[processID] = st
	}
	return st
}

// Publish records an update and fans it out. Non-blocking: subscribers
// with a full buffer are dropped. Within one stage the published percent
// never goes backwards unless the update carries an error (a failed stage
// resets its window).
func (b *Bus) Publish(u Update) {
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}

	b.mu.Lock()
	st := b.state(u.ProcessID)
	if st.terminal {
		b.mu.Unlock()
		return
	}

	if st.snapshot != nil && st.snapshot.Stage == u.Stage && u.Error == "" && u.Percent < st.snapshot.Percent {
		u.Percent = st.snapshot.Percent
	}

	snap := u
	st.snapshot = &snap
	st.history = append(st.history, u)
	if len(st.history) > historySize {
		st.history = st.history[len(st.history)-historySize:]
	}

	var dropped []int
	for id, sub := range st.subs {
		select {
		case sub.ch <- u:
		default:
			dropped = append(dropped, id)
		}
	}
	for _, id := range dropped {
		close(st.subs[id].ch)
		delete(st.subs, id)
	}

	if u.Terminal {
		st.terminal = true
		for id, sub := range st.subs {
			close(sub.ch)
			delete(st.subs, id)
		}
	}
	b.mu.Unlock()
}

// Subscribe returns a stream for one process. The current snapshot is
// delivered first, then live updates. The returned cancel func detaches
// the subscriber; the channel is closed on cancel, drop, or terminal.
func (b *Bus) Subscribe(processID string) (<-chan Update, func()) {
	b.mu.Lock()
	st := b.state(processID)

	ch := make(chan Update, subscriberBuffer)
	if st.snapshot != nil {
		ch <- *st.snapshot
	}
	if st.terminal {
		close(ch)
		b.mu.Unlock()
		return ch, func() {}
	}

	id := st.nextSub
	st.nextSub++
	st.subs[id] = &subscriber{ch: ch}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := st.subs[id]; ok {
			close(sub.ch)
			delete(st.subs, id)
		}
	}
	return ch, cancel
}

// Snapshot returns the latest update for a process, if any.
func (b *Bus) Snapshot(processID string) (Update, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st, ok := b.procs[processID]
	if !ok || st.snapshot == nil {
		return Update{}, false
	}
	return *st.snapshot, true
}

// History returns the buffered updates for a process, oldest first.
func (b *Bus) History(processID string) []Update {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st, ok := b.procs[processID]
	if !ok {
		return nil
	}
	out := make([]Update, len(st.history))
	copy(out, st.history)
	return out
}

// Remove forgets a process entirely (age-based sweep).
func (b *Bus) Remove(processID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.procs[processID]; ok {
		for id, sub := range st.subs {
			close(sub.ch)
			delete(st.subs, id)
		}
		delete(b.procs, processID)
	}
}

// SubscriberCount reports the live subscribers for a process.
func (b *Bus) SubscriberCount(processID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st, ok := b.procs[processID]
	if !ok {
		return 0
	}
	return len(st.subs)
}
