// Package reliability provides the shared operational substrate consumed by
// every pipeline stage: named circuit breakers, the durable dead-letter
// queue, and the compensation-based transaction manager.
package reliability

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/qsrgraph/qsrgraph/common"
)

// BreakerState mirrors the circuit breaker state names used across the
// system's health and degradation surfaces.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerMetrics is the observable state of one breaker.
type BreakerMetrics struct {
	Name                string       `json:"name"`
	State               BreakerState `json:"state"`
	ConsecutiveFailures uint32       `json:"consecutive_failures"`
	TotalFailures       uint32       `json:"total_failures"`
	TotalSuccesses      uint32       `json:"total_successes"`
	OpenedAt            *time.Time   `json:"opened_at,omitempty"`
	FailureThreshold    int          `json:"failure_threshold"`
	CoolDown            time.Duration `json:"cool_down"`
}

// Breaker guards calls to one unreliable collaborator. Closed passes calls
// through, open fails fast with KindCircuitOpen, half-open admits a single
// probe after the cool-down. Only operation-level failures trip the
// breaker; callers signal domain no-result outcomes with a nil error.
type Breaker struct {
	name      string
	coolDown  time.Duration
	threshold atomic.Int64
	log       *logrus.Entry

	mu       sync.Mutex
	cb       *gobreaker.CircuitBreaker
	openedAt atomic.Pointer[time.Time]
}

// NewBreaker builds a breaker with the given consecutive-failure threshold
// and cool-down. A threshold of 0 uses the default of 5; a cool-down of 0
// uses 60s.
func NewBreaker(name string, failureThreshold int, coolDown time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if coolDown <= 0 {
		coolDown = 60 * time.Second
	}
	b := &Breaker{
		name:     name,
		coolDown: coolDown,
		log:      common.Logger.WithField("component", "circuit_breaker").WithField("breaker", name),
	}
	b.threshold.Store(int64(failureThreshold))
	b.cb = b.newGobreaker()
	return b
}

func (b *Breaker) newGobreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        b.name,
		MaxRequests: 1, // single half-open probe
		Timeout:     b.coolDown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(b.threshold.Load())
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				now := time.Now().UTC()
				b.openedAt.Store(&now)
			} else if to == gobreaker.StateClosed {
				b.openedAt.Store(nil)
			}
			b.log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).
				Warn("circuit breaker state change")
		},
	})
}

// Call executes fn under the breaker. When the breaker is open the call
// fails fast with KindCircuitOpen without invoking fn.
func (b *Breaker) Call(fn func() (interface{}, error)) (interface{}, error) {
	b.mu.Lock()
	cb := b.cb
	b.mu.Unlock()

	result, err := cb.Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, common.Wrap(common.KindCircuitOpen, "circuit breaker "+b.name+" is open", err)
	}
	return result, err
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	cb := b.cb
	b.mu.Unlock()
	switch cb.State() {
	case gobreaker.StateOpen:
		return BreakerOpen
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	}
	return BreakerClosed
}

// Metrics returns the observable state of the breaker.
func (b *Breaker) Metrics() BreakerMetrics {
	b.mu.Lock()
	cb := b.cb
	b.mu.Unlock()
	counts := cb.Counts()
	return BreakerMetrics{
		Name:                b.name,
		State:               b.State(),
		ConsecutiveFailures: counts.ConsecutiveFailures,
		TotalFailures:       counts.TotalFailures,
		TotalSuccesses:      counts.TotalSuccesses,
		OpenedAt:            b.openedAt.Load(),
		FailureThreshold:    int(b.threshold.Load()),
		CoolDown:            b.coolDown,
	}
}

// OpenFor returns how long the breaker has been open, or zero when it is
// not open. Consumed by the degradation trigger evaluation.
func (b *Breaker) OpenFor() time.Duration {
	opened := b.openedAt.Load()
	if opened == nil || b.State() != BreakerOpen {
		return 0
	}
	return time.Since(*opened)
}

// SetThreshold adjusts the consecutive-failure threshold. Used by the
// optimization engine; takes effect on the next failure evaluation.
func (b *Breaker) SetThreshold(n int) {
	if n > 0 {
		b.threshold.Store(int64(n))
	}
}

// Reset forces the breaker back to closed, discarding failure counts. Used
// by the recovery controller's reset_cb strategy.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.cb = b.newGobreaker()
	b.mu.Unlock()
	b.openedAt.Store(nil)
	b.log.Info("circuit breaker reset to closed")
}
