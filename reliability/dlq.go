package reliability

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/qsrgraph/qsrgraph/common"
)

// Classification separates operations that will be retried automatically
// from those requiring an operator.
type Classification string

const (
	ClassRetryable    Classification = "retryable"
	ClassManualReview Classification = "manual_review"
)

// FailedOp is one dead-lettered operation.
type FailedOp struct {
	ID            string          `json:"id"`
	OpKind        string          `json:"op_kind"`
	Payload       json.RawMessage `json:"payload"`
	ErrorSummary  string          `json:"error_summary"`
	FirstFailedAt time.Time       `json:"first_failed_at"`
	Attempts      int             `json:"attempts"`
	NextRetryAt   *time.Time      `json:"next_retry_at,omitempty"`
	Classification Classification `json:"classification"`
}

// Handler retries one dead-lettered operation. A nil return removes the
// record; an error reschedules it until the attempt budget is spent.
type Handler func(ctx context.Context, payload json.RawMessage) error

const (
	dlqRetryBase    = 2 * time.Second
	dlqRetryCap     = 5 * time.Minute
	dlqRetryJitter  = 0.2
	dlqMaxAttempts  = 5
	dlqDefaultLimit = 1000
)

// DLQ is the bounded, disk-durable dead-letter queue. The file is written
// with append-rewrite plus fsync so the queue survives process restart.
// A single drainer goroutine retries due records.
type DLQ struct {
	path     string
	maxSize  int
	log      *logrus.Entry

	mu       sync.Mutex
	items    []*FailedOp
	handlers map[string]Handler
	seq      int64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// OpenDLQ loads (or creates) the queue at <dir>/queue.json.
func OpenDLQ(dir string, maxSize int) (*DLQ, error) {
	if maxSize <= 0 {
		maxSize = dlqDefaultLimit
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating dlq dir: %w", err)
	}
	q := &DLQ{
		path:     filepath.Join(dir, "queue.json"),
		maxSize:  maxSize,
		log:      common.Logger.WithField("component", "dlq"),
		handlers: make(map[string]Handler),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *DLQ) load() error {
	data, err := os.ReadFile(q.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading dlq: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &q.items); err != nil {
		return fmt.Errorf("decoding dlq: %w", err)
	}
	return nil
}

// persistLocked rewrites the queue file and fsyncs it. Caller holds q.mu.
func (q *DLQ) persistLocked() error {
	data, err := json.MarshalIndent(q.items, "", "  ")
	if err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

// Classify maps an error to its DLQ classification: transient failures
// (connectivity, timeout, circuit-open) are retryable, structural failures
// go to manual review.
func Classify(err error) Classification {
	if common.Transient(err) {
		return ClassRetryable
	}
	return ClassManualReview
}

// retryDelay computes the backoff before the next attempt: exponential from
// 2s, capped at 5m, ±20% jitter.
func retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = dlqRetryBase
	b.MaxInterval = dlqRetryCap
	b.Multiplier = 2
	b.RandomizationFactor = dlqRetryJitter
	b.MaxElapsedTime = 0
	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Enqueue records a failed operation. The classification is derived from
// the error unless the caller pins one explicitly via EnqueueClassified.
func (q *DLQ) Enqueue(opKind string, payload interface{}, cause error) (*FailedOp, error) {
	return q.EnqueueClassified(opKind, payload, cause, Classify(cause))
}

// EnqueueClassified records a failed operation with a fixed classification.
func (q *DLQ) EnqueueClassified(opKind string, payload interface{}, cause error, class Classification) (*FailedOp, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding dlq payload: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.maxSize {
		return nil, common.E(common.KindInternal, "dead-letter queue is full")
	}

	q.seq++
	op := &FailedOp{
		ID:             fmt.Sprintf("dlq-%d-%d", time.Now().UnixNano(), q.seq),
		OpKind:         opKind,
		Payload:        raw,
		ErrorSummary:   common.UserMessage(cause),
		FirstFailedAt:  time.Now().UTC(),
		Attempts:       0,
		Classification: class,
	}
	if class == ClassRetryable {
		next := time.Now().UTC().Add(retryDelay(1))
		op.NextRetryAt = &next
	}
	q.items = append(q.items, op)
	if err := q.persistLocked(); err != nil {
		q.log.WithError(err).Error("failed to persist dlq")
	}
	q.log.WithFields(logrus.Fields{"op_kind": opKind, "classification": class}).
		Warn("operation dead-lettered")
	return op, nil
}

// Register installs the retry handler for an op kind. Records without a
// handler stay queued until one is registered.
func (q *DLQ) Register(opKind string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[opKind] = h
}

// Items returns a snapshot of the queue, optionally filtered by
// classification ("" returns everything).
func (q *DLQ) Items(class Classification) []FailedOp {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]FailedOp, 0, len(q.items))
	for _, it := range q.items {
		if class == "" || it.Classification == class {
			out = append(out, *it)
		}
	}
	return out
}

// Depth returns the number of queued records.
func (q *DLQ) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Resolve removes a record by id (operator action on manual_review items).
func (q *DLQ) Resolve(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			if err := q.persistLocked(); err != nil {
				q.log.WithError(err).Error("failed to persist dlq")
			}
			return true
		}
	}
	return false
}

// Start launches the single drainer goroutine.
func (q *DLQ) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		defer close(q.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.stop:
				return
			case <-ticker.C:
				q.drainDue(ctx)
			}
		}
	}()
}

// Stop signals the drainer and waits for it to exit.
func (q *DLQ) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
	<-q.done
}

// drainDue retries every retryable record whose next_retry_at has passed.
func (q *DLQ) drainDue(ctx context.Context) {
	q.mu.Lock()
	now := time.Now().UTC()
	var due []*FailedOp
	for _, it := range q.items {
		if it.Classification == ClassRetryable && it.NextRetryAt != nil && !it.NextRetryAt.After(now) {
			due = append(due, it)
		}
	}
	handlers := make(map[string]Handler, len(q.handlers))
	for k, v := range q.handlers {
		handlers[k] = v
	}
	q.mu.Unlock()

	for _, it := range due {
		h, ok := handlers[it.OpKind]
		if !ok {
			continue
		}
		err := h(ctx, it.Payload)

		q.mu.Lock()
		if err == nil {
			for i, cur := range q.items {
				if cur.ID == it.ID {
					q.items = append(q.items[:i], q.items[i+1:]...)
					break
				}
			}
			q.log.WithField("op_kind", it.OpKind).Info("dead-lettered operation replayed")
		} else {
			it.Attempts++
			it.ErrorSummary = common.UserMessage(err)
			if it.Attempts >= dlqMaxAttempts {
				it.Classification = ClassManualReview
				it.NextRetryAt = nil
				q.log.WithFields(logrus.Fields{"op_kind": it.OpKind, "attempts": it.Attempts}).
					Error("retry budget exhausted, escalating to manual review")
			} else {
				next := time.Now().UTC().Add(retryDelay(it.Attempts + 1))
				it.NextRetryAt = &next
			}
		}
		if err := q.persistLocked(); err != nil {
			q.log.WithError(err).Error("failed to persist dlq")
		}
		q.mu.Unlock()
	}
}
