package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/qsrgraph/qsrgraph/bridge"
	"github.com/qsrgraph/qsrgraph/dedup"
	"github.com/qsrgraph/qsrgraph/extract"
	"github.com/qsrgraph/qsrgraph/integrity"
)

// Status is the lifecycle state of one process.
type Status string

const (
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
	StatusInterrupted Status = "interrupted"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool { return s != StatusRunning }

// StageRecord is one stage_history entry.
type StageRecord struct {
	Stage     Stage     `json:"stage"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	Warning   bool      `json:"warning,omitempty"`
}

// Process is one in-flight or finished document ingestion.
type Process struct {
	ID         string
	Filename   string
	UploadPath string
	Pages      int
	CreatedAt  time.Time

	mu           sync.Mutex
	status       Status
	stage        Stage
	stageStarted time.Time
	history      []StageRecord
	err          error
	endedAt      time.Time

	cancelRequested bool
	retryRequested  bool
	forceRequested  bool
	stageCancel     context.CancelFunc

	// Stage artifacts, written only by the owning pipeline worker.
	Text   *extract.TextResult
	Bridge *bridge.State
}

func newProcess(id, filename, uploadPath string, pages int) *Process {
	return &Process{
		ID:         id,
		Filename:   filename,
		UploadPath: uploadPath,
		Pages:      pages,
		CreatedAt:  time.Now().UTC(),
		status:     StatusRunning,
		stage:      StageValidation,
	}
}

// Stage returns the current stage.
func (p *Process) Stage() Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stage
}

// Status returns the lifecycle state.
func (p *Process) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Err returns the terminal error, if any.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// StageElapsed is how long the process has been in its current stage.
func (p *Process) StageElapsed() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status.Terminal() || p.stageStarted.IsZero() {
		return 0
	}
	return time.Since(p.stageStarted)
}

// History returns a copy of the stage history.
func (p *Process) History() []StageRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StageRecord, len(p.history))
	copy(out, p.history)
	return out
}

func (p *Process) enterStage(s Stage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stage = s
	p.stageStarted = time.Now().UTC()
}

func (p *Process) recordStage(s Stage, attempts int, errText string, warning bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, StageRecord{
		Stage:     s,
		StartedAt: p.stageStarted,
		EndedAt:   time.Now().UTC(),
		Attempts:  attempts,
		Error:     errText,
		Warning:   warning,
	})
}

func (p *Process) finish(status Status, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status.Terminal() {
		return
	}
	p.status = status
	p.err = err
	p.endedAt = time.Now().UTC()
}

// EndedAt returns when the process reached a terminal state.
func (p *Process) EndedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endedAt
}

// RequestCancel flags the process for cancellation. The flag is observed
// at the next stage boundary; in-flight external calls are not
// interrupted.
func (p *Process) RequestCancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelRequested = true
}

func (p *Process) cancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelRequested
}

// requestRetry aborts the in-flight stage attempt so the stage loop runs
// it again. Used by the recovery controller.
func (p *Process) requestRetry() {
	p.mu.Lock()
	p.retryRequested = true
	cancel := p.stageCancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// requestForce marks the current stage to end with a warning on its next
// failure. Used by the recovery controller.
func (p *Process) requestForce() {
	p.mu.Lock()
	p.forceRequested = true
	cancel := p.stageCancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (p *Process) takeRetry() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	was := p.retryRequested
	p.retryRequested = false
	return was
}

func (p *Process) takeForce() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	was := p.forceRequested
	p.forceRequested = false
	return was
}

func (p *Process) setStageCancel(cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stageCancel = cancel
}

// Outcome is the final result surface served by the result endpoint.
type Outcome struct {
	ProcessID             string            `json:"process_id"`
	Filename              string            `json:"filename"`
	Pages                 int               `json:"pages"`
	Status                Status            `json:"status"`
	Error                 string            `json:"error,omitempty"`
	Entities              int               `json:"entities"`
	Relationships         int               `json:"relationships"`
	OrphanedRelationships int               `json:"orphaned_relationships"`
	CitationsPreserved    int               `json:"citations_preserved"`
	DedupStats            *dedup.Stats      `json:"dedup_stats,omitempty"`
	Integrity             *integrity.Report `json:"integrity,omitempty"`
	StageHistory          []StageRecord     `json:"stage_history"`
	DurationSeconds       float64           `json:"duration_seconds"`
}

// Outcome snapshots the terminal result. Call only once Status is
// terminal.
func (p *Process) Outcome() *Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := &Outcome{
		ProcessID:    p.ID,
		Filename:     p.Filename,
		Pages:        p.Pages,
		Status:       p.status,
		StageHistory: append([]StageRecord(nil), p.history...),
	}
	if p.err != nil {
		out.Error = p.err.Error()
	}
	if !p.endedAt.IsZero() {
		out.DurationSeconds = p.endedAt.Sub(p.CreatedAt).Seconds()
	}
	if st := p.Bridge; st != nil {
		out.Entities = st.EntitiesBridged
		out.Relationships = st.RelationshipsBridged
		out.Integrity = st.Report
		if st.Dedup != nil {
			out.DedupStats = &st.Dedup.Stats
			out.OrphanedRelationships = st.Dedup.OrphanedRelationships
		}
		if st.Citations != nil {
			out.CitationsPreserved = st.Citations.Preserved
		}
	}
	return out
}

// Registry tracks processes by id.
type Registry struct {
	mu    sync.RWMutex
	procs map[string]*Process
}

func NewRegistry() *Registry {
	return &Registry{procs: make(map[string]*Process)}
}

func (r *Registry) Add(p *Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[p.ID] = p
}

func (r *Registry) Get(id string) (*Process, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procs[id]
	return p, ok
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.procs, id)
}

// Active returns processes not yet terminal.
func (r *Registry) Active() []*Process {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Process
	for _, p := range r.procs {
		if !p.Status().Terminal() {
			out = append(out, p)
		}
	}
	return out
}

// ActiveCount counts non-terminal processes.
func (r *Registry) ActiveCount() int {
	return len(r.Active())
}

// All returns every tracked process.
func (r *Registry) All() []*Process {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Process, 0, len(r.procs))
	for _, p := range r.procs {
		out = append(out, p)
	}
	return out
}
