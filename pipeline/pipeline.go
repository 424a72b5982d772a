// Package pipeline runs the staged ingestion state machine: one worker
// per in-flight document, bounded by the configured concurrency, driving
// the bridge through extraction, deduplication, citation preservation,
// graph writes, and the integrity gate.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/qsrgraph/qsrgraph/bridge"
	"github.com/qsrgraph/qsrgraph/common"
	"github.com/qsrgraph/qsrgraph/config"
	"github.com/qsrgraph/qsrgraph/extract"
	"github.com/qsrgraph/qsrgraph/progress"
)

// Admission gates new uploads. The degradation manager rejects or defers
// intake depending on the current mode; a nil Admission admits everything.
type Admission interface {
	AdmitUpload(activeProcesses int) error
}

// StuckFile is one stuck-process finding for the health monitor.
type StuckFile struct {
	ProcessID      string  `json:"process_id"`
	Stage          Stage   `json:"stage"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// Pipeline owns the process registry and the per-process workers.
type Pipeline struct {
	cfg       *config.Manager
	reg       *Registry
	bus       *progress.Bus
	svc       *bridge.Service
	textX     extract.TextExtractor
	visualX   extract.VisualExtractor
	admission Admission

	sem     *semaphore.Weighted
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	stopping atomic.Bool
	// timeoutScale is percent; reduced_performance mode sets 150.
	timeoutScale atomic.Int64

	log *logrus.Entry
}

// New builds the pipeline. admission may be nil.
func New(cfg *config.Manager, reg *Registry, bus *progress.Bus, svc *bridge.Service,
	textX extract.TextExtractor, visualX extract.VisualExtractor, admission Admission) *Pipeline {
	baseCtx, stop := context.WithCancel(context.Background())
	concurrency := cfg.Snapshot().Processing.ConcurrentProcesses
	if concurrency <= 0 {
		concurrency = 5
	}
	p := &Pipeline{
		cfg:       cfg,
		reg:       reg,
		bus:       bus,
		svc:       svc,
		textX:     textX,
		visualX:   visualX,
		admission: admission,
		sem:       semaphore.NewWeighted(int64(concurrency)),
		baseCtx:   baseCtx,
		stop:      stop,
		log:       common.Logger.WithField("component", "pipeline"),
	}
	p.timeoutScale.Store(100)
	return p
}

// Registry exposes the process registry.
func (p *Pipeline) Registry() *Registry { return p.reg }

// SetTimeoutScale adjusts stage timeouts as a percentage of the base.
// The degradation manager sets 150 in reduced_performance mode.
func (p *Pipeline) SetTimeoutScale(percent int) {
	if percent >= 100 {
		p.timeoutScale.Store(int64(percent))
	}
}

func (p *Pipeline) stageTimeout() time.Duration {
	base := p.cfg.Snapshot().Processing.TimeoutSeconds
	if base <= 0 {
		base = 900
	}
	return time.Duration(base) * time.Second * time.Duration(p.timeoutScale.Load()) / 100
}

// Submit runs stage one synchronously and starts a worker. It returns as
// soon as the file is accepted; the process id is live immediately.
func (p *Pipeline) Submit(data []byte, filename string) (*Process, error) {
	if p.stopping.Load() {
		return nil, common.E(common.KindBusyRetryLater, "shutting down, not accepting uploads")
	}
	if p.admission != nil {
		if err := p.admission.AdmitUpload(p.reg.ActiveCount()); err != nil {
			return nil, err
		}
	}

	cfg := p.cfg.Snapshot()
	pages, err := extract.ValidatePDF(data, cfg.Processing.MaxUploadBytes)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	if err := os.MkdirAll(cfg.Storage.UploadDir, 0o755); err != nil {
		return nil, common.Wrap(common.KindInternal, "creating upload directory", err)
	}
	path := filepath.Join(cfg.Storage.UploadDir, id+"_"+filepath.Base(filename))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, common.Wrap(common.KindInternal, "storing upload", err)
	}

	proc := newProcess(id, filename, path, pages)
	proc.recordStage(StageValidation, 1, "", false)
	p.reg.Add(proc)
	p.publish(proc, StageValidation, 5, fmt.Sprintf("accepted %q, %d pages", filename, pages), false, "", nil)

	p.wg.Add(1)
	go p.run(proc)
	return proc, nil
}

// Restore resumes processes whose upload files survived a restart. Every
// recovered file replays from text extraction; processes past that stage
// cannot be resumed and are simply re-run.
func (p *Pipeline) Restore() int {
	cfg := p.cfg.Snapshot()
	entries, err := os.ReadDir(cfg.Storage.UploadDir)
	if err != nil {
		return 0
	}
	restored := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, filename, ok := strings.Cut(entry.Name(), "_")
		if !ok || id == "" {
			continue
		}
		if _, exists := p.reg.Get(id); exists {
			continue
		}
		data, err := os.ReadFile(filepath.Join(cfg.Storage.UploadDir, entry.Name()))
		if err != nil {
			continue
		}
		pages, err := extract.ValidatePDF(data, cfg.Processing.MaxUploadBytes)
		if err != nil {
			continue
		}
		proc := newProcess(id, filename, filepath.Join(cfg.Storage.UploadDir, entry.Name()), pages)
		proc.recordStage(StageValidation, 1, "", false)
		p.reg.Add(proc)
		p.wg.Add(1)
		go p.run(proc)
		restored++
	}
	if restored > 0 {
		p.log.WithField("processes", restored).Info("restored interrupted uploads")
	}
	return restored
}

func (p *Pipeline) run(proc *Process) {
	defer p.wg.Done()

	if err := p.sem.Acquire(p.baseCtx, 1); err != nil {
		p.terminate(proc, StatusInterrupted, common.Wrap(common.KindInterrupted, "pipeline stopped before start", err))
		return
	}
	defer p.sem.Release(1)

	for _, stage := range stageOrder[1:] {
		if p.stopping.Load() {
			p.terminate(proc, StatusInterrupted, common.E(common.KindInterrupted, "pipeline shut down"))
			return
		}
		if proc.cancelled() {
			p.rollbackIfOpen(proc, "cancelled")
			p.terminate(proc, StatusCancelled, common.E(common.KindCancelled, "cancelled by request"))
			return
		}

		proc.enterStage(stage)
		lower, _ := StageWindow(stage)
		p.publish(proc, stage, lower, "entering "+string(stage), false, "", nil)

		attempts, warning, err := p.runStage(proc, stage)
		errText := ""
		if err != nil {
			errText = err.Error()
		}
		proc.recordStage(stage, attempts, errText, warning)

		if err != nil {
			p.failStage(proc, stage, err)
			return
		}
		_, upper := StageWindow(stage)
		p.publish(proc, stage, upper, string(stage)+" complete", false, "", nil)
	}

	p.succeed(proc)
}

// runStage executes one stage with its timeout and transient retry
// budget. Recovery may request an extra retry or a force-complete; a
// force on a non-skippable stage is ignored.
func (p *Pipeline) runStage(proc *Process, stage Stage) (attempts int, warning bool, err error) {
	budget := p.cfg.Snapshot().Processing.RetryAttempts
	var lastErr error

	for attempt := 0; attempt <= budget; attempt++ {
		attempts++
		ctx, cancel := context.WithTimeout(p.baseCtx, p.stageTimeout())
		proc.setStageCancel(cancel)
		stageErr := p.execute(ctx, proc, stage)
		deadline := ctx.Err() == context.DeadlineExceeded
		cancel()
		proc.setStageCancel(nil)

		if stageErr == nil {
			return attempts, false, nil
		}
		if deadline && common.KindOf(stageErr) != common.KindTimeout {
			stageErr = common.Wrap(common.KindTimeout, string(stage)+" timed out", stageErr)
		}
		lastErr = stageErr

		if proc.takeRetry() {
			continue
		}
		if proc.takeForce() && forceCompletable(stage) {
			p.log.WithFields(logrus.Fields{"process_id": proc.ID, "stage": stage}).
				Warn("stage force-completed")
			return attempts, true, nil
		}
		if p.stopping.Load() || proc.cancelled() {
			break
		}
		if !common.Transient(stageErr) {
			break
		}
	}
	return attempts, false, lastErr
}

func (p *Pipeline) execute(ctx context.Context, proc *Process, stage Stage) error {
	switch stage {
	case StageTextExtraction:
		res, err := p.textX.ExtractText(ctx, proc.UploadPath)
		if err != nil {
			return err
		}
		if !res.NonEmpty() {
			return common.E(common.KindExtractionFailed, "document produced no extractable text")
		}
		proc.Text = res
		return nil

	case StageEntityExtraction:
		ex, err := p.svc.ExtractEntities(ctx, extract.Document{
			ProcessID: proc.ID,
			Filename:  proc.Filename,
			Pages:     proc.Text.Pages,
		})
		if err != nil {
			return err
		}
		proc.Bridge = &bridge.State{Extraction: ex}
		_, upper := StageWindow(stage)
		p.publish(proc, stage, upper-1,
			fmt.Sprintf("extracted %d entities, %d relationships", len(ex.Entities), len(ex.Relationships)),
			false, "", nil)
		return nil

	case StageDeduplication:
		proc.Bridge.Dedup = p.svc.Deduplicate(proc.Bridge.Extraction)
		return nil

	case StageVisualCitation:
		artifacts, err := p.visualX.ExtractVisuals(ctx, proc.UploadPath, proc.Text)
		if err != nil {
			return err
		}
		out, err := p.svc.PreserveCitations(ctx, proc.ID, proc.Filename, artifacts, proc.Bridge.Dedup.Entities)
		proc.Bridge.Citations = out
		return err

	case StageGraphWrite:
		lower, upper := StageWindow(stage)
		total := len(proc.Bridge.Dedup.Entities) + len(proc.Bridge.Dedup.Relationships)
		return p.svc.WriteGraph(ctx, proc.ID, proc.Bridge, func(entities, rels int) {
			percent := upper
			if total > 0 {
				percent = lower + (upper-lower)*float64(entities+rels)/float64(total)
			}
			p.publish(proc, stage, percent,
				fmt.Sprintf("wrote %d entities, %d relationships", entities, rels), false, "", nil)
		})

	case StageIntegrityCheck:
		_, err := p.svc.VerifyAndCommit(ctx, proc.ID, proc.Bridge,
			pagesWithText(proc.Text), p.cfg.Snapshot().Processing.CrossDocumentDedup)
		return err

	case StageFinalization:
		return nil
	}
	return common.E(common.KindInternal, "unknown stage "+string(stage))
}

func pagesWithText(res *extract.TextResult) []int {
	if res == nil {
		return nil
	}
	var pages []int
	for _, p := range res.Pages {
		if len(strings.TrimSpace(p.Text)) > 0 {
			pages = append(pages, p.Page)
		}
	}
	return pages
}

// failStage rolls back any open saga and terminates the process with the
// status matching the error kind.
func (p *Pipeline) failStage(proc *Process, stage Stage, err error) {
	if stage == StageGraphWrite || stage == StageVisualCitation {
		p.rollbackIfOpen(proc, string(stage)+" failed")
	}

	status := StatusFailed
	switch common.KindOf(err) {
	case common.KindCancelled:
		status = StatusCancelled
	case common.KindInterrupted:
		status = StatusInterrupted
	}
	if p.stopping.Load() {
		status = StatusInterrupted
		err = common.Wrap(common.KindInterrupted, "pipeline shut down", err)
	}
	p.log.WithError(err).WithFields(logrus.Fields{
		"process_id": proc.ID,
		"stage":      stage,
	}).Error("process failed")
	p.terminate(proc, status, err)
}

func (p *Pipeline) rollbackIfOpen(proc *Process, reason string) {
	if proc.Bridge != nil && proc.Bridge.TxnID != "" {
		p.svc.Rollback(context.Background(), proc.Bridge, reason)
	}
}

func (p *Pipeline) succeed(proc *Process) {
	proc.finish(StatusCompleted, nil)
	summary := map[string]interface{}{
		"total_entities":      0,
		"total_relationships": 0,
	}
	if st := proc.Bridge; st != nil {
		summary["total_entities"] = st.EntitiesBridged
		summary["total_relationships"] = st.RelationshipsBridged
		if st.Citations != nil {
			summary["citations_preserved"] = st.Citations.Preserved
		}
	}
	p.publish(proc, StageFinalization, 100, "processing complete", true, "", summary)
}

func (p *Pipeline) terminate(proc *Process, status Status, err error) {
	proc.finish(status, err)
	p.publish(proc, proc.Stage(), 0, "processing ended", true, common.UserMessage(err), nil)
}

func (p *Pipeline) publish(proc *Process, stage Stage, percent float64, msg string, terminal bool, errText string, summary map[string]interface{}) {
	u := progress.Update{
		ProcessID:      proc.ID,
		Stage:          string(stage),
		Percent:        percent,
		Message:        msg,
		ElapsedSeconds: time.Since(proc.CreatedAt).Seconds(),
		Terminal:       terminal,
		Error:          errText,
		SuccessSummary: summary,
		At:             time.Now().UTC(),
	}
	if st := proc.Bridge; st != nil {
		if st.EntitiesBridged > 0 || st.RelationshipsBridged > 0 {
			u.EntitiesFound = st.EntitiesBridged
			u.RelationshipsFound = st.RelationshipsBridged
		} else if st.Dedup != nil {
			u.EntitiesFound = len(st.Dedup.Entities)
			u.RelationshipsFound = len(st.Dedup.Relationships)
		} else if st.Extraction != nil {
			u.EntitiesFound = len(st.Extraction.Entities)
			u.RelationshipsFound = len(st.Extraction.Relationships)
		}
	}
	if percent > 5 && percent < 100 && u.ElapsedSeconds > 0 {
		eta := u.ElapsedSeconds / percent * (100 - percent)
		u.ETASeconds = &eta
	}
	p.bus.Publish(u)
}

// Cancel flags a process for cancellation at its next stage boundary.
func (p *Pipeline) Cancel(processID string) error {
	proc, ok := p.reg.Get(processID)
	if !ok {
		return common.E(common.KindInvalidInput, "unknown process")
	}
	if proc.Status().Terminal() {
		return common.E(common.KindInvalidInput, "process already finished")
	}
	proc.RequestCancel()
	return nil
}

// RetryStage aborts the in-flight stage attempt of a process so it runs
// again. Recovery strategy hook.
func (p *Pipeline) RetryStage(processID string) error {
	proc, ok := p.reg.Get(processID)
	if !ok || proc.Status().Terminal() {
		return common.E(common.KindInvalidInput, "process not active")
	}
	proc.requestRetry()
	return nil
}

// ForceComplete skips past the current stage with a warning. Refused for
// graph_write and integrity_check.
func (p *Pipeline) ForceComplete(processID string) error {
	proc, ok := p.reg.Get(processID)
	if !ok || proc.Status().Terminal() {
		return common.E(common.KindInvalidInput, "process not active")
	}
	if !forceCompletable(proc.Stage()) {
		return common.E(common.KindPermissionDenied,
			"force_complete is not permitted for "+string(proc.Stage()))
	}
	proc.requestForce()
	return nil
}

// Restart cancels a process and resubmits its stored upload as a new
// process. Recovery strategy hook.
func (p *Pipeline) Restart(processID string) (*Process, error) {
	proc, ok := p.reg.Get(processID)
	if !ok {
		return nil, common.E(common.KindInvalidInput, "unknown process")
	}
	data, err := os.ReadFile(proc.UploadPath)
	if err != nil {
		return nil, common.Wrap(common.KindInternal, "upload bytes unavailable", err)
	}
	if !proc.Status().Terminal() {
		proc.RequestCancel()
		proc.requestRetry() // break the in-flight attempt so the cancel is seen
	}
	return p.Submit(data, proc.Filename)
}

// StuckFiles reports active processes past their stage's stuck threshold.
func (p *Pipeline) StuckFiles() []StuckFile {
	var out []StuckFile
	for _, proc := range p.reg.Active() {
		stage := proc.Stage()
		if elapsed := proc.StageElapsed(); elapsed > StuckThreshold(stage) {
			out = append(out, StuckFile{
				ProcessID:      proc.ID,
				Stage:          stage,
				ElapsedSeconds: elapsed.Seconds(),
			})
		}
	}
	return out
}

// Sweep drops terminal processes older than maxAge from the registry and
// the progress bus, and removes their stored uploads.
func (p *Pipeline) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)
	removed := 0
	for _, proc := range p.reg.All() {
		if !proc.Status().Terminal() {
			continue
		}
		if ended := proc.EndedAt(); !ended.IsZero() && ended.Before(cutoff) {
			p.reg.Remove(proc.ID)
			p.bus.Remove(proc.ID)
			os.Remove(proc.UploadPath)
			removed++
		}
	}
	return removed
}

// Shutdown stops intake, waits up to drain for in-flight processes, then
// abandons the rest and records them as interrupted.
func (p *Pipeline) Shutdown(drain time.Duration) {
	p.stopping.Store(true)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drain):
		p.stop()
		<-done
	}

	for _, proc := range p.reg.Active() {
		p.terminate(proc, StatusInterrupted, common.E(common.KindInterrupted, "pipeline shut down"))
	}
}
