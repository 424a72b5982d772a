// Package bridge turns extracted text into durable graph state: entity
// extraction, normalization and classification, deduplication, visual
// citation preservation, and the saga-scoped graph writes with the
// integrity gate at the end.
package bridge

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/qsrgraph/qsrgraph/citations"
	"github.com/qsrgraph/qsrgraph/common"
	"github.com/qsrgraph/qsrgraph/dedup"
	"github.com/qsrgraph/qsrgraph/extract"
	"github.com/qsrgraph/qsrgraph/graph"
	"github.com/qsrgraph/qsrgraph/integrity"
	"github.com/qsrgraph/qsrgraph/model"
	"github.com/qsrgraph/qsrgraph/reliability"
)

// GraphStore is the slice of the graph client the bridge drives.
type GraphStore interface {
	CreateEntitiesBatch(ctx context.Context, txn *reliability.Txn, processID string, entities []model.Entity) (graph.BatchResult, error)
	CreateRelationshipsBatch(ctx context.Context, txn *reliability.Txn, processID string, rels []model.Relationship) (graph.BatchResult, error)
	DeleteEntitiesByKey(ctx context.Context, processID string, localIDs []string) error
	BatchSize() int
}

// Diverter redirects graph writes to the local queue when the graph
// circuit is open. WaitDrained blocks until the queue has been replayed.
type Diverter interface {
	Divert(ctx context.Context, processID string, entities []model.Entity, rels []model.Relationship) error
	WaitDrained(ctx context.Context) error
}

// State is the per-process bridge state the pipeline carries between
// stages.
type State struct {
	Extraction           *model.Extraction
	Dedup                *dedup.Result
	Citations            *citations.Outcome
	TxnID                string
	EntitiesBridged      int
	RelationshipsBridged int
	Report               *integrity.Report
}

// Service orchestrates the value-producing stages.
type Service struct {
	extractor extract.EntityExtractor
	engine    *dedup.Engine
	citations *citations.Service
	graph     GraphStore
	verifier  *integrity.Verifier
	txns      *reliability.TxnManager
	diverter  Diverter
	log       *logrus.Entry
}

// NewService wires the bridge. diverter may be nil when degradation-mode
// queueing is not available.
func NewService(extractor extract.EntityExtractor, engine *dedup.Engine, cit *citations.Service,
	store GraphStore, verifier *integrity.Verifier, txns *reliability.TxnManager, diverter Diverter) *Service {
	return &Service{
		extractor: extractor,
		engine:    engine,
		citations: cit,
		graph:     store,
		verifier:  verifier,
		txns:      txns,
		diverter:  diverter,
		log:       common.Logger.WithField("component", "bridge"),
	}
}

// ExtractEntities calls the external extractor and normalizes its output:
// canonical names are cleaned and untyped entities are classified by
// keyword sets.
func (s *Service) ExtractEntities(ctx context.Context, doc extract.Document) (*model.Extraction, error) {
	ex, err := s.extractor.ExtractEntities(ctx, doc)
	if err != nil {
		if common.KindOf(err) == common.KindInternal {
			return nil, common.Wrap(common.KindExtractionFailed, "entity extraction failed", err)
		}
		return nil, err
	}
	for i := range ex.Entities {
		e := &ex.Entities[i]
		e.CanonicalName = dedup.CanonicalizeName(e.CanonicalName)
		if e.SourceDocument == "" {
			e.SourceDocument = doc.Filename
		}
		if e.QSRType == "" {
			e.QSRType = classify(e.CanonicalName)
		}
	}
	return ex, nil
}

// Deduplicate collapses duplicates and remaps relationship endpoints.
func (s *Service) Deduplicate(ex *model.Extraction) *dedup.Result {
	res := s.engine.Run(*ex)
	s.log.WithFields(logrus.Fields{
		"entities_in":  res.Stats.EntitiesIn,
		"entities_out": res.Stats.EntitiesOut,
		"orphaned":     res.OrphanedRelationships,
	}).Info("deduplication complete")
	return &res
}

// PreserveCitations stores artifact bytes and scores links against the
// canonical entities, so links only ever reference surviving ids.
func (s *Service) PreserveCitations(ctx context.Context, processID, sourceDocument string,
	artifacts []extract.RawArtifact, entities []model.Entity) (*citations.Outcome, error) {
	return s.citations.Preserve(ctx, processID, sourceDocument, artifacts, entities)
}

// WriteGraph opens the process saga and writes entities, relationships,
// and citations in batches. publish is called after every batch with the
// cumulative counters so the progress stream climbs during the write.
// An open graph circuit diverts the remaining writes to the local queue
// and blocks until the drainer has replayed them.
func (s *Service) WriteGraph(ctx context.Context, processID string, st *State, publish func(entities, rels int)) (err error) {
	if publish == nil {
		publish = func(int, int) {}
	}
	txn := s.txns.Begin()
	st.TxnID = txn.ID

	// A failed attempt undoes its own writes so a retry starts clean.
	defer func() {
		if err != nil {
			s.Rollback(context.Background(), st, "graph write failed")
		}
	}()

	entities := st.Dedup.Entities
	rels := st.Dedup.Relationships
	size := s.graph.BatchSize()
	if size <= 0 {
		size = 3
	}

	for start := 0; start < len(entities); start += size {
		end := start + size
		if end > len(entities) {
			end = len(entities)
		}
		if _, err := s.graph.CreateEntitiesBatch(ctx, txn, processID, entities[start:end]); err != nil {
			if common.KindOf(err) == common.KindCircuitOpen && s.diverter != nil {
				return s.divert(ctx, txn, processID, st, entities[start:], rels, publish)
			}
			return err
		}
		st.EntitiesBridged = end
		publish(st.EntitiesBridged, st.RelationshipsBridged)
	}

	for start := 0; start < len(rels); start += size {
		end := start + size
		if end > len(rels) {
			end = len(rels)
		}
		if _, err := s.graph.CreateRelationshipsBatch(ctx, txn, processID, rels[start:end]); err != nil {
			if common.KindOf(err) == common.KindCircuitOpen && s.diverter != nil {
				return s.divert(ctx, txn, processID, st, nil, rels[start:], publish)
			}
			return err
		}
		st.RelationshipsBridged = end
		publish(st.EntitiesBridged, st.RelationshipsBridged)
	}

	if st.Citations != nil {
		if err := s.citations.WriteGraph(ctx, txn, processID, st.Citations); err != nil {
			return err
		}
	}
	return nil
}

// divert hands the remaining writes to the local queue and waits for the
// drainer. The diverted entities get one covering compensation so a later
// rollback still removes them.
func (s *Service) divert(ctx context.Context, txn *reliability.Txn, processID string, st *State,
	entities []model.Entity, rels []model.Relationship, publish func(entities, rels int)) error {
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		ids = append(ids, e.LocalID)
	}
	if len(ids) > 0 {
		if err := s.txns.Add(txn,
			fmt.Sprintf("divert %d entities to local queue", len(ids)),
			fmt.Sprintf("delete %d diverted entities of %s", len(ids), processID),
			func(compCtx context.Context) error {
				return s.graph.DeleteEntitiesByKey(compCtx, processID, ids)
			}); err != nil {
			return err
		}
	}

	s.log.WithFields(logrus.Fields{
		"process_id": processID,
		"entities":   len(entities),
		"rels":       len(rels),
	}).Warn("graph circuit open, diverting writes to local queue")

	if err := s.diverter.Divert(ctx, processID, entities, rels); err != nil {
		return err
	}
	if err := s.diverter.WaitDrained(ctx); err != nil {
		return err
	}

	st.EntitiesBridged = len(st.Dedup.Entities)
	st.RelationshipsBridged = len(st.Dedup.Relationships)
	publish(st.EntitiesBridged, st.RelationshipsBridged)

	if st.Citations != nil {
		return s.citations.WriteGraph(ctx, txn, processID, st.Citations)
	}
	return nil
}

// VerifyAndCommit runs the integrity suite and either commits the saga or
// rolls it back. The returned report is populated in both cases.
func (s *Service) VerifyAndCommit(ctx context.Context, processID string, st *State, pagesWithText []int, crossDocument bool) (*integrity.Report, error) {
	txn, ok := s.txns.Get(st.TxnID)
	if !ok {
		return nil, common.E(common.KindInternal, "bridge transaction not found")
	}

	in := &integrity.Input{
		ProcessID:             processID,
		Entities:              st.Dedup.Entities,
		Relationships:         st.Dedup.Relationships,
		PagesWithText:         pagesWithText,
		ReportedEntities:      st.EntitiesBridged,
		ReportedRelationships: st.RelationshipsBridged,
		CrossDocument:         crossDocument,
	}
	if st.Citations != nil {
		in.Citations = st.Citations.Citations
		in.Links = st.Citations.Links
	}

	report, err := s.verifier.Run(ctx, txn, in)
	st.Report = report
	if err != nil {
		s.Rollback(ctx, st, "integrity check errored")
		return report, err
	}
	if !report.Passed() {
		s.Rollback(ctx, st, "critical integrity violations")
		return report, common.E(common.KindIntegrityFailed,
			fmt.Sprintf("%d critical violations remain after auto-repair", report.CriticalsRemaining()))
	}

	if st.Citations != nil {
		s.citations.Verify(ctx, processID, st.Citations)
	}
	if err := s.txns.Commit(st.TxnID); err != nil {
		return report, common.Wrap(common.KindInternal, "saga commit failed", err)
	}
	s.txns.Release(st.TxnID)
	return report, nil
}

// Rollback undoes the process saga, best-effort.
func (s *Service) Rollback(ctx context.Context, st *State, reason string) {
	if st.TxnID == "" {
		return
	}
	if err := s.txns.Rollback(ctx, st.TxnID, reason); err != nil {
		s.log.WithError(err).WithField("txn_id", st.TxnID).Error("saga rollback incomplete")
	}
	s.txns.Release(st.TxnID)
	st.TxnID = ""
}
