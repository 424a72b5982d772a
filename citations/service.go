package citations

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/qsrgraph/qsrgraph/common"
	"github.com/qsrgraph/qsrgraph/extract"
	"github.com/qsrgraph/qsrgraph/model"
	"github.com/qsrgraph/qsrgraph/reliability"
)

// GraphWriter is the slice of the graph client the service needs. The
// concrete client records compensations on the transaction for every write.
type GraphWriter interface {
	CreateCitation(ctx context.Context, txn *reliability.Txn, processID string, citation *model.VisualCitation) (string, error)
	CreateVisualLink(ctx context.Context, txn *reliability.Txn, processID string, link *model.VisualEntityLink) error
	CitationNodeExists(ctx context.Context, processID, citationID string) (bool, error)
}

// Outcome carries citations through the preserve, graph-write, and verify
// stages. Citations and Links index each other by CitationID.
type Outcome struct {
	Citations []model.VisualCitation
	Links     []model.VisualEntityLink
	Preserved int
	Failed    int
}

// Service owns citation preservation.
type Service struct {
	store *Store
	graph GraphWriter
	log   *logrus.Entry
}

func NewService(store *Store, graph GraphWriter) *Service {
	return &Service{
		store: store,
		graph: graph,
		log:   common.Logger.WithField("component", "citations"),
	}
}

// Preserve stores artifact bytes and scores entity links against the
// canonical entity list. No graph writes happen here; WriteGraph runs later
// under the process saga. Fallback placeholders count as preserved only
// when their text blob was stored and hashed like any other artifact.
func (s *Service) Preserve(ctx context.Context, processID, sourceDocument string, artifacts []extract.RawArtifact, entities []model.Entity) (*Outcome, error) {
	out := &Outcome{}
	for _, a := range artifacts {
		if err := ctx.Err(); err != nil {
			return out, common.Wrap(common.KindCancelled, "citation preservation cancelled", err)
		}

		citation := model.VisualCitation{
			CitationID:        uuid.NewString(),
			Kind:              a.Kind,
			Format:            a.Format,
			SourceDocument:    sourceDocument,
			Page:              a.Page,
			BBox:              a.BBox,
			PreservationState: model.PreservationPending,
			CreatedAt:         time.Now().UTC(),
		}

		if len(a.Bytes) == 0 {
			citation.PreservationState = model.PreservationMissingBytes
			out.Failed++
			out.Citations = append(out.Citations, citation)
			continue
		}

		_, hash, err := s.store.Put(citation.CitationID, extFor(a.Format), a.Bytes)
		if err != nil {
			s.log.WithError(err).WithField("process_id", processID).Warn("citation artifact not stored")
			citation.PreservationState = model.PreservationFailed
			out.Failed++
			out.Citations = append(out.Citations, citation)
			continue
		}
		citation.ContentHash = hash
		citation.PreservationState = model.PreservationPreserved
		out.Preserved++

		for i := range entities {
			e := &entities[i]
			conf := linkConfidence(a.Kind, a.Fallback, a.Page, e)
			if conf < minLinkConfidence {
				continue
			}
			out.Links = append(out.Links, model.VisualEntityLink{
				CitationID: citation.CitationID,
				EntityID:   e.LocalID,
				Kind:       linkKindFor(a.Kind, e.QSRType),
				Confidence: conf,
			})
			citation.LinkedEntityIDs = append(citation.LinkedEntityIDs, e.LocalID)
		}
		out.Citations = append(out.Citations, citation)
	}

	s.log.WithFields(logrus.Fields{
		"process_id": processID,
		"preserved":  out.Preserved,
		"failed":     out.Failed,
		"links":      len(out.Links),
	}).Info("visual citations preserved")
	return out, nil
}

// WriteGraph writes citation nodes and their entity links under the saga.
// Only preserved citations reach the graph.
func (s *Service) WriteGraph(ctx context.Context, txn *reliability.Txn, processID string, out *Outcome) error {
	linksByCitation := make(map[string][]model.VisualEntityLink, len(out.Citations))
	for _, l := range out.Links {
		linksByCitation[l.CitationID] = append(linksByCitation[l.CitationID], l)
	}

	for i := range out.Citations {
		c := &out.Citations[i]
		if c.PreservationState != model.PreservationPreserved {
			continue
		}
		nodeID, err := s.graph.CreateCitation(ctx, txn, processID, c)
		if err != nil {
			return err
		}
		c.GraphNodeID = nodeID
		for _, l := range linksByCitation[c.CitationID] {
			if err := s.graph.CreateVisualLink(ctx, txn, processID, &l); err != nil {
				return err
			}
		}
	}
	return nil
}

// Verify sets IntegrityVerified on every preserved citation whose artifact
// bytes still hash to ContentHash and whose node is queryable by id.
// Returns the verified count.
func (s *Service) Verify(ctx context.Context, processID string, out *Outcome) int {
	verified := 0
	for i := range out.Citations {
		c := &out.Citations[i]
		if c.PreservationState != model.PreservationPreserved {
			continue
		}
		if err := s.store.Verify(c.CitationID, extFor(c.Format), c.ContentHash); err != nil {
			c.PreservationState = model.PreservationHashMismatch
			s.log.WithError(err).WithField("citation_id", c.CitationID).Warn("citation artifact failed verification")
			continue
		}
		exists, err := s.graph.CitationNodeExists(ctx, processID, c.CitationID)
		if err != nil || !exists {
			continue
		}
		c.IntegrityVerified = true
		verified++
	}
	return verified
}
