// Package integrity runs the fixed post-bridge check suite for one
// process. A bounded allow-list of issues is auto-repaired; repairs are
// recorded on the saga so a later rollback undoes them too. Critical
// issues that survive repair fail the check and force a rollback.
package integrity

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/qsrgraph/qsrgraph/common"
	"github.com/qsrgraph/qsrgraph/model"
	"github.com/qsrgraph/qsrgraph/reliability"
)

// Severity categorizes one issue.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Issue is one finding from a check.
type Issue struct {
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail"`
	Repaired bool     `json:"repaired"`
}

// Report is the outcome of a full verification run.
type Report struct {
	ProcessID string  `json:"process_id"`
	Issues    []Issue `json:"issues"`
	Repairs   int     `json:"repairs"`
}

// CriticalsRemaining counts critical issues that auto-repair did not fix.
func (r *Report) CriticalsRemaining() int {
	n := 0
	for _, i := range r.Issues {
		if i.Severity == SeverityCritical && !i.Repaired {
			n++
		}
	}
	return n
}

// Passed reports whether the process may commit.
func (r *Report) Passed() bool { return r.CriticalsRemaining() == 0 }

// GraphReader is the slice of the graph client the verifier needs.
type GraphReader interface {
	CountEntities(ctx context.Context, processID string) (int, error)
	CountRelationships(ctx context.Context, processID string) (int, error)
	EntityNodeExists(ctx context.Context, processID, localID string) (bool, error)
	DeleteRelationships(ctx context.Context, processID string, rels []model.Relationship) error
	DeleteVisualLink(ctx context.Context, processID, citationID, entityID string) error
	CreateVisualLink(ctx context.Context, txn *reliability.Txn, processID string, link *model.VisualEntityLink) error
}

// Input is the bridge state the checks run against.
type Input struct {
	ProcessID     string
	Entities      []model.Entity
	Relationships []model.Relationship
	Citations     []model.VisualCitation
	Links         []model.VisualEntityLink
	// PagesWithText lists pages that produced extracted text.
	PagesWithText []int
	// Counters the bridge reported to the progress bus.
	ReportedEntities      int
	ReportedRelationships int
	CrossDocument         bool
}

// Verifier runs the check suite.
type Verifier struct {
	graph GraphReader
	txns  *reliability.TxnManager
	// orphanRatio is the max tolerated share of entities with no edges.
	orphanRatio float64
	log         *logrus.Entry
}

func NewVerifier(graph GraphReader, txns *reliability.TxnManager, orphanRatio float64) *Verifier {
	if orphanRatio <= 0 || orphanRatio > 1 {
		orphanRatio = 0.5
	}
	return &Verifier{
		graph:       graph,
		txns:        txns,
		orphanRatio: orphanRatio,
		log:         common.Logger.WithField("component", "integrity"),
	}
}

// Run executes every check and attempts the allow-listed repairs under the
// given saga transaction. Graph read failures surface as errors; check
// findings land in the report.
func (v *Verifier) Run(ctx context.Context, txn *reliability.Txn, in *Input) (*Report, error) {
	report := &Report{ProcessID: in.ProcessID}

	// Counts are read before any repair deletes edges, so the comparison
	// sees the graph as the bridge left it.
	entityCount, relCount, err := v.snapshotCounts(ctx, in.ProcessID)
	if err != nil {
		return report, err
	}

	v.checkEndpoints(ctx, txn, in, report)
	v.checkLinkResolvability(ctx, txn, in, report)
	v.checkDedup(in, report)
	v.checkCompleteness(in, report)
	v.checkCounts(entityCount, relCount, in, report)
	v.checkOrphans(in, report)
	v.checkDuplicateRelationships(ctx, txn, in, report)
	if err := v.checkReferential(ctx, in, report); err != nil {
		return report, err
	}

	v.log.WithFields(logrus.Fields{
		"process_id": in.ProcessID,
		"issues":     len(report.Issues),
		"repairs":    report.Repairs,
		"criticals":  report.CriticalsRemaining(),
	}).Info("integrity check complete")
	return report, nil
}

func (v *Verifier) add(r *Report, check string, sev Severity, detail string, repaired bool) {
	r.Issues = append(r.Issues, Issue{Check: check, Severity: sev, Detail: detail, Repaired: repaired})
	if repaired {
		r.Repairs++
	}
}

// checkEndpoints finds relationships whose endpoints are not surviving
// entities. Dangling edges are deleted from the graph (allow-listed).
func (v *Verifier) checkEndpoints(ctx context.Context, txn *reliability.Txn, in *Input, r *Report) {
	known := make(map[string]bool, len(in.Entities))
	for _, e := range in.Entities {
		known[e.LocalID] = true
	}
	var dangling []model.Relationship
	for _, rel := range in.Relationships {
		if !known[rel.SourceLocalID] || !known[rel.TargetLocalID] {
			dangling = append(dangling, rel)
		}
	}
	if len(dangling) == 0 {
		return
	}

	repaired := v.graph.DeleteRelationships(ctx, in.ProcessID, dangling) == nil
	if repaired {
		v.recordRepair(txn, in.ProcessID, fmt.Sprintf("deleted %d dangling edges", len(dangling)))
	}
	v.add(r, "endpoint_consistency", SeverityCritical,
		fmt.Sprintf("%d relationships with missing endpoints", len(dangling)), repaired)
}

// checkLinkResolvability removes visual links pointing at entities that no
// longer exist (allow-listed).
func (v *Verifier) checkLinkResolvability(ctx context.Context, txn *reliability.Txn, in *Input, r *Report) {
	known := make(map[string]bool, len(in.Entities))
	for _, e := range in.Entities {
		known[e.LocalID] = true
	}
	for _, link := range in.Links {
		if known[link.EntityID] {
			continue
		}
		repaired := v.graph.DeleteVisualLink(ctx, in.ProcessID, link.CitationID, link.EntityID) == nil
		if repaired {
			v.recordRepair(txn, in.ProcessID,
				fmt.Sprintf("removed unresolvable link %s -> %s", link.CitationID, link.EntityID))
		}
		v.add(r, "link_resolvability", SeverityWarning,
			fmt.Sprintf("link %s references unknown entity %s", link.CitationID, link.EntityID), repaired)
	}
}

// checkDedup flags surviving entities that still share a canonical name.
// Not repairable here; a collision means deduplication failed.
func (v *Verifier) checkDedup(in *Input, r *Report) {
	seen := make(map[string]string, len(in.Entities))
	for _, e := range in.Entities {
		key := string(e.QSRType) + "\x00" + e.CanonicalName
		if prior, dup := seen[key]; dup {
			v.add(r, "dedup_success", SeverityCritical,
				fmt.Sprintf("entities %s and %s share canonical name %q", prior, e.LocalID, e.CanonicalName), false)
			continue
		}
		seen[key] = e.LocalID
	}
}

// checkCompleteness warns when a page produced text but no entity.
func (v *Verifier) checkCompleteness(in *Input, r *Report) {
	covered := make(map[int]bool)
	for _, e := range in.Entities {
		for _, p := range e.PageRefs {
			covered[p] = true
		}
	}
	for _, page := range in.PagesWithText {
		if !covered[page] {
			v.add(r, "document_completeness", SeverityWarning,
				fmt.Sprintf("page %d produced text but no entities", page), false)
		}
	}
}

// snapshotCounts reads the graph node and edge counts once, ahead of the
// repairing checks.
func (v *Verifier) snapshotCounts(ctx context.Context, processID string) (int, int, error) {
	entities, err := v.graph.CountEntities(ctx, processID)
	if err != nil {
		return 0, 0, common.Wrap(common.KindIntegrityFailed, "entity count query failed", err)
	}
	rels, err := v.graph.CountRelationships(ctx, processID)
	if err != nil {
		return 0, 0, common.Wrap(common.KindIntegrityFailed, "relationship count query failed", err)
	}
	return entities, rels, nil
}

// checkCounts compares the snapshotted graph counts with the counters the
// bridge reported. Mismatch is critical and never repairable.
func (v *Verifier) checkCounts(entities, rels int, in *Input, r *Report) {
	if entities != in.ReportedEntities {
		v.add(r, "count_match", SeverityCritical,
			fmt.Sprintf("graph has %d entities, bridge reported %d", entities, in.ReportedEntities), false)
	}
	if rels != in.ReportedRelationships {
		v.add(r, "count_match", SeverityCritical,
			fmt.Sprintf("graph has %d relationships, bridge reported %d", rels, in.ReportedRelationships), false)
	}
}

// checkOrphans warns when too many entities carry no edges at all.
func (v *Verifier) checkOrphans(in *Input, r *Report) {
	if len(in.Entities) == 0 {
		return
	}
	connected := make(map[string]bool)
	for _, rel := range in.Relationships {
		connected[rel.SourceLocalID] = true
		connected[rel.TargetLocalID] = true
	}
	orphans := 0
	for _, e := range in.Entities {
		if !connected[e.LocalID] {
			orphans++
		}
	}
	if ratio := float64(orphans) / float64(len(in.Entities)); ratio > v.orphanRatio {
		v.add(r, "orphan_entities", SeverityWarning,
			fmt.Sprintf("%d of %d entities have no edges", orphans, len(in.Entities)), false)
	}
}

// checkDuplicateRelationships deletes extra copies of (source, target,
// type) edges (allow-listed).
func (v *Verifier) checkDuplicateRelationships(ctx context.Context, txn *reliability.Txn, in *Input, r *Report) {
	seen := make(map[string]bool, len(in.Relationships))
	var dupes []model.Relationship
	for _, rel := range in.Relationships {
		key := rel.SourceLocalID + "\x00" + rel.TargetLocalID + "\x00" + rel.Type
		if seen[key] {
			dupes = append(dupes, rel)
			continue
		}
		seen[key] = true
	}
	if len(dupes) == 0 {
		return
	}
	repaired := v.graph.DeleteRelationships(ctx, in.ProcessID, dupes) == nil
	if repaired {
		v.recordRepair(txn, in.ProcessID, fmt.Sprintf("deleted %d duplicate relationships", len(dupes)))
	}
	v.add(r, "duplicate_relationships", SeverityWarning,
		fmt.Sprintf("%d duplicate relationships", len(dupes)), repaired)
}

// checkReferential verifies each surviving entity has a queryable node.
// Only meaningful when cross-document canonicalization is on; otherwise
// the count check already covers this process's nodes.
func (v *Verifier) checkReferential(ctx context.Context, in *Input, r *Report) error {
	if !in.CrossDocument {
		return nil
	}
	for _, e := range in.Entities {
		exists, err := v.graph.EntityNodeExists(ctx, in.ProcessID, e.LocalID)
		if err != nil {
			return common.Wrap(common.KindIntegrityFailed, "entity lookup failed", err)
		}
		if !exists {
			v.add(r, "referential_integrity", SeverityCritical,
				fmt.Sprintf("entity %s has no graph node", e.LocalID), false)
		}
	}
	return nil
}

// recordRepair notes a repair on the saga. The compensation is a no-op:
// repairs only remove state the rollback would also remove, so undoing the
// rollback path never needs to restore it.
func (v *Verifier) recordRepair(txn *reliability.Txn, processID, what string) {
	if txn == nil || v.txns == nil {
		return
	}
	_ = v.txns.Add(txn, "auto-repair: "+what, "auto-repair noted for "+processID,
		func(context.Context) error { return nil })
}
