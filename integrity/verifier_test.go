package integrity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qsrgraph/qsrgraph/common"
	"github.com/qsrgraph/qsrgraph/model"
	"github.com/qsrgraph/qsrgraph/reliability"
)

type fakeGraph struct {
	entities      int
	relationships int
	missingNodes  map[string]bool
	deletedRels   []model.Relationship
	deletedLinks  []string
	failDeletes   bool
}

func (f *fakeGraph) CountEntities(ctx context.Context, processID string) (int, error) {
	return f.entities, nil
}

func (f *fakeGraph) CountRelationships(ctx context.Context, processID string) (int, error) {
	return f.relationships, nil
}

func (f *fakeGraph) EntityNodeExists(ctx context.Context, processID, localID string) (bool, error) {
	return !f.missingNodes[localID], nil
}

func (f *fakeGraph) DeleteRelationships(ctx context.Context, processID string, rels []model.Relationship) error {
	if f.failDeletes {
		return common.E(common.KindGraphWriteFailed, "delete failed")
	}
	f.deletedRels = append(f.deletedRels, rels...)
	f.relationships -= len(rels)
	return nil
}

func (f *fakeGraph) DeleteVisualLink(ctx context.Context, processID, citationID, entityID string) error {
	if f.failDeletes {
		return common.E(common.KindGraphWriteFailed, "delete failed")
	}
	f.deletedLinks = append(f.deletedLinks, citationID+"->"+entityID)
	return nil
}

func (f *fakeGraph) CreateVisualLink(ctx context.Context, txn *reliability.Txn, processID string, link *model.VisualEntityLink) error {
	return nil
}

func cleanInput() *Input {
	return &Input{
		ProcessID: "p1",
		Entities: []model.Entity{
			{LocalID: "ent-0", CanonicalName: "Taylor C602", QSRType: model.TypeEquipment, PageRefs: []int{1}},
			{LocalID: "ent-1", CanonicalName: "Daily Cleaning Procedure", QSRType: model.TypeProcedure, PageRefs: []int{1}},
		},
		Relationships: []model.Relationship{
			{SourceLocalID: "ent-0", TargetLocalID: "ent-1", Type: "requires"},
		},
		PagesWithText:         []int{1},
		ReportedEntities:      2,
		ReportedRelationships: 1,
	}
}

func TestRun_CleanProcessPasses(t *testing.T) {
	g := &fakeGraph{entities: 2, relationships: 1, missingNodes: map[string]bool{}}
	v := NewVerifier(g, nil, 0.5)

	report, err := v.Run(context.Background(), nil, cleanInput())
	require.NoError(t, err)
	assert.True(t, report.Passed())
	assert.Empty(t, report.Issues)
}

func TestRun_DanglingEdgeRepaired(t *testing.T) {
	g := &fakeGraph{entities: 2, relationships: 1, missingNodes: map[string]bool{}}
	v := NewVerifier(g, nil, 0.5)

	in := cleanInput()
	in.Relationships = append(in.Relationships,
		model.Relationship{SourceLocalID: "ent-0", TargetLocalID: "ent-99", Type: "requires"})

	report, err := v.Run(context.Background(), nil, in)
	require.NoError(t, err)
	assert.True(t, report.Passed(), "repaired critical does not fail the check")
	require.Len(t, g.deletedRels, 1)
	assert.Equal(t, "ent-99", g.deletedRels[0].TargetLocalID)
	assert.Equal(t, 1, report.Repairs)
}

func TestRun_CountComparisonSeesPreRepairGraph(t *testing.T) {
	// The bridge wrote both edges, so the graph and the reported counter
	// agree at 2. The dangling-edge repair then deletes one; the count
	// check must compare against the graph as the bridge left it.
	g := &fakeGraph{entities: 2, relationships: 2, missingNodes: map[string]bool{}}
	v := NewVerifier(g, nil, 0.5)

	in := cleanInput()
	in.Relationships = append(in.Relationships,
		model.Relationship{SourceLocalID: "ent-0", TargetLocalID: "ent-99", Type: "requires"})
	in.ReportedRelationships = 2

	report, err := v.Run(context.Background(), nil, in)
	require.NoError(t, err)
	assert.Equal(t, 1, g.relationships, "repair deleted the dangling edge")
	for _, issue := range report.Issues {
		assert.NotEqual(t, "count_match", issue.Check)
	}
	assert.True(t, report.Passed())
}

func TestRun_DanglingEdgeRepairFailureStaysCritical(t *testing.T) {
	g := &fakeGraph{entities: 2, relationships: 1, missingNodes: map[string]bool{}, failDeletes: true}
	v := NewVerifier(g, nil, 0.5)

	in := cleanInput()
	in.Relationships = append(in.Relationships,
		model.Relationship{SourceLocalID: "ent-0", TargetLocalID: "ent-99", Type: "requires"})

	report, err := v.Run(context.Background(), nil, in)
	require.NoError(t, err)
	assert.False(t, report.Passed())
	assert.Equal(t, 1, report.CriticalsRemaining())
}

func TestRun_UnresolvableLinkRemoved(t *testing.T) {
	g := &fakeGraph{entities: 2, relationships: 1, missingNodes: map[string]bool{}}
	v := NewVerifier(g, nil, 0.5)

	in := cleanInput()
	in.Links = []model.VisualEntityLink{
		{CitationID: "cit-1", EntityID: "ent-0", Kind: model.LinkShows},
		{CitationID: "cit-1", EntityID: "ent-gone", Kind: model.LinkShows},
	}

	report, err := v.Run(context.Background(), nil, in)
	require.NoError(t, err)
	assert.True(t, report.Passed())
	assert.Equal(t, []string{"cit-1->ent-gone"}, g.deletedLinks)
}

func TestRun_DedupCollisionIsCritical(t *testing.T) {
	g := &fakeGraph{entities: 3, relationships: 1, missingNodes: map[string]bool{}}
	v := NewVerifier(g, nil, 0.5)

	in := cleanInput()
	in.Entities = append(in.Entities,
		model.Entity{LocalID: "ent-2", CanonicalName: "Taylor C602", QSRType: model.TypeEquipment})
	in.ReportedEntities = 3

	report, err := v.Run(context.Background(), nil, in)
	require.NoError(t, err)
	assert.False(t, report.Passed())
}

func TestRun_CountMismatchIsCritical(t *testing.T) {
	g := &fakeGraph{entities: 5, relationships: 1, missingNodes: map[string]bool{}}
	v := NewVerifier(g, nil, 0.5)

	report, err := v.Run(context.Background(), nil, cleanInput())
	require.NoError(t, err)
	assert.False(t, report.Passed())
	assert.Equal(t, 1, report.CriticalsRemaining())
}

func TestRun_PageWithoutEntitiesWarns(t *testing.T) {
	g := &fakeGraph{entities: 2, relationships: 1, missingNodes: map[string]bool{}}
	v := NewVerifier(g, nil, 0.5)

	in := cleanInput()
	in.PagesWithText = []int{1, 2}

	report, err := v.Run(context.Background(), nil, in)
	require.NoError(t, err)
	assert.True(t, report.Passed(), "completeness gaps warn, never fail")
	require.Len(t, report.Issues, 1)
	assert.Equal(t, SeverityWarning, report.Issues[0].Severity)
}

func TestRun_DuplicateRelationshipsRepaired(t *testing.T) {
	g := &fakeGraph{entities: 2, relationships: 1, missingNodes: map[string]bool{}}
	v := NewVerifier(g, nil, 0.5)

	in := cleanInput()
	in.Relationships = append(in.Relationships, in.Relationships[0])

	report, err := v.Run(context.Background(), nil, in)
	require.NoError(t, err)
	assert.True(t, report.Passed())
	assert.Len(t, g.deletedRels, 1)
}

func TestRun_OrphanRatioWarns(t *testing.T) {
	g := &fakeGraph{entities: 4, relationships: 1, missingNodes: map[string]bool{}}
	v := NewVerifier(g, nil, 0.4)

	in := cleanInput()
	in.Entities = append(in.Entities,
		model.Entity{LocalID: "ent-2", CanonicalName: "Mix Pump", QSRType: model.TypeComponent, PageRefs: []int{1}},
		model.Entity{LocalID: "ent-3", CanonicalName: "Drive Belt", QSRType: model.TypeComponent, PageRefs: []int{1}},
	)
	in.ReportedEntities = 4

	report, err := v.Run(context.Background(), nil, in)
	require.NoError(t, err)
	assert.True(t, report.Passed())
	require.Len(t, report.Issues, 1)
	assert.Equal(t, "orphan_entities", report.Issues[0].Check)
}

func TestRun_ReferentialOnlyWhenCrossDocument(t *testing.T) {
	g := &fakeGraph{entities: 2, relationships: 1, missingNodes: map[string]bool{"ent-1": true}}
	v := NewVerifier(g, nil, 0.5)

	report, err := v.Run(context.Background(), nil, cleanInput())
	require.NoError(t, err)
	assert.True(t, report.Passed(), "referential check gated off")

	in := cleanInput()
	in.CrossDocument = true
	report, err = v.Run(context.Background(), nil, in)
	require.NoError(t, err)
	assert.False(t, report.Passed())
}

func TestRun_RepairsRecordedOnSaga(t *testing.T) {
	g := &fakeGraph{entities: 2, relationships: 1, missingNodes: map[string]bool{}}
	txns := reliability.NewTxnManager(nil)
	v := NewVerifier(g, txns, 0.5)

	txn := txns.Begin()
	in := cleanInput()
	in.Relationships = append(in.Relationships,
		model.Relationship{SourceLocalID: "ent-0", TargetLocalID: "ent-99", Type: "requires"})

	_, err := v.Run(context.Background(), txn, in)
	require.NoError(t, err)
	assert.Equal(t, 1, txn.PendingCompensations())
}
