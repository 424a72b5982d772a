package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qsrgraph/qsrgraph/common"
	"github.com/qsrgraph/qsrgraph/model"
	"github.com/qsrgraph/qsrgraph/reliability"
)

// fakeRunner records statements and plays back scripted responses.
type fakeRunner struct {
	calls    []call
	failNext int // number of upcoming calls to fail
	err      error
}

type call struct {
	cypher string
	params map[string]interface{}
}

func (f *fakeRunner) Run(ctx context.Context, cypher string, params map[string]interface{}) ([]map[string]interface{}, error) {
	f.calls = append(f.calls, call{cypher: cypher, params: params})
	if f.failNext > 0 {
		f.failNext--
		if f.err != nil {
			return nil, f.err
		}
		return nil, errors.New("connection reset")
	}
	// Echo back node ids for entity batches.
	if rows, ok := params["rows"].([]map[string]interface{}); ok && strings.Contains(cypher, "MERGE (e:Entity") {
		out := make([]map[string]interface{}, 0, len(rows))
		for i, row := range rows {
			out = append(out, map[string]interface{}{
				"local_id": row["local_id"],
				"node_id":  fmt.Sprintf("node-%d", i),
			})
		}
		return out, nil
	}
	return []map[string]interface{}{{"n": int64(0)}}, nil
}

func (f *fakeRunner) Close(ctx context.Context) error { return nil }

func newTestClient(t *testing.T, runner *fakeRunner, batchSize int) (*Client, *reliability.TxnManager, *reliability.DLQ) {
	t.Helper()
	dlq, err := reliability.OpenDLQ(t.TempDir(), 100)
	require.NoError(t, err)
	txns := reliability.NewTxnManager(dlq)
	breaker := reliability.NewBreaker("graph", 5, time.Minute)
	return NewClient(runner, breaker, dlq, txns, batchSize, 45, 1), txns, dlq
}

func entities(n int) []model.Entity {
	out := make([]model.Entity, n)
	for i := range out {
		out[i] = model.Entity{
			LocalID:       fmt.Sprintf("e%d", i),
			CanonicalName: fmt.Sprintf("Entity %d", i),
			QSRType:       model.TypeEquipment,
		}
	}
	return out
}

func TestCreateEntitiesBatch_GroupsByBatchSize(t *testing.T) {
	runner := &fakeRunner{}
	client, txns, _ := newTestClient(t, runner, 3)
	txn := txns.Begin()

	result, err := client.CreateEntitiesBatch(context.Background(), txn, "p1", entities(7))
	require.NoError(t, err)
	assert.Equal(t, 7, result.Created)
	assert.Len(t, runner.calls, 3, "7 entities at batch size 3 need 3 statements")
	assert.Len(t, result.NodeIDs, 7)

	// Each batch recorded one compensation.
	assert.Equal(t, 3, txn.PendingCompensations())
}

func TestCreateEntitiesBatch_IdempotencyKeyInStatement(t *testing.T) {
	runner := &fakeRunner{}
	client, _, _ := newTestClient(t, runner, 10)

	_, err := client.CreateEntitiesBatch(context.Background(), nil, "p1", entities(2))
	require.NoError(t, err)
	require.Len(t, runner.calls, 1)
	assert.Contains(t, runner.calls[0].cypher, "MERGE (e:Entity {process_id: row.process_id, local_id: row.local_id})")

	rows := runner.calls[0].params["rows"].([]map[string]interface{})
	assert.Equal(t, "p1", rows[0]["process_id"])
	assert.Equal(t, "e0", rows[0]["local_id"])
}

func TestCreateEntitiesBatch_RetriesTransientThenSucceeds(t *testing.T) {
	runner := &fakeRunner{failNext: 1}
	client, _, _ := newTestClient(t, runner, 10)

	result, err := client.CreateEntitiesBatch(context.Background(), nil, "p1", entities(2))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Created)
	assert.Len(t, runner.calls, 2)
}

func TestCreateEntitiesBatch_ExhaustedRetriesDeadLetter(t *testing.T) {
	runner := &fakeRunner{failNext: 10}
	client, _, dlq := newTestClient(t, runner, 10)

	_, err := client.CreateEntitiesBatch(context.Background(), nil, "p1", entities(1))
	require.Error(t, err)
	assert.Equal(t, common.KindGraphWriteFailed, common.KindOf(err))
	assert.Equal(t, 1, dlq.Depth(), "failed batch payload must be dead-lettered")
}

func TestCreateEntitiesBatch_CircuitOpenFailsFast(t *testing.T) {
	runner := &fakeRunner{failNext: 100}
	dlq, err := reliability.OpenDLQ(t.TempDir(), 100)
	require.NoError(t, err)
	breaker := reliability.NewBreaker("graph", 2, time.Hour)
	client := NewClient(runner, breaker, dlq, nil, 10, 45, 0)

	// Two failures trip the breaker.
	_, _ = client.CreateEntitiesBatch(context.Background(), nil, "p1", entities(1))
	_, _ = client.CreateEntitiesBatch(context.Background(), nil, "p1", entities(1))
	require.Equal(t, reliability.BreakerOpen, breaker.State())

	callsBefore := len(runner.calls)
	_, err = client.CreateEntitiesBatch(context.Background(), nil, "p1", entities(1))
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindCircuitOpen))
	assert.Len(t, runner.calls, callsBefore, "open breaker must not reach the driver")
}

func TestCreateRelationshipsBatch(t *testing.T) {
	runner := &fakeRunner{}
	client, txns, _ := newTestClient(t, runner, 2)
	txn := txns.Begin()

	rels := []model.Relationship{
		{SourceLocalID: "a", TargetLocalID: "b", Type: "requires"},
		{SourceLocalID: "b", TargetLocalID: "c", Type: "part_of"},
		{SourceLocalID: "c", TargetLocalID: "a", Type: "requires"},
	}
	result, err := client.CreateRelationshipsBatch(context.Background(), txn, "p1", rels)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Created)
	assert.Len(t, runner.calls, 2)
	assert.Equal(t, 2, txn.PendingCompensations())
}

func TestSagaRollback_DeletesWrittenBatches(t *testing.T) {
	runner := &fakeRunner{}
	client, txns, _ := newTestClient(t, runner, 10)
	txn := txns.Begin()

	_, err := client.CreateEntitiesBatch(context.Background(), txn, "p1", entities(3))
	require.NoError(t, err)

	require.NoError(t, txns.Rollback(context.Background(), txn.ID, "test"))

	last := runner.calls[len(runner.calls)-1]
	assert.Contains(t, last.cypher, "DETACH DELETE e")
	assert.Equal(t, []string{"e0", "e1", "e2"}, last.params["local_ids"])
}

func TestCreateCitationAndLink(t *testing.T) {
	runner := &fakeRunner{}
	client, txns, _ := newTestClient(t, runner, 10)
	txn := txns.Begin()

	citation := &model.VisualCitation{CitationID: "c1", Kind: model.CitationDiagram, Format: "png", Page: 2}
	_, err := client.CreateCitation(context.Background(), txn, "p1", citation)
	require.NoError(t, err)

	link := &model.VisualEntityLink{CitationID: "c1", EntityID: "e0", Kind: model.LinkIllustrates, Confidence: 0.9}
	require.NoError(t, client.CreateVisualLink(context.Background(), txn, "p1", link))

	assert.Equal(t, 2, txn.PendingCompensations())
}

func TestHealthProbe(t *testing.T) {
	runner := &fakeRunner{}
	client, _, _ := newTestClient(t, runner, 10)

	latency, err := client.HealthProbe(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, latency, time.Duration(0))
}
