// Package graph is the single facade for all graph database reads and
// writes used by the bridge. Writes are batched, idempotent on
// (process_id, local_id), wrapped in the graph circuit breaker, and
// dead-lettered with their full payload when retries are exhausted.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/sirupsen/logrus"

	"github.com/qsrgraph/qsrgraph/common"
	"github.com/qsrgraph/qsrgraph/model"
	"github.com/qsrgraph/qsrgraph/reliability"
)

// Runner executes one cypher statement and returns its rows. The Neo4j
// driver satisfies it through neo4jRunner; tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, cypher string, params map[string]interface{}) ([]map[string]interface{}, error)
	Close(ctx context.Context) error
}

type neo4jRunner struct {
	driver neo4j.DriverWithContext
}

func (r *neo4jRunner) Run(ctx context.Context, cypher string, params map[string]interface{}) ([]map[string]interface{}, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	var rows []map[string]interface{}
	for result.Next(ctx) {
		rows = append(rows, result.Record().AsMap())
	}
	return rows, result.Err()
}

func (r *neo4jRunner) Close(ctx context.Context) error { return r.driver.Close(ctx) }

// NewRunner connects a Neo4j-backed runner with the configured pool size.
func NewRunner(uri, username, password string, poolSize int) (Runner, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""),
		func(c *neo4j.Config) {
			if poolSize > 0 {
				c.MaxConnectionPoolSize = poolSize
			}
		})
	if err != nil {
		return nil, fmt.Errorf("creating graph driver: %w", err)
	}
	return &neo4jRunner{driver: driver}, nil
}

// BatchResult reports one batched write.
type BatchResult struct {
	Created int
	NodeIDs map[string]string // local_id -> graph node id
}

// Client is the graph facade. All writes pass through the circuit breaker;
// batch size and query timeout are adjustable at runtime (optimization
// engine, degradation manager).
type Client struct {
	runner       Runner
	breaker      *reliability.Breaker
	dlq          *reliability.DLQ
	txns         *reliability.TxnManager
	batchSize    atomic.Int64
	queryTimeout atomic.Int64 // seconds
	retryBudget  int
	log          *logrus.Entry
}

// NewClient builds the graph client. retryBudget is the per-batch transient
// retry count (processing.retry_attempts).
func NewClient(runner Runner, breaker *reliability.Breaker, dlq *reliability.DLQ, txns *reliability.TxnManager, batchSize, queryTimeoutSeconds, retryBudget int) *Client {
	c := &Client{
		runner:      runner,
		breaker:     breaker,
		dlq:         dlq,
		txns:        txns,
		retryBudget: retryBudget,
		log:         common.Logger.WithField("component", "graph_client"),
	}
	if batchSize <= 0 {
		batchSize = 3
	}
	if queryTimeoutSeconds <= 0 {
		queryTimeoutSeconds = 45
	}
	c.batchSize.Store(int64(batchSize))
	c.queryTimeout.Store(int64(queryTimeoutSeconds))
	return c
}

// SetBatchSize adjusts write batching (consumed on the next batch).
func (c *Client) SetBatchSize(n int) {
	if n > 0 {
		c.batchSize.Store(int64(n))
	}
}

// BatchSize returns the current batch grouping.
func (c *Client) BatchSize() int { return int(c.batchSize.Load()) }

// Breaker exposes the graph circuit breaker for health and recovery.
func (c *Client) Breaker() *reliability.Breaker { return c.breaker }

// Close releases the underlying driver.
func (c *Client) Close(ctx context.Context) error { return c.runner.Close(ctx) }

// run executes cypher under the breaker with the query timeout. Exceeding
// the timeout counts as a breaker failure.
func (c *Client) run(ctx context.Context, cypher string, params map[string]interface{}) ([]map[string]interface{}, error) {
	timeout := time.Duration(c.queryTimeout.Load()) * time.Second
	result, err := c.breaker.Call(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		rows, err := c.runner.Run(callCtx, cypher, params)
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, common.Wrap(common.KindTimeout, "graph query exceeded timeout", err)
		}
		return rows, err
	})
	if err != nil {
		return nil, err
	}
	rows, _ := result.([]map[string]interface{})
	return rows, nil
}

// runWithRetry retries transient failures up to the retry budget. The
// breaker sees every attempt; a fast-failing open breaker is returned
// immediately so callers can divert to the local queue.
func (c *Client) runWithRetry(ctx context.Context, cypher string, params map[string]interface{}) ([]map[string]interface{}, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retryBudget; attempt++ {
		rows, err := c.run(ctx, cypher, params)
		if err == nil {
			return rows, nil
		}
		lastErr = err
		if common.KindOf(err) == common.KindCircuitOpen {
			return nil, err
		}
		if !common.Transient(common.Wrap(common.KindGraphWriteFailed, "graph call failed", err)) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, common.Wrap(common.KindCancelled, "graph call cancelled", ctx.Err())
		case <-time.After(time.Duration(attempt+1) * 500 * time.Millisecond):
		}
	}
	return nil, lastErr
}

const entityBatchCypher = `
UNWIND $rows AS row
MERGE (e:Entity {process_id: row.process_id, local_id: row.local_id})
SET e.canonical_name = row.canonical_name,
    e.qsr_type = row.qsr_type,
    e.source_document = row.source_document,
    e.page_refs = row.page_refs,
    e.source_entity_ids = row.source_entity_ids
RETURN row.local_id AS local_id, elementId(e) AS node_id`

// CreateEntitiesBatch writes entities in batches under the given saga
// transaction. Each successful batch records a delete-by-key compensation.
func (c *Client) CreateEntitiesBatch(ctx context.Context, txn *reliability.Txn, processID string, entities []model.Entity) (BatchResult, error) {
	result := BatchResult{NodeIDs: make(map[string]string, len(entities))}
	size := c.BatchSize()

	for start := 0; start < len(entities); start += size {
		end := start + size
		if end > len(entities) {
			end = len(entities)
		}
		batch := entities[start:end]

		rows := make([]map[string]interface{}, 0, len(batch))
		localIDs := make([]string, 0, len(batch))
		for _, e := range batch {
			rows = append(rows, map[string]interface{}{
				"process_id":        processID,
				"local_id":          e.LocalID,
				"canonical_name":    e.CanonicalName,
				"qsr_type":          string(e.QSRType),
				"source_document":   e.SourceDocument,
				"page_refs":         e.PageRefs,
				"source_entity_ids": e.SourceEntityIDs,
			})
			localIDs = append(localIDs, e.LocalID)
		}

		out, err := c.runWithRetry(ctx, entityBatchCypher, map[string]interface{}{"rows": rows})
		if err != nil {
			c.deadLetter("entity_batch", processID, rows, err)
			return result, common.Wrap(common.KindGraphWriteFailed,
				fmt.Sprintf("entity batch %d-%d failed", start, end), err)
		}
		for _, row := range out {
			local, _ := row["local_id"].(string)
			node, _ := row["node_id"].(string)
			if local != "" {
				result.NodeIDs[local] = node
			}
		}
		result.Created += len(batch)

		if txn != nil && c.txns != nil {
			ids := localIDs
			if err := c.txns.Add(txn,
				fmt.Sprintf("create %d entities", len(batch)),
				fmt.Sprintf("delete %d entities of %s", len(batch), processID),
				func(compCtx context.Context) error {
					return c.DeleteEntitiesByKey(compCtx, processID, ids)
				}); err != nil {
				return result, err
			}
		}
	}
	return result, nil
}

const relationshipBatchCypher = `
UNWIND $rows AS row
MATCH (a:Entity {process_id: row.process_id, local_id: row.source})
MATCH (b:Entity {process_id: row.process_id, local_id: row.target})
MERGE (a)-[r:RELATES {process_id: row.process_id, rel_type: row.type, source: row.source, target: row.target}]->(b)
RETURN count(r) AS created`

// CreateRelationshipsBatch writes relationships after their endpoints.
func (c *Client) CreateRelationshipsBatch(ctx context.Context, txn *reliability.Txn, processID string, rels []model.Relationship) (BatchResult, error) {
	result := BatchResult{}
	size := c.BatchSize()

	for start := 0; start < len(rels); start += size {
		end := start + size
		if end > len(rels) {
			end = len(rels)
		}
		batch := rels[start:end]

		rows := make([]map[string]interface{}, 0, len(batch))
		for _, r := range batch {
			rows = append(rows, map[string]interface{}{
				"process_id": processID,
				"source":     r.SourceLocalID,
				"target":     r.TargetLocalID,
				"type":       r.Type,
			})
		}

		if _, err := c.runWithRetry(ctx, relationshipBatchCypher, map[string]interface{}{"rows": rows}); err != nil {
			c.deadLetter("relationship_batch", processID, rows, err)
			return result, common.Wrap(common.KindGraphWriteFailed,
				fmt.Sprintf("relationship batch %d-%d failed", start, end), err)
		}
		result.Created += len(batch)

		if txn != nil && c.txns != nil {
			captured := batch
			if err := c.txns.Add(txn,
				fmt.Sprintf("create %d relationships", len(batch)),
				fmt.Sprintf("delete %d relationships of %s", len(batch), processID),
				func(compCtx context.Context) error {
					return c.DeleteRelationships(compCtx, processID, captured)
				}); err != nil {
				return result, err
			}
		}
	}
	return result, nil
}

const citationCypher = `
MERGE (v:VisualCitation {process_id: $process_id, citation_id: $citation_id})
SET v.kind = $kind, v.format = $format, v.page = $page,
    v.content_hash = $content_hash, v.source_document = $source_document
RETURN elementId(v) AS node_id`

// CreateCitation writes one visual citation node and returns its node id.
func (c *Client) CreateCitation(ctx context.Context, txn *reliability.Txn, processID string, citation *model.VisualCitation) (string, error) {
	rows, err := c.runWithRetry(ctx, citationCypher, map[string]interface{}{
		"process_id":      processID,
		"citation_id":     citation.CitationID,
		"kind":            string(citation.Kind),
		"format":          citation.Format,
		"page":            citation.Page,
		"content_hash":    citation.ContentHash,
		"source_document": citation.SourceDocument,
	})
	if err != nil {
		c.deadLetter("citation_node", processID, citation, err)
		return "", common.Wrap(common.KindGraphWriteFailed, "citation write failed", err)
	}
	nodeID := ""
	if len(rows) > 0 {
		nodeID, _ = rows[0]["node_id"].(string)
	}
	if txn != nil && c.txns != nil {
		citationID := citation.CitationID
		if err := c.txns.Add(txn,
			"create citation "+citationID,
			"delete citation "+citationID,
			func(compCtx context.Context) error {
				return c.deleteCitation(compCtx, processID, citationID)
			}); err != nil {
			return nodeID, err
		}
	}
	return nodeID, nil
}

const linkCypher = `
MATCH (v:VisualCitation {process_id: $process_id, citation_id: $citation_id})
MATCH (e:Entity {process_id: $process_id, local_id: $entity_id})
MERGE (v)-[l:CITES {kind: $kind}]->(e)
SET l.confidence = $confidence
RETURN count(l) AS created`

// CreateVisualLink links a citation node to an entity node.
func (c *Client) CreateVisualLink(ctx context.Context, txn *reliability.Txn, processID string, link *model.VisualEntityLink) error {
	_, err := c.runWithRetry(ctx, linkCypher, map[string]interface{}{
		"process_id":  processID,
		"citation_id": link.CitationID,
		"entity_id":   link.EntityID,
		"kind":        string(link.Kind),
		"confidence":  link.Confidence,
	})
	if err != nil {
		c.deadLetter("visual_link", processID, link, err)
		return common.Wrap(common.KindGraphWriteFailed, "visual link write failed", err)
	}
	if txn != nil && c.txns != nil {
		citationID, entityID := link.CitationID, link.EntityID
		return c.txns.Add(txn,
			fmt.Sprintf("link %s -> %s", citationID, entityID),
			fmt.Sprintf("unlink %s -> %s", citationID, entityID),
			func(compCtx context.Context) error {
				return c.DeleteVisualLink(compCtx, processID, citationID, entityID)
			})
	}
	return nil
}

// Query runs an arbitrary read statement under the breaker and timeout.
func (c *Client) Query(ctx context.Context, cypher string, params map[string]interface{}) ([]map[string]interface{}, error) {
	return c.run(ctx, cypher, params)
}

// HealthProbe measures one round trip to the graph.
func (c *Client) HealthProbe(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	_, err := c.run(ctx, "RETURN 1 AS ok", nil)
	return time.Since(start), err
}

// deadLetterRecord is the envelope deadLetter stores and the replay
// handlers decode.
type deadLetterRecord struct {
	ProcessID string          `json:"process_id"`
	Payload   json.RawMessage `json:"payload"`
}

// RegisterReplayHandlers installs DLQ retry handlers for every op kind
// this client dead-letters. All write statements MERGE on stable keys, so
// a replay after a partial success is safe.
func (c *Client) RegisterReplayHandlers() {
	if c.dlq == nil {
		return
	}
	replayRows := func(cypher string) reliability.Handler {
		return func(ctx context.Context, payload json.RawMessage) error {
			var rec deadLetterRecord
			if err := json.Unmarshal(payload, &rec); err != nil {
				return common.Wrap(common.KindInvalidInput, "decoding dead-letter record", err)
			}
			var rows []map[string]interface{}
			if err := json.Unmarshal(rec.Payload, &rows); err != nil {
				return common.Wrap(common.KindInvalidInput, "decoding dead-letter rows", err)
			}
			_, err := c.runWithRetry(ctx, cypher, map[string]interface{}{"rows": rows})
			return err
		}
	}
	c.dlq.Register("entity_batch", replayRows(entityBatchCypher))
	c.dlq.Register("relationship_batch", replayRows(relationshipBatchCypher))

	c.dlq.Register("citation_node", func(ctx context.Context, payload json.RawMessage) error {
		var rec deadLetterRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return common.Wrap(common.KindInvalidInput, "decoding dead-letter record", err)
		}
		var citation model.VisualCitation
		if err := json.Unmarshal(rec.Payload, &citation); err != nil {
			return common.Wrap(common.KindInvalidInput, "decoding dead-letter citation", err)
		}
		// Bypasses CreateCitation so a failed replay reschedules this
		// record instead of dead-lettering a duplicate.
		_, err := c.runWithRetry(ctx, citationCypher, map[string]interface{}{
			"process_id":      rec.ProcessID,
			"citation_id":     citation.CitationID,
			"kind":            string(citation.Kind),
			"format":          citation.Format,
			"page":            citation.Page,
			"content_hash":    citation.ContentHash,
			"source_document": citation.SourceDocument,
		})
		return err
	})
	c.dlq.Register("visual_link", func(ctx context.Context, payload json.RawMessage) error {
		var rec deadLetterRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return common.Wrap(common.KindInvalidInput, "decoding dead-letter record", err)
		}
		var link model.VisualEntityLink
		if err := json.Unmarshal(rec.Payload, &link); err != nil {
			return common.Wrap(common.KindInvalidInput, "decoding dead-letter link", err)
		}
		_, err := c.runWithRetry(ctx, linkCypher, map[string]interface{}{
			"process_id":  rec.ProcessID,
			"citation_id": link.CitationID,
			"entity_id":   link.EntityID,
			"kind":        string(link.Kind),
			"confidence":  link.Confidence,
		})
		return err
	})
}

func (c *Client) deadLetter(opKind, processID string, payload interface{}, cause error) {
	if c.dlq == nil {
		return
	}
	_, _ = c.dlq.Enqueue(opKind, map[string]interface{}{
		"process_id": processID,
		"payload":    payload,
	}, cause)
	c.log.WithFields(logrus.Fields{"op_kind": opKind, "process_id": processID}).
		Warn("graph write dead-lettered")
}
