package graph

import (
	"context"

	"github.com/qsrgraph/qsrgraph/model"

	"github.com/qsrgraph/qsrgraph/common"
)

// Deletion and verification statements scoped to one process. These back
// the saga compensations and the integrity verifier.

const deleteEntitiesCypher = `
MATCH (e:Entity {process_id: $process_id})
WHERE e.local_id IN $local_ids
DETACH DELETE e`

// DeleteEntitiesByKey removes entities by their idempotency key. Used as a
// saga compensation and by integrity auto-repair; idempotent by MERGE key.
func (c *Client) DeleteEntitiesByKey(ctx context.Context, processID string, localIDs []string) error {
	_, err := c.runWithRetry(ctx, deleteEntitiesCypher, map[string]interface{}{
		"process_id": processID,
		"local_ids":  localIDs,
	})
	if err != nil {
		return common.Wrap(common.KindGraphWriteFailed, "entity delete failed", err)
	}
	return nil
}

// DeleteRelationships removes specific relationships by their merge key.
// Saga compensations and integrity auto-repair both use it.
func (c *Client) DeleteRelationships(ctx context.Context, processID string, rels []model.Relationship) error {
	rows := make([]map[string]interface{}, 0, len(rels))
	for _, r := range rels {
		rows = append(rows, map[string]interface{}{
			"source": r.SourceLocalID,
			"target": r.TargetLocalID,
			"type":   r.Type,
		})
	}
	_, err := c.runWithRetry(ctx, `
UNWIND $rows AS row
MATCH (:Entity {process_id: $process_id, local_id: row.source})
      -[r:RELATES {rel_type: row.type, target: row.target}]->
      (:Entity {process_id: $process_id, local_id: row.target})
DELETE r`, map[string]interface{}{"process_id": processID, "rows": rows})
	if err != nil {
		return common.Wrap(common.KindGraphWriteFailed, "relationship delete failed", err)
	}
	return nil
}

func (c *Client) deleteCitation(ctx context.Context, processID, citationID string) error {
	_, err := c.runWithRetry(ctx, `
MATCH (v:VisualCitation {process_id: $process_id, citation_id: $citation_id})
DETACH DELETE v`, map[string]interface{}{"process_id": processID, "citation_id": citationID})
	if err != nil {
		return common.Wrap(common.KindGraphWriteFailed, "citation delete failed", err)
	}
	return nil
}

// DeleteVisualLink removes one citation-to-entity link.
func (c *Client) DeleteVisualLink(ctx context.Context, processID, citationID, entityID string) error {
	_, err := c.runWithRetry(ctx, `
MATCH (:VisualCitation {process_id: $process_id, citation_id: $citation_id})
      -[l:CITES]->
      (:Entity {process_id: $process_id, local_id: $entity_id})
DELETE l`, map[string]interface{}{
		"process_id": processID, "citation_id": citationID, "entity_id": entityID,
	})
	if err != nil {
		return common.Wrap(common.KindGraphWriteFailed, "visual link delete failed", err)
	}
	return nil
}

// DeleteProcess removes every node written for a process. Admin surface.
func (c *Client) DeleteProcess(ctx context.Context, processID string) error {
	_, err := c.runWithRetry(ctx, `
MATCH (n {process_id: $process_id})
DETACH DELETE n`, map[string]interface{}{"process_id": processID})
	if err != nil {
		return common.Wrap(common.KindGraphWriteFailed, "process delete failed", err)
	}
	return nil
}

func (c *Client) countQuery(ctx context.Context, cypher string, params map[string]interface{}) (int, error) {
	rows, err := c.Query(ctx, cypher, params)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	switch v := rows[0]["n"].(type) {
	case int64:
		return int(v), nil
	case int:
		return v, nil
	case float64:
		return int(v), nil
	}
	return 0, nil
}

// CountEntities returns the number of entity nodes for a process.
func (c *Client) CountEntities(ctx context.Context, processID string) (int, error) {
	return c.countQuery(ctx,
		`MATCH (e:Entity {process_id: $process_id}) RETURN count(e) AS n`,
		map[string]interface{}{"process_id": processID})
}

// CountRelationships returns the number of relationships for a process.
func (c *Client) CountRelationships(ctx context.Context, processID string) (int, error) {
	return c.countQuery(ctx,
		`MATCH (:Entity {process_id: $process_id})-[r:RELATES]->() RETURN count(r) AS n`,
		map[string]interface{}{"process_id": processID})
}

// CitationNodeExists reports whether a citation node is queryable by id.
func (c *Client) CitationNodeExists(ctx context.Context, processID, citationID string) (bool, error) {
	n, err := c.countQuery(ctx,
		`MATCH (v:VisualCitation {process_id: $process_id, citation_id: $citation_id}) RETURN count(v) AS n`,
		map[string]interface{}{"process_id": processID, "citation_id": citationID})
	return n > 0, err
}

// EntityNodeExists reports whether an entity node is queryable by local id.
func (c *Client) EntityNodeExists(ctx context.Context, processID, localID string) (bool, error) {
	n, err := c.countQuery(ctx,
		`MATCH (e:Entity {process_id: $process_id, local_id: $local_id}) RETURN count(e) AS n`,
		map[string]interface{}{"process_id": processID, "local_id": localID})
	return n > 0, err
}
