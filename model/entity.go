// Package model defines the domain types that flow between the bridge
// components: entities and relationships extracted from QSR equipment
// manuals, and the visual citations preserved alongside them.
package model

import "time"

// QSRType classifies an entity within the quick-service-restaurant domain.
type QSRType string

const (
	TypeEquipment      QSRType = "equipment"
	TypeProcedure      QSRType = "procedure"
	TypeComponent      QSRType = "component"
	TypeSafetyProtocol QSRType = "safety_protocol"
	TypeSpecification  QSRType = "specification"
	TypeBrand          QSRType = "brand"
	TypeModel          QSRType = "model"
	TypeIngredient     QSRType = "ingredient"
	TypeLocation       QSRType = "location"
)

// Entity is one extracted entity. CanonicalName is never empty and QSRType
// is assigned before deduplication. After a merge, SourceEntityIDs records
// every local id folded into the survivor.
type Entity struct {
	LocalID         string                 `json:"local_id"`
	CanonicalName   string                 `json:"canonical_name"`
	QSRType         QSRType                `json:"qsr_type"`
	SourceDocument  string                 `json:"source_document"`
	PageRefs        []int                  `json:"page_refs,omitempty"`
	Properties      map[string]interface{} `json:"properties,omitempty"`
	SourceEntityIDs []string               `json:"source_entity_ids,omitempty"`
}

// HasPageRef reports whether the entity was seen on the given page.
func (e *Entity) HasPageRef(page int) bool {
	for _, p := range e.PageRefs {
		if p == page {
			return true
		}
	}
	return false
}

// Relationship links two entities by their local ids. After dedup both
// endpoints must resolve to surviving canonical ids; dangling edges are
// dropped and counted.
type Relationship struct {
	SourceLocalID string                 `json:"source_entity_local_id"`
	TargetLocalID string                 `json:"target_entity_local_id"`
	Type          string                 `json:"type"`
	Properties    map[string]interface{} `json:"properties,omitempty"`
}

// CitationKind is the kind of a visual artifact extracted from a manual.
type CitationKind string

const (
	CitationImage     CitationKind = "image"
	CitationDiagram   CitationKind = "diagram"
	CitationTable     CitationKind = "table"
	CitationChart     CitationKind = "chart"
	CitationSchematic CitationKind = "schematic"
	CitationPhoto     CitationKind = "photo"
)

// PreservationState tracks a visual citation's artifact lifecycle.
type PreservationState string

const (
	PreservationPending      PreservationState = "pending"
	PreservationPreserved    PreservationState = "preserved"
	PreservationHashMismatch PreservationState = "hash_mismatch"
	PreservationMissingBytes PreservationState = "missing_bytes"
	PreservationFailed       PreservationState = "failed"
)

// BBox is a page-relative bounding box.
type BBox struct {
	X0 float64 `json:"x0"`
	Y0 float64 `json:"y0"`
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
}

// VisualCitation is one content-addressed visual artifact. Invariant: when
// PreservationState is preserved, the content file exists and its SHA-256
// equals ContentHash.
type VisualCitation struct {
	CitationID        string            `json:"citation_id"`
	Kind              CitationKind      `json:"kind"`
	Format            string            `json:"format"`
	SourceDocument    string            `json:"source_document"`
	Page              int               `json:"page"`
	BBox              *BBox             `json:"bbox,omitempty"`
	ContentHash       string            `json:"content_hash"`
	PreservationState PreservationState `json:"preservation_state"`
	LinkedEntityIDs   []string          `json:"linked_entity_ids,omitempty"`
	GraphNodeID       string            `json:"graph_node_id,omitempty"`
	IntegrityVerified bool              `json:"integrity_verified"`
	CreatedAt         time.Time         `json:"created_at"`
}

// LinkKind describes how a visual citation relates to an entity.
type LinkKind string

const (
	LinkIllustrates  LinkKind = "illustrates"
	LinkShows        LinkKind = "shows"
	LinkDemonstrates LinkKind = "demonstrates"
	LinkSpecifies    LinkKind = "specifies"
	LinkPresents     LinkKind = "presents"
	LinkDetails      LinkKind = "details"
	LinkDepicts      LinkKind = "depicts"
	LinkReferences   LinkKind = "references"
)

// VisualEntityLink connects a citation to an entity. Created only when
// Confidence >= 0.3.
type VisualEntityLink struct {
	CitationID         string   `json:"citation_id"`
	EntityID           string   `json:"entity_id"`
	Kind               LinkKind `json:"link_kind"`
	Confidence         float64  `json:"confidence"`
	SpatialProximity   *float64 `json:"spatial_proximity,omitempty"`
	SemanticSimilarity *float64 `json:"semantic_similarity,omitempty"`
}

// Extraction is the raw output of the entity extractor for one document.
type Extraction struct {
	Entities      []Entity       `json:"entities"`
	Relationships []Relationship `json:"relationships"`
}
