package citations

import "github.com/qsrgraph/qsrgraph/model"

// minLinkConfidence is the floor below which a candidate link is discarded.
const minLinkConfidence = 0.3

// fallbackBase is the base confidence for text-reference placeholder
// citations, which carry no renderable bytes of their own.
const fallbackBase = 0.3

func baseConfidence(kind model.CitationKind) float64 {
	switch kind {
	case model.CitationDiagram:
		return 0.8
	case model.CitationSchematic:
		return 0.9
	case model.CitationTable, model.CitationChart:
		return 0.6
	}
	// image, photo
	return 0.7
}

// linkConfidence scores one citation/entity pairing. Bonuses: +0.2 for the
// entity types visuals usually depict, +0.3 when the entity was mentioned
// on the citation's page. Clamped to [0,1].
func linkConfidence(kind model.CitationKind, fallback bool, page int, e *model.Entity) float64 {
	conf := baseConfidence(kind)
	if fallback {
		conf = fallbackBase
	}
	switch e.QSRType {
	case model.TypeEquipment, model.TypeProcedure, model.TypeComponent:
		conf += 0.2
	}
	if e.HasPageRef(page) {
		conf += 0.3
	}
	if conf > 1 {
		conf = 1
	}
	if conf < 0 {
		conf = 0
	}
	return conf
}

type linkKindKey struct {
	kind model.CitationKind
	t    model.QSRType
}

var linkKinds = map[linkKindKey]model.LinkKind{
	{model.CitationDiagram, model.TypeEquipment}:     model.LinkIllustrates,
	{model.CitationDiagram, model.TypeComponent}:     model.LinkIllustrates,
	{model.CitationDiagram, model.TypeProcedure}:     model.LinkDemonstrates,
	{model.CitationImage, model.TypeEquipment}:       model.LinkShows,
	{model.CitationImage, model.TypeComponent}:       model.LinkShows,
	{model.CitationImage, model.TypeProcedure}:       model.LinkDemonstrates,
	{model.CitationPhoto, model.TypeEquipment}:       model.LinkShows,
	{model.CitationPhoto, model.TypeComponent}:       model.LinkShows,
	{model.CitationTable, model.TypeSpecification}:   model.LinkSpecifies,
	{model.CitationTable, model.TypeComponent}:       model.LinkDetails,
	{model.CitationTable, model.TypeProcedure}:       model.LinkPresents,
	{model.CitationChart, model.TypeSpecification}:   model.LinkPresents,
	{model.CitationSchematic, model.TypeEquipment}:   model.LinkDepicts,
	{model.CitationSchematic, model.TypeComponent}:   model.LinkDepicts,
}

// linkKindFor resolves the relationship verb for a citation/entity pair.
func linkKindFor(kind model.CitationKind, t model.QSRType) model.LinkKind {
	if lk, ok := linkKinds[linkKindKey{kind, t}]; ok {
		return lk
	}
	return model.LinkReferences
}
