package dedup

import (
	"sort"

	"github.com/agnivade/levenshtein"
	"github.com/sirupsen/logrus"

	"github.com/qsrgraph/qsrgraph/common"
	"github.com/qsrgraph/qsrgraph/model"
)

// Strategy names, in the order the chain runs them.
const (
	StrategyExact    = "exact"
	StrategyPattern  = "pattern"
	StrategyAlias    = "alias"
	StrategyFuzzy    = "fuzzy"
	StrategySemantic = "semantic"
)

// Stats summarizes one deduplication run.
type Stats struct {
	EntitiesIn        int            `json:"entities_in"`
	EntitiesOut       int            `json:"entities_out"`
	ClustersFormed    int            `json:"clusters_formed"`
	MatchesByStrategy map[string]int `json:"matches_by_strategy"`
}

// Result is the deduplicated extraction. Mapping records every input local
// id to its surviving canonical id, survivors included.
type Result struct {
	Entities              []model.Entity
	Relationships         []model.Relationship
	Mapping               map[string]string
	OrphanedRelationships int
	Stats                 Stats
}

// Engine runs the strategy chain. When CrossDocument is false, entities
// from different source documents never merge.
type Engine struct {
	CrossDocument bool
}

func NewEngine(crossDocument bool) *Engine {
	return &Engine{CrossDocument: crossDocument}
}

// crossTypeAllowed lists the type pairs that may still merge. All other
// cross-type pairs are rejected before any name comparison.
var crossTypeAllowed = map[[2]model.QSRType]bool{
	{model.TypeEquipment, model.TypeComponent}:       true,
	{model.TypeProcedure, model.TypeSafetyProtocol}:  true,
	{model.TypeSpecification, model.TypeComponent}:   true,
}

func typesCompatible(a, b model.QSRType) bool {
	if a == b {
		return true
	}
	return crossTypeAllowed[[2]model.QSRType{a, b}] || crossTypeAllowed[[2]model.QSRType{b, a}]
}

// fuzzyThreshold is per-type; a pair takes the stricter of its two sides.
func fuzzyThreshold(t model.QSRType) float64 {
	switch t {
	case model.TypeEquipment:
		return 0.80
	case model.TypeProcedure:
		return 0.75
	}
	return 0.85
}

func pairThreshold(a, b model.QSRType) float64 {
	ta, tb := fuzzyThreshold(a), fuzzyThreshold(b)
	if ta > tb {
		return ta
	}
	return tb
}

// similarity is normalized Levenshtein over compare keys, in [0,1].
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len([]rune(a))
	if n := len([]rune(b)); n > longest {
		longest = n
	}
	if longest == 0 {
		return 0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}

// matchPair runs the chain and reports the first strategy to validate.
func (eng *Engine) matchPair(a, b model.Entity) (strategy string, score float64, ok bool) {
	if !typesCompatible(a.QSRType, b.QSRType) {
		return "", 0, false
	}
	if !eng.CrossDocument && a.SourceDocument != b.SourceDocument {
		return "", 0, false
	}
	ka, kb := compareKey(a.CanonicalName), compareKey(b.CanonicalName)
	if ka == "" || kb == "" {
		return "", 0, false
	}

	if ka == kb {
		return StrategyExact, 1.0, true
	}
	if brandA, mdlA, okA := brandModel(ka); okA {
		if brandB, mdlB, okB := brandModel(kb); okB && mdlA == mdlB {
			if brandA == "" || brandB == "" || brandA == brandB {
				return StrategyPattern, 0.95, true
			}
		}
	}
	if groupA, okA := aliasKey(ka); okA {
		if groupB, okB := aliasKey(kb); okB && groupA == groupB {
			return StrategyAlias, 0.9, true
		}
	}
	if sim := similarity(ka, kb); sim >= pairThreshold(a.QSRType, b.QSRType) {
		return StrategyFuzzy, sim, true
	}
	if clusterA, okA := semanticCluster(ka); okA {
		if clusterB, okB := semanticCluster(kb); okB && clusterA == clusterB {
			return StrategySemantic, 0.85, true
		}
	}
	return "", 0, false
}

// Run deduplicates the extraction. Running the output through Run again
// yields the same entities and relationships.
func (eng *Engine) Run(in model.Extraction) Result {
	res := Result{
		Mapping: make(map[string]string, len(in.Entities)),
		Stats: Stats{
			EntitiesIn:        len(in.Entities),
			MatchesByStrategy: make(map[string]int),
		},
	}

	ids := make([]string, 0, len(in.Entities))
	byID := make(map[string]model.Entity, len(in.Entities))
	for _, e := range in.Entities {
		ids = append(ids, e.LocalID)
		byID[e.LocalID] = e
	}

	uf := newUnionFind(ids)
	for i := 0; i < len(in.Entities); i++ {
		for j := i + 1; j < len(in.Entities); j++ {
			if strategy, _, ok := eng.matchPair(in.Entities[i], in.Entities[j]); ok {
				res.Stats.MatchesByStrategy[strategy]++
				uf.union(in.Entities[i].LocalID, in.Entities[j].LocalID)
			}
		}
	}

	clusters := uf.clusters(ids)
	// Deterministic output order: clusters sorted by survivor id.
	roots := make([]string, 0, len(clusters))
	survivors := make(map[string]model.Entity, len(clusters))
	for root, members := range clusters {
		merged := mergeCluster(members, byID)
		survivors[root] = merged
		roots = append(roots, root)
		for _, id := range members {
			res.Mapping[id] = merged.LocalID
		}
		if len(members) > 1 {
			res.Stats.ClustersFormed++
		}
	}
	sort.Slice(roots, func(i, j int) bool {
		return survivors[roots[i]].LocalID < survivors[roots[j]].LocalID
	})
	for _, root := range roots {
		res.Entities = append(res.Entities, survivors[root])
	}
	res.Stats.EntitiesOut = len(res.Entities)

	res.Relationships, res.OrphanedRelationships = remapRelationships(in.Relationships, res.Mapping)

	common.Logger.WithFields(logrus.Fields{
		"entities_in":  res.Stats.EntitiesIn,
		"entities_out": res.Stats.EntitiesOut,
		"clusters":     res.Stats.ClustersFormed,
		"orphaned":     res.OrphanedRelationships,
	}).Debug("deduplication complete")
	return res
}

// mergeCluster collapses a cluster to its survivor: longest canonical name
// wins, ties break to the smallest local id.
func mergeCluster(members []string, byID map[string]model.Entity) model.Entity {
	survivorID := members[0]
	for _, id := range members[1:] {
		cur, cand := byID[survivorID], byID[id]
		if len(cand.CanonicalName) > len(cur.CanonicalName) ||
			(len(cand.CanonicalName) == len(cur.CanonicalName) && cand.LocalID < cur.LocalID) {
			survivorID = id
		}
	}

	merged := byID[survivorID]
	merged.CanonicalName = CanonicalizeName(merged.CanonicalName)

	sourceIDs := make(map[string]bool)
	pages := make(map[int]bool)
	props := make(map[string]interface{})
	for k, v := range merged.Properties {
		props[k] = v
	}
	for _, p := range merged.PageRefs {
		pages[p] = true
	}
	for _, prior := range merged.SourceEntityIDs {
		sourceIDs[prior] = true
	}

	for _, id := range members {
		e := byID[id]
		if id != survivorID {
			sourceIDs[id] = true
			for _, prior := range e.SourceEntityIDs {
				sourceIDs[prior] = true
			}
			for _, p := range e.PageRefs {
				pages[p] = true
			}
			for k, v := range e.Properties {
				props[k] = mergeProperty(props[k], v)
			}
		}
	}
	if len(members) > 1 {
		sourceIDs[survivorID] = true
	}

	merged.SourceEntityIDs = sortedKeys(sourceIDs)
	merged.PageRefs = sortedPages(pages)
	if len(props) > 0 {
		merged.Properties = props
	}
	return merged
}

// mergeProperty unions two property values. Lists concatenate with
// duplicates dropped; conflicting scalars become a list of both.
func mergeProperty(existing, incoming interface{}) interface{} {
	if existing == nil {
		return incoming
	}
	la, aIsList := existing.([]interface{})
	lb, bIsList := incoming.([]interface{})
	switch {
	case aIsList && bIsList:
		return appendUnique(la, lb...)
	case aIsList:
		return appendUnique(la, incoming)
	case bIsList:
		return appendUnique([]interface{}{existing}, lb...)
	case existing == incoming:
		return existing
	}
	return []interface{}{existing, incoming}
}

func appendUnique(list []interface{}, values ...interface{}) []interface{} {
	out := append([]interface{}{}, list...)
	for _, v := range values {
		dup := false
		for _, have := range out {
			if have == v {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, v)
		}
	}
	return out
}

// remapRelationships rewrites endpoints to surviving ids, drops edges whose
// endpoints no longer resolve, collapses duplicates, and drops self-loops
// created by a merge.
func remapRelationships(rels []model.Relationship, mapping map[string]string) ([]model.Relationship, int) {
	var out []model.Relationship
	orphaned := 0
	seen := make(map[string]bool)
	for _, r := range rels {
		src, okSrc := mapping[r.SourceLocalID]
		dst, okDst := mapping[r.TargetLocalID]
		if !okSrc || !okDst {
			orphaned++
			continue
		}
		if src == dst {
			continue
		}
		key := src + "\x00" + dst + "\x00" + r.Type
		if seen[key] {
			continue
		}
		seen[key] = true
		r.SourceLocalID, r.TargetLocalID = src, dst
		out = append(out, r)
	}
	return out, orphaned
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedPages(set map[int]bool) []int {
	if len(set) == 0 {
		return nil
	}
	out := make([]int, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}
