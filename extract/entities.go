package extract

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/qsrgraph/qsrgraph/model"
)

// HeuristicEntityExtractor is the deterministic rule-based extractor used
// in development and tests. It recognizes brand/model equipment mentions,
// maintenance procedures, components, and safety protocol phrases, plus
// subject-verb-object relationships between mentions inside one sentence.
type HeuristicEntityExtractor struct{}

var knownBrands = []string{
	"taylor", "grote", "electro freeze", "electro_freeze", "hobart",
	"frymaster", "vulcan", "henny penny", "prince castle", "duke",
}

var (
	brandModelPattern = regexp.MustCompile(`(?i)\b(` + strings.Join(knownBrands, "|") + `)\s+(?:model\s+)?([A-Za-z]+-?\d+[A-Za-z0-9]*)`)
	bareModelPattern  = regexp.MustCompile(`\b([A-Z]-?\d{3,}[A-Z0-9]*)\b`)
	procedurePattern  = regexp.MustCompile(`(?i)\b((?:daily|weekly|monthly|end[ -]of[ -]day|deep)\s+)?(cleaning|maintenance|sanitizing|inspection|lubrication)(\s+procedure|\s+protocol|\s+process)?\b`)
	componentPattern  = regexp.MustCompile(`(?i)\b(heat(?:ing)? element|control panel|mix pump|(?:drive )?motor|pump|valve|sensor|compressor|agitator|beater)\b`)
	safetyPattern     = regexp.MustCompile(`(?i)\b(safety (?:warning|guideline|protocol|procedure)|caution notice|hazard warning)\b`)
	relationVerbs     = regexp.MustCompile(`(?i)\b(requires?|needs?|includes?|uses?|contains?|is part of)\b`)
	sentenceSplit     = regexp.MustCompile(`[.!?\n]+`)
)

type mention struct {
	localID string
	name    string
	qsrType model.QSRType
	start   int
}

// ExtractEntities scans the document text page by page and emits one
// entity per distinct mention; canonicalization is left to deduplication.
func (x *HeuristicEntityExtractor) ExtractEntities(ctx context.Context, doc Document) (*model.Extraction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := &model.Extraction{}
	seq := 0
	// name+type -> entity index, so a repeated identical mention extends
	// page refs instead of duplicating.
	index := make(map[string]int)

	addEntity := func(name string, qsrType model.QSRType, page int, raw string) string {
		key := strings.ToLower(name) + "|" + string(qsrType)
		if i, ok := index[key]; ok {
			if !out.Entities[i].HasPageRef(page) {
				out.Entities[i].PageRefs = append(out.Entities[i].PageRefs, page)
			}
			return out.Entities[i].LocalID
		}
		seq++
		e := model.Entity{
			LocalID:        fmt.Sprintf("ent-%d", seq),
			CanonicalName:  name,
			QSRType:        qsrType,
			SourceDocument: doc.Filename,
			PageRefs:       []int{page},
			Properties:     map[string]interface{}{"mention": raw},
		}
		index[key] = len(out.Entities)
		out.Entities = append(out.Entities, e)
		return e.LocalID
	}

	for _, page := range doc.Pages {
		for _, sentence := range sentenceSplit.Split(page.Text, -1) {
			if strings.TrimSpace(sentence) == "" {
				continue
			}
			mentions := x.scanSentence(sentence, page.Page, addEntity)
			out.Relationships = append(out.Relationships, relateMentions(sentence, mentions)...)
		}
	}
	return out, nil
}

// scanSentence finds all entity mentions in one sentence, ordered by
// position.
func (x *HeuristicEntityExtractor) scanSentence(sentence string, page int, add func(string, model.QSRType, int, string) string) []mention {
	var found []mention

	claimed := make([][2]int, 0, 4)
	overlaps := func(start, end int) bool {
		for _, c := range claimed {
			if start < c[1] && end > c[0] {
				return true
			}
		}
		return false
	}
	claim := func(start, end int) { claimed = append(claimed, [2]int{start, end}) }

	for _, loc := range brandModelPattern.FindAllStringSubmatchIndex(sentence, -1) {
		raw := sentence[loc[0]:loc[1]]
		brand := titleCase(sentence[loc[2]:loc[3]])
		mdl := strings.ToUpper(sentence[loc[4]:loc[5]])
		name := brand + " " + mdl
		id := add(name, model.TypeEquipment, page, raw)
		found = append(found, mention{localID: id, name: name, qsrType: model.TypeEquipment, start: loc[0]})
		claim(loc[0], loc[1])
	}
	for _, loc := range bareModelPattern.FindAllStringSubmatchIndex(sentence, -1) {
		if overlaps(loc[0], loc[1]) {
			continue
		}
		raw := sentence[loc[0]:loc[1]]
		id := add(strings.ToUpper(raw), model.TypeEquipment, page, raw)
		found = append(found, mention{localID: id, name: raw, qsrType: model.TypeEquipment, start: loc[0]})
		claim(loc[0], loc[1])
	}
	for _, loc := range procedurePattern.FindAllStringSubmatchIndex(sentence, -1) {
		raw := strings.TrimSpace(sentence[loc[0]:loc[1]])
		name := titleCase(raw)
		if !strings.Contains(strings.ToLower(name), "procedure") && !strings.Contains(strings.ToLower(name), "protocol") {
			name += " Procedure"
		}
		id := add(name, model.TypeProcedure, page, raw)
		found = append(found, mention{localID: id, name: name, qsrType: model.TypeProcedure, start: loc[0]})
		claim(loc[0], loc[1])
	}
	for _, loc := range componentPattern.FindAllStringSubmatchIndex(sentence, -1) {
		if overlaps(loc[0], loc[1]) {
			continue
		}
		raw := sentence[loc[0]:loc[1]]
		id := add(titleCase(raw), model.TypeComponent, page, raw)
		found = append(found, mention{localID: id, name: raw, qsrType: model.TypeComponent, start: loc[0]})
		claim(loc[0], loc[1])
	}
	for _, loc := range safetyPattern.FindAllStringSubmatchIndex(sentence, -1) {
		raw := sentence[loc[0]:loc[1]]
		id := add(titleCase(raw), model.TypeSafetyProtocol, page, raw)
		found = append(found, mention{localID: id, name: raw, qsrType: model.TypeSafetyProtocol, start: loc[0]})
	}

	// Order by position for relationship pairing.
	for i := 1; i < len(found); i++ {
		for j := i; j > 0 && found[j].start < found[j-1].start; j-- {
			found[j], found[j-1] = found[j-1], found[j]
		}
	}
	return found
}

// relateMentions pairs consecutive mentions joined by a relation verb.
func relateMentions(sentence string, mentions []mention) []model.Relationship {
	var rels []model.Relationship
	for i := 0; i+1 < len(mentions); i++ {
		a, b := mentions[i], mentions[i+1]
		verb := relationVerbs.FindString(sentence[min(a.start, b.start):b.start])
		if verb == "" {
			continue
		}
		rels = append(rels, model.Relationship{
			SourceLocalID: a.localID,
			TargetLocalID: b.localID,
			Type:          normalizeVerb(verb),
		})
	}
	return rels
}

func normalizeVerb(verb string) string {
	v := strings.ToLower(strings.TrimSpace(verb))
	if v == "is part of" {
		return "part_of"
	}
	return v
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		if len(w) > 0 {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
