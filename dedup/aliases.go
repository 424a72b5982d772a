package dedup

import "strings"

// Curated alias tables for the brands and models that dominate the QSR
// corpus. Keys and members are compare-key form.

var brandAliases = map[string][]string{
	"taylor":        {"taylor", "taylor company"},
	"grote":         {"grote", "grote company"},
	"electro_freeze": {"electro freeze", "electro-freeze", "electrofreeze"},
	"hobart":        {"hobart", "hobart corporation"},
	"frymaster":     {"frymaster", "frymaster llc"},
	"henny_penny":   {"henny penny", "hennypenny"},
}

var modelAliases = map[string][]string{
	"taylor_c602": {"c602", "c-602", "taylor c602", "taylor model c602"},
	"taylor_c712": {"c712", "c-712", "taylor c712", "taylor model c712"},
	"taylor_c708": {"c708", "c-708", "taylor c708", "taylor model c708"},
	"grote_s5":    {"s5", "s-5", "grote s5", "grote slicer s5"},
	"hobart_hl600": {"hl600", "hl-600", "hobart hl600", "hobart legacy hl600"},
}

// aliasIndex maps each alias form to its canonical alias key, merged over
// both tables.
var aliasIndex = func() map[string]string {
	idx := make(map[string]string)
	for key, forms := range brandAliases {
		for _, f := range forms {
			idx[f] = "brand:" + key
		}
	}
	for key, forms := range modelAliases {
		for _, f := range forms {
			idx[f] = "model:" + key
		}
	}
	return idx
}()

// aliasKey resolves a compare key to its curated alias group, if any.
func aliasKey(key string) (string, bool) {
	group, ok := aliasIndex[key]
	return group, ok
}

// Curated semantic clusters: procedure phrasings that name the same
// activity. Members are compare-key form.
var semanticClusters = [][]string{
	{"daily cleaning", "daily cleaning procedure", "end of day cleaning", "closing cleaning"},
	{"preventive maintenance", "preventative maintenance", "scheduled maintenance"},
	{"sanitizing", "sanitization", "sanitizing procedure"},
	{"heat treatment", "heat treatment cycle"},
}

var semanticIndex = func() map[string]int {
	idx := make(map[string]int)
	for i, cluster := range semanticClusters {
		for _, member := range cluster {
			idx[member] = i
		}
	}
	return idx
}()

// semanticCluster resolves a compare key to its curated cluster index.
// Trailing "procedure"/"protocol" qualifiers are ignored for lookup.
func semanticCluster(key string) (int, bool) {
	if i, ok := semanticIndex[key]; ok {
		return i, ok
	}
	trimmed := strings.TrimSuffix(strings.TrimSuffix(key, " procedure"), " protocol")
	i, ok := semanticIndex[trimmed]
	return i, ok
}
