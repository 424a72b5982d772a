package bridge

import (
	"strings"

	"github.com/qsrgraph/qsrgraph/model"
)

// Keyword sets for qsr_type classification. Checked in order; the first
// set with a hit wins. Extractors that already typed an entity are left
// alone.
var typeKeywords = []struct {
	qsrType  model.QSRType
	keywords []string
}{
	{model.TypeSafetyProtocol, []string{"safety", "warning", "caution", "hazard", "lockout", "tagout", "protective"}},
	{model.TypeProcedure, []string{"cleaning", "maintenance", "sanitizing", "sanitization", "procedure", "protocol", "calibration", "inspection", "heat treatment"}},
	{model.TypeSpecification, []string{"specification", "voltage", "amperage", "capacity", "dimension", "clearance", "rating", "temperature range"}},
	{model.TypeComponent, []string{"pump", "belt", "blade", "motor", "compressor", "valve", "hopper", "auger", "seal", "gasket", "o-ring", "agitator", "drive shaft"}},
	{model.TypeIngredient, []string{"mix", "syrup", "topping", "dairy"}},
	{model.TypeLocation, []string{"kitchen", "drive-thru", "front counter", "walk-in"}},
}

var brandNames = []string{"taylor", "grote", "electro freeze", "hobart", "frymaster", "henny penny"}

// classify assigns a qsr_type by keyword sets. Names carrying a model
// token default to equipment; bare brand names become brand.
func classify(name string) model.QSRType {
	lower := strings.ToLower(name)
	for _, set := range typeKeywords {
		for _, kw := range set.keywords {
			if strings.Contains(lower, kw) {
				return set.qsrType
			}
		}
	}
	for _, b := range brandNames {
		if lower == b {
			return model.TypeBrand
		}
	}
	return model.TypeEquipment
}
