package credits

import "strings"

// Cost tiers in credits.
const (
	TierBasic    int64 = 10
	TierStandard int64 = 20
	TierPremium  int64 = 30
)

var costTable = map[string]int64{
	"basic":              TierBasic,
	"enhance":            TierBasic,
	"color_correction":   TierBasic,
	"background_cleanup": TierBasic,
	"lawn_cleanup":       TierBasic,

	"sky_replacement": TierStandard,
	"twilight":        TierStandard,
	"virtual_staging": TierStandard,
	"staging":         TierStandard,

	"object_removal": TierPremium,
	"declutter":      TierPremium,
}

// maskDependent types cost the premium tier only when a mask is supplied.
var maskDependent = map[string]bool{
	"custom":      true,
	"add_content": true,
}

// NormalizeType folds case and separators: "Sky-Replacement" -> "sky_replacement".
func NormalizeType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	return strings.NewReplacer("-", "_", " ", "_").Replace(t)
}

// EstimateCost maps an enhancement type to its credit cost. Unknown types fall
// back to the basic tier and report known=false.
func EstimateCost(enhancementType string, hasMask bool) (cost int64, known bool) {
	t := NormalizeType(enhancementType)
	if maskDependent[t] {
		if hasMask {
			return TierPremium, true
		}
		return TierBasic, true
	}
	if c, ok := costTable[t]; ok {
		return c, true
	}
	return TierBasic, false
}
