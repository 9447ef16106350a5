package catalog

import "sort"

// staticTemplates are bundled default shapes for slugs the proxy knows
// about even with no network access. They give a request enough shape to
// proceed (reasoning levels, default verbosity) but are never treated as
// an authoritative source of quota or availability.
var staticTemplates = map[string]Entry{
	"gpt-5.1": {
		Slug:                     "gpt-5.1",
		SupportedReasoningLevels: []string{"low", "medium", "high"},
		DefaultReasoningLevel:    "medium",
		DefaultVerbosity:         "medium",
	},
	"gpt-5.1-codex": {
		Slug:                       "gpt-5.1-codex",
		SupportedReasoningLevels:   []string{"low", "medium", "high"},
		DefaultReasoningLevel:      "medium",
		ApplyPatchToolType:         "function",
		SupportsReasoningSummaries: true,
		DefaultVerbosity:           "medium",
	},
	"gpt-5.1-codex-mini": {
		Slug:                     "gpt-5.1-codex-mini",
		SupportedReasoningLevels: []string{"low", "medium"},
		DefaultReasoningLevel:    "low",
		ApplyPatchToolType:       "function",
		DefaultVerbosity:         "low",
	},
}

// StaticSlugs returns the bundled slugs in a stable order, for a models
// listing endpoint that shouldn't need to select an account just to
// enumerate what the proxy knows how to route.
func StaticSlugs() []string {
	slugs := make([]string, 0, len(staticTemplates))
	for slug := range staticTemplates {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}
