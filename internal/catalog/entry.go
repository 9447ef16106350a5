package catalog

import (
	"sort"
	"strconv"
	"strings"
)

// Entry is a single model's catalog record: the shape callers need to
// build a request for that slug.
type Entry struct {
	Slug                       string   `json:"slug"`
	SupportedReasoningLevels   []string `json:"supportedReasoningLevels,omitempty"`
	DefaultReasoningLevel      string   `json:"defaultReasoningLevel,omitempty"`
	BaseInstructions           string   `json:"baseInstructions,omitempty"`
	ApplyPatchToolType         string   `json:"applyPatchToolType,omitempty"`
	SupportsReasoningSummaries bool     `json:"supportsReasoningSummaries,omitempty"`
	DefaultVerbosity           string   `json:"defaultVerbosity,omitempty"`
}

// Defaults is what GetRuntimeDefaults hands back: the resolved slug plus
// the metadata needed to shape a request.
type Defaults struct {
	Slug                       string
	ReasoningLevel             string
	SupportedReasoningLevels   []string
	BaseInstructions           string
	ApplyPatchToolType         string
	SupportsReasoningSummaries bool
	DefaultVerbosity           string
}

func normalizeSlug(modelID string) string {
	return strings.ToLower(strings.TrimSpace(modelID))
}

// legacyFamilies maps a legacy base slug to the dotted family prefix whose
// lowest available member should be substituted for it.
var legacyFamilies = map[string]string{
	"gpt-5":        "gpt-5.",
	"gpt-5-codex":  "gpt-5.",
}

// resolveSlug finds the catalog entry for modelID, applying the legacy
// model upgrade when the exact slug isn't present: "gpt-5" and
// "gpt-5-codex" resolve to the lowest-numbered available "gpt-5.X"
// variant, codex-suffixed legacy slugs only match codex-suffixed variants.
func resolveSlug(modelID string, available map[string]Entry) (Entry, bool) {
	slug := normalizeSlug(modelID)
	if e, ok := available[slug]; ok {
		return e, true
	}

	prefix, isLegacy := legacyFamilies[slug]
	if !isLegacy {
		return Entry{}, false
	}
	wantCodex := strings.HasSuffix(slug, "-codex")

	type candidate struct {
		version float64
		entry   Entry
	}
	var candidates []candidate
	for s, e := range available {
		if !strings.HasPrefix(s, prefix) {
			continue
		}
		if strings.HasSuffix(s, "-codex") != wantCodex {
			continue
		}
		rest := strings.TrimPrefix(s, prefix)
		rest = strings.TrimSuffix(rest, "-codex")
		v, err := strconv.ParseFloat(rest, 64)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{version: v, entry: e})
	}
	if len(candidates) == 0 {
		return Entry{}, false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].version < candidates[j].version })
	return candidates[0].entry, true
}

// expandVariants derives per-effort variant entries from an entry's
// SupportedReasoningLevels, keeping every original entry alongside them.
// Dropping stale effort-suffixed keys from user config is done separately
// by reconcileLegacyConfig.
func expandVariants(entries map[string]Entry) map[string]Entry {
	out := make(map[string]Entry, len(entries))
	for slug, e := range entries {
		out[slug] = e
		for _, level := range e.SupportedReasoningLevels {
			variantSlug := slug + "-" + strings.ToLower(level)
			variant := e
			variant.Slug = variantSlug
			variant.DefaultReasoningLevel = level
			out[variantSlug] = variant
		}
	}
	return out
}

// reconcileLegacyConfig drops effort-suffixed legacy keys from a
// user-supplied model config map when the corresponding base slug is
// present in the catalog, so stale per-effort overrides don't shadow the
// catalog's own variant expansion.
func reconcileLegacyConfig(userConfig map[string]string, catalog map[string]Entry) map[string]string {
	out := make(map[string]string, len(userConfig))
	for key, val := range userConfig {
		base := key
		if idx := strings.LastIndex(key, "-"); idx > 0 {
			candidate := key[:idx]
			if _, ok := catalog[candidate]; ok {
				base = candidate
			}
		}
		if base != key {
			if _, baseKnown := catalog[base]; baseKnown {
				continue
			}
		}
		out[key] = val
	}
	return out
}

// coerceEffort applies the documented effort clamps for a model's
// supported reasoning levels: none/minimal collapse to low for codex
// variants; xhigh collapses to high unless the slug contains "max", and
// always collapses to high for codex-mini models.
// CoerceEffort exposes coerceEffort to callers outside the package, namely
// the fetch orchestrator's request-body transform.
func CoerceEffort(slug, requested string, supported []string) string {
	return coerceEffort(slug, requested, supported)
}

func coerceEffort(slug, requested string, supported []string) string {
	effort := strings.ToLower(strings.TrimSpace(requested))
	isCodex := strings.Contains(slug, "codex")
	isMax := strings.Contains(slug, "max")
	isCodexMini := strings.Contains(slug, "codex-mini")

	switch effort {
	case "none", "minimal":
		if isCodex {
			effort = "low"
		}
	case "xhigh":
		if !isMax || isCodexMini {
			effort = "high"
		}
	}

	if len(supported) == 0 {
		return effort
	}
	for _, lvl := range supported {
		if strings.EqualFold(lvl, effort) {
			return strings.ToLower(lvl)
		}
	}
	return strings.ToLower(supported[0])
}
