package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/poemonsense/codex-account-proxy/internal/catalog"
)

// transformBody rewrites the inbound request body for the resolved model:
// it pins the slug, strips host-assigned message identifiers the vendor
// never accepts back, disables server-side storage, and clamps the
// requested reasoning effort to what the model actually supports. It
// returns the mutated body plus the effort-qualified variant slug used as
// the fine-grained quota key.
func transformBody(raw []byte, defaults *catalog.Defaults) (map[string]interface{}, string, error) {
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, "", fmt.Errorf("invalid request body: %w", err)
	}

	body["store"] = false
	body["model"] = defaults.Slug
	stripHostMessageIDs(body)

	effort := defaults.ReasoningLevel
	reasoning, _ := body["reasoning"].(map[string]interface{})
	if reasoning != nil {
		if e, ok := reasoning["effort"].(string); ok && e != "" {
			effort = e
		}
	} else {
		reasoning = map[string]interface{}{}
	}
	effort = catalog.CoerceEffort(defaults.Slug, effort, defaults.SupportedReasoningLevels)
	reasoning["effort"] = effort
	if defaults.SupportsReasoningSummaries {
		if _, ok := reasoning["summary"]; !ok {
			reasoning["summary"] = "auto"
		}
	}
	body["reasoning"] = reasoning

	if defaults.DefaultVerbosity != "" {
		if _, ok := body["text"]; !ok {
			body["text"] = map[string]interface{}{"verbosity": defaults.DefaultVerbosity}
		}
	}

	variant := defaults.Slug
	if effort != "" {
		variant = defaults.Slug + "-" + effort
	}
	return body, variant, nil
}

// stripHostMessageIDs deletes the "id" field the calling host assigns to
// each input message; the vendor backend rejects a replayed host ID.
func stripHostMessageIDs(body map[string]interface{}) {
	input, ok := body["input"].([]interface{})
	if !ok {
		return
	}
	for _, item := range input {
		if msg, ok := item.(map[string]interface{}); ok {
			delete(msg, "id")
		}
	}
}
