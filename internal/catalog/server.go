package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// serverModelsResponse is the shape of GET /codex/models.
type serverModelsResponse struct {
	Models map[string]serverModel `json:"models"`
}

type serverModel struct {
	SupportedReasoningLevels   []string `json:"supported_reasoning_levels,omitempty"`
	DefaultReasoningLevel      string   `json:"default_reasoning_level,omitempty"`
	BaseInstructions           string   `json:"base_instructions,omitempty"`
	ApplyPatchToolType         string   `json:"apply_patch_tool_type,omitempty"`
	SupportsReasoningSummaries bool     `json:"supports_reasoning_summaries,omitempty"`
	DefaultVerbosity           string   `json:"default_verbosity,omitempty"`
}

// fetchResult is what fetchFromServer returns: either a fresh entry set
// (notModified=false) or a signal to keep the caller's existing entries
// with a bumped fetched_at (notModified=true).
type fetchResult struct {
	entries     map[string]Entry
	etag        string
	notModified bool
}

// fetchFromServer issues GET /codex/models with an optional If-None-Match,
// mirroring the teacher's plain net/http client usage and single-endpoint
// retry-free call shape (there is only one server here, not a fallback
// list, since the vendor exposes one authoritative catalog host).
func fetchFromServer(ctx context.Context, baseURL, accessToken, etag string, timeout time.Duration) (*fetchResult, error) {
	url := baseURL + "/codex/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &fetchResult{notModified: true}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog server returned %d", resp.StatusCode)
	}

	var body serverModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("catalog server decode: %w", err)
	}

	entries := make(map[string]Entry, len(body.Models))
	for slug, m := range body.Models {
		norm := normalizeSlug(slug)
		entries[norm] = Entry{
			Slug:                       norm,
			SupportedReasoningLevels:   m.SupportedReasoningLevels,
			DefaultReasoningLevel:      m.DefaultReasoningLevel,
			BaseInstructions:           m.BaseInstructions,
			ApplyPatchToolType:         m.ApplyPatchToolType,
			SupportsReasoningSummaries: m.SupportsReasoningSummaries,
			DefaultVerbosity:           m.DefaultVerbosity,
		}
	}

	return &fetchResult{entries: entries, etag: resp.Header.Get("ETag")}, nil
}
