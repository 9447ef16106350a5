package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// githubSlugManifest is the shape expected of the vendor's published slug
// manifest: a flat list of known model slugs, used only to confirm a slug
// exists somewhere in the vendor's lineup, never as an authoritative
// source of its metadata.
type githubSlugManifest struct {
	Slugs []string `json:"slugs"`
}

// fetchGithubSlugs checks the vendor's raw-file manifest (release tag
// first, then main) for slug membership. baseURL is operator-supplied
// (config.Catalog.GithubRawBaseURL); an empty baseURL means this source is
// not configured and is skipped by the caller.
func fetchGithubSlugs(ctx context.Context, baseURL string, timeout time.Duration) (map[string]bool, error) {
	refs := []string{"latest", "main"}
	client := &http.Client{Timeout: timeout}

	var lastErr error
	for _, ref := range refs {
		url := baseURL + "/" + ref + "/model-slugs.json"
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			lastErr = err
			continue
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			lastErr = fmt.Errorf("github manifest fetch at %s returned %d", ref, resp.StatusCode)
			continue
		}
		var manifest githubSlugManifest
		err = json.NewDecoder(resp.Body).Decode(&manifest)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		set := make(map[string]bool, len(manifest.Slugs))
		for _, s := range manifest.Slugs {
			set[normalizeSlug(s)] = true
		}
		return set, nil
	}
	return nil, lastErr
}
