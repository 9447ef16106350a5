package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/poemonsense/codex-account-proxy/internal/apperrors"
	"github.com/poemonsense/codex-account-proxy/internal/config"
)

func testConfig() config.CatalogConfig {
	return config.CatalogConfig{
		CacheTTLMs:     15 * 60 * 1000,
		SessionCapMs:   60 * 60 * 1000,
		ColdStartMs:    60000,
		FetchTimeoutMs: 2000,
	}
}

func TestModelCatalogBackoffSuppressesSecondFetch(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewCache(testConfig(), t.TempDir(), srv.URL)

	_, err := c.GetRuntimeDefaults(context.Background(), "some-unknown-model", Options{AccountID: "acct1"})
	if err == nil {
		t.Fatal("expected ModelCatalogUnavailable")
	}
	if apperr, ok := err.(*apperrors.Error); !ok || apperr.Code != apperrors.CodeModelCatalogUnavailable {
		t.Fatalf("expected ModelCatalogUnavailable, got %v", err)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected exactly 1 network hit, got %d", hits)
	}

	_, err = c.GetRuntimeDefaults(context.Background(), "some-unknown-model", Options{AccountID: "acct1"})
	if err == nil {
		t.Fatal("expected second call to also fail")
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected cold-start backoff to suppress the second network hit, got %d hits", hits)
	}
}

func TestLegacyModelUpgradeResolvesLowestAvailableVariant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"models": map[string]interface{}{
				"gpt-5.1":       map[string]interface{}{},
				"gpt-5.2":       map[string]interface{}{},
				"gpt-5.1-codex": map[string]interface{}{},
			},
		})
	}))
	defer srv.Close()

	c := NewCache(testConfig(), t.TempDir(), srv.URL)

	d, err := c.GetRuntimeDefaults(context.Background(), "gpt-5", Options{AccountID: "acct1"})
	if err != nil {
		t.Fatalf("gpt-5: %v", err)
	}
	if d.Slug != "gpt-5.1" {
		t.Fatalf("expected gpt-5 to upgrade to gpt-5.1, got %s", d.Slug)
	}

	d, err = c.GetRuntimeDefaults(context.Background(), "gpt-5-codex", Options{AccountID: "acct1"})
	if err != nil {
		t.Fatalf("gpt-5-codex: %v", err)
	}
	if d.Slug != "gpt-5.1-codex" {
		t.Fatalf("expected gpt-5-codex to upgrade to gpt-5.1-codex, got %s", d.Slug)
	}
}

func TestETagRevalidationKeepsCachedEntriesOn304(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if n == 1 {
			w.Header().Set("ETag", `"v1"`)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"models": map[string]interface{}{"gpt-5.1": map[string]interface{}{}},
			})
			return
		}
		if r.Header.Get("If-None-Match") != `"v1"` {
			t.Errorf("expected If-None-Match v1, got %q", r.Header.Get("If-None-Match"))
		}
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	c := NewCache(testConfig(), t.TempDir(), srv.URL)

	if _, err := c.GetRuntimeDefaults(context.Background(), "gpt-5.1", Options{AccountID: "acct1"}); err != nil {
		t.Fatalf("first fetch: %v", err)
	}

	d, err := c.GetRuntimeDefaults(context.Background(), "gpt-5.1", Options{AccountID: "acct1", ForceRefresh: true})
	if err != nil {
		t.Fatalf("revalidation fetch: %v", err)
	}
	if d.Slug != "gpt-5.1" {
		t.Fatalf("expected cached entry to survive 304, got %+v", d)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Fatalf("expected 2 network hits, got %d", hits)
	}
}

func TestStaticTemplateFallbackWhenServerUnreachable(t *testing.T) {
	c := NewCache(testConfig(), t.TempDir(), "http://127.0.0.1:0")

	d, err := c.GetRuntimeDefaults(context.Background(), "gpt-5.1-codex", Options{AccountID: "acct1"})
	if err != nil {
		t.Fatalf("expected static template fallback, got error: %v", err)
	}
	if d.Slug != "gpt-5.1-codex" {
		t.Fatalf("expected gpt-5.1-codex, got %s", d.Slug)
	}
}

func TestCoerceEffortAppliesDocumentedClamps(t *testing.T) {
	cases := []struct {
		slug, requested, want string
	}{
		{"gpt-5.1-codex", "none", "low"},
		{"gpt-5.1-codex", "minimal", "low"},
		{"gpt-5.1", "xhigh", "high"},
		{"gpt-5.1-codex-mini", "xhigh", "high"},
	}
	supported := []string{"low", "medium", "high"}
	for _, tc := range cases {
		got := coerceEffort(tc.slug, tc.requested, supported)
		if got != tc.want {
			t.Errorf("coerceEffort(%s, %s) = %s, want %s", tc.slug, tc.requested, got, tc.want)
		}
	}
}
