package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/poemonsense/codex-account-proxy/internal/account"
	"github.com/poemonsense/codex-account-proxy/internal/catalog"
	"github.com/poemonsense/codex-account-proxy/internal/config"
	"github.com/poemonsense/codex-account-proxy/internal/ratelimit"
	"github.com/poemonsense/codex-account-proxy/internal/store"
	"github.com/poemonsense/codex-account-proxy/internal/token"
)

func newOAuthServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "tok",
			"refresh_token": "refresh",
			"expires_in":    3600,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestOrchestrator(t *testing.T, accounts int, codexHandler http.HandlerFunc, mutate func(*config.Config)) (*Orchestrator, *httptest.Server) {
	t.Helper()

	oauth := newOAuthServer(t)
	codex := httptest.NewServer(codexHandler)
	t.Cleanup(codex.Close)

	dir := t.TempDir()
	st := store.New(filepath.Join(dir, "accounts.json"))
	doc := &store.Document{Version: 3}
	for i := 0; i < accounts; i++ {
		suffix := string(rune('a' + i))
		doc.Accounts = append(doc.Accounts, store.Account{
			AccountID: "acct-" + suffix, Email: "user" + suffix + "@example.com", Plan: "Pro", Enabled: true, RefreshToken: "r",
		})
	}
	if err := st.Save(doc); err != nil {
		t.Fatalf("seed: %v", err)
	}

	cfg := config.Default()
	cfg.BaseURL = codex.URL
	if mutate != nil {
		mutate(cfg)
	}

	mgr := account.NewManager(st, cfg, token.NewClient(oauth.URL, "client"), 0)
	if err := mgr.Initialize(""); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	cache := catalog.NewCache(cfg.Catalog, filepath.Join(dir, "catalog"), codex.URL)
	tracker := ratelimit.New(ratelimit.Config{
		DedupWindowMs:  cfg.RateLimit.DedupWindowMs,
		ResetMs:        cfg.RateLimit.StateResetMs,
		DefaultRetryMs: cfg.RateLimit.DefaultRetryMs,
		MaxBackoffMs:   cfg.RateLimit.MaxBackoffMs,
		JitterMaxMs:    cfg.RateLimit.JitterMaxMs,
	})

	o := New(mgr, cache, tracker, cfg, nil)
	return o, codex
}

func requestBody(model string) []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"model": model,
		"input": []interface{}{
			map[string]interface{}{"id": "host-assigned-1", "role": "user", "content": "hi"},
		},
	})
	return b
}

func TestFetchSuccessReturnsUpstreamResponse(t *testing.T) {
	var hits int32
	o, _ := newTestOrchestrator(t, 1, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.URL.Path == "/codex/responses" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"resp_1"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}, nil)

	resp, err := o.Fetch(context.Background(), requestBody("gpt-5.1-codex"))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if atomic.LoadInt32(&hits) == 0 {
		t.Fatalf("expected at least one upstream hit")
	}
}

func TestFetchRetriesSameAccountAfterWait(t *testing.T) {
	var attempts int32
	o, _ := newTestOrchestrator(t, 1, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/codex/responses" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		n := atomic.AddInt32(&attempts, 1)
		if n == 1 {
			w.Header().Set("retry-after-ms", "10")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate_limit_exceeded"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"resp_2"}`))
	}, nil)

	resp, err := o.Fetch(context.Background(), requestBody("gpt-5.1-codex"))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected eventual 200, got %d", resp.StatusCode)
	}
	if atomic.LoadInt32(&attempts) < 2 {
		t.Fatalf("expected at least 2 attempts on the single account, got %d", attempts)
	}
}

func TestFetchSwitchesAccountsOnFirstRateLimit(t *testing.T) {
	var firstAcct firstSeen
	o, _ := newTestOrchestrator(t, 2, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/codex/responses" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		acctID := r.Header.Get("chatgpt-account-id")
		if firstAcct.recordAndIsFirst(acctID) {
			w.Header().Set("retry-after-ms", "50000")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate_limit_exceeded"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"ok"}`))
	}, func(cfg *config.Config) {
		cfg.Decider.SwitchOnFirstRateLimit = true
	})

	resp, err := o.Fetch(context.Background(), requestBody("gpt-5.1-codex"))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected eventual 200 after switching accounts, got %d", resp.StatusCode)
	}
}

// firstSeen reports true only for requests carrying the account ID first
// observed, so the handler can rate-limit exactly one account and let the
// other succeed.
type firstSeen struct {
	mu  sync.Mutex
	who string
	set bool
}

func (f *firstSeen) recordAndIsFirst(acctID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.set {
		f.who = acctID
		f.set = true
	}
	return acctID == f.who
}

func TestFetchExhaustionSynthesizesDiagnostic(t *testing.T) {
	o, _ := newTestOrchestrator(t, 2, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/codex/responses" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("retry-after-ms", "60000")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate_limit_exceeded"}`))
	}, func(cfg *config.Config) {
		cfg.MaxRetries = 2
		cfg.Decider.SwitchOnFirstRateLimit = true
		cfg.Decider.RetryAllAccountsLimited = false
	})

	resp, err := o.Fetch(context.Background(), requestBody("gpt-5.1-codex"))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected synthesized 429, got %d", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode diagnostic body: %v", err)
	}
	if _, ok := body["accounts"]; !ok {
		t.Fatalf("expected per-account diagnostics in exhaustion body, got %v", body)
	}
}
