package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/poemonsense/codex-account-proxy/internal/account"
	"github.com/poemonsense/codex-account-proxy/internal/config"
	"github.com/poemonsense/codex-account-proxy/internal/store"
	"github.com/poemonsense/codex-account-proxy/internal/token"
)

func newTestManager(t *testing.T, refreshes *int32) *account.Manager {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(refreshes, 1)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "tok",
			"refresh_token": "refresh",
			"expires_in":    1, // expires almost immediately, so the scan pass finds it due again
		})
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	st := store.New(filepath.Join(dir, "accounts.json"))
	doc := &store.Document{Version: 3, Accounts: []store.Account{
		{AccountID: "a", Email: "a@example.com", Plan: "Pro", Enabled: true, RefreshToken: "r1"},
	}}
	if err := st.Save(doc); err != nil {
		t.Fatalf("seed: %v", err)
	}

	cfg := config.Default()
	m := account.NewManager(st, cfg, token.NewClient(srv.URL, "client"), 0)
	if err := m.Initialize(""); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return m
}

func TestScanEnqueuesAccountsNearingExpiry(t *testing.T) {
	var refreshes int32
	m := newTestManager(t, &refreshes)

	// Prime the token cache so ExpiresAt has something to report.
	if _, err := m.GetAccessToken(context.Background(), 0); err != nil {
		t.Fatalf("prime: %v", err)
	}
	if atomic.LoadInt32(&refreshes) != 1 {
		t.Fatalf("expected 1 refresh from priming, got %d", refreshes)
	}

	cfg := config.TokenConfig{
		ProactiveEnabled: true,
		ScanIntervalMs:   20,
		QueueIntervalMs:  20,
		RefreshBufferMs:  10 * 1000, // the primed token (1s TTL) is already within this buffer
	}
	s := New(m, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for {
		if atomic.LoadInt32(&refreshes) >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected a proactive refresh, got %d total refreshes", refreshes)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStopIsIdempotent(t *testing.T) {
	var refreshes int32
	m := newTestManager(t, &refreshes)
	s := New(m, config.TokenConfig{ProactiveEnabled: true, ScanIntervalMs: 1000, QueueIntervalMs: 1000})
	s.Stop()
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}
