package account

import (
	"path/filepath"
	"testing"

	"github.com/poemonsense/codex-account-proxy/internal/config"
	"github.com/poemonsense/codex-account-proxy/internal/store"
	"github.com/poemonsense/codex-account-proxy/internal/token"
)

func newTestManager(t *testing.T, n int, strategy string, pidOffset bool, pid int) *Manager {
	t.Helper()

	dir := t.TempDir()
	st := store.New(filepath.Join(dir, "accounts.json"))

	accounts := make([]store.Account, n)
	for i := range accounts {
		accounts[i] = store.Account{
			AccountID: "acct",
			Email:     "user" + string(rune('0'+i)) + "@example.com",
			Plan:      "Pro",
			Enabled:   true,
		}
	}
	if err := st.Save(&store.Document{Version: 3, Accounts: accounts, ActiveIndex: 0}); err != nil {
		t.Fatalf("seed save: %v", err)
	}

	cfg := config.Default()
	cfg.AccountSelection.Strategy = strategy
	cfg.AccountSelection.PIDOffsetEnabled = pidOffset

	m := NewManager(st, cfg, token.NewClient("https://example.invalid/token", "client"), pid)
	if err := m.Initialize(""); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return m
}

func TestStickyRateLimitSwitchesAccount(t *testing.T) {
	m := newTestManager(t, 2, "sticky", false, 1)

	first, err := m.SelectAccount("codex", "")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if first.Index != 0 {
		t.Fatalf("expected index 0 first, got %d", first.Index)
	}

	if err := m.MarkRateLimited(0, 60000, "codex", ""); err != nil {
		t.Fatalf("mark rate limited: %v", err)
	}

	second, err := m.SelectAccount("codex", "")
	if err != nil {
		t.Fatalf("select after rate limit: %v", err)
	}
	if second.Index != 1 {
		t.Fatalf("expected index 1 after rate limit, got %d", second.Index)
	}
}

func TestPIDOffsetSeedsStickyStart(t *testing.T) {
	m := newTestManager(t, 3, "sticky", true, 1)

	first, err := m.SelectAccount("codex", "")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if first.Index != 1 {
		t.Fatalf("expected index 1 from pid offset, got %d", first.Index)
	}

	second, err := m.SelectAccount("codex", "")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if second.Index != 1 {
		t.Fatalf("expected index 1 to stick, got %d", second.Index)
	}
}

func TestPIDOffsetSeedsRoundRobinRotation(t *testing.T) {
	m := newTestManager(t, 3, "round-robin", true, 1)

	want := []int{1, 2, 0}
	for i, w := range want {
		got, err := m.SelectAccount("codex", "")
		if err != nil {
			t.Fatalf("select %d: %v", i, err)
		}
		if got.Index != w {
			t.Fatalf("call %d: expected index %d, got %d", i, w, got.Index)
		}
	}
}

func TestIsAllRateLimitedAndMinWait(t *testing.T) {
	m := newTestManager(t, 2, "sticky", false, 1)

	if m.IsAllRateLimited("codex", "") {
		t.Fatal("expected accounts available before any rate limit")
	}

	if err := m.MarkRateLimited(0, 5000, "codex", ""); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := m.MarkRateLimited(1, 10000, "codex", ""); err != nil {
		t.Fatalf("mark: %v", err)
	}

	if !m.IsAllRateLimited("codex", "") {
		t.Fatal("expected all rate limited")
	}
	if wait := m.GetMinWaitTimeMs("codex", ""); wait <= 0 || wait > 5000 {
		t.Fatalf("expected min wait near 5000ms, got %d", wait)
	}
}
