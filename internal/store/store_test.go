package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileYieldsEmptyDocument(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "accounts.json"))
	doc, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if doc.Version != schemaVersion || len(doc.Accounts) != 0 {
		t.Fatalf("expected empty v%d document, got %+v", schemaVersion, doc)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "accounts.json"))
	doc := NewDocument()
	doc.Accounts = append(doc.Accounts, Account{
		RefreshToken: "rt-1",
		AccountID:    "acct-1",
		Email:        "user@example.com",
		Plan:         "Pro",
		Enabled:      true,
		AddedAt:      1000,
		RateLimitResetTimes: map[string]int64{
			"codex": 999999999999,
		},
	})
	doc.ActiveIndex = 0

	if err := s.Save(doc); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	reloaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(reloaded.Accounts) != 1 {
		t.Fatalf("expected 1 account, got %d", len(reloaded.Accounts))
	}
	got := reloaded.Accounts[0]
	if got.AccountID != "acct-1" || got.Email != "user@example.com" || got.Plan != "Pro" {
		t.Fatalf("identity tuple mismatch after round trip: %+v", got)
	}
	if got.RateLimitResetTimes["codex"] != 999999999999 {
		t.Fatalf("rate limit timer lost on round trip: %+v", got.RateLimitResetTimes)
	}
}

func TestLoadQuarantinesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	s := New(path)
	doc, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(doc.Accounts) != 0 {
		t.Fatalf("expected empty document after quarantine, got %+v", doc)
	}

	matches, err := filepath.Glob(path + ".corrupt-*")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected exactly one quarantine file, found %d", len(matches))
	}
}

func TestActiveIndexClampedOnLoad(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "accounts.json"))
	doc := NewDocument()
	doc.Accounts = []Account{{AccountID: "a"}, {AccountID: "b"}}
	doc.ActiveIndex = 99
	if err := s.Save(doc); err != nil {
		t.Fatal(err)
	}

	reloaded, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.ActiveIndex < 0 || reloaded.ActiveIndex >= len(reloaded.Accounts) {
		t.Fatalf("active_index %d out of range [0,%d)", reloaded.ActiveIndex, len(reloaded.Accounts))
	}
}

func TestUpdateWithLockReceivesCurrentState(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "accounts.json"))

	err := s.UpdateWithLock(func(doc *Document) (*Document, error) {
		doc.Accounts = append(doc.Accounts, Account{AccountID: "x", Email: "x@example.com", Plan: "Free"})
		return doc, nil
	})
	if err != nil {
		t.Fatalf("UpdateWithLock() error = %v", err)
	}

	err = s.UpdateWithLock(func(doc *Document) (*Document, error) {
		if len(doc.Accounts) != 1 {
			t.Fatalf("expected to observe prior write, got %d accounts", len(doc.Accounts))
		}
		doc.Accounts = append(doc.Accounts, Account{AccountID: "y", Email: "y@example.com", Plan: "Free"})
		return doc, nil
	})
	if err != nil {
		t.Fatalf("UpdateWithLock() error = %v", err)
	}

	doc, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Accounts) != 2 {
		t.Fatalf("expected 2 accounts after two updates, got %d", len(doc.Accounts))
	}
}

func TestMergeAccountByIdentityUpdatesInPlace(t *testing.T) {
	doc := NewDocument()
	doc.Accounts = append(doc.Accounts, Account{
		RefreshToken: "old-token",
		AccountID:    "acct-1",
		Email:        "user@example.com",
		Plan:         "Pro",
		AddedAt:      500,
	})

	MergeAccount(doc, Account{
		RefreshToken: "new-token",
		AccountID:    "acct-1",
		Email:        "user@example.com",
		Plan:         "Pro",
		LastUsed:     2000,
	})

	if len(doc.Accounts) != 1 {
		t.Fatalf("expected merge to update in place, got %d accounts", len(doc.Accounts))
	}
	got := doc.Accounts[0]
	if got.RefreshToken != "new-token" {
		t.Fatalf("expected refresh token to be replaced, got %q", got.RefreshToken)
	}
	if got.AddedAt != 500 {
		t.Fatalf("expected added_at to be preserved, got %d", got.AddedAt)
	}
}

func TestMergeAccountDifferentPlanAppends(t *testing.T) {
	doc := NewDocument()
	doc.Accounts = append(doc.Accounts, Account{AccountID: "acct-1", Email: "user@example.com", Plan: "Free"})

	MergeAccount(doc, Account{AccountID: "acct-1", Email: "user@example.com", Plan: "Pro"})

	if len(doc.Accounts) != 2 {
		t.Fatalf("expected a new record for a differing identity tuple, got %d accounts", len(doc.Accounts))
	}
}

