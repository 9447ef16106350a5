package decider

import (
	"testing"

	"github.com/poemonsense/codex-account-proxy/internal/config"
)

func TestSingleAccountAlwaysWaits(t *testing.T) {
	cfg := config.BackoffDeciderConfig{SchedulingMode: "switch_first", ShortRetryThresholdMs: 100}
	d := Decide(cfg, 1, 5, 999999)
	if d.Action != ActionWait {
		t.Fatalf("expected wait with a single account, got %s", d.Action)
	}
}

func TestSwitchOnFirstRateLimitOverridesMode(t *testing.T) {
	cfg := config.BackoffDeciderConfig{SchedulingMode: "cache_first", MaxCacheFirstWaitMs: 60000, SwitchOnFirstRateLimit: true}
	d := Decide(cfg, 2, 1, 1000)
	if d.Action != ActionSwitch {
		t.Fatalf("expected immediate switch on first rate limit, got %s", d.Action)
	}
}

// Seeded scenario: cache_first with a 10s backoff switches only once the
// cap drops below it.
func TestCacheFirstWaitsUnderCapSwitchesOver(t *testing.T) {
	cfg := config.BackoffDeciderConfig{SchedulingMode: "cache_first", MaxCacheFirstWaitMs: 60000}
	d := Decide(cfg, 2, 2, 10000)
	if d.Action != ActionWait {
		t.Fatalf("expected wait under a 60s cap with a 10s delay, got %s", d.Action)
	}

	cfg.MaxCacheFirstWaitMs = 5000
	d = Decide(cfg, 2, 2, 10000)
	if d.Action != ActionSwitch {
		t.Fatalf("expected switch once the cap drops below the delay, got %s", d.Action)
	}
}

func TestSwitchFirstUsesShortRetryThreshold(t *testing.T) {
	cfg := config.BackoffDeciderConfig{SchedulingMode: "switch_first", ShortRetryThresholdMs: 5000}
	if d := Decide(cfg, 3, 2, 2000); d.Action != ActionWait {
		t.Fatalf("expected wait under the short retry threshold, got %s", d.Action)
	}
	if d := Decide(cfg, 3, 2, 9000); d.Action != ActionSwitch {
		t.Fatalf("expected switch above the short retry threshold, got %s", d.Action)
	}
}
