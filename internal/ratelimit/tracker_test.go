package ratelimit

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		DedupWindowMs:  2000,
		ResetMs:        120000,
		DefaultRetryMs: 60000,
		MaxBackoffMs:   120000,
		JitterMaxMs:    0,
	}
}

func TestGetBackoffDeduplicatesWithinWindow(t *testing.T) {
	tr := New(testConfig())
	var now int64
	tr.now = fakeClock(&now)

	first := tr.GetBackoff("acct:codex", ReasonRateLimitExceeded, 10000)
	if first.IsDuplicate {
		t.Fatalf("first call should not be duplicate")
	}
	if first.DelayMs != 10000 {
		t.Fatalf("expected delay 10000, got %d", first.DelayMs)
	}

	now += 1500 // still within 2000ms dedup window
	second := tr.GetBackoff("acct:codex", ReasonRateLimitExceeded, 10000)
	if !second.IsDuplicate {
		t.Fatalf("second call within dedup window should be duplicate")
	}
	if second.DelayMs != first.DelayMs {
		t.Fatalf("duplicate call delay mismatch: %d != %d", second.DelayMs, first.DelayMs)
	}
}

func TestGetBackoffResetsAfterInactivity(t *testing.T) {
	tr := New(testConfig())
	var now int64
	tr.now = fakeClock(&now)

	first := tr.GetBackoff("acct:codex", ReasonRateLimitExceeded, 0)
	if first.Attempt != 1 || first.DelayMs != 60000 {
		t.Fatalf("unexpected first result: %+v", first)
	}

	now = 121000 // past ResetMs (120000) since lastAt=0
	second := tr.GetBackoff("acct:codex", ReasonRateLimitExceeded, 0)
	if second.Attempt != 1 {
		t.Fatalf("expected attempt to reset to 1, got %d", second.Attempt)
	}
	if second.IsDuplicate {
		t.Fatalf("reset call should not be duplicate")
	}
}

func TestGetBackoffGrowsExponentiallyWithinResetWindow(t *testing.T) {
	tr := New(testConfig())
	var now int64
	tr.now = fakeClock(&now)

	tr.GetBackoff("acct:codex", ReasonRateLimitExceeded, 1000)
	now = 5000 // past dedup window, within reset window
	second := tr.GetBackoff("acct:codex", ReasonRateLimitExceeded, 1000)
	if second.Attempt != 2 {
		t.Fatalf("expected attempt 2, got %d", second.Attempt)
	}
	if second.DelayMs != 2000 {
		t.Fatalf("expected delay to double to 2000, got %d", second.DelayMs)
	}
}

func fakeClock(now *int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(*now) }
}
