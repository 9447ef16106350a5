package strategies

import (
	"testing"
	"time"

	"github.com/poemonsense/codex-account-proxy/internal/config"
)

func testHybridConfig() config.AccountSelectionConfig {
	return config.AccountSelectionConfig{
		Strategy: StrategyHybrid,
		HealthScore: &config.HealthScoreConfig{
			Initial: 70, SuccessReward: 1, RateLimitPenalty: -10,
			FailurePenalty: -20, RecoveryPerHour: 10, MinUsable: 50, MaxScore: 100,
		},
		TokenBucket: &config.TokenBucketConfig{MaxTokens: 50, TokensPerMinute: 6, InitialTokens: 50},
		Quota:       &config.QuotaConfig{LowThreshold: 0.10, CriticalThreshold: 0.05, StaleMs: 300000, UnknownScore: 50},
		Weights:     config.WeightConfig{Health: 2.0, Tokens: 5.0, Quota: 3.0, LRU: 0.1},
	}
}

func views(n int, nowMs int64) []AccountView {
	out := make([]AccountView, n)
	for i := 0; i < n; i++ {
		out[i] = AccountView{Index: i, Enabled: true, LastUsed: nowMs, Key: "acct" + string(rune('0'+i))}
	}
	return out
}

func TestHybridPicksHighestScoringUsableAccount(t *testing.T) {
	s := NewHybridStrategy(testHybridConfig())
	vs := views(2, 1000)

	s.health.RecordFailure(vs[0].Key)
	s.health.RecordFailure(vs[0].Key)

	result, err := s.SelectAccount(vs, -1, 1000, "gpt-5.1")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if result.Index != 1 {
		t.Fatalf("expected healthier account 1 to win, got %d", result.Index)
	}
}

func TestHybridFallsBackWhenQuotaCriticalEverywhere(t *testing.T) {
	s := NewHybridStrategy(testHybridConfig())
	now := time.Now().UnixMilli()
	vs := views(2, now)

	s.UpdateQuota(vs[0].Key, "gpt-5.1", 0.01, now)
	s.UpdateQuota(vs[1].Key, "gpt-5.1", 0.01, now)

	result, err := s.SelectAccount(vs, -1, now, "gpt-5.1")
	if err != nil {
		t.Fatalf("expected fallback selection, got error: %v", err)
	}
	if result.Reason != string(FallbackQuota) {
		t.Fatalf("expected quota fallback reason, got %q", result.Reason)
	}
}

func TestHybridLastResortWhenTokensExhausted(t *testing.T) {
	s := NewHybridStrategy(testHybridConfig())
	vs := views(1, 1000)

	for i := 0; i < 50; i++ {
		s.tokens.Consume(vs[0].Key)
	}

	result, err := s.SelectAccount(vs, -1, 1000, "gpt-5.1")
	if err != nil {
		t.Fatalf("expected last-resort selection, got error: %v", err)
	}
	if result.Reason != string(FallbackLastResort) {
		t.Fatalf("expected last resort fallback, got %q", result.Reason)
	}
}

func TestHybridNoCandidatesWhenAllDisabled(t *testing.T) {
	s := NewHybridStrategy(testHybridConfig())
	vs := views(2, 1000)
	vs[0].Enabled = false
	vs[1].Enabled = false

	_, err := s.SelectAccount(vs, -1, 1000, "gpt-5.1")
	if err == nil {
		t.Fatal("expected error when no accounts are usable")
	}
}
