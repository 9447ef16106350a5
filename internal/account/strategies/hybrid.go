package strategies

import (
	"fmt"
	"strings"

	"github.com/poemonsense/codex-account-proxy/internal/account/strategies/trackers"
	"github.com/poemonsense/codex-account-proxy/internal/config"
	"github.com/poemonsense/codex-account-proxy/internal/logging"
)

// FallbackLevel indicates how far the candidate search had to relax its
// filters before it found a usable account.
type FallbackLevel string

const (
	FallbackNormal     FallbackLevel = "normal"
	FallbackQuota      FallbackLevel = "quota"
	FallbackEmergency  FallbackLevel = "emergency"
	FallbackLastResort FallbackLevel = "lastResort"
)

// HybridStrategy scores every usable account on health, token headroom,
// quota, and LRU freshness, and picks the highest scorer. When no account
// passes the full filter set it relaxes filters in stages (quota, then
// health, then token bucket) rather than failing outright.
//
// score = (health x Weights.Health) + (tokenRatio*100 x Weights.Tokens) +
//
//	(quotaScore x Weights.Quota) + (lruSeconds x Weights.LRU)
type HybridStrategy struct {
	BaseStrategy
	health          *trackers.HealthTracker
	tokens          *trackers.TokenBucketTracker
	quota           *trackers.QuotaTracker
	weights         config.WeightConfig
	globalThreshold *float64

	// perAccountThreshold and perModelThreshold let callers override the
	// quota-critical threshold for a specific account or (account, model)
	// pair. They are held only in memory; the store's Account has no
	// threshold fields.
	perAccountThreshold map[string]float64
	perModelThreshold   map[string]float64 // keyed by account+"\x00"+model
}

// NewHybridStrategy creates a HybridStrategy from the account selection config.
func NewHybridStrategy(cfg config.AccountSelectionConfig) *HybridStrategy {
	var healthCfg config.HealthScoreConfig
	if cfg.HealthScore != nil {
		healthCfg = *cfg.HealthScore
	}
	var tokenCfg config.TokenBucketConfig
	if cfg.TokenBucket != nil {
		tokenCfg = *cfg.TokenBucket
	}
	var quotaCfg config.QuotaConfig
	if cfg.Quota != nil {
		quotaCfg = *cfg.Quota
	}

	return &HybridStrategy{
		health:              trackers.NewHealthTracker(healthCfg),
		tokens:              trackers.NewTokenBucketTracker(tokenCfg),
		quota:               trackers.NewQuotaTracker(quotaCfg),
		weights:             cfg.Weights,
		perAccountThreshold: make(map[string]float64),
		perModelThreshold:   make(map[string]float64),
	}
}

func (s *HybridStrategy) Name() string { return StrategyHybrid }

// SetGlobalThreshold overrides the quota-critical threshold for every
// account that doesn't have its own per-account or per-model override.
func (s *HybridStrategy) SetGlobalThreshold(threshold *float64) {
	s.globalThreshold = threshold
}

// SetAccountThreshold overrides the quota-critical threshold for one account key.
func (s *HybridStrategy) SetAccountThreshold(key string, threshold float64) {
	s.perAccountThreshold[key] = threshold
}

// SetModelThreshold overrides the quota-critical threshold for one
// (account key, model) pair, taking priority over account and global thresholds.
func (s *HybridStrategy) SetModelThreshold(key, modelID string, threshold float64) {
	s.perModelThreshold[key+"\x00"+modelID] = threshold
}

// UpdateQuota records a freshly observed remaining-quota fraction for an
// account key and model. Callers feed this from response telemetry.
func (s *HybridStrategy) UpdateQuota(key, modelID string, fraction float64, observedAtMs int64) {
	s.quota.UpdateQuota(key, modelID, fraction, observedAtMs)
}

// GetHealthTracker returns the health tracker, for status/debugging surfaces.
func (s *HybridStrategy) GetHealthTracker() *trackers.HealthTracker { return s.health }

// GetTokenBucketTracker returns the token bucket tracker.
func (s *HybridStrategy) GetTokenBucketTracker() *trackers.TokenBucketTracker { return s.tokens }

// GetQuotaTracker returns the quota tracker.
func (s *HybridStrategy) GetQuotaTracker() *trackers.QuotaTracker { return s.quota }

func (s *HybridStrategy) OnSuccess(key string) {
	s.health.RecordSuccess(key)
}

func (s *HybridStrategy) OnRateLimit(key string) {
	s.health.RecordRateLimit(key)
}

func (s *HybridStrategy) OnFailure(key string) {
	s.health.RecordFailure(key)
	s.tokens.Refund(key)
}

// SelectAccount scores every candidate and returns the best one. modelID
// drives the quota component of the score and the quota-critical filter.
func (s *HybridStrategy) SelectAccount(views []AccountView, current int, nowMs int64, modelID string) (Result, error) {
	if len(views) == 0 {
		return Result{}, ErrNoAccounts(false)
	}

	candidates, level := s.getCandidates(views, nowMs, modelID)
	if len(candidates) == 0 {
		reason, _ := s.diagnoseNoCandidates(views, nowMs, modelID)
		logging.Warn("hybrid: no candidates available: %s", reason)
		return Result{}, ErrNoAccounts(AllUnavailable(views, nowMs))
	}

	type scored struct {
		view  AccountView
		score float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, v := range candidates {
		ranked = append(ranked, scored{view: v, score: s.calculateScore(v, modelID, nowMs)})
	}

	for i := 0; i < len(ranked)-1; i++ {
		for j := i + 1; j < len(ranked); j++ {
			if ranked[j].score > ranked[i].score {
				ranked[i], ranked[j] = ranked[j], ranked[i]
			}
		}
	}

	best := ranked[0]
	if level != FallbackLastResort {
		s.tokens.Consume(best.view.Key)
	}

	reason := string(level)
	if level == FallbackNormal {
		reason = ""
	}
	logging.Info("hybrid: selected account %d/%d (score %.1f, fallback=%s)",
		best.view.Index+1, len(views), best.score, level)

	return Result{Index: best.view.Index, Reason: reason}, nil
}

// getCandidates runs the four-tier fallback cascade: normal (all filters),
// then bypass quota, then bypass health, then bypass everything but
// enabled/not-rate-limited.
func (s *HybridStrategy) getCandidates(views []AccountView, nowMs int64, modelID string) ([]AccountView, FallbackLevel) {
	normal := make([]AccountView, 0, len(views))
	for _, v := range views {
		if !v.IsUsable(nowMs) {
			continue
		}
		if !s.health.IsUsable(v.Key) {
			continue
		}
		if !s.tokens.HasTokens(v.Key) {
			continue
		}
		threshold := s.getEffectiveThreshold(v.Key, modelID)
		if s.quota.IsQuotaCritical(v.Key, modelID, threshold) {
			continue
		}
		normal = append(normal, v)
	}
	if len(normal) > 0 {
		return normal, FallbackNormal
	}

	bypassQuota := make([]AccountView, 0, len(views))
	for _, v := range views {
		if !v.IsUsable(nowMs) || !s.health.IsUsable(v.Key) || !s.tokens.HasTokens(v.Key) {
			continue
		}
		bypassQuota = append(bypassQuota, v)
	}
	if len(bypassQuota) > 0 {
		logging.Warn("hybrid: all accounts have critical quota, bypassing quota filter")
		return bypassQuota, FallbackQuota
	}

	bypassHealth := make([]AccountView, 0, len(views))
	for _, v := range views {
		if !v.IsUsable(nowMs) || !s.tokens.HasTokens(v.Key) {
			continue
		}
		bypassHealth = append(bypassHealth, v)
	}
	if len(bypassHealth) > 0 {
		logging.Warn("hybrid: all accounts unhealthy, using least bad account")
		return bypassHealth, FallbackEmergency
	}

	lastResort := make([]AccountView, 0, len(views))
	for _, v := range views {
		if !v.IsUsable(nowMs) {
			continue
		}
		lastResort = append(lastResort, v)
	}
	if len(lastResort) > 0 {
		logging.Warn("hybrid: all accounts exhausted, using any usable account")
		return lastResort, FallbackLastResort
	}

	return nil, FallbackNormal
}

// getEffectiveThreshold resolves per-model, then per-account, then global
// quota-critical overrides, in that priority order.
func (s *HybridStrategy) getEffectiveThreshold(key, modelID string) *float64 {
	if t, ok := s.perModelThreshold[key+"\x00"+modelID]; ok {
		return &t
	}
	if t, ok := s.perAccountThreshold[key]; ok {
		return &t
	}
	return s.globalThreshold
}

func (s *HybridStrategy) calculateScore(v AccountView, modelID string, nowMs int64) float64 {
	health := s.health.GetScore(v.Key)
	healthComponent := health * s.weights.Health

	tokenRatio := s.tokens.GetTokens(v.Key) / s.tokens.GetMaxTokens()
	tokenComponent := (tokenRatio * 100) * s.weights.Tokens

	quotaScore := s.quota.GetScore(v.Key, modelID)
	quotaComponent := quotaScore * s.weights.Quota

	timeSinceLastUse := nowMs - v.LastUsed
	if timeSinceLastUse > 3600000 {
		timeSinceLastUse = 3600000
	}
	if timeSinceLastUse < 0 {
		timeSinceLastUse = 0
	}
	lruComponent := (float64(timeSinceLastUse) / 1000) * s.weights.LRU

	return healthComponent + tokenComponent + quotaComponent + lruComponent
}

// diagnoseNoCandidates builds a human-readable reason for an empty
// candidate set, and when the pool is blocked purely on token exhaustion,
// the minimum wait until any account regains a token.
func (s *HybridStrategy) diagnoseNoCandidates(views []AccountView, nowMs int64, modelID string) (string, int64) {
	var unusable, unhealthy, noTokens, criticalQuota int
	exhausted := make([]string, 0)

	for _, v := range views {
		switch {
		case !v.IsUsable(nowMs):
			unusable++
		case !s.health.IsUsable(v.Key):
			unhealthy++
		case !s.tokens.HasTokens(v.Key):
			noTokens++
			exhausted = append(exhausted, v.Key)
		default:
			threshold := s.getEffectiveThreshold(v.Key, modelID)
			if s.quota.IsQuotaCritical(v.Key, modelID, threshold) {
				criticalQuota++
			}
		}
	}

	if noTokens > 0 && unusable == 0 && unhealthy == 0 {
		waitMs := s.tokens.GetMinTimeUntilToken(exhausted)
		return fmt.Sprintf("all %d account(s) exhausted token bucket, waiting for refill", noTokens), waitMs
	}

	parts := make([]string, 0, 4)
	if unusable > 0 {
		parts = append(parts, fmt.Sprintf("%d unusable/disabled", unusable))
	}
	if unhealthy > 0 {
		parts = append(parts, fmt.Sprintf("%d unhealthy", unhealthy))
	}
	if noTokens > 0 {
		parts = append(parts, fmt.Sprintf("%d no tokens", noTokens))
	}
	if criticalQuota > 0 {
		parts = append(parts, fmt.Sprintf("%d critical quota", criticalQuota))
	}

	if len(parts) == 0 {
		return "unknown", 0
	}
	return strings.Join(parts, ", "), 0
}
