// Package trackers implements the hybrid strategy's process-local health
// score and token bucket trackers, both keyed by a stable account key.
package trackers

import (
	"sync"
	"time"

	"github.com/poemonsense/codex-account-proxy/internal/config"
)

// HealthRecord stores health state for an account key.
type HealthRecord struct {
	Score               float64
	LastUpdated         time.Time
	ConsecutiveFailures int
}

// HealthTracker tracks per-account health scores to prioritize healthy accounts.
// Scores increase on success and decrease on failures/rate limits.
// Passive recovery over time helps accounts recover from temporary issues.
type HealthTracker struct {
	mu     sync.RWMutex
	scores map[string]*HealthRecord
	config config.HealthScoreConfig
}

// NewHealthTracker creates a new HealthTracker with the given configuration.
func NewHealthTracker(cfg config.HealthScoreConfig) *HealthTracker {
	if cfg.Initial == 0 {
		cfg.Initial = 70
	}
	if cfg.SuccessReward == 0 {
		cfg.SuccessReward = 1
	}
	if cfg.RateLimitPenalty == 0 {
		cfg.RateLimitPenalty = -10
	}
	if cfg.FailurePenalty == 0 {
		cfg.FailurePenalty = -20
	}
	if cfg.RecoveryPerHour == 0 {
		cfg.RecoveryPerHour = 10
	}
	if cfg.MinUsable == 0 {
		cfg.MinUsable = 50
	}
	if cfg.MaxScore == 0 {
		cfg.MaxScore = 100
	}

	return &HealthTracker{
		scores: make(map[string]*HealthRecord),
		config: cfg,
	}
}

// GetScore returns the health score for key, with passive recovery applied.
func (t *HealthTracker) GetScore(key string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.getScoreUnlocked(key)
}

// GetHealthScore is an alias for GetScore (for interface compatibility).
func (t *HealthTracker) GetHealthScore(key string) float64 {
	return t.GetScore(key)
}

// RecordSuccess records a successful request for key.
func (t *HealthTracker) RecordSuccess(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	newScore := t.getScoreUnlocked(key) + t.config.SuccessReward
	if newScore > t.config.MaxScore {
		newScore = t.config.MaxScore
	}

	t.scores[key] = &HealthRecord{
		Score:               newScore,
		LastUpdated:         time.Now(),
		ConsecutiveFailures: 0,
	}
}

// RecordRateLimit records a rate limit for key.
func (t *HealthTracker) RecordRateLimit(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	record := t.scores[key]
	newScore := t.getScoreUnlocked(key) + t.config.RateLimitPenalty
	if newScore < 0 {
		newScore = 0
	}

	consecutiveFailures := 0
	if record != nil {
		consecutiveFailures = record.ConsecutiveFailures
	}

	t.scores[key] = &HealthRecord{
		Score:               newScore,
		LastUpdated:         time.Now(),
		ConsecutiveFailures: consecutiveFailures + 1,
	}
}

// RecordFailure records a failure for key.
func (t *HealthTracker) RecordFailure(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	record := t.scores[key]
	newScore := t.getScoreUnlocked(key) + t.config.FailurePenalty
	if newScore < 0 {
		newScore = 0
	}

	consecutiveFailures := 0
	if record != nil {
		consecutiveFailures = record.ConsecutiveFailures
	}

	t.scores[key] = &HealthRecord{
		Score:               newScore,
		LastUpdated:         time.Now(),
		ConsecutiveFailures: consecutiveFailures + 1,
	}
}

// IsUsable reports whether key's health score meets the minimum threshold.
func (t *HealthTracker) IsUsable(key string) bool {
	return t.GetScore(key) >= t.config.MinUsable
}

// GetMinUsable returns the minimum usable score threshold.
func (t *HealthTracker) GetMinUsable() float64 {
	return t.config.MinUsable
}

// GetMaxScore returns the maximum score cap.
func (t *HealthTracker) GetMaxScore() float64 {
	return t.config.MaxScore
}

// Reset resets the score for key back to its initial value.
func (t *HealthTracker) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.scores[key] = &HealthRecord{
		Score:               t.config.Initial,
		LastUpdated:         time.Now(),
		ConsecutiveFailures: 0,
	}
}

// GetConsecutiveFailures returns the consecutive failure count for key.
func (t *HealthTracker) GetConsecutiveFailures(key string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if record, ok := t.scores[key]; ok {
		return record.ConsecutiveFailures
	}
	return 0
}

// Clear clears all tracked scores.
func (t *HealthTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scores = make(map[string]*HealthRecord)
}

// getScoreUnlocked returns the score without taking the lock. Caller must hold it.
func (t *HealthTracker) getScoreUnlocked(key string) float64 {
	record, ok := t.scores[key]
	if !ok {
		return t.config.Initial
	}

	hoursElapsed := time.Since(record.LastUpdated).Hours()
	recoveredScore := record.Score + hoursElapsed*t.config.RecoveryPerHour

	if recoveredScore > t.config.MaxScore {
		return t.config.MaxScore
	}
	return recoveredScore
}

// GetAllRecords returns all health records (for debugging/status), with
// recovery applied to each score.
func (t *HealthTracker) GetAllRecords() map[string]*HealthRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]*HealthRecord, len(t.scores))
	for key, record := range t.scores {
		result[key] = &HealthRecord{
			Score:               t.getScoreUnlocked(key),
			LastUpdated:         record.LastUpdated,
			ConsecutiveFailures: record.ConsecutiveFailures,
		}
	}
	return result
}
