package trackers

import (
	"sync"
	"time"

	"github.com/poemonsense/codex-account-proxy/internal/config"
)

// quotaRecord holds the last observed quota fraction for one account key.
type quotaRecord struct {
	fraction    float64
	lastChecked time.Time
}

// QuotaTracker tracks per-account-and-model quota levels to prioritize
// accounts with available quota. Callers feed it observations via
// UpdateQuota whenever fresh quota telemetry is harvested from a response;
// it does not read account state directly.
type QuotaTracker struct {
	mu      sync.RWMutex
	records map[string]*quotaRecord
	config  config.QuotaConfig
}

// NewQuotaTracker creates a new QuotaTracker with the given configuration.
func NewQuotaTracker(cfg config.QuotaConfig) *QuotaTracker {
	if cfg.LowThreshold == 0 {
		cfg.LowThreshold = 0.10
	}
	if cfg.CriticalThreshold == 0 {
		cfg.CriticalThreshold = 0.05
	}
	if cfg.StaleMs == 0 {
		cfg.StaleMs = 300000
	}
	if cfg.UnknownScore == 0 {
		cfg.UnknownScore = 50
	}

	return &QuotaTracker{
		records: make(map[string]*quotaRecord),
		config:  cfg,
	}
}

// quotaKey combines an account key and model ID into the tracker's internal
// storage key so quota is tracked per (account, model).
func quotaKey(key, modelID string) string {
	return key + "\x00" + modelID
}

// UpdateQuota records a freshly observed remaining-quota fraction (0-1) for
// an account key and model, at the given observation time in epoch ms.
func (t *QuotaTracker) UpdateQuota(key, modelID string, fraction float64, observedAtMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[quotaKey(key, modelID)] = &quotaRecord{
		fraction:    fraction,
		lastChecked: time.UnixMilli(observedAtMs),
	}
}

// GetQuotaFraction returns the remaining fraction (0-1) for key and modelID,
// or -1 if no observation has been recorded.
func (t *QuotaTracker) GetQuotaFraction(key, modelID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.records[quotaKey(key, modelID)]
	if !ok {
		return -1
	}
	return rec.fraction
}

// IsQuotaFresh reports whether the last observation for key/modelID is
// within the configured staleness window.
func (t *QuotaTracker) IsQuotaFresh(key, modelID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.records[quotaKey(key, modelID)]
	if !ok {
		return false
	}
	return time.Since(rec.lastChecked) < time.Duration(t.config.StaleMs)*time.Millisecond
}

// IsQuotaCritical reports whether key has critically low (and fresh) quota
// for modelID. Unknown or stale quota is never considered critical.
func (t *QuotaTracker) IsQuotaCritical(key, modelID string, thresholdOverride *float64) bool {
	fraction := t.GetQuotaFraction(key, modelID)
	if fraction < 0 {
		return false
	}
	if !t.IsQuotaFresh(key, modelID) {
		return false
	}

	threshold := t.config.CriticalThreshold
	if thresholdOverride != nil && *thresholdOverride > 0 {
		threshold = *thresholdOverride
	}

	return fraction <= threshold
}

// IsQuotaLow reports whether key has low, but not critical, quota for modelID.
func (t *QuotaTracker) IsQuotaLow(key, modelID string) bool {
	fraction := t.GetQuotaFraction(key, modelID)
	if fraction < 0 {
		return false
	}
	return fraction <= t.config.LowThreshold && fraction > t.config.CriticalThreshold
}

// GetScore returns a 0-100 score for key/modelID; higher means more quota
// available. Unknown quota gets the configured middle score so it neither
// helps nor hurts selection.
func (t *QuotaTracker) GetScore(key, modelID string) float64 {
	fraction := t.GetQuotaFraction(key, modelID)
	if fraction < 0 {
		return t.config.UnknownScore
	}

	score := fraction * 100
	if !t.IsQuotaFresh(key, modelID) {
		score *= 0.9
	}
	return score
}

// GetCriticalThreshold returns the critical threshold.
func (t *QuotaTracker) GetCriticalThreshold() float64 {
	return t.config.CriticalThreshold
}

// GetLowThreshold returns the low threshold.
func (t *QuotaTracker) GetLowThreshold() float64 {
	return t.config.LowThreshold
}

// Clear clears all tracked quota observations.
func (t *QuotaTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[string]*quotaRecord)
}
