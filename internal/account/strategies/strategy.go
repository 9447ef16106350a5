// Package strategies implements the three account selection strategies
// (sticky, round-robin, hybrid) the pool chooses between. Strategies never
// touch the persisted store directly: they operate on an AccountView
// snapshot the pool builds per selection call and return an index back into
// that snapshot.
package strategies

import "github.com/poemonsense/codex-account-proxy/internal/apperrors"

// Strategy names.
const (
	StrategySticky     = "sticky"
	StrategyRoundRobin = "round-robin"
	StrategyHybrid     = "hybrid"
)

// Labels for display in the admin/status surface.
var Labels = map[string]string{
	StrategySticky:     "Sticky (Cache-Optimized)",
	StrategyRoundRobin: "Round-Robin (Load-Balanced)",
	StrategyHybrid:     "Hybrid (Smart Distribution)",
}

// AccountView is the read-only snapshot a strategy scores and filters. The
// pool resolves RateLimitedUntil/CoolingDownUntil for the specific
// (family, model) quota key being requested before calling the strategy.
type AccountView struct {
	Index            int
	Enabled          bool
	RateLimitedUntil int64 // epoch ms, 0 if not limited for this quota key
	CoolingDownUntil int64 // epoch ms, 0 if not cooling down
	LastUsed         int64 // epoch ms
	Key              string
}

// IsUsable reports whether the account is enabled and not presently
// rate-limited or cooling down, as of now.
func (v AccountView) IsUsable(nowMs int64) bool {
	if !v.Enabled {
		return false
	}
	if v.RateLimitedUntil > nowMs {
		return false
	}
	if v.CoolingDownUntil > nowMs {
		return false
	}
	return true
}

// Result is what a strategy returns for one selection call.
type Result struct {
	Index  int
	Reason string // sticky/round-robin: a store.SwitchReason* value or ""; hybrid: its fallback level when it relaxed filters, else ""
}

// Strategy is implemented by sticky, round-robin, and hybrid.
type Strategy interface {
	Name() string
	// SelectAccount picks one usable index out of views. current is the
	// previously-selected index for this family, or -1 if none yet. modelID
	// is the model being requested; sticky and round-robin ignore it, hybrid
	// uses it to read per-model quota scores.
	SelectAccount(views []AccountView, current int, nowMs int64, modelID string) (Result, error)
	OnSuccess(key string)
	OnRateLimit(key string)
	OnFailure(key string)
}

// UsableIndices returns, in order, the indices of every usable view.
func UsableIndices(views []AccountView, nowMs int64) []int {
	out := make([]int, 0, len(views))
	for _, v := range views {
		if v.IsUsable(nowMs) {
			out = append(out, v.Index)
		}
	}
	return out
}

// ErrNoAccounts builds the NoAccounts error for an empty candidate set.
func ErrNoAccounts(allRateLimited bool) error {
	return apperrors.NoAccounts("no usable account in pool", allRateLimited)
}

// AllUnavailable reports whether every enabled account is either cooling
// down or rate-limited (as opposed to simply disabled), which decides
// whether the exhaustion error is reported as "all rate limited".
func AllUnavailable(views []AccountView, nowMs int64) bool {
	any := false
	for _, v := range views {
		if !v.Enabled {
			continue
		}
		any = true
		if v.RateLimitedUntil <= nowMs && v.CoolingDownUntil <= nowMs {
			return false
		}
	}
	return any
}

// IsValidName reports whether name is one of the three known strategies.
func IsValidName(name string) bool {
	switch name {
	case StrategySticky, StrategyRoundRobin, StrategyHybrid:
		return true
	default:
		return false
	}
}

// Label returns the display label for a strategy name.
func Label(name string) string {
	if l, ok := Labels[name]; ok {
		return l
	}
	return Labels[StrategySticky]
}
