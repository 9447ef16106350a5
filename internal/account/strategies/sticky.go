package strategies

// StickyStrategy keeps using the same account until it becomes unavailable.
// Best for prompt caching, since it maintains cache continuity across
// requests instead of spreading them across the pool.
type StickyStrategy struct {
	BaseStrategy
	maxWaitMs int64
}

// NewStickyStrategy returns a StickyStrategy that keeps the current account
// when no other is usable and its own wait is at most maxWaitMs.
func NewStickyStrategy(maxWaitMs int64) *StickyStrategy {
	return &StickyStrategy{maxWaitMs: maxWaitMs}
}

func (s *StickyStrategy) Name() string { return StrategySticky }

// SelectAccount prefers the current account for cache continuity; only
// switches when the current one is not usable, in which case it advances
// across the pool to the first usable account. If none is usable, it waits
// for the current account as long as its own wait is within maxWaitMs;
// otherwise it returns a no-accounts error and picks no account.
func (s *StickyStrategy) SelectAccount(views []AccountView, current int, nowMs int64, modelID string) (Result, error) {
	if len(views) == 0 {
		return Result{}, ErrNoAccounts(false)
	}

	if current >= 0 && current < len(views) && views[current].IsUsable(nowMs) {
		return Result{Index: current, Reason: ""}, nil
	}

	if next, ok := pickNext(views, current, nowMs); ok {
		reason := "initial"
		if current >= 0 {
			reason = "rotation"
		}
		return Result{Index: next, Reason: reason}, nil
	}

	if current >= 0 && current < len(views) {
		wait := waitFor(views[current], nowMs)
		if wait > 0 && wait <= s.maxWaitMs {
			return Result{Index: current, Reason: ""}, nil
		}
	}

	return Result{}, ErrNoAccounts(AllUnavailable(views, nowMs))
}

// pickNext scans starting just after current, wrapping around the pool.
func pickNext(views []AccountView, current int, nowMs int64) (int, bool) {
	n := len(views)
	start := current
	if start < 0 {
		start = n - 1
	}
	for i := 1; i <= n; i++ {
		idx := (start + i) % n
		if views[idx].IsUsable(nowMs) {
			return idx, true
		}
	}
	return 0, false
}

func waitFor(v AccountView, nowMs int64) int64 {
	wait := v.RateLimitedUntil - nowMs
	if cd := v.CoolingDownUntil - nowMs; cd > wait {
		wait = cd
	}
	if wait < 0 {
		return 0
	}
	return wait
}
