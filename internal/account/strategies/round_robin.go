package strategies

import "sync"

// RoundRobinStrategy always advances to the next eligible account, ignoring
// stickiness, for maximum spread across the pool.
type RoundRobinStrategy struct {
	BaseStrategy
	mu     sync.Mutex
	cursor int
}

// NewRoundRobinStrategy returns a RoundRobinStrategy starting at cursor 0.
func NewRoundRobinStrategy() *RoundRobinStrategy {
	return &RoundRobinStrategy{}
}

func (s *RoundRobinStrategy) Name() string { return StrategyRoundRobin }

// SelectAccount always advances the cursor and returns the next eligible
// account, ignoring the previously-selected (current) account entirely.
func (s *RoundRobinStrategy) SelectAccount(views []AccountView, current int, nowMs int64, modelID string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(views) == 0 {
		return Result{}, ErrNoAccounts(false)
	}
	if s.cursor >= len(views) {
		s.cursor = 0
	}

	start := (s.cursor + 1) % len(views)
	for i := 0; i < len(views); i++ {
		idx := (start + i) % len(views)
		if views[idx].IsUsable(nowMs) {
			s.cursor = idx
			return Result{Index: idx, Reason: "rotation"}, nil
		}
	}

	return Result{}, ErrNoAccounts(AllUnavailable(views, nowMs))
}

// ResetCursor resets the rotation position, e.g. after the pool is reloaded.
func (s *RoundRobinStrategy) ResetCursor() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = 0
}

// SetCursor seeds the cursor, used to implement the PID offset rotation.
func (s *RoundRobinStrategy) SetCursor(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = idx
}
