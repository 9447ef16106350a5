// Package decider implements the wait-vs-switch rule the orchestrator
// consults after a 429, deciding whether it is cheaper to sleep out the
// backoff on the current account or fail over to the next one immediately.
package decider

import "github.com/poemonsense/codex-account-proxy/internal/config"

// Action is the decider's verdict.
type Action string

const (
	ActionWait   Action = "wait"
	ActionSwitch Action = "switch"
)

// Decision is the decider's output for one rate-limit event.
type Decision struct {
	Action  Action
	DelayMs int64
}

// Decide applies the configured scheduling mode to a computed backoff delay.
// accounts is the size of the pool; attempt is the tracker's attempt count
// for this key (1 on the first rate limit seen within the reset window).
func Decide(cfg config.BackoffDeciderConfig, accounts int, attempt int, delayMs int64) Decision {
	if accounts <= 1 {
		return Decision{Action: ActionWait, DelayMs: delayMs}
	}

	if cfg.SwitchOnFirstRateLimit && attempt == 1 {
		return Decision{Action: ActionSwitch, DelayMs: delayMs}
	}

	switch cfg.SchedulingMode {
	case "switch_first":
		if delayMs <= cfg.ShortRetryThresholdMs {
			return Decision{Action: ActionWait, DelayMs: delayMs}
		}
		return Decision{Action: ActionSwitch, DelayMs: delayMs}
	default: // cache_first
		if delayMs <= cfg.MaxCacheFirstWaitMs {
			return Decision{Action: ActionWait, DelayMs: delayMs}
		}
		return Decision{Action: ActionSwitch, DelayMs: delayMs}
	}
}
