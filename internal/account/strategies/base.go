package strategies

// BaseStrategy provides the no-op tracker callbacks shared by strategies
// that don't keep per-account feedback state (sticky, round-robin). Hybrid
// embeds its own tracker-aware callbacks instead.
type BaseStrategy struct{}

// OnSuccess is a no-op; override by embedding and shadowing.
func (BaseStrategy) OnSuccess(key string) {}

// OnRateLimit is a no-op; override by embedding and shadowing.
func (BaseStrategy) OnRateLimit(key string) {}

// OnFailure is a no-op; override by embedding and shadowing.
func (BaseStrategy) OnFailure(key string) {}
