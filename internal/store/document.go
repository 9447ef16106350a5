// Package store implements the persistent, file-locked JSON account
// document: the single source of truth the in-memory account pool is a
// derived view of.
package store

// Account is the persisted credential record for one end-user subscription.
type Account struct {
	RefreshToken        string           `json:"refresh_token"`
	AccountID           string           `json:"account_id"`
	Email               string           `json:"email"`
	Plan                string           `json:"plan"`
	Enabled             bool             `json:"enabled"`
	AddedAt             int64            `json:"added_at"`
	LastUsed            int64            `json:"last_used"`
	LastSwitchReason    string           `json:"last_switch_reason,omitempty"`
	RateLimitResetTimes map[string]int64 `json:"rate_limit_reset_times,omitempty"`
	CoolingDownUntil    int64            `json:"cooling_down_until,omitempty"`
	CooldownReason      string           `json:"cooldown_reason,omitempty"`
}

// Switch reasons.
const (
	SwitchReasonInitial   = "initial"
	SwitchReasonRotation  = "rotation"
	SwitchReasonRateLimit = "rate-limit"
)

// Cooldown reasons.
const (
	CooldownReasonAuthFailure = "auth-failure"
)

// HasIdentity reports whether all three identity fields are populated.
func (a *Account) HasIdentity() bool {
	return a.AccountID != "" && a.Email != "" && a.Plan != ""
}

// SameIdentity reports whether a and other share the strict identity tuple.
func (a *Account) SameIdentity(other *Account) bool {
	return a.HasIdentity() && other.HasIdentity() &&
		a.AccountID == other.AccountID && a.Email == other.Email && a.Plan == other.Plan
}

const schemaVersion = 3

// Document is the v3 storage document. The document is the single source of
// truth; the in-memory pool is a derived view.
type Document struct {
	Version             int            `json:"version"`
	Accounts            []Account      `json:"accounts"`
	ActiveIndex         int            `json:"active_index"`
	ActiveIndexByFamily map[string]int `json:"active_index_by_family"`
}

// NewDocument returns an empty, schema-valid v3 document.
func NewDocument() *Document {
	return &Document{
		Version:             schemaVersion,
		Accounts:            []Account{},
		ActiveIndex:         0,
		ActiveIndexByFamily: map[string]int{},
	}
}

// Clamp normalizes ActiveIndex into range, per the load invariant
// 0 ≤ active_index < len(accounts) (empty pool permits 0).
func (d *Document) Clamp() {
	if len(d.Accounts) == 0 {
		d.ActiveIndex = 0
		return
	}
	if d.ActiveIndex < 0 {
		d.ActiveIndex = 0
	}
	if d.ActiveIndex >= len(d.Accounts) {
		d.ActiveIndex = len(d.Accounts) - 1
	}
	if d.ActiveIndexByFamily == nil {
		d.ActiveIndexByFamily = map[string]int{}
	}
}

// QuotaKey returns the two keys a rate-limit record should be written under:
// "family" and, when model is non-empty, "family:model". When model is
// empty, fine is "" and only the base key applies.
func QuotaKey(family, model string) (base string, fine string) {
	base = family
	if model == "" {
		return base, ""
	}
	return base, family + ":" + model
}
