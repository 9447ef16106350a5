package store

import "time"

// nowMs returns the current time in epoch milliseconds.
func nowMs() int64 { return time.Now().UnixMilli() }

// MergeAccount applies the identity-based merge rule: the strict identity
// tuple (account_id, email, plan) decides whether incoming is the same
// account as an existing record. Refresh-token equality is a secondary
// match used only when identity is partially unknown on either side. A
// match updates in place, preserving added_at and advancing last_used; no
// match appends a new record.
func MergeAccount(doc *Document, incoming Account) {
	for i := range doc.Accounts {
		existing := &doc.Accounts[i]
		if existing.SameIdentity(&incoming) || sameByRefreshToken(existing, &incoming) {
			addedAt := existing.AddedAt
			incoming.AddedAt = addedAt
			if incoming.LastUsed == 0 {
				incoming.LastUsed = nowMs()
			}
			doc.Accounts[i] = incoming
			return
		}
	}

	if incoming.AddedAt == 0 {
		incoming.AddedAt = nowMs()
	}
	if incoming.LastSwitchReason == "" {
		incoming.LastSwitchReason = SwitchReasonInitial
	}
	if incoming.RateLimitResetTimes == nil {
		incoming.RateLimitResetTimes = map[string]int64{}
	}
	doc.Accounts = append(doc.Accounts, incoming)
}

// sameByRefreshToken matches two records by refresh token only when at
// least one side lacks a full identity tuple; once both sides have full
// identities, the identity tuple alone governs equality.
func sameByRefreshToken(a, b *Account) bool {
	if a.RefreshToken == "" || b.RefreshToken == "" {
		return false
	}
	if a.HasIdentity() && b.HasIdentity() {
		return false
	}
	return a.RefreshToken == b.RefreshToken
}

// PruneExpiredResetTimes removes quota-key entries whose reset time has
// already passed, so accessors never report a stale rate-limit window.
func PruneExpiredResetTimes(a *Account, now int64) {
	if a.RateLimitResetTimes == nil {
		return
	}
	for key, resetAt := range a.RateLimitResetTimes {
		if resetAt <= now {
			delete(a.RateLimitResetTimes, key)
		}
	}
}

// PruneCooldown clears an expired cooldown.
func PruneCooldown(a *Account, now int64) {
	if a.CoolingDownUntil != 0 && a.CoolingDownUntil <= now {
		a.CoolingDownUntil = 0
		a.CooldownReason = ""
	}
}
