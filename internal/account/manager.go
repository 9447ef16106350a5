// Package account holds the in-memory account pool: a ManagedAccount view
// over the persisted store, the per-family selection cursor, and the OAuth
// token cache. This file corresponds to the teacher's account manager.
package account

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/poemonsense/codex-account-proxy/internal/account/strategies"
	"github.com/poemonsense/codex-account-proxy/internal/apperrors"
	"github.com/poemonsense/codex-account-proxy/internal/config"
	"github.com/poemonsense/codex-account-proxy/internal/logging"
	"github.com/poemonsense/codex-account-proxy/internal/store"
	"github.com/poemonsense/codex-account-proxy/internal/token"
)

// ManagedAccount is the in-memory view of one persisted account, plus the
// derived key the strategies and trackers use to address it.
type ManagedAccount struct {
	store.Account
	Key string
}

// SelectionResult is returned from Manager.SelectAccount.
type SelectionResult struct {
	Account *ManagedAccount
	Index   int
	WaitMs  int64
}

// Manager owns the account pool: the authoritative copy is the persisted
// document, this is the hydrated view the orchestrator selects against.
type Manager struct {
	mu sync.RWMutex

	st       *store.Store
	cfg      *config.Config
	accounts []*ManagedAccount

	strategyName string
	strategy     strategies.Strategy

	currentIndexByFamily map[string]int
	pidOffsetApplied     map[string]bool
	pid                  int

	tokens *TokenCache

	initialized bool
}

// NewManager creates an account pool manager backed by st. tokenClient is
// used to refresh OAuth credentials on demand.
func NewManager(st *store.Store, cfg *config.Config, tokenClient *token.Client, pid int) *Manager {
	return &Manager{
		st:                   st,
		cfg:                  cfg,
		currentIndexByFamily: make(map[string]int),
		pidOffsetApplied:     make(map[string]bool),
		tokens:               NewTokenCache(tokenClient, cfg.Token.SkewMs),
		pid:                  pid,
	}
}

// Initialize loads accounts from disk and builds the configured strategy.
// strategyOverride, when non-empty, takes priority over the config value.
func (m *Manager) Initialize(strategyOverride string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}

	doc, err := m.st.Load()
	if err != nil {
		return err
	}

	m.accounts = make([]*ManagedAccount, 0, len(doc.Accounts))
	for i := range doc.Accounts {
		m.accounts = append(m.accounts, &ManagedAccount{
			Account: doc.Accounts[i],
			Key:     accountKey(&doc.Accounts[i], i),
		})
	}

	selCfg := m.cfg.AccountSelection
	m.strategyName = selCfg.Strategy
	if strategyOverride != "" {
		m.strategyName = strategyOverride
	}
	if !strategies.IsValidName(m.strategyName) {
		m.strategyName = strategies.StrategySticky
	}

	switch m.strategyName {
	case strategies.StrategyRoundRobin:
		m.strategy = strategies.NewRoundRobinStrategy()
	case strategies.StrategyHybrid:
		m.strategy = strategies.NewHybridStrategy(selCfg)
	default:
		m.strategy = strategies.NewStickyStrategy(m.cfg.MaxWaitBeforeErrorMs)
	}

	logging.Info("account pool: using %s strategy (%d accounts)", strategies.Label(m.strategyName), len(m.accounts))

	m.initialized = true
	return nil
}

// accountKey derives the stable key spec.md mandates: account_id|email|plan
// when the identity is known, else a hash of the refresh token, else a
// positional fallback. It never changes across reloads unless identity
// fields themselves change.
func accountKey(a *store.Account, index int) string {
	if a.HasIdentity() {
		return a.AccountID + "|" + a.Email + "|" + a.Plan
	}
	if a.RefreshToken != "" {
		sum := sha256.Sum256([]byte(a.RefreshToken))
		return hex.EncodeToString(sum[:])
	}
	return "idx:" + strconv.Itoa(index)
}

// Reload re-reads the store from disk and rebuilds the selection strategy,
// so hybrid health/token/quota tracker state starts over; the per-family
// current index and PID-offset state are kept.
func (m *Manager) Reload() error {
	m.mu.Lock()
	m.initialized = false
	m.mu.Unlock()
	return m.Initialize(m.strategyName)
}

// Count returns the number of accounts in the pool.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.accounts)
}

// All returns a snapshot copy of every managed account.
func (m *Manager) All() []ManagedAccount {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ManagedAccount, len(m.accounts))
	for i, a := range m.accounts {
		out[i] = *a
		out[i].RateLimitResetTimes = cloneInt64Map(a.RateLimitResetTimes)
	}
	return out
}

func cloneInt64Map(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// nowMs is overridable in tests for deterministic wall-clock behavior.
var nowMs = func() int64 { return time.Now().UnixMilli() }

// SelectAccount picks an account for family/model using the configured
// strategy, applying the one-shot PID offset on the first call per family.
func (m *Manager) SelectAccount(family, model string) (SelectionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return SelectionResult{}, apperrors.NoAccounts("account pool not initialized", false)
	}
	if len(m.accounts) == 0 {
		return SelectionResult{}, apperrors.NoAccounts("no accounts configured", false)
	}

	m.applyPIDOffsetLocked(family)

	now := nowMs()
	views := m.buildViewsLocked(family, model, now)
	current, ok := m.currentIndexByFamily[family]
	if !ok {
		current = -1
	}

	result, err := m.strategy.SelectAccount(views, current, now, model)
	if err != nil {
		return SelectionResult{}, err
	}

	m.currentIndexByFamily[family] = result.Index
	chosen := m.accounts[result.Index]
	chosen.LastUsed = now
	if result.Reason != "" {
		chosen.LastSwitchReason = result.Reason
	}

	return SelectionResult{Account: chosen, Index: result.Index}, nil
}

// applyPIDOffsetLocked rotates the strategy's starting position by pid mod
// pool size, once per family per process. Caller must hold m.mu.
func (m *Manager) applyPIDOffsetLocked(family string) {
	if !m.cfg.AccountSelection.PIDOffsetEnabled || len(m.accounts) <= 1 {
		return
	}
	if m.pidOffsetApplied[family] {
		return
	}
	m.pidOffsetApplied[family] = true

	n := len(m.accounts)
	offset := ((m.pid % n) + n) % n

	switch s := m.strategy.(type) {
	case *strategies.RoundRobinStrategy:
		// SetCursor seeds the position one before the target so the first
		// SelectAccount call (which always advances) lands on offset.
		s.SetCursor((offset - 1 + n) % n)
	default:
		m.currentIndexByFamily[family] = offset
	}
}

// buildViewsLocked snapshots every account into a strategies.AccountView,
// resolving rate-limit state for the specific (family, model) quota key.
// Caller must hold m.mu.
func (m *Manager) buildViewsLocked(family, model string, now int64) []strategies.AccountView {
	base, fine := store.QuotaKey(family, model)
	views := make([]strategies.AccountView, len(m.accounts))
	for i, a := range m.accounts {
		views[i] = strategies.AccountView{
			Index:            i,
			Enabled:          a.Enabled,
			RateLimitedUntil: maxResetTime(a.RateLimitResetTimes, base, fine),
			CoolingDownUntil: a.CoolingDownUntil,
			LastUsed:         a.LastUsed,
			Key:              a.Key,
		}
	}
	return views
}

func maxResetTime(resets map[string]int64, keys ...string) int64 {
	var max int64
	for _, k := range keys {
		if k == "" {
			continue
		}
		if v := resets[k]; v > max {
			max = v
		}
	}
	return max
}

// MarkRateLimited records a rate limit under both the base and fine-grained
// quota keys for family/model, and notifies the strategy.
func (m *Manager) MarkRateLimited(index int, retryAfterMs int64, family, model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.accounts) {
		return apperrors.NoAccounts("account index out of range", false)
	}

	a := m.accounts[index]
	resetAt := nowMs() + retryAfterMs
	base, fine := store.QuotaKey(family, model)
	if a.RateLimitResetTimes == nil {
		a.RateLimitResetTimes = make(map[string]int64)
	}
	a.RateLimitResetTimes[base] = resetAt
	if fine != "" {
		a.RateLimitResetTimes[fine] = resetAt
	}

	m.strategy.OnRateLimit(a.Key)
	return m.saveLocked()
}

// MarkCoolingDown sets a cooldown window on an account, e.g. after an auth failure.
func (m *Manager) MarkCoolingDown(index int, durationMs int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.accounts) {
		return apperrors.NoAccounts("account index out of range", false)
	}

	a := m.accounts[index]
	a.CoolingDownUntil = nowMs() + durationMs
	a.CooldownReason = reason
	return m.saveLocked()
}

// IsAllRateLimited reports whether every enabled account is currently
// rate-limited or cooling down for family/model.
func (m *Manager) IsAllRateLimited(family, model string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := nowMs()
	views := m.buildViewsLocked(family, model, now)
	return strategies.AllUnavailable(views, now)
}

// GetMinWaitTimeMs returns 0 if any account is eligible for family/model,
// otherwise the minimum time until the soonest account becomes eligible.
func (m *Manager) GetMinWaitTimeMs(family, model string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := nowMs()
	views := m.buildViewsLocked(family, model, now)

	var min int64 = -1
	for _, v := range views {
		if !v.Enabled {
			continue
		}
		if v.IsUsable(now) {
			return 0
		}
		wait := v.RateLimitedUntil - now
		if cd := v.CoolingDownUntil - now; cd > wait {
			wait = cd
		}
		if wait < 0 {
			wait = 0
		}
		if min < 0 || wait < min {
			min = wait
		}
	}
	if min < 0 {
		return 0
	}
	return min
}

// NotifySuccess, NotifyRateLimit, and NotifyFailure relay selection outcomes
// to the active strategy's feedback trackers.
func (m *Manager) NotifySuccess(key string)   { m.strategy.OnSuccess(key) }
func (m *Manager) NotifyRateLimit(key string) { m.strategy.OnRateLimit(key) }
func (m *Manager) NotifyFailure(key string)   { m.strategy.OnFailure(key) }

// SaveToDisk persists the current in-memory pool state.
func (m *Manager) SaveToDisk() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	return m.st.UpdateWithLock(func(doc *store.Document) (*store.Document, error) {
		accounts := make([]store.Account, len(m.accounts))
		for i, a := range m.accounts {
			accounts[i] = a.Account
		}
		doc.Accounts = accounts
		return doc, nil
	})
}

// SetAccountEnabled enables or disables account at index and persists it.
func (m *Manager) SetAccountEnabled(index int, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.accounts) {
		return apperrors.NoAccounts("account index out of range", false)
	}
	m.accounts[index].Enabled = enabled
	return m.saveLocked()
}

// RemoveAccount deletes the account at index from the pool and persists it.
func (m *Manager) RemoveAccount(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.accounts) {
		return apperrors.NoAccounts("account index out of range", false)
	}
	m.accounts = append(m.accounts[:index], m.accounts[index+1:]...)
	return m.saveLocked()
}

// AddOrUpdateAccount merges incoming into the persisted document by
// identity, reloads the in-memory pool, and returns the merged index.
func (m *Manager) AddOrUpdateAccount(incoming store.Account) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var mergedIndex int
	err := m.st.UpdateWithLock(func(doc *store.Document) (*store.Document, error) {
		store.MergeAccount(doc, incoming)
		for i := range doc.Accounts {
			if doc.Accounts[i].SameIdentity(&incoming) {
				mergedIndex = i
			}
		}
		return doc, nil
	})
	if err != nil {
		return 0, err
	}

	m.initialized = false
	if err := m.Initialize(m.strategyName); err != nil {
		return 0, err
	}
	return mergedIndex, nil
}

// AccountsDueForRefresh returns the indices of enabled accounts whose cached
// token expires within bufferMs, for the proactive scheduler's scan pass.
// An account with nothing cached yet is not due; it refreshes lazily on
// first use instead.
func (m *Manager) AccountsDueForRefresh(bufferMs int64) []int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := nowMs()
	var due []int
	for i, a := range m.accounts {
		if !a.Enabled {
			continue
		}
		expires, ok := m.tokens.ExpiresAt(a.Key)
		if !ok {
			continue
		}
		if expires-now <= bufferMs {
			due = append(due, i)
		}
	}
	return due
}

// RefreshAccountToken forces a token refresh for the account at index,
// invalidating any cached entry first. On failure it cools the account
// down exactly as GetAccessToken's lazy path does.
func (m *Manager) RefreshAccountToken(ctx context.Context, index int) error {
	m.mu.RLock()
	if index < 0 || index >= len(m.accounts) {
		m.mu.RUnlock()
		return apperrors.NoAccounts("account index out of range", false)
	}
	acc := m.accounts[index]
	m.mu.RUnlock()

	m.tokens.Invalidate(acc.Key)
	if _, err := m.tokens.Get(ctx, acc.Key, acc.RefreshToken); err != nil {
		_ = m.MarkCoolingDown(index, m.cfg.Token.AuthCooldownMs, store.CooldownReasonAuthFailure)
		return err
	}
	return nil
}

// PeekToken returns the cached credential for the account at index, if any,
// without triggering a refresh. Used by the fetch orchestrator to decide
// between a synchronous refresh and an async proactive one.
func (m *Manager) PeekToken(index int) (*token.Auth, bool) {
	m.mu.RLock()
	if index < 0 || index >= len(m.accounts) {
		m.mu.RUnlock()
		return nil, false
	}
	acc := m.accounts[index]
	m.mu.RUnlock()
	return m.tokens.Peek(acc.Key)
}

// Status is the admin-facing snapshot of the pool.
type Status struct {
	Strategy  string          `json:"strategy"`
	Total     int             `json:"total"`
	Available int             `json:"available"`
	Accounts  []AccountStatus `json:"accounts"`
}

// AccountStatus is one account's admin-facing snapshot.
type AccountStatus struct {
	Email            string `json:"email"`
	Plan             string `json:"plan"`
	Enabled          bool   `json:"enabled"`
	LastUsed         int64  `json:"lastUsed,omitempty"`
	CoolingDownUntil int64  `json:"coolingDownUntil,omitempty"`
}

// GetStatus returns a read-only snapshot of the pool for the admin surface.
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := nowMs()
	st := Status{Strategy: m.strategyName, Total: len(m.accounts)}
	for _, a := range m.accounts {
		if a.Enabled && a.CoolingDownUntil <= now {
			st.Available++
		}
		st.Accounts = append(st.Accounts, AccountStatus{
			Email:            a.Email,
			Plan:             a.Plan,
			Enabled:          a.Enabled,
			LastUsed:         a.LastUsed,
			CoolingDownUntil: a.CoolingDownUntil,
		})
	}
	return st
}

// GetAccessToken returns a valid access token for the account at index,
// refreshing it through the token cache when near expiry.
func (m *Manager) GetAccessToken(ctx context.Context, index int) (string, error) {
	m.mu.RLock()
	if index < 0 || index >= len(m.accounts) {
		m.mu.RUnlock()
		return "", apperrors.NoAccounts("account index out of range", false)
	}
	acc := m.accounts[index]
	m.mu.RUnlock()

	auth, err := m.tokens.Get(ctx, acc.Key, acc.RefreshToken)
	if err != nil {
		_ = m.MarkCoolingDown(index, m.cfg.Token.AuthCooldownMs, store.CooldownReasonAuthFailure)
		return "", err
	}
	return auth.Access, nil
}
