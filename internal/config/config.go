// Package config assembles the proxy's runtime configuration once per loader
// invocation from defaults, an on-disk config file, and environment
// overrides, then hands an explicit Config value to every component. No
// component beyond this package reaches into the environment directly.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/poemonsense/codex-account-proxy/internal/logging"
)

// HealthScoreConfig configures the hybrid strategy's health tracker.
type HealthScoreConfig struct {
	Initial          float64 `json:"initial"`
	SuccessReward    float64 `json:"successReward"`
	RateLimitPenalty float64 `json:"rateLimitPenalty"`
	FailurePenalty   float64 `json:"failurePenalty"`
	RecoveryPerHour  float64 `json:"recoveryPerHour"`
	MinUsable        float64 `json:"minUsable"`
	MaxScore         float64 `json:"maxScore"`
}

// TokenBucketConfig configures the hybrid strategy's per-account throttle.
type TokenBucketConfig struct {
	MaxTokens       float64 `json:"maxTokens"`
	TokensPerMinute float64 `json:"tokensPerMinute"`
	InitialTokens   float64 `json:"initialTokens"`
}

// QuotaConfig configures the hybrid strategy's quota-awareness component.
type QuotaConfig struct {
	LowThreshold      float64 `json:"lowThreshold"`
	CriticalThreshold float64 `json:"criticalThreshold"`
	StaleMs           int64   `json:"staleMs"`
	UnknownScore      float64 `json:"unknownScore"`
}

// WeightConfig controls how the hybrid scorer combines its components.
type WeightConfig struct {
	Health float64 `json:"health"`
	Tokens float64 `json:"tokens"`
	Quota  float64 `json:"quota"`
	LRU    float64 `json:"lru"`
}

// AccountSelectionConfig selects and tunes the account pool's strategy.
type AccountSelectionConfig struct {
	Strategy        string             `json:"strategy"`
	PIDOffsetEnabled bool              `json:"pidOffsetEnabled"`
	HealthScore     *HealthScoreConfig `json:"healthScore,omitempty"`
	TokenBucket     *TokenBucketConfig `json:"tokenBucket,omitempty"`
	Quota           *QuotaConfig       `json:"quota,omitempty"`
	Weights         WeightConfig       `json:"weights"`
}

// RateLimitConfig tunes the deduplicated exponential backoff tracker.
type RateLimitConfig struct {
	DedupWindowMs     int64 `json:"dedupWindowMs"`
	StateResetMs      int64 `json:"stateResetMs"`
	DefaultRetryMs    int64 `json:"defaultRetryAfterMs"`
	MaxBackoffMs      int64 `json:"maxBackoffMs"`
	JitterMaxMs       int64 `json:"requestJitterMaxMs"`
	ToastDebounceMs   int64 `json:"toastDebounceMs"`
}

// BackoffDeciderConfig tunes the wait-vs-switch decision in the orchestrator.
type BackoffDeciderConfig struct {
	SchedulingMode          string `json:"schedulingMode"` // cache_first | switch_first
	MaxCacheFirstWaitMs     int64  `json:"maxCacheFirstWaitMs"`
	ShortRetryThresholdMs   int64  `json:"shortRetryThresholdMs"`
	SwitchOnFirstRateLimit  bool   `json:"switchOnFirstRateLimit"`
	RetryAllAccountsLimited bool   `json:"retryAllAccountsRateLimited"`
	RetryAllAccountsMaxWait int64  `json:"retryAllAccountsMaxWaitMs"`
	RetryAllAccountsMaxTry  int    `json:"retryAllAccountsMaxRetries"`
}

// CatalogConfig tunes the model catalog cache.
type CatalogConfig struct {
	CacheTTLMs     int64 `json:"cacheTtlMs"`
	SessionCapMs   int64 `json:"sessionCapMs"`
	ColdStartMs    int64 `json:"coldStartBackoffMs"`
	FetchTimeoutMs int64 `json:"fetchTimeoutMs"`

	// GithubRawBaseURL, when set, points at a raw-file host serving the
	// vendor's published model slug manifest (release tag first, then
	// main). Empty by default: this source is advisory-only per spec, so
	// an unset URL simply drops it from the fallback chain rather than
	// guessing at one.
	GithubRawBaseURL string `json:"githubRawBaseUrl"`
}

// TokenConfig tunes refresh timing.
type TokenConfig struct {
	SkewMs           int64 `json:"refreshSkewMs"`
	ProactiveEnabled bool  `json:"proactiveEnabled"`
	ScanIntervalMs   int64 `json:"scanIntervalMs"`
	QueueIntervalMs  int64 `json:"queueIntervalMs"`
	RefreshBufferMs  int64 `json:"refreshBufferMs"`
	AuthCooldownMs   int64 `json:"authFailureCooldownMs"`
}

// Config is the single explicit value every component is built from.
type Config struct {
	mu sync.RWMutex

	APIKey        string `json:"apiKey"`
	WebUIPassword string `json:"webuiPassword"`

	Debug    bool   `json:"debug"`
	DevMode  bool   `json:"devMode"`
	QuietMode bool  `json:"quietMode"`
	LogLevel string `json:"logLevel"`

	AccountStorePath string `json:"accountStorePath"`
	CacheDir         string `json:"cacheDir"`

	BaseURL        string `json:"baseUrl"`
	ClientVersion  string `json:"clientVersion"`

	// TokenURL and ClientID address the vendor's OAuth refresh endpoint.
	// ClientID is the vendor's published, non-secret OAuth client
	// identifier for the CLI/IDE integration flow, not a proxy credential.
	TokenURL string `json:"oauthTokenUrl"`
	ClientID string `json:"oauthClientId"`

	// IdentityClaimPath names the claim in the decoded ID token where
	// account_id/email/plan_type live: a top-level claim name, or else a
	// dot-separated path, as resolved by token.ExtractIdentity.
	IdentityClaimPath string `json:"identityClaimPath"`

	MaxRetries  int   `json:"maxRetries"`
	RetryBaseMs int64 `json:"retryBaseMs"`
	RetryMaxMs  int64 `json:"retryMaxMs"`

	DefaultCooldownMs    int64 `json:"defaultCooldownMs"`
	MaxWaitBeforeErrorMs int64 `json:"maxWaitBeforeErrorMs"`
	MaxAccounts          int   `json:"maxAccounts"`

	AccountSelection AccountSelectionConfig `json:"accountSelection"`
	RateLimit        RateLimitConfig        `json:"rateLimit"`
	Decider          BackoffDeciderConfig   `json:"backoffDecider"`
	Catalog          CatalogConfig          `json:"catalog"`
	Token            TokenConfig            `json:"token"`

	RedisAddr     string `json:"redisAddr"`
	RedisPassword string `json:"redisPassword"`
	RedisDB       int    `json:"redisDB"`

	Port int    `json:"port"`
	Host string `json:"host"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		LogLevel:             "info",
		AccountStorePath:     filepath.Join(home, ".opencode", "openai-codex-accounts.json"),
		CacheDir:             filepath.Join(home, ".cache", "codex-account-proxy"),
		BaseURL:              "https://chatgpt.com/backend-api",
		ClientVersion:        "0.1.0",
		TokenURL:             "https://auth.openai.com/oauth/token",
		ClientID:             "app_EMoamEEZ73f0CkXaXp7hrann",
		IdentityClaimPath:    "https://api.openai.com/auth",
		MaxRetries:           5,
		RetryBaseMs:          1000,
		RetryMaxMs:           30000,
		DefaultCooldownMs:    10000,
		MaxWaitBeforeErrorMs: 120000,
		MaxAccounts:          10,
		AccountSelection: AccountSelectionConfig{
			Strategy:         "sticky",
			PIDOffsetEnabled: true,
			HealthScore: &HealthScoreConfig{
				Initial:          70,
				SuccessReward:    1,
				RateLimitPenalty: -10,
				FailurePenalty:   -20,
				RecoveryPerHour:  10,
				MinUsable:        50,
				MaxScore:         100,
			},
			TokenBucket: &TokenBucketConfig{
				MaxTokens:       50,
				TokensPerMinute: 6,
				InitialTokens:   50,
			},
			Quota: &QuotaConfig{
				LowThreshold:      0.10,
				CriticalThreshold: 0.05,
				StaleMs:           300000,
				UnknownScore:      50,
			},
			Weights: WeightConfig{Health: 2.0, Tokens: 5.0, Quota: 3.0, LRU: 0.1},
		},
		RateLimit: RateLimitConfig{
			DedupWindowMs:   2000,
			StateResetMs:    120000,
			DefaultRetryMs:  60000,
			MaxBackoffMs:    120000,
			JitterMaxMs:     0,
			ToastDebounceMs: 30000,
		},
		Decider: BackoffDeciderConfig{
			SchedulingMode:          "cache_first",
			MaxCacheFirstWaitMs:     60000,
			ShortRetryThresholdMs:   5000,
			SwitchOnFirstRateLimit:  false,
			RetryAllAccountsLimited: true,
			RetryAllAccountsMaxWait: 120000,
			RetryAllAccountsMaxTry:  5,
		},
		Catalog: CatalogConfig{
			CacheTTLMs:     15 * 60 * 1000,
			SessionCapMs:   60 * 60 * 1000,
			ColdStartMs:    60000,
			FetchTimeoutMs: 5000,
		},
		Token: TokenConfig{
			SkewMs:           120000,
			ProactiveEnabled: true,
			ScanIntervalMs:   1000,
			QueueIntervalMs:  250,
			RefreshBufferMs:  300000,
			AuthCooldownMs:   60000,
		},
		RedisAddr: "",
		RedisDB:   0,
		Port:      8787,
		Host:      "127.0.0.1",
	}
}

// Load builds a Config from defaults, then an on-disk file, then the
// environment, in that order of increasing precedence.
func Load() *Config {
	cfg := Default()

	if path := os.Getenv("CODEX_PROXY_CONFIG"); path != "" {
		cfg.mergeFile(path)
	} else {
		local := filepath.Join(".", "codex-proxy.json")
		if _, err := os.Stat(local); err == nil {
			cfg.mergeFile(local)
		}
	}

	home, _ := os.UserHomeDir()
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if v := os.Getenv("OPENCODE_HOME"); v != "" {
		cfg.AccountStorePath = filepath.Join(v, "openai-codex-accounts.json")
		cfg.CacheDir = filepath.Join(v, "cache")
	} else if configHome != "" {
		cfg.AccountStorePath = filepath.Join(configHome, "opencode", "openai-codex-accounts.json")
	}
	_ = home

	cfg.mergeEnv()
	return cfg
}

func (c *Config) mergeFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		logging.Warn("failed to read config file %s: %v", path, err)
		return
	}
	tmp := Default()
	if err := json.Unmarshal(data, tmp); err != nil {
		logging.Warn("failed to parse config file %s: %v", path, err)
		return
	}
	*c = *tmp
}

func (c *Config) mergeEnv() {
	if v := os.Getenv("CODEX_AUTH_DEBUG"); v == "true" || v == "1" {
		c.Debug = true
	}
	if v := os.Getenv("ENABLE_PLUGIN_REQUEST_LOGGING"); v == "true" || v == "1" {
		c.Debug = true
	}
	if v := os.Getenv("CODEX_AUTH_PROACTIVE_TOKEN_REFRESH"); v != "" {
		c.Token.ProactiveEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := os.Getenv("API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("CODEX_OAUTH_TOKEN_URL"); v != "" {
		c.TokenURL = v
	}
	if v := os.Getenv("CODEX_OAUTH_CLIENT_ID"); v != "" {
		c.ClientID = v
	}
	logging.SetDebug(c.Debug || c.DevMode)
}

// Strategy returns the configured account selection strategy name.
func (c *Config) Strategy() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.AccountSelection.Strategy
}

// Redacted returns a copy of the config's public view with secrets masked.
func (c *Config) Redacted() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]interface{}{
		"apiKey":           redact(c.APIKey),
		"webuiPassword":    redact(c.WebUIPassword),
		"debug":            c.Debug,
		"devMode":          c.DevMode,
		"accountSelection": c.AccountSelection,
		"rateLimit":        c.RateLimit,
		"backoffDecider":   c.Decider,
		"catalog":          c.Catalog,
		"token":            c.Token,
		"redisAddr":        c.RedisAddr,
		"port":             c.Port,
		"host":             c.Host,
	}
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
