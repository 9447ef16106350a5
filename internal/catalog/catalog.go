// Package catalog implements the per-account model catalog cache: an
// in-memory/disk/server/fallback chain that resolves a requested model ID
// to the metadata needed to shape a request, with ETag revalidation and a
// cold-start backoff that prevents hammering a down vendor.
package catalog

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/poemonsense/codex-account-proxy/internal/apperrors"
	"github.com/poemonsense/codex-account-proxy/internal/coherence"
	"github.com/poemonsense/codex-account-proxy/internal/config"
	"github.com/poemonsense/codex-account-proxy/internal/logging"
)

const defaultAuthKey = "auth"

// Options tunes a single GetRuntimeDefaults call.
type Options struct {
	AccessToken  string
	AccountID    string
	ForceRefresh bool
}

type memoryEntry struct {
	snapshot *diskSnapshot
	loadedAt int64
}

// Cache is the process-local model catalog. One Cache instance is shared
// by every account; entries are scoped internally by account ID.
type Cache struct {
	mu      sync.RWMutex
	memory  map[string]*memoryEntry
	failure map[string]int64 // authKey -> epoch ms of last server failure

	cfg      config.CatalogConfig
	cacheDir string
	baseURL  string

	group singleflight.Group

	l2 *coherence.Store
}

// NewCache builds a Cache. cacheDir and baseURL come from the resolved
// Config (CacheDir and BaseURL respectively).
func NewCache(cfg config.CatalogConfig, cacheDir, baseURL string) *Cache {
	return &Cache{
		memory:   make(map[string]*memoryEntry),
		failure:  make(map[string]int64),
		cfg:      cfg,
		cacheDir: cacheDir,
		baseURL:  baseURL,
	}
}

// SetL2 attaches an optional shared cache: when set, a miss in this
// process's memory/disk cache consults Redis before falling back to the
// server, and a successful server refresh is mirrored there for other
// processes. A nil store (the default) leaves the cache purely
// process-local.
func (c *Cache) SetL2(l2 *coherence.Store) {
	c.l2 = l2
}

func (c *Cache) l2Key(scope string) string {
	return "catalog:" + scope
}

func nowMs() int64 { return time.Now().UnixMilli() }

func accountScope(accountID string) string {
	if accountID == "" {
		return "_default"
	}
	return accountID
}

func authKey(accountID string) string {
	if accountID == "" {
		return defaultAuthKey
	}
	return accountID
}

// GetRuntimeDefaults resolves modelID against the catalog, walking the
// source chain until one yields the slug: in-memory, disk, server (subject
// to cold-start backoff and ETag revalidation), the vendor-repo GitHub
// slug manifest, then bundled static templates. Fails with
// ModelCatalogUnavailable if no source resolves the slug.
func (c *Cache) GetRuntimeDefaults(ctx context.Context, modelID string, opts Options) (*Defaults, error) {
	scope := accountScope(opts.AccountID)
	ak := authKey(opts.AccountID)

	entries, etag := c.memorySnapshot(scope)

	if entries == nil {
		if snap, err := loadDiskSnapshot(c.cacheDir, scope); err == nil && snap != nil {
			entries = expandVariants(snap.Entries)
			etag = snap.ETag
			c.storeMemory(scope, snap)
		}
	}

	if entries == nil && c.l2 != nil {
		var snap diskSnapshot
		if hit, err := c.l2.GetJSON(ctx, c.l2Key(scope), &snap); err != nil {
			logging.Warn("catalog: l2 lookup failed for %s: %v", scope, err)
		} else if hit {
			entries = expandVariants(snap.Entries)
			etag = snap.ETag
			c.storeMemory(scope, &snap)
			_ = saveDiskSnapshot(c.cacheDir, scope, &snap)
		}
	}

	fresh := c.isFresh(scope, opts.ForceRefresh)

	if !fresh || entries == nil {
		if c.inColdStart(ak) {
			logging.Debug("catalog: skipping server fetch for %s, in cold-start backoff", ak)
		} else if refreshed, newEtag, ok := c.refreshFromServer(ctx, scope, ak, etag, opts.AccessToken); ok {
			entries = refreshed
			etag = newEtag
		}
	}

	if entries != nil {
		if e, ok := resolveSlug(modelID, entries); ok {
			return toDefaults(e), nil
		}
	}

	if gh, ok := c.consultGithub(ctx, modelID); ok {
		if tmpl, ok := staticTemplates[gh]; ok {
			logging.Warn("catalog: %s resolved via github slug manifest + static template, not an authoritative source", modelID)
			return toDefaults(tmpl), nil
		}
	}

	if tmpl, ok := resolveSlug(modelID, staticTemplates); ok {
		return toDefaults(tmpl), nil
	}

	return nil, apperrors.ModelCatalogUnavailable(modelID, nil)
}

func toDefaults(e Entry) *Defaults {
	return &Defaults{
		Slug:                       e.Slug,
		ReasoningLevel:             e.DefaultReasoningLevel,
		SupportedReasoningLevels:   e.SupportedReasoningLevels,
		BaseInstructions:           e.BaseInstructions,
		ApplyPatchToolType:         e.ApplyPatchToolType,
		SupportsReasoningSummaries: e.SupportsReasoningSummaries,
		DefaultVerbosity:           e.DefaultVerbosity,
	}
}

func (c *Cache) memorySnapshot(scope string) (map[string]Entry, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	me, ok := c.memory[scope]
	if !ok || me.snapshot == nil {
		return nil, ""
	}
	if nowMs()-me.loadedAt > c.cfg.SessionCapMs {
		return nil, ""
	}
	return expandVariants(me.snapshot.Entries), me.snapshot.ETag
}

func (c *Cache) storeMemory(scope string, snap *diskSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memory[scope] = &memoryEntry{snapshot: snap, loadedAt: nowMs()}
}

func (c *Cache) isFresh(scope string, force bool) bool {
	if force {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	me, ok := c.memory[scope]
	if !ok || me.snapshot == nil {
		return false
	}
	return nowMs()-me.snapshot.FetchedAt < c.cfg.CacheTTLMs
}

func (c *Cache) inColdStart(ak string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	last, ok := c.failure[ak]
	if !ok {
		return false
	}
	return nowMs()-last < c.cfg.ColdStartMs
}

func (c *Cache) markFailure(ak string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failure[ak] = nowMs()
}

// refreshFromServer performs (or joins, via singleflight) the server fetch
// for this scope, persisting the result to disk and memory on success.
func (c *Cache) refreshFromServer(ctx context.Context, scope, ak, etag, accessToken string) (map[string]Entry, string, bool) {
	v, err, _ := c.group.Do(scope, func() (interface{}, error) {
		timeout := time.Duration(c.cfg.FetchTimeoutMs) * time.Millisecond
		res, err := fetchFromServer(ctx, c.baseURL, accessToken, etag, timeout)
		if err != nil {
			return nil, err
		}
		return res, nil
	})
	if err != nil {
		logging.Warn("catalog: server refresh failed for %s: %v", scope, err)
		c.markFailure(ak)
		return nil, "", false
	}

	res := v.(*fetchResult)
	now := nowMs()

	if res.notModified {
		c.mu.Lock()
		me, ok := c.memory[scope]
		if ok && me.snapshot != nil {
			me.snapshot.FetchedAt = now
			me.loadedAt = now
			_ = saveDiskSnapshot(c.cacheDir, scope, me.snapshot)
		}
		c.mu.Unlock()
		if !ok || me.snapshot == nil {
			return nil, "", false
		}
		return expandVariants(me.snapshot.Entries), me.snapshot.ETag, true
	}

	snap := &diskSnapshot{ETag: res.etag, FetchedAt: now, Entries: res.entries}
	c.storeMemory(scope, snap)
	if err := saveDiskSnapshot(c.cacheDir, scope, snap); err != nil {
		logging.Warn("catalog: failed to persist disk cache for %s: %v", scope, err)
	}
	if c.l2 != nil {
		ttl := time.Duration(c.cfg.SessionCapMs) * time.Millisecond
		if err := c.l2.SetJSON(ctx, c.l2Key(scope), snap, ttl); err != nil {
			logging.Warn("catalog: failed to mirror cache for %s to l2: %v", scope, err)
		}
	}
	return expandVariants(res.entries), res.etag, true
}

func (c *Cache) consultGithub(ctx context.Context, modelID string) (string, bool) {
	if c.cfg.GithubRawBaseURL == "" {
		return "", false
	}
	timeout := time.Duration(c.cfg.FetchTimeoutMs) * time.Millisecond
	slugs, err := fetchGithubSlugs(ctx, c.cfg.GithubRawBaseURL, timeout)
	if err != nil {
		logging.Debug("catalog: github slug manifest unavailable: %v", err)
		return "", false
	}
	slug := normalizeSlug(modelID)
	if slugs[slug] {
		return slug, true
	}
	return "", false
}
