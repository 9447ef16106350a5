// Package orchestrator implements the per-request fetch state machine:
// prepare the request, select an account, resolve its token, issue the
// upstream call, intercept the response stream for usage telemetry,
// classify the result, and on rate limiting either wait out the backoff or
// fail over to the next account. Grounded on the teacher's streaming
// retry loop, generalized from a single strategy-driven client into an
// explicit sequence of named steps.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/poemonsense/codex-account-proxy/internal/account"
	"github.com/poemonsense/codex-account-proxy/internal/apperrors"
	"github.com/poemonsense/codex-account-proxy/internal/catalog"
	"github.com/poemonsense/codex-account-proxy/internal/config"
	"github.com/poemonsense/codex-account-proxy/internal/decider"
	"github.com/poemonsense/codex-account-proxy/internal/logging"
	"github.com/poemonsense/codex-account-proxy/internal/ratelimit"
	"github.com/poemonsense/codex-account-proxy/internal/token"
)

// ToastEvent is a debounced, user-facing notice about a rate limit or
// account switch, surfaced by whatever transport wires a ToastFunc in.
type ToastEvent struct {
	AccountKey string
	Message    string
}

// ToastFunc receives ToastEvents. Nil is treated as a no-op sink.
type ToastFunc func(ToastEvent)

var nowMsFunc = func() int64 { return time.Now().UnixMilli() }

// Orchestrator drives the Prepare -> Select -> Token -> Issue -> Intercept
// -> Classify -> Exhaustion loop for one provider backend.
type Orchestrator struct {
	manager *account.Manager
	catalog *catalog.Cache
	tracker *ratelimit.Tracker
	cfg     *config.Config
	http    *http.Client
	toast   ToastFunc

	toastMu     sync.Mutex
	lastToastAt map[string]int64

	statusMu sync.Mutex
	status   map[string]*statusSnapshot
}

// New builds an Orchestrator. toast may be nil.
func New(manager *account.Manager, cat *catalog.Cache, tracker *ratelimit.Tracker, cfg *config.Config, toast ToastFunc) *Orchestrator {
	if toast == nil {
		toast = func(ToastEvent) {}
	}
	return &Orchestrator{
		manager:     manager,
		catalog:     cat,
		tracker:     tracker,
		cfg:         cfg,
		http:        &http.Client{Timeout: 10 * time.Minute},
		toast:       toast,
		lastToastAt: make(map[string]int64),
		status:      make(map[string]*statusSnapshot),
	}
}

// Status returns a snapshot of the latest Codex-reported usage/rate-limit
// telemetry intercepted for accountKey, if any request has surfaced one.
func (o *Orchestrator) Status(accountKey string) (CodexStatus, bool) {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	s, ok := o.status[accountKey]
	if !ok {
		return CodexStatus{}, false
	}
	return s.snapshot(), true
}

// Fetch runs the full orchestration loop for one inbound request body and
// returns the response to relay to the caller: either a genuine upstream
// response (successful or a terminal non-2xx) or a synthesized diagnostic
// when every account is exhausted.
func (o *Orchestrator) Fetch(ctx context.Context, rawBody []byte) (*http.Response, error) {
	var probe struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(rawBody, &probe); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}

	defaults, err := o.catalog.GetRuntimeDefaults(ctx, probe.Model, catalog.Options{})
	if err != nil {
		return nil, err
	}

	body, variant, err := transformBody(rawBody, defaults)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	family := defaults.Slug

	maxAttempts := o.cfg.MaxRetries
	if n := o.manager.Count() + 1; n > maxAttempts {
		maxAttempts = n
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		sel, err := o.manager.SelectAccount(family, variant)
		if err != nil {
			if o.manager.IsAllRateLimited(family, variant) {
				minWait := o.manager.GetMinWaitTimeMs(family, variant)
				d := o.cfg.Decider
				if d.RetryAllAccountsLimited && attempt <= d.RetryAllAccountsMaxTry && minWait <= d.RetryAllAccountsMaxWait {
					if err := sleepCtx(ctx, minWait); err != nil {
						return nil, err
					}
					attempt--
					continue
				}
			}
			return o.synthesizeExhaustion(family, variant), nil
		}

		resp, retry, err := o.issueOnce(ctx, sel, family, variant, payload)
		if err != nil {
			return nil, err
		}
		if retry {
			continue
		}
		return resp, nil
	}

	return o.synthesizeExhaustion(family, variant), nil
}

// issueOnce drives Token -> Issue -> Intercept -> Classify for one selected
// account, looping internally when the decider says to wait out a backoff
// on this same account rather than switch.
func (o *Orchestrator) issueOnce(ctx context.Context, sel account.SelectionResult, family, variant string, payload []byte) (*http.Response, bool, error) {
	acc := sel.Account
	index := sel.Index

	for {
		accessToken, err := o.resolveToken(ctx, index)
		if err != nil {
			o.manager.NotifyFailure(acc.Key)
			return nil, true, nil
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.BaseURL+"/codex/responses", bytes.NewReader(payload))
		if err != nil {
			return nil, false, err
		}
		promptCacheKey, _ := extractString(payload, "prompt_cache_key")
		headers := buildHeaders(accessToken, acc.AccountID, promptCacheKey, o.cfg.ClientVersion)
		for k, v := range headers {
			req.Header[k] = v
		}

		resp, err := o.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, false, apperrors.Cancelled(ctx.Err())
			}
			o.manager.NotifyFailure(acc.Key)
			logging.Warn("orchestrator: transport error for %s: %v", acc.Email, err)
			return nil, true, nil
		}

		o.applyResponseHeaders(acc.Key, resp.Header)

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			o.manager.NotifySuccess(acc.Key)
			o.tracker.Clear(ratelimit.DedupKey(acc.Key, family, variant))
			if isEventStream(resp) {
				resp.Body = o.interceptStream(acc.Key, resp.Body)
			}
			return resp, false, nil
		}

		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			retry, err := o.handleRateLimit(ctx, acc, index, family, variant, resp.Header, bodyBytes)
			if err != nil {
				return nil, false, err
			}
			if retry {
				continue // wait already happened, retry this same account
			}
			return nil, true, nil // switch to the next account
		}

		o.manager.NotifyFailure(acc.Key)
		return &http.Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       io.NopCloser(bytes.NewReader(bodyBytes)),
		}, false, nil
	}
}

// handleRateLimit classifies a 429, consults the backoff decider, marks the
// account rate-limited for the decided delay, and then either sleeps out
// the wait (returning true to retry the same account) or signals a switch
// (returning false); a duplicate 429 always signals a switch.
func (o *Orchestrator) handleRateLimit(ctx context.Context, acc *account.ManagedAccount, index int, family, variant string, header http.Header, bodyBytes []byte) (bool, error) {
	reason := ratelimit.ParseReason(http.StatusTooManyRequests, string(bodyBytes))
	resetMs := ratelimit.ResetMsFromHeaders(header.Get("retry-after-ms"), header.Get("retry-after"))
	if resetMs <= 0 {
		resetMs = ratelimit.ResetMsFromBody(string(bodyBytes), time.Now())
	}

	dedupKey := ratelimit.DedupKey(acc.Key, family, variant)
	backoff := o.tracker.GetBackoff(dedupKey, reason, resetMs)
	decision := decider.Decide(o.cfg.Decider, o.manager.Count(), backoff.Attempt, backoff.DelayMs)

	_ = o.manager.MarkRateLimited(index, decision.DelayMs, family, variant)
	o.manager.NotifyRateLimit(acc.Key)
	o.notifyToast(acc.Key, fmt.Sprintf("%s rate limited (%s), %s", acc.Email, reason, decision.Action))

	if decision.Action == decider.ActionWait && !backoff.IsDuplicate {
		if err := sleepCtx(ctx, decision.DelayMs); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// resolveToken returns an access token for index without always blocking on
// a refresh: a truly expired (or never-cached) token is refreshed
// synchronously, but a token that is merely within the refresh skew is
// returned as-is while a refresh is kicked off in the background, so a
// request in flight never waits on a refresh it doesn't strictly need.
func (o *Orchestrator) resolveToken(ctx context.Context, index int) (string, error) {
	cached, ok := o.manager.PeekToken(index)
	if ok && cached.Expires > nowMsFunc() {
		if token.ShouldRefresh(cached, o.cfg.Token.SkewMs) {
			o.refreshAsync(index)
		}
		return cached.Access, nil
	}

	return o.manager.GetAccessToken(ctx, index)
}

func (o *Orchestrator) refreshAsync(index int) {
	go func() {
		rctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.manager.RefreshAccountToken(rctx, index); err != nil {
			logging.Warn("orchestrator: proactive refresh failed for account %d: %v", index, err)
		}
	}()
}

func (o *Orchestrator) notifyToast(key, message string) {
	now := nowMsFunc()
	o.toastMu.Lock()
	last := o.lastToastAt[key]
	debounce := o.cfg.RateLimit.ToastDebounceMs
	if now-last < debounce {
		o.toastMu.Unlock()
		return
	}
	o.lastToastAt[key] = now
	o.toastMu.Unlock()
	o.toast(ToastEvent{AccountKey: key, Message: message})
}

func isEventStream(resp *http.Response) bool {
	return strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")
}

func sleepCtx(ctx context.Context, ms int64) error {
	if ms <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return apperrors.Cancelled(ctx.Err())
	case <-t.C:
		return nil
	}
}

// extractString pulls a single top-level string field out of a marshaled
// JSON payload without re-parsing it into the full request map.
func extractString(payload []byte, field string) (string, bool) {
	var probe map[string]interface{}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return "", false
	}
	v, ok := probe[field].(string)
	return v, ok
}
