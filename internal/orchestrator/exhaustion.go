package orchestrator

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/poemonsense/codex-account-proxy/internal/account"
	"github.com/poemonsense/codex-account-proxy/internal/apperrors"
	"github.com/poemonsense/codex-account-proxy/internal/store"
)

// accountDiagnostic is one account's entry in the synthesized exhaustion
// response, naming why it isn't currently usable.
type accountDiagnostic struct {
	Email    string `json:"email"`
	Status   string `json:"status"`
	ResetAt  string `json:"resetAt,omitempty"`
	Guidance string `json:"guidance"`
}

// synthesizeExhaustion builds the diagnostic 429 response returned when no
// account is usable for family/variant: every account's own reason is
// enumerated rather than a single opaque failure.
func (o *Orchestrator) synthesizeExhaustion(family, variant string) *http.Response {
	now := time.Now().UnixMilli()
	base, fine := store.QuotaKey(family, variant)

	accounts := o.manager.All()
	diags := make([]accountDiagnostic, 0, len(accounts))
	for _, a := range accounts {
		diags = append(diags, diagnoseAccount(&a, base, fine, now))
	}

	appErr := apperrors.NoAccounts("all accounts are rate limited or cooling down", true)
	body := map[string]interface{}{
		"error":    appErr.ToJSON(),
		"accounts": diags,
	}
	data, err := json.Marshal(body)
	if err != nil {
		data = []byte(`{"error":{"code":"NO_ACCOUNTS","message":"all accounts are rate limited or cooling down"}}`)
	}

	return &http.Response{
		StatusCode: apperrors.HTTPStatus(appErr),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(data)),
	}
}

func diagnoseAccount(a *account.ManagedAccount, base, fine string, now int64) accountDiagnostic {
	d := accountDiagnostic{Email: a.Email, Status: "ok", Guidance: "account is available"}

	switch {
	case !a.Enabled:
		d.Status = "disabled"
		d.Guidance = "account is disabled"
	case a.CoolingDownUntil > now:
		d.Status = "cooldown"
		d.Guidance = "cooling down after " + a.CooldownReason
		d.ResetAt = time.UnixMilli(a.CoolingDownUntil).Format(time.RFC3339)
	default:
		resetAt := maxResetTime(a.RateLimitResetTimes, base, fine)
		if resetAt > now {
			d.Status = "rate-limited"
			d.Guidance = "rate limited, retry after reset"
			d.ResetAt = time.UnixMilli(resetAt).Format(time.RFC3339)
		}
	}
	return d
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
