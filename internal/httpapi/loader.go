// Package httpapi wires the Fetch Orchestrator into a host process: the
// loader/config entry points a plugin host calls directly, and a small
// gin-based HTTP shell that drives the same orchestrator over the wire for
// local testing and the admin status endpoint. The accounts CLI does not
// use it; it works on the store directly.
package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/poemonsense/codex-account-proxy/internal/catalog"
	"github.com/poemonsense/codex-account-proxy/internal/config"
	"github.com/poemonsense/codex-account-proxy/internal/orchestrator"
)

// GetAuth is supplied by the host; it resolves the credential the host
// already holds for this provider block, mirroring the Node loader's
// get_auth() callback. The proxy does not currently need it (accounts are
// self-managed from the on-disk store) but the loader accepts it to match
// the host's calling convention and to allow a future host-supplied
// override of the account store path.
type GetAuth func(ctx context.Context) (map[string]interface{}, error)

// ProviderConfig is the host's per-provider model config block, a plain
// JSON-shaped map as the host would hand it to a plugin's config(cfg).
type ProviderConfig = map[string]interface{}

// Provider is what Loader hands back to the host: enough to satisfy the
// host's fetch(req, init) -> resp contract, backed by the orchestrator.
type Provider struct {
	APIKey  string
	BaseURL string
	Fetch   func(ctx context.Context, body []byte) (*http.Response, error)
}

// Loader builds a Provider bound to o, mirroring
// loader(get_auth, provider_config) -> { api_key, base_url, fetch }.
// get_auth is accepted for contract parity but unused: every credential
// this proxy presents upstream is resolved per-request by the
// orchestrator's own account pool, not by a single host-supplied auth.
func Loader(cfg *config.Config, o *orchestrator.Orchestrator, _ GetAuth, _ ProviderConfig) (*Provider, error) {
	return &Provider{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Fetch:   o.Fetch,
	}, nil
}

// legacyCommandKeys are per-model config entries the vendor's upstream
// model list used to emit that this proxy's catalog has since subsumed:
// a bare command/tool override no longer has any effect once the catalog
// resolves base instructions and the apply-patch tool type itself, so a
// leftover key on a host's config would silently never be read.
var legacyCommandKeys = []string{"command", "commandArgs", "applyPatchCommand"}

// Config mutates a host's per-provider model config map in place,
// matching config(cfg): ensures every model's include list carries
// reasoning.encrypted_content, forces store=false, rewrites "(OAuth)" to
// "(Codex)" in display names, and drops legacy command keys this proxy's
// catalog cache now supersedes. Catalog-derived defaults (reasoning
// effort, verbosity) are merged in per model from cat at call time rather
// than baked into cfg once, since they vary by model slug.
func Config(ctx context.Context, cfg ProviderConfig, cat *catalog.Cache) {
	models, _ := cfg["models"].(map[string]interface{})
	if models == nil {
		return
	}

	for slug, raw := range models {
		model, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}

		mergeInclude(model)
		model["store"] = false
		if name, ok := model["name"].(string); ok {
			model["name"] = strings.ReplaceAll(name, "(OAuth)", "(Codex)")
		}
		for _, key := range legacyCommandKeys {
			delete(model, key)
		}

		if defaults, err := cat.GetRuntimeDefaults(ctx, slug, catalog.Options{}); err == nil {
			mergeDefaults(model, defaults)
		}
	}
}

func mergeInclude(model map[string]interface{}) {
	const want = "reasoning.encrypted_content"
	existing, _ := model["include"].([]interface{})
	for _, v := range existing {
		if s, ok := v.(string); ok && s == want {
			return
		}
	}
	model["include"] = append(existing, want)
}

func mergeDefaults(model map[string]interface{}, defaults *catalog.Defaults) {
	options, _ := model["options"].(map[string]interface{})
	if options == nil {
		options = map[string]interface{}{}
	}
	if _, ok := options["reasoningEffort"]; !ok && defaults.ReasoningLevel != "" {
		options["reasoningEffort"] = defaults.ReasoningLevel
	}
	if _, ok := options["textVerbosity"]; !ok && defaults.DefaultVerbosity != "" {
		options["textVerbosity"] = defaults.DefaultVerbosity
	}
	model["options"] = options
}
