package orchestrator

import "net/http"

// Vendor beta/originator markers the codex responses endpoint expects on
// every call, mirrored from the teacher's BuildHeaders.
const (
	headerOpenAIBeta  = "OpenAI-Beta"
	openAIBetaValue   = "responses=experimental"
	headerOriginator  = "originator"
	originatorValue   = "codex_cli_go"
	headerAccountID   = "chatgpt-account-id"
	headerPromptCache = "prompt-cache-key"
)

// buildHeaders assembles the upstream request headers for one call:
// bearer auth, the account routing header, the vendor beta/originator
// markers, and an optional prompt cache key carried from the request body.
func buildHeaders(accessToken, accountID, promptCacheKey, clientVersion string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+accessToken)
	h.Set("Content-Type", "application/json")
	h.Set(headerAccountID, accountID)
	h.Set(headerOpenAIBeta, openAIBetaValue)
	h.Set(headerOriginator, originatorValue)
	if clientVersion != "" {
		h.Set("version", clientVersion)
	}
	if promptCacheKey != "" {
		h.Set(headerPromptCache, promptCacheKey)
	}
	return h
}
