package token

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/poemonsense/codex-account-proxy/internal/apperrors"
)

// Identity is the account identity extracted from a decoded token's nested
// claim: account_id, plan_type, email.
type Identity struct {
	AccountID string
	Email     string
	Plan      string
}

// planNames normalizes the vendor's raw plan_type strings to the
// title-cased enum the store expects.
var planNames = map[string]string{
	"free":       "Free",
	"plus":       "Plus",
	"pro":        "Pro",
	"team":       "Team",
	"enterprise": "Enterprise",
}

// NormalizePlan maps a raw plan_type through the closed naming table,
// falling back to a title-cased copy of the input for unrecognized values.
func NormalizePlan(raw string) string {
	lower := strings.ToLower(strings.TrimSpace(raw))
	if name, ok := planNames[lower]; ok {
		return name
	}
	if lower == "" {
		return ""
	}
	return strings.ToUpper(lower[:1]) + lower[1:]
}

// DecodeClaims decodes a JWT's payload segment (base64url, unpadded) without
// verifying its signature: trust in this system is the TLS endpoint the
// token was issued over, not the token's signature.
func DecodeClaims(jwt string) (map[string]interface{}, error) {
	parts := strings.Split(jwt, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("malformed token: expected at least 2 segments")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decoding claim segment: %w", err)
	}
	var claims map[string]interface{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("parsing claims: %w", err)
	}
	return claims, nil
}

// ExtractIdentity resolves claimPath in the decoded claims to find the
// nested object carrying account_id, plan_type, and email. claimPath is
// first looked up as a single top-level claim name (URL-style claim names
// contain dots); if no such claim exists it is walked as a dot-separated
// path.
func ExtractIdentity(claims map[string]interface{}, claimPath string) (Identity, error) {
	node := any(claims)
	if v, ok := claims[claimPath]; ok && claimPath != "" {
		node = v
	} else if claimPath != "" {
		for _, segment := range strings.Split(claimPath, ".") {
			m, ok := node.(map[string]interface{})
			if !ok {
				return Identity{}, apperrors.AuthFailure("", "claim path not found", nil)
			}
			node, ok = m[segment]
			if !ok {
				return Identity{}, apperrors.AuthFailure("", fmt.Sprintf("claim segment %q missing", segment), nil)
			}
		}
	}

	m, ok := node.(map[string]interface{})
	if !ok {
		return Identity{}, apperrors.AuthFailure("", "claim path did not resolve to an object", nil)
	}

	id := Identity{
		AccountID: stringField(m, "account_id"),
		Email:     strings.ToLower(strings.TrimSpace(stringField(m, "email"))),
		Plan:      NormalizePlan(stringField(m, "plan_type")),
	}
	if id.Email != "" && !strings.Contains(id.Email, "@") {
		return Identity{}, apperrors.AuthFailure("", "claim email missing @", nil)
	}
	return id, nil
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
