package token

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"
)

func makeJWT(t *testing.T, claims map[string]interface{}) string {
	t.Helper()
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatal(err)
	}
	seg := base64.RawURLEncoding.EncodeToString(payload)
	return "header." + seg + ".signature"
}

func TestExtractIdentityFromNestedClaim(t *testing.T) {
	claims := map[string]interface{}{
		"https://vendor.example/auth": map[string]interface{}{
			"account_id": "acct-123",
			"email":      "User@Example.com",
			"plan_type":  "pro",
		},
	}
	jwt := makeJWT(t, claims)

	decoded, err := DecodeClaims(jwt)
	if err != nil {
		t.Fatalf("DecodeClaims() error = %v", err)
	}

	id, err := ExtractIdentity(decoded, "https://vendor.example/auth")
	if err != nil {
		t.Fatalf("ExtractIdentity() error = %v", err)
	}
	if id.AccountID != "acct-123" {
		t.Fatalf("AccountID = %q", id.AccountID)
	}
	if id.Email != "user@example.com" {
		t.Fatalf("Email not lowercased: %q", id.Email)
	}
	if id.Plan != "Pro" {
		t.Fatalf("Plan not normalized: %q", id.Plan)
	}
}

func TestExtractIdentityRejectsEmailWithoutAt(t *testing.T) {
	claims := map[string]interface{}{
		"account_id": "acct-1",
		"email":      "not-an-email",
		"plan_type":  "free",
	}
	jwt := makeJWT(t, claims)
	decoded, _ := DecodeClaims(jwt)

	if _, err := ExtractIdentity(decoded, ""); err == nil {
		t.Fatalf("expected error for email missing @")
	}
}

func TestShouldRefresh(t *testing.T) {
	cases := []struct {
		name string
		auth *Auth
		skew int64
		want bool
	}{
		{"nil auth", nil, 0, true},
		{"no access token", &Auth{}, 0, true},
		{"far future expiry", &Auth{Access: "a", Expires: futureMs(1000000)}, 0, false},
		{"within skew", &Auth{Access: "a", Expires: futureMs(1000)}, 5000, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ShouldRefresh(tc.auth, tc.skew); got != tc.want {
				t.Fatalf("ShouldRefresh() = %v, want %v", got, tc.want)
			}
		})
	}
}

func futureMs(deltaMs int64) int64 {
	return time.Now().UnixMilli() + deltaMs
}
