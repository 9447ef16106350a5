// Package token implements the OAuth refresh exchange and claim extraction
// that is the Account Pool's only entry point for credentials. The
// authorization/PKCE flow that first obtains a refresh token is out of
// scope; this package only ever exchanges one.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/poemonsense/codex-account-proxy/internal/apperrors"
)

// Auth is the credential record the Account Pool is built from.
type Auth struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
	Expires int64  `json:"expires"` // epoch ms
	IDToken string `json:"id_token,omitempty"`
	// Headers carries any extra headers the refresh endpoint asked future
	// requests to include (vendor-specific, optional).
	Headers map[string]string `json:"headers,omitempty"`
}

// ShouldRefresh reports whether auth's access token is missing or expires
// within skewMs of now.
func ShouldRefresh(auth *Auth, skewMs int64) bool {
	if auth == nil || auth.Access == "" {
		return true
	}
	if skewMs < 0 {
		skewMs = 0
	}
	return auth.Expires <= time.Now().UnixMilli()+skewMs
}

// Client exchanges refresh tokens for access tokens against the vendor's
// OAuth token endpoint.
type Client struct {
	TokenURL   string
	ClientID   string
	HTTPClient *http.Client
}

// NewClient returns a Client with sane defaults.
func NewClient(tokenURL, clientID string) *Client {
	return &Client{
		TokenURL:   tokenURL,
		ClientID:   clientID,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Refresh performs the OAuth refresh-token exchange. It does not decode the
// returned tokens; callers decode claims with DecodeClaims (base64url, no
// signature verification — trust is the TLS endpoint, not the token) and
// extract identity with ExtractIdentity.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Auth, error) {
	if refreshToken == "" {
		return nil, apperrors.AuthFailure("", "missing refresh token", nil)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", c.ClientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, apperrors.Transport(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.Cancelled(ctx.Err())
		}
		return nil, apperrors.Transport(err)
	}
	defer resp.Body.Close()

	var body refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, apperrors.AuthFailure("", "malformed refresh response", err)
	}

	if resp.StatusCode != http.StatusOK || body.AccessToken == "" {
		return nil, apperrors.AuthFailure("", fmt.Sprintf("refresh denied (status %d)", resp.StatusCode), nil)
	}

	refresh := body.RefreshToken
	if refresh == "" {
		refresh = refreshToken
	}

	expiresIn := body.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}

	return &Auth{
		Access:  body.AccessToken,
		Refresh: refresh,
		Expires: time.Now().UnixMilli() + expiresIn*1000,
		IDToken: body.IDToken,
	}, nil
}
