package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DirectoryAcquirer is the production Acquirer: it talks to the tenant
// directory's OAuth2 token endpoint, running the resource-owner-password
// flow for KindDelegated and the client-credentials flow for
// KindApplication.
type DirectoryAcquirer struct {
	tokenURL string
	clientID string
	clientSecret string
	scope string

	delegatedUsername string
	delegatedPassword string

	httpClient *http.Client
}

// NewDirectoryAcquirer builds a DirectoryAcquirer. tokenURL is the
// directory's full OAuth2 token endpoint (e.g.
// https://login.microsoftonline.com/{tenant}/oauth2/v2.0/token); scope is
// applied to both flows.
func NewDirectoryAcquirer(tokenURL, clientID, clientSecret, scope, delegatedUsername, delegatedPassword string) *DirectoryAcquirer {
	return &DirectoryAcquirer{
		tokenURL: tokenURL,
		clientID: clientID,
		clientSecret: clientSecret,
		scope: scope,
		delegatedUsername: delegatedUsername,
		delegatedPassword: delegatedPassword,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// tokenResponse is the standard OAuth2 token endpoint success body.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn any `json:"expires_in"`
	Scope string `json:"scope"`
	Error string `json:"error"`
	ErrorDesc string `json:"error_description"`
}

// Acquire implements Acquirer, dispatching to the flow the requested
// kind uses.
func (d *DirectoryAcquirer) Acquire(ctx context.Context, kind Kind) (*Credential, error) {
	switch kind {
	case KindApplication:
		return d.clientCredentials(ctx)
	case KindDelegated:
		return d.resourceOwnerPassword(ctx)
	default:
		return nil, fmt.Errorf("token: unknown credential kind %q", kind)
	}
}

func (d *DirectoryAcquirer) clientCredentials(ctx context.Context) (*Credential, error) {
	form := url.Values{
		"grant_type": {"client_credentials"},
		"client_id": {d.clientID},
		"client_secret": {d.clientSecret},
	}
	if d.scope != "" {
		form.Set("scope", d.scope)
	}
	return d.postForm(ctx, form)
}

func (d *DirectoryAcquirer) resourceOwnerPassword(ctx context.Context) (*Credential, error) {
	form := url.Values{
		"grant_type": {"password"},
		"client_id": {d.clientID},
		"client_secret": {d.clientSecret},
		"username": {d.delegatedUsername},
		"password": {d.delegatedPassword},
	}
	if d.scope != "" {
		form.Set("scope", d.scope)
	}
	return d.postForm(ctx, form)
}

func (d *DirectoryAcquirer) postForm(ctx context.Context, form url.Values) (*Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("token: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token: directory request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("token: read directory response: %w", err)
	}

	var tr tokenResponse
	if jsonErr := json.Unmarshal(body, &tr); jsonErr != nil {
		return nil, fmt.Errorf("token: decode directory response (status %d): %w", resp.StatusCode, jsonErr)
	}

	if resp.StatusCode != http.StatusOK {
		if isMFAChallenge(tr.Error, tr.ErrorDesc) {
			return nil, &MFAError{Detail: tr.ErrorDesc}
		}
		return nil, fmt.Errorf("token: directory returned %d: %s (%s)", resp.StatusCode, tr.Error, tr.ErrorDesc)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token: directory response carried no access_token")
	}

	expiresIn := parseExpiresIn(tr.ExpiresIn)
	return &Credential{
		Token: tr.AccessToken,
		ExpiresAt: time.Now().UTC().Add(expiresIn),
		Scope: tr.Scope,
	}, nil
}

// isMFAChallenge recognizes the directory's interactive-auth-required
// error codes, which the resource-owner-password flow cannot satisfy.
// These get a clear diagnostic and the slow backoff path rather than a
// tight retry.
func isMFAChallenge(errCode, desc string) bool {
	if errCode == "interaction_required" {
		return true
	}
	return strings.Contains(desc, "AADSTS50076") || strings.Contains(desc, "AADSTS50079") || strings.Contains(desc, "MFA")
}

// parseExpiresIn tolerates expires_in arriving as either a JSON number or
// a numeric string, both of which real directory implementations emit.
func parseExpiresIn(v any) time.Duration {
	const fallback = time.Hour

	switch t := v.(type) {
	case float64:
		return time.Duration(t) * time.Second
	case string:
		if secs, err := strconv.ParseFloat(t, 64); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}
