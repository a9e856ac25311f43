// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ociclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// challenge is a parsed WWW-Authenticate header from a registry 401.
type challenge struct {
	Scheme  string // "Bearer" or "Basic"
	Realm   string
	Service string
	Scope   string
}

// parseChallenge parses a WWW-Authenticate value of the form
//
//	Bearer realm="https://auth.example/token",service="registry.example",scope="repository:foo:pull"
func parseChallenge(header string) (challenge, bool) {
	scheme, params, _ := strings.Cut(strings.TrimSpace(header), " ")
	ch := challenge{Scheme: scheme}
	switch scheme {
	case "Basic":
		return ch, true
	case "Bearer":
	default:
		return challenge{}, false
	}
	for _, part := range strings.Split(params, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"`)
		switch key {
		case "realm":
			ch.Realm = value
		case "service":
			ch.Service = value
		case "scope":
			ch.Scope = value
		}
	}
	if ch.Realm == "" {
		return challenge{}, false
	}
	return ch, true
}

// tokenURL builds the token endpoint URL for the challenge.
func (ch challenge) tokenURL() (string, error) {
	u, err := url.Parse(ch.Realm)
	if err != nil {
		return "", fmt.Errorf("parse auth realm %q: %w", ch.Realm, err)
	}
	values := u.Query()
	if ch.Service != "" {
		values.Set("service", ch.Service)
	}
	for _, scope := range strings.Split(ch.Scope, " ") {
		if scope != "" {
			values.Add("scope", scope)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// fetchToken exchanges a credential for a bearer token at the challenge's
// realm. An anonymous exchange (zero credential) is attempted when the
// registry allows it.
func (c *Client) fetchToken(ctx context.Context, ch challenge, cred Credential) (string, error) {
	tokenURL, err := ch.tokenURL()
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL, nil)
	if err != nil {
		return "", err
	}
	if !cred.IsZero() {
		req.SetBasicAuth(cred.Username, cred.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("%w: token endpoint returned status %d", ErrCredentialsUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch token: status %d: %w", resp.StatusCode, parseErrorResponse(resp))
	}

	var payload struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if payload.Token != "" {
		return payload.Token, nil
	}
	if payload.AccessToken != "" {
		return payload.AccessToken, nil
	}
	return "", fmt.Errorf("%w: token endpoint returned no token", ErrCredentialsUnavailable)
}

// tokenKey identifies a cached bearer token. Tokens are scoped to a host,
// repository and privilege so a token borrowed for a pull is never reused
// for a push.
func tokenKey(host, repo string, priv Privilege) string {
	return host + "|" + repo + "|" + priv.scope()
}

// authorize attaches authentication to a request: a cached bearer token if
// one exists for the scope, otherwise basic credentials if any resolved.
func (c *Client) authorize(req *http.Request, key string, cred Credential) {
	if token, ok := c.tokens.Load(key); ok {
		req.Header.Set("Authorization", "Bearer "+token)
		return
	}
	if !cred.IsZero() {
		req.SetBasicAuth(cred.Username, cred.Password)
	}
}
