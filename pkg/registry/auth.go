// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"tailscale.com/syncs"
)

// AuthMode selects how clients prove the configured credentials.
type AuthMode int

const (
	// AuthBasic accepts HTTP basic auth on every request.
	AuthBasic AuthMode = iota
	// AuthBearer challenges unauthenticated requests with a bearer token
	// realm. Clients exchange basic credentials for a token at /token and
	// present it on subsequent requests.
	AuthBearer
)

// authenticator gates registry requests. A zero username disables auth.
type authenticator struct {
	username string
	password string
	mode     AuthMode
	tokens   syncs.Map[string, bool]
}

func newAuthenticator(opts Opts) *authenticator {
	return &authenticator{
		username: opts.Username,
		password: opts.Password,
		mode:     opts.AuthMode,
	}
}

func (a *authenticator) enabled() bool { return a.username != "" }

// authorize checks the request's credentials, writing the error response
// itself when they are missing or wrong.
func (a *authenticator) authorize(w http.ResponseWriter, req *http.Request) bool {
	if !a.enabled() {
		return true
	}

	switch a.mode {
	case AuthBasic:
		user, pass, ok := req.BasicAuth()
		if ok && user == a.username && pass == a.password {
			return true
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="registry"`)
		WriteError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required", nil)
		return false

	case AuthBearer:
		if tok, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer "); ok {
			if _, valid := a.tokens.Load(tok); valid {
				return true
			}
		}
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(
			`Bearer realm="http://%s/token",service=%q`, req.Host, req.Host))
		WriteError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required", nil)
		return false

	default:
		WriteError(w, http.StatusUnauthorized, ErrCodeDenied, "unknown auth mode", nil)
		return false
	}
}

// handleToken is the token endpoint for AuthBearer: it exchanges basic
// credentials for a short opaque token.
func (a *authenticator) handleToken(w http.ResponseWriter, req *http.Request) {
	if !a.enabled() || a.mode != AuthBearer {
		http.NotFound(w, req)
		return
	}
	user, pass, ok := req.BasicAuth()
	if !ok || user != a.username || pass != a.password {
		WriteError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid credentials", nil)
		return
	}
	tok := uuid.New().String()
	a.tokens.Store(tok, true)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, http.StatusOK, struct {
		Token string `json:"token"`
	}{Token: tok})
}
