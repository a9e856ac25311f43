// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ociclient implements a client for the OCI Distribution
// Specification HTTP API: manifest and blob transfer, tag listing and
// manifest deletion against remote registries.
//
// A Client is an explicit value constructed with NewClient and passed to
// every operation; there is no process-wide client state. Credentials are
// resolved per operation through a CredentialFunc and are never stored.
// In-flight requests are bounded per (host, privilege) pair by the
// Concurrency option.
//
// Spec: https://github.com/opencontainers/distribution-spec/blob/main/spec.md
package ociclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/ocimirror/ocimirror/pkg/ociref"
	"tailscale.com/syncs"
)

const verbose = false

func vlogf(format string, args ...any) {
	if verbose {
		log.Printf(format, args...)
	}
}

// ClientOpts configures a Client. The zero value is usable: anonymous
// access, one request slot per host, HTTPS everywhere.
type ClientOpts struct {
	// Credentials resolves per-operation credentials. Nil means anonymous.
	Credentials CredentialFunc

	// Concurrency bounds in-flight requests per (host, privilege) pair.
	// Values below 1 are treated as 1. Callers that fan out, such as
	// replication and purge drivers, should raise this to match their
	// worker count.
	Concurrency int

	// PlainHTTP reports hosts to be reached over HTTP instead of HTTPS.
	// Nil means HTTPS for every host.
	PlainHTTP func(host string) bool

	// Transport is the base RoundTripper. Nil means http.DefaultTransport.
	Transport http.RoundTripper

	// UserAgent overrides the User-Agent header when non-empty.
	UserAgent string
}

// Client is an OCI registry client. It is safe for concurrent use.
type Client struct {
	creds      CredentialFunc
	pool       *connPool
	plainHTTP  func(host string) bool
	httpClient *http.Client
	userAgent  string

	// tokens caches bearer tokens per (host, repository, scope) so one
	// challenge round trip covers a whole logical operation.
	tokens syncs.Map[string, string]
}

// NewClient creates a Client from opts.
func NewClient(opts ClientOpts) *Client {
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "ocimirror"
	}
	return &Client{
		creds:      opts.Credentials,
		pool:       newConnPool(opts.Concurrency),
		plainHTTP:  opts.PlainHTTP,
		httpClient: &http.Client{Transport: transport},
		userAgent:  ua,
	}
}

// endpoint builds a /v2/ API URL for the reference's repository. The trailing
// parts are joined verbatim; callers append query strings themselves.
func (c *Client) endpoint(ref ociref.Reference, parts ...string) string {
	scheme := "https"
	if c.plainHTTP != nil && c.plainHTTP(ref.Host) {
		scheme = "http"
	}
	return scheme + "://" + ref.Host + "/v2/" + ref.Repository + "/" + strings.Join(parts, "/")
}

// newRequest builds a request against the reference's registry.
func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	// Content is addressed by digest and sized by Content-Length; ask for
	// identity encoding so neither the transport nor the registry rewrites
	// the stream.
	req.Header.Set("Accept-Encoding", "identity")
	return req, nil
}

// replayable reports whether the request can be sent a second time after an
// auth challenge consumed the first attempt.
func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

// do performs a request with pool and auth discipline: it borrows a
// connection slot for the reference's host at the given privilege, attaches
// credentials, answers a bearer challenge once, and arranges for the slot to
// be released when the response body is closed. On error the slot has
// already been released.
func (c *Client) do(ctx context.Context, req *http.Request, ref ociref.Reference, priv Privilege, cred Credential) (*http.Response, error) {
	release, err := c.pool.acquire(ctx, ref.Host, priv)
	if err != nil {
		return nil, err
	}
	resp, err := c.doAcquired(ctx, req, ref, priv, cred)
	if err != nil {
		release()
		return nil, err
	}
	resp.Body = &releasingBody{rc: resp.Body, release: release}
	return resp, nil
}

func (c *Client) doAcquired(ctx context.Context, req *http.Request, ref ociref.Reference, priv Privilege, cred Credential) (*http.Response, error) {
	key := tokenKey(ref.Host, ref.Repository, priv)
	c.authorize(req, key, cred)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	ch, ok := parseChallenge(resp.Header.Get("WWW-Authenticate"))
	drainAndClose(resp.Body)
	if !ok || ch.Scheme != "Bearer" {
		// Basic credentials, if any resolved, were already on the request.
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), ErrCredentialsUnavailable)
	}
	if ch.Scope == "" {
		ch.Scope = "repository:" + ref.Repository + ":" + priv.scope()
	}
	token, err := c.fetchToken(ctx, ch, cred)
	if err != nil {
		return nil, err
	}
	c.tokens.Store(key, token)
	vlogf("ociclient: acquired token for %s", key)

	if !replayable(req) {
		// The body was consumed by the challenged attempt. The token is
		// cached, so the caller's retry will succeed.
		return nil, &TransferError{Op: req.Method, Ref: req.URL.Redacted(), Status: http.StatusUnauthorized,
			Err: errors.New("authentication required and request body cannot be replayed")}
	}
	retry := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	c.authorize(retry, key, cred)
	resp, err = c.httpClient.Do(retry)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		drainAndClose(resp.Body)
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), ErrCredentialsUnavailable)
	}
	return resp, nil
}

// releasingBody ties a pool slot to a response body: the slot frees when the
// body is closed, so a streaming read holds its slot for its whole lifetime
// and an abandoned response cannot leak one.
type releasingBody struct {
	rc      io.ReadCloser
	release func()
}

func (b *releasingBody) Read(p []byte) (int, error) { return b.rc.Read(p) }

func (b *releasingBody) Close() error {
	err := b.rc.Close()
	b.release()
	return err
}

func drainAndClose(rc io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(rc, 1<<20))
	rc.Close()
}

// queryURL appends query values to a URL string.
func queryURL(base string, values url.Values) string {
	if len(values) == 0 {
		return base
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + values.Encode()
}
