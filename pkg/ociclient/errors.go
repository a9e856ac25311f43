// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ociclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/opencontainers/go-digest"
)

var (
	// ErrManifestNotFound indicates the registry has no manifest for the
	// reference, in either single-manifest or manifest-list form.
	ErrManifestNotFound = errors.New("manifest not found")
	// ErrBlobNotFound indicates the registry has no blob for the digest.
	ErrBlobNotFound = errors.New("blob not found")
	// ErrRepositoryNotFound indicates the registry has no repository for
	// the reference, reported by repository-level operations such as tag
	// listing.
	ErrRepositoryNotFound = errors.New("repository not found")
	// ErrCredentialsUnavailable indicates no credential could be resolved
	// for an operation that requires one.
	ErrCredentialsUnavailable = errors.New("credentials unavailable")
)

// TransferError reports a failed transfer: an unexpected registry response,
// a transport fault, or a short read or write. It is generally retryable by
// the caller; the client itself never retries.
type TransferError struct {
	Op     string // e.g. "get blob", "put manifest"
	Ref    string // reference or URL the operation targeted
	Status int    // HTTP status, 0 if the request never completed
	Err    error
}

func (e *TransferError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Op, e.Ref, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Ref, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// DigestMismatchError reports content whose computed digest differs from the
// digest it was addressed by. It is an integrity violation and is always
// fatal to the enclosing operation.
type DigestMismatchError struct {
	Expected digest.Digest
	Actual   digest.Digest
}

func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("digest mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// registryError mirrors one entry of an OCI error response body.
type registryError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e registryError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// parseErrorResponse extracts the OCI error payload from a non-2xx response.
// Responses that do not carry the structured body degrade to the status text.
func parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var payload struct {
		Errors []registryError `json:"errors"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && len(payload.Errors) > 0 {
		msgs := make([]string, 0, len(payload.Errors))
		for _, re := range payload.Errors {
			msgs = append(msgs, re.Error())
		}
		return errors.New(strings.Join(msgs, "; "))
	}
	return errors.New(http.StatusText(resp.StatusCode))
}
