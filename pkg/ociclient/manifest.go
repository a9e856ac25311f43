// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ociclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ocimirror/ocimirror/pkg/ociref"
)

// Docker media types predate the OCI ones and are still what Docker Hub and
// older registries serve.
const (
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
)

var (
	singleManifestMediaTypes = []string{
		ocispec.MediaTypeImageManifest,
		MediaTypeDockerManifest,
	}
	indexMediaTypes = []string{
		ocispec.MediaTypeImageIndex,
		MediaTypeDockerManifestList,
	}
	// allManifestMediaTypes is the full Accept set for fetches: every
	// manifest form the client understands, list forms first.
	allManifestMediaTypes = append(append([]string{}, indexMediaTypes...), singleManifestMediaTypes...)
)

// IsIndex reports whether the media type is a manifest list (index) form.
func IsIndex(mediaType string) bool {
	for _, mt := range indexMediaTypes {
		if mediaType == mt {
			return true
		}
	}
	return false
}

// RawManifest fetches the manifest for ref verbatim. The returned bytes are
// exactly what the registry served, suitable for digest-preserving
// replication; the descriptor carries the served media type, the size and
// the digest computed from the bytes.
//
// Absence is reported as ErrManifestNotFound; callers that expect absence
// test for it with errors.Is.
func (c *Client) RawManifest(ctx context.Context, ref ociref.Reference) ([]byte, ocispec.Descriptor, error) {
	cred, err := c.credential(ref, PrivilegeRead)
	if err != nil {
		return nil, ocispec.Descriptor{}, err
	}

	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint(ref, "manifests", ref.Identifier()), nil)
	if err != nil {
		return nil, ocispec.Descriptor{}, err
	}
	req.Header.Set("Accept", strings.Join(allManifestMediaTypes, ", "))

	resp, err := c.do(ctx, req, ref, PrivilegeRead, cred)
	if err != nil {
		return nil, ocispec.Descriptor{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ocispec.Descriptor{}, fmt.Errorf("%s: %w", ref, ErrManifestNotFound)
	default:
		return nil, ocispec.Descriptor{}, &TransferError{Op: "get manifest", Ref: ref.String(),
			Status: resp.StatusCode, Err: parseErrorResponse(resp)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ocispec.Descriptor{}, &TransferError{Op: "get manifest", Ref: ref.String(), Err: err}
	}
	dg := digest.FromBytes(body)
	if ref.IsDigested() && dg != ref.Digest {
		return nil, ocispec.Descriptor{}, &DigestMismatchError{Expected: ref.Digest, Actual: dg}
	}

	desc := ocispec.Descriptor{
		MediaType: resp.Header.Get("Content-Type"),
		Digest:    dg,
		Size:      int64(len(body)),
	}
	return body, desc, nil
}

// Manifest fetches and deserializes the manifest for ref. For manifest
// lists, unmarshal the raw form into an ocispec.Index instead.
func (c *Client) Manifest(ctx context.Context, ref ociref.Reference) (ocispec.Manifest, ocispec.Descriptor, error) {
	raw, desc, err := c.RawManifest(ctx, ref)
	if err != nil {
		return ocispec.Manifest{}, ocispec.Descriptor{}, err
	}
	var m ocispec.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return ocispec.Manifest{}, ocispec.Descriptor{}, fmt.Errorf("decode manifest %s: %w", ref, err)
	}
	return m, desc, nil
}

// PutManifest writes raw manifest bytes to ref, byte for byte: no
// re-serialization happens, so the digest the registry stores is the digest
// of exactly these bytes. Callers constructing fresh manifests are
// responsible for canonical serialization before calling PutManifest.
//
// The returned digest is computed from body and cross-checked against the
// registry's response when the registry reports one.
func (c *Client) PutManifest(ctx context.Context, ref ociref.Reference, mediaType string, body []byte) (digest.Digest, error) {
	cred, err := c.credential(ref, PrivilegeReadWrite)
	if err != nil {
		return "", err
	}

	req, err := c.newRequest(ctx, http.MethodPut, c.endpoint(ref, "manifests", ref.Identifier()), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mediaType)

	resp, err := c.do(ctx, req, ref, PrivilegeReadWrite, cred)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", &TransferError{Op: "put manifest", Ref: ref.String(),
			Status: resp.StatusCode, Err: parseErrorResponse(resp)}
	}

	dg := digest.FromBytes(body)
	if reported := resp.Header.Get("Docker-Content-Digest"); reported != "" {
		rd, err := digest.Parse(reported)
		if err != nil {
			return "", &TransferError{Op: "put manifest", Ref: ref.String(),
				Err: fmt.Errorf("invalid Docker-Content-Digest %q: %v", reported, err)}
		}
		if rd != dg {
			return "", &DigestMismatchError{Expected: dg, Actual: rd}
		}
	}
	return dg, nil
}

// DeleteManifest removes the manifest for ref. Tag references are resolved
// to their digest first, since registries accept manifest deletion by digest.
// A reference that resolves to nothing reports ErrManifestNotFound.
func (c *Client) DeleteManifest(ctx context.Context, ref ociref.Reference) error {
	if !ref.IsDigested() {
		desc, err := c.Resolve(ctx, ref)
		if err != nil {
			return err
		}
		ref = ref.WithDigest(desc.Digest)
	}

	cred, err := c.credential(ref, PrivilegeReadWrite)
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodDelete, c.endpoint(ref, "manifests", ref.Digest.String()), nil)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, req, ref, PrivilegeReadWrite, cred)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", ref, ErrManifestNotFound)
	default:
		return &TransferError{Op: "delete manifest", Ref: ref.String(),
			Status: resp.StatusCode, Err: parseErrorResponse(resp)}
	}
}

// Resolve resolves ref to a manifest descriptor via a HEAD request, accepting
// every manifest form the client understands.
func (c *Client) Resolve(ctx context.Context, ref ociref.Reference) (ocispec.Descriptor, error) {
	return c.head(ctx, ref, allManifestMediaTypes)
}

// Exists reports whether any manifest exists for ref.
//
// Registries differ in which form they serve for a given tag, so the check
// tries the manifest-list form first and falls back to the single-manifest
// form; the reference exists if either resolves. A registry without
// manifest-list support is indistinguishable from one that has no list for
// the reference; the fallback deliberately treats both the same.
func (c *Client) Exists(ctx context.Context, ref ociref.Reference) (bool, error) {
	for _, accept := range [][]string{indexMediaTypes, singleManifestMediaTypes} {
		_, err := c.head(ctx, ref, accept)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, ErrManifestNotFound):
		default:
			return false, err
		}
	}
	return false, nil
}

func (c *Client) head(ctx context.Context, ref ociref.Reference, accept []string) (ocispec.Descriptor, error) {
	cred, err := c.credential(ref, PrivilegeRead)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	req, err := c.newRequest(ctx, http.MethodHead, c.endpoint(ref, "manifests", ref.Identifier()), nil)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	req.Header.Set("Accept", strings.Join(accept, ", "))

	resp, err := c.do(ctx, req, ref, PrivilegeRead, cred)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ocispec.Descriptor{}, fmt.Errorf("%s: %w", ref, ErrManifestNotFound)
	default:
		return ocispec.Descriptor{}, &TransferError{Op: "head manifest", Ref: ref.String(),
			Status: resp.StatusCode, Err: parseErrorResponse(resp)}
	}

	desc := ocispec.Descriptor{
		MediaType: resp.Header.Get("Content-Type"),
		Size:      resp.ContentLength,
	}
	switch {
	case ref.IsDigested():
		desc.Digest = ref.Digest
	default:
		reported := resp.Header.Get("Docker-Content-Digest")
		if reported == "" {
			return ocispec.Descriptor{}, &TransferError{Op: "head manifest", Ref: ref.String(),
				Err: fmt.Errorf("registry reported no Docker-Content-Digest")}
		}
		dg, err := digest.Parse(reported)
		if err != nil {
			return ocispec.Descriptor{}, &TransferError{Op: "head manifest", Ref: ref.String(),
				Err: fmt.Errorf("invalid Docker-Content-Digest %q: %v", reported, err)}
		}
		desc.Digest = dg
	}
	return desc, nil
}
