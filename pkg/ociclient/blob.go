// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ociclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ocimirror/ocimirror/pkg/ociref"
)

// Blob opens the blob with the given digest for streaming reads. The
// returned reader verifies content against the digest as it is consumed: a
// truncated or faulted stream surfaces a TransferError from Read or Close,
// and full-length content that hashes wrong surfaces a DigestMismatchError
// from the final Read. The caller must Close the reader.
func (c *Client) Blob(ctx context.Context, ref ociref.Reference, dg digest.Digest) (io.ReadCloser, int64, error) {
	cred, err := c.credential(ref, PrivilegeRead)
	if err != nil {
		return nil, 0, err
	}
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint(ref, "blobs", dg.String()), nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.do(ctx, req, ref, PrivilegeRead, cred)
	if err != nil {
		return nil, 0, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, 0, fmt.Errorf("%s@%s: %w", ref.Name(), dg, ErrBlobNotFound)
	default:
		defer resp.Body.Close()
		return nil, 0, &TransferError{Op: "get blob", Ref: ref.Name() + "@" + dg.String(),
			Status: resp.StatusCode, Err: parseErrorResponse(resp)}
	}

	return &verifyingBody{
		body:     resp.Body,
		digester: dg.Algorithm().Digester(),
		expected: dg,
		ref:      ref.Name() + "@" + dg.String(),
		size:     resp.ContentLength,
	}, resp.ContentLength, nil
}

// verifyingBody checks blob content against its digest as it streams by.
// A stream shorter than the declared size, a transport fault mid-read, and
// a Close before the content verified are all transfer faults the caller
// may retry; only full-length content hashing wrong is a digest mismatch.
type verifyingBody struct {
	body     io.ReadCloser
	digester digest.Digester
	expected digest.Digest
	ref      string
	size     int64 // declared Content-Length, -1 if unknown
	read     int64
	verified bool
	failed   bool
}

func (v *verifyingBody) Read(p []byte) (int, error) {
	n, err := v.body.Read(p)
	if n > 0 {
		v.digester.Hash().Write(p[:n])
		v.read += int64(n)
	}
	switch {
	case err == nil:
	case err == io.EOF:
		actual := v.digester.Digest()
		if actual == v.expected {
			v.verified = true
			break
		}
		v.failed = true
		if v.size >= 0 && v.read < v.size {
			return n, &TransferError{Op: "get blob", Ref: v.ref,
				Err: fmt.Errorf("short read: %d of %d bytes: %w", v.read, v.size, io.ErrUnexpectedEOF)}
		}
		return n, &DigestMismatchError{Expected: v.expected, Actual: actual}
	default:
		v.failed = true
		return n, &TransferError{Op: "get blob", Ref: v.ref, Err: err}
	}
	return n, err
}

func (v *verifyingBody) Close() error {
	err := v.body.Close()
	if !v.verified && !v.failed {
		v.failed = true
		return &TransferError{Op: "get blob", Ref: v.ref,
			Err: fmt.Errorf("stream closed before %s was verified", v.expected)}
	}
	return err
}

// BlobExists reports whether the repository has a blob with the given digest.
func (c *Client) BlobExists(ctx context.Context, ref ociref.Reference, dg digest.Digest) (bool, error) {
	_, err := c.StatBlob(ctx, ref, dg)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrBlobNotFound):
		return false, nil
	default:
		return false, err
	}
}

// StatBlob returns a descriptor for the blob with the given digest without
// transferring its content. Absence is reported as ErrBlobNotFound.
func (c *Client) StatBlob(ctx context.Context, ref ociref.Reference, dg digest.Digest) (ocispec.Descriptor, error) {
	cred, err := c.credential(ref, PrivilegeRead)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	req, err := c.newRequest(ctx, http.MethodHead, c.endpoint(ref, "blobs", dg.String()), nil)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	resp, err := c.do(ctx, req, ref, PrivilegeRead, cred)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return ocispec.Descriptor{
			MediaType: resp.Header.Get("Content-Type"),
			Digest:    dg,
			Size:      resp.ContentLength,
		}, nil
	case http.StatusNotFound:
		return ocispec.Descriptor{}, fmt.Errorf("%s@%s: %w", ref.Name(), dg, ErrBlobNotFound)
	default:
		return ocispec.Descriptor{}, &TransferError{Op: "head blob", Ref: ref.Name() + "@" + dg.String(),
			Status: resp.StatusCode, Err: parseErrorResponse(resp)}
	}
}

// PushBlob uploads blob content from r, streaming it through the registry's
// chunked upload session: the content is never buffered whole. The digest is
// computed while streaming and returned; when the caller already knows the
// digest it may pass it as expected (or "" when unknown), and a mismatch
// between expected and computed aborts the upload.
//
// On any failure after the session opened, the session is cancelled so the
// registry can reclaim the partial upload.
func (c *Client) PushBlob(ctx context.Context, ref ociref.Reference, expected digest.Digest, r io.Reader) (_ digest.Digest, err error) {
	cred, err := c.credential(ref, PrivilegeReadWrite)
	if err != nil {
		return "", err
	}

	// POST opens the upload session. It also primes the auth token cache,
	// which matters: the PATCH body is a one-shot stream and cannot be
	// replayed through a challenge round.
	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint(ref, "blobs", "uploads/"), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.do(ctx, req, ref, PrivilegeReadWrite, cred)
	if err != nil {
		return "", err
	}
	loc, err := uploadLocation(resp, "start blob upload", ref, http.StatusAccepted)
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			c.cancelUpload(ref, loc, cred)
		}
	}()

	digester := digest.Canonical.Digester()
	req, err = c.newRequest(ctx, http.MethodPatch, loc, io.TeeReader(r, digester.Hash()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err = c.do(ctx, req, ref, PrivilegeReadWrite, cred)
	if err != nil {
		return "", err
	}
	loc, err = uploadLocation(resp, "upload blob chunk", ref, http.StatusAccepted)
	if err != nil {
		return "", err
	}

	dg := digester.Digest()
	if expected != "" && dg != expected {
		return "", &DigestMismatchError{Expected: expected, Actual: dg}
	}

	req, err = c.newRequest(ctx, http.MethodPut, queryURL(loc, url.Values{"digest": {dg.String()}}), nil)
	if err != nil {
		return "", err
	}
	resp, err = c.do(ctx, req, ref, PrivilegeReadWrite, cred)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", &TransferError{Op: "finalize blob upload", Ref: ref.Name() + "@" + dg.String(),
			Status: resp.StatusCode, Err: parseErrorResponse(resp)}
	}
	return dg, nil
}

// PushBlobDescriptor uploads blob content for a known descriptor, skipping
// the transfer entirely when the target repository already has the blob.
func (c *Client) PushBlobDescriptor(ctx context.Context, ref ociref.Reference, desc ocispec.Descriptor, r io.Reader) error {
	ok, err := c.BlobExists(ctx, ref, desc.Digest)
	if err != nil {
		return err
	}
	if ok {
		vlogf("blob %s already present in %s, skipping", desc.Digest, ref.Name())
		return nil
	}
	_, err = c.PushBlob(ctx, ref, desc.Digest, r)
	return err
}

// DeleteBlob removes the blob with the given digest from the repository.
func (c *Client) DeleteBlob(ctx context.Context, ref ociref.Reference, dg digest.Digest) error {
	cred, err := c.credential(ref, PrivilegeReadWrite)
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodDelete, c.endpoint(ref, "blobs", dg.String()), nil)
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
		return fmt.Errorf("%s@%s: %w", ref.Name(), dg, ErrBlobNotFound)
	default:
		return &TransferError{Op: "delete blob", Ref: ref.Name() + "@" + dg.String(),
			Status: resp.StatusCode, Err: parseErrorResponse(resp)}
	}
}

// uploadLocation consumes an upload-session response and extracts the next
// session URL from its Location header, resolved against the request URL.
func uploadLocation(resp *http.Response, op string, ref ociref.Reference, want int) (string, error) {
	defer resp.Body.Close()
	if resp.StatusCode != want {
		return "", &TransferError{Op: op, Ref: ref.Name(),
			Status: resp.StatusCode, Err: parseErrorResponse(resp)}
	}
	u, err := resp.Location()
	if err != nil {
		return "", &TransferError{Op: op, Ref: ref.Name(), Err: fmt.Errorf("no upload location: %v", err)}
	}
	return u.String(), nil
}

// cancelUpload abandons a blob upload session. Best effort: the registry
// garbage-collects stale sessions anyway, so failures are only logged.
func (c *Client) cancelUpload(ref ociref.Reference, loc string, cred Credential) {
	// The surrounding operation may have failed by cancellation, so the
	// cleanup request carries its own context.
	req, err := c.newRequest(context.Background(), http.MethodDelete, loc, nil)
	if err != nil {
		return
	}
	resp, err := c.do(context.Background(), req, ref, PrivilegeReadWrite, cred)
	if err != nil {
		vlogf("cancel upload %s: %v", loc, err)
		return
	}
	resp.Body.Close()
}
