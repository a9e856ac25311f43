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
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ocimirror/ocimirror/pkg/ociref"
	"github.com/ocimirror/ocimirror/pkg/registry"
)

func newTestRegistry(t *testing.T, opts registry.Opts) *httptest.Server {
	t.Helper()
	store, err := registry.NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystemStore: %v", err)
	}
	opts.Storage = store
	server := httptest.NewServer(registry.New(opts))
	t.Cleanup(server.Close)
	return server
}

func testClient(opts ClientOpts) *Client {
	opts.PlainHTTP = func(string) bool { return true }
	return NewClient(opts)
}

// testRef points into a test server's registry.
func testRef(server *httptest.Server, repo, tag string) ociref.Reference {
	host := strings.TrimPrefix(server.URL, "http://")
	return ociref.Reference{Host: host, Repository: repo, Tag: tag}
}

func testManifest(t *testing.T, layers ...digest.Digest) []byte {
	t.Helper()
	m := ocispec.Manifest{
		MediaType: ocispec.MediaTypeImageManifest,
		Config: ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageConfig,
			Digest:    digest.FromString("config"),
			Size:      6,
		},
	}
	m.SchemaVersion = 2
	for _, l := range layers {
		m.Layers = append(m.Layers, ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageLayerGzip,
			Digest:    l,
		})
	}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	return data
}

func TestPushAndFetchBlob(t *testing.T) {
	server := newTestRegistry(t, registry.Opts{})
	client := testClient(ClientOpts{})
	ref := testRef(server, "app/web", "v1")
	ctx := context.Background()

	content := []byte("layer content for push and fetch")
	want := digest.FromBytes(content)

	got, err := client.PushBlob(ctx, ref, want, bytes.NewReader(content))
	if err != nil {
		t.Fatalf("PushBlob: %v", err)
	}
	if got != want {
		t.Fatalf("PushBlob digest = %s, want %s", got, want)
	}

	ok, err := client.BlobExists(ctx, ref, want)
	if err != nil {
		t.Fatalf("BlobExists: %v", err)
	}
	if !ok {
		t.Fatal("BlobExists = false after push")
	}

	rc, size, err := client.Blob(ctx, ref, want)
	if err != nil {
		t.Fatalf("Blob: %v", err)
	}
	back, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	if err := rc.Close(); err != nil {
		t.Fatalf("close blob: %v", err)
	}
	if !bytes.Equal(back, content) {
		t.Error("blob content does not round-trip")
	}
	if size != int64(len(content)) {
		t.Errorf("size = %d, want %d", size, len(content))
	}
}

func TestPushBlobUnknownDigestUpfront(t *testing.T) {
	server := newTestRegistry(t, registry.Opts{})
	client := testClient(ClientOpts{})
	ref := testRef(server, "app/web", "v1")

	content := []byte("content with digest computed while streaming")
	got, err := client.PushBlob(context.Background(), ref, "", bytes.NewReader(content))
	if err != nil {
		t.Fatalf("PushBlob: %v", err)
	}
	if want := digest.FromBytes(content); got != want {
		t.Fatalf("PushBlob digest = %s, want %s", got, want)
	}
}

func TestBlobNotFound(t *testing.T) {
	server := newTestRegistry(t, registry.Opts{})
	client := testClient(ClientOpts{})
	ref := testRef(server, "app/web", "v1")

	_, _, err := client.Blob(context.Background(), ref, digest.FromString("missing"))
	if !errors.Is(err, ErrBlobNotFound) {
		t.Fatalf("Blob error = %v, want ErrBlobNotFound", err)
	}
}

func TestBlobCorruptContentDetected(t *testing.T) {
	// A handler that serves bytes that do not hash to the requested
	// digest. The verifying reader must catch it.
	claimed := digest.FromString("what the registry claims to have")
	handler := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if strings.Contains(req.URL.Path, "/blobs/") {
			w.WriteHeader(http.StatusOK)
			io.WriteString(w, "entirely different bytes")
			return
		}
		http.NotFound(w, req)
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	client := testClient(ClientOpts{})
	ref := testRef(server, "app/web", "v1")

	rc, _, err := client.Blob(context.Background(), ref, claimed)
	if err != nil {
		t.Fatalf("Blob: %v", err)
	}
	_, readErr := io.ReadAll(rc)
	closeErr := rc.Close()
	var mismatch *DigestMismatchError
	if !errors.As(readErr, &mismatch) && !errors.As(closeErr, &mismatch) {
		t.Fatalf("read err = %v, close err = %v, want DigestMismatchError", readErr, closeErr)
	}
	if mismatch.Actual == "" {
		t.Error("DigestMismatchError.Actual is empty, want the computed digest")
	}
	if want := digest.FromString("entirely different bytes"); mismatch.Actual != want {
		t.Errorf("DigestMismatchError.Actual = %s, want %s", mismatch.Actual, want)
	}
}

func TestBlobShortReadDetected(t *testing.T) {
	content := []byte("the full blob content, of which only half is served")
	dgst := digest.FromBytes(content)
	handler := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if strings.Contains(req.URL.Path, "/blobs/") {
			// Claim the full length but serve half, producing a
			// truncated stream.
			w.Header().Set("Content-Length", fmt.Sprint(len(content)))
			w.WriteHeader(http.StatusOK)
			w.Write(content[:len(content)/2])
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			panic(http.ErrAbortHandler)
		}
		http.NotFound(w, req)
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	client := testClient(ClientOpts{})
	ref := testRef(server, "app/web", "v1")

	rc, _, err := client.Blob(context.Background(), ref, dgst)
	if err != nil {
		t.Fatalf("Blob: %v", err)
	}
	// Truncation is a transfer fault the caller may retry, not an
	// integrity violation.
	_, readErr := io.ReadAll(rc)
	closeErr := rc.Close()
	var transfer *TransferError
	if !errors.As(readErr, &transfer) && !errors.As(closeErr, &transfer) {
		t.Fatalf("read err = %v, close err = %v, want TransferError", readErr, closeErr)
	}
	var mismatch *DigestMismatchError
	if errors.As(readErr, &mismatch) || errors.As(closeErr, &mismatch) {
		t.Fatalf("truncated stream reported DigestMismatchError, want TransferError only")
	}
}

func TestBlobAbandonedBeforeVerification(t *testing.T) {
	server := newTestRegistry(t, registry.Opts{})
	client := testClient(ClientOpts{})
	ref := testRef(server, "app/web", "v1")
	ctx := context.Background()

	content := []byte("blob abandoned before reading it all")
	dgst, err := client.PushBlob(ctx, ref, "", bytes.NewReader(content))
	if err != nil {
		t.Fatalf("PushBlob: %v", err)
	}

	rc, _, err := client.Blob(ctx, ref, dgst)
	if err != nil {
		t.Fatalf("Blob: %v", err)
	}
	// Close without consuming the stream: the content was never verified.
	var transfer *TransferError
	if err := rc.Close(); !errors.As(err, &transfer) {
		t.Fatalf("Close error = %v, want TransferError", err)
	}
}

func TestRawManifestRoundTrip(t *testing.T) {
	server := newTestRegistry(t, registry.Opts{})
	client := testClient(ClientOpts{})
	ref := testRef(server, "app/web", "v1")
	ctx := context.Background()

	data := testManifest(t, digest.FromString("layer"))
	putDigest, err := client.PutManifest(ctx, ref, ocispec.MediaTypeImageManifest, data)
	if err != nil {
		t.Fatalf("PutManifest: %v", err)
	}

	raw, desc, err := client.RawManifest(ctx, ref)
	if err != nil {
		t.Fatalf("RawManifest: %v", err)
	}
	if !bytes.Equal(raw, data) {
		t.Error("manifest bytes do not round-trip")
	}
	if desc.Digest != putDigest {
		t.Errorf("descriptor digest = %s, want %s", desc.Digest, putDigest)
	}
	if desc.MediaType != ocispec.MediaTypeImageManifest {
		t.Errorf("descriptor media type = %q", desc.MediaType)
	}

	// Fetch by digest must verify the content against the reference.
	raw2, _, err := client.RawManifest(ctx, ref.WithDigest(putDigest))
	if err != nil {
		t.Fatalf("RawManifest by digest: %v", err)
	}
	if diff := cmp.Diff(raw, raw2); diff != "" {
		t.Errorf("by-digest fetch mismatch (-tag +digest):\n%s", diff)
	}
}

func TestManifestNotFound(t *testing.T) {
	server := newTestRegistry(t, registry.Opts{})
	client := testClient(ClientOpts{})
	ref := testRef(server, "app/web", "no-such-tag")

	_, _, err := client.RawManifest(context.Background(), ref)
	if !errors.Is(err, ErrManifestNotFound) {
		t.Fatalf("RawManifest error = %v, want ErrManifestNotFound", err)
	}

	ok, err := client.Exists(context.Background(), ref)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Fatal("Exists = true for absent manifest")
	}
}

func TestExistsFallsBackToSingleManifest(t *testing.T) {
	server := newTestRegistry(t, registry.Opts{})
	client := testClient(ClientOpts{})
	ref := testRef(server, "app/web", "v1")
	ctx := context.Background()

	// Stored as a single manifest: the first HEAD, which asks for
	// manifest-list forms, finds nothing; the fallback must.
	data := testManifest(t)
	if _, err := client.PutManifest(ctx, ref, ocispec.MediaTypeImageManifest, data); err != nil {
		t.Fatalf("PutManifest: %v", err)
	}

	ok, err := client.Exists(ctx, ref)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Fatal("Exists = false for stored single manifest")
	}
}

func TestDeleteManifestByTag(t *testing.T) {
	server := newTestRegistry(t, registry.Opts{})
	client := testClient(ClientOpts{})
	ref := testRef(server, "app/web", "v1")
	ctx := context.Background()

	data := testManifest(t)
	if _, err := client.PutManifest(ctx, ref, ocispec.MediaTypeImageManifest, data); err != nil {
		t.Fatalf("PutManifest: %v", err)
	}

	// Tag references resolve to their digest before deletion.
	if err := client.DeleteManifest(ctx, ref); err != nil {
		t.Fatalf("DeleteManifest: %v", err)
	}
	ok, err := client.Exists(ctx, ref)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Fatal("manifest still exists after delete")
	}

	if err := client.DeleteManifest(ctx, ref); !errors.Is(err, ErrManifestNotFound) {
		t.Fatalf("second delete error = %v, want ErrManifestNotFound", err)
	}
}

func TestTagsFollowsPagination(t *testing.T) {
	server := newTestRegistry(t, registry.Opts{})
	client := testClient(ClientOpts{})
	ref := testRef(server, "app/web", "")
	ctx := context.Background()

	want := []string{"v1.0.0", "v1.1.0", "v2.0.0"}
	for _, tag := range want {
		if _, err := client.PutManifest(ctx, ref.WithTag(tag), ocispec.MediaTypeImageManifest, testManifest(t)); err != nil {
			t.Fatalf("PutManifest(%s): %v", tag, err)
		}
	}

	got, err := client.Tags(ctx, ref)
	if err != nil {
		t.Fatalf("Tags: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Tags mismatch (-want +got):\n%s", diff)
	}
}

func TestTagsAcrossLinkedPages(t *testing.T) {
	// A handler that always paginates, regardless of query parameters.
	pages := map[string]struct {
		tags []string
		next string
	}{
		"":  {tags: []string{"a", "b"}, next: "/v2/app/web/tags/list?last=b&n=2"},
		"b": {tags: []string{"c", "d"}, next: "/v2/app/web/tags/list?last=d&n=2"},
		"d": {tags: []string{"e"}},
	}
	handler := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		page, ok := pages[req.URL.Query().Get("last")]
		if !ok {
			http.NotFound(w, req)
			return
		}
		if page.next != "" {
			w.Header().Set("Link", fmt.Sprintf(`<%s>; rel="next"`, page.next))
		}
		json.NewEncoder(w).Encode(map[string]any{"name": "app/web", "tags": page.tags})
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	client := testClient(ClientOpts{})
	got, err := client.Tags(context.Background(), testRef(server, "app/web", ""))
	if err != nil {
		t.Fatalf("Tags: %v", err)
	}
	want := []string{"a", "b", "c", "d", "e"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Tags mismatch (-want +got):\n%s", diff)
	}
}

func TestTagsRepositoryNotFound(t *testing.T) {
	// Registries report an unknown repository as a 404 on tags/list.
	handler := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"errors":[{"code":"NAME_UNKNOWN","message":"repository name not known to registry"}]}`)
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	client := testClient(ClientOpts{})
	_, err := client.Tags(context.Background(), testRef(server, "no/such", ""))
	if !errors.Is(err, ErrRepositoryNotFound) {
		t.Fatalf("Tags error = %v, want ErrRepositoryNotFound", err)
	}
}

func TestBearerAuthFlow(t *testing.T) {
	server := newTestRegistry(t, registry.Opts{
		Username: "mirror",
		Password: "s3cret",
		AuthMode: registry.AuthBearer,
	})
	creds := func(ref ociref.Reference, priv Privilege, allowAnonymous bool) (Credential, error) {
		return Credential{Username: "mirror", Password: "s3cret"}, nil
	}
	client := testClient(ClientOpts{Credentials: creds})
	ref := testRef(server, "app/web", "v1")
	ctx := context.Background()

	// The put triggers a bearer challenge, a token fetch, and a replay.
	data := testManifest(t)
	if _, err := client.PutManifest(ctx, ref, ocispec.MediaTypeImageManifest, data); err != nil {
		t.Fatalf("PutManifest through bearer auth: %v", err)
	}
	raw, _, err := client.RawManifest(ctx, ref)
	if err != nil {
		t.Fatalf("RawManifest through bearer auth: %v", err)
	}
	if !bytes.Equal(raw, data) {
		t.Error("manifest does not round-trip through bearer auth")
	}
}

func TestBearerAuthBadCredentials(t *testing.T) {
	server := newTestRegistry(t, registry.Opts{
		Username: "mirror",
		Password: "s3cret",
		AuthMode: registry.AuthBearer,
	})
	creds := func(ref ociref.Reference, priv Privilege, allowAnonymous bool) (Credential, error) {
		return Credential{Username: "mirror", Password: "wrong"}, nil
	}
	client := testClient(ClientOpts{Credentials: creds})
	ref := testRef(server, "app/web", "v1")

	_, _, err := client.RawManifest(context.Background(), ref)
	if !errors.Is(err, ErrCredentialsUnavailable) {
		t.Fatalf("RawManifest error = %v, want ErrCredentialsUnavailable", err)
	}
}

func TestBasicAuthFlow(t *testing.T) {
	server := newTestRegistry(t, registry.Opts{
		Username: "mirror",
		Password: "s3cret",
		AuthMode: registry.AuthBasic,
	})
	creds := func(ref ociref.Reference, priv Privilege, allowAnonymous bool) (Credential, error) {
		return Credential{Username: "mirror", Password: "s3cret"}, nil
	}
	client := testClient(ClientOpts{Credentials: creds})
	ref := testRef(server, "app/web", "v1")
	ctx := context.Background()

	data := testManifest(t)
	if _, err := client.PutManifest(ctx, ref, ocispec.MediaTypeImageManifest, data); err != nil {
		t.Fatalf("PutManifest through basic auth: %v", err)
	}
	if _, _, err := client.RawManifest(ctx, ref); err != nil {
		t.Fatalf("RawManifest through basic auth: %v", err)
	}
}

func TestPushBlobMismatchCancelsSession(t *testing.T) {
	store, err := registry.NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystemStore: %v", err)
	}
	rec := &requestRecorder{next: registry.NewHandler(store)}
	server := httptest.NewServer(rec)
	defer server.Close()

	client := testClient(ClientOpts{})
	ref := testRef(server, "app/web", "v1")

	wrong := digest.FromString("not the content that is pushed")
	_, err = client.PushBlob(context.Background(), ref, wrong, strings.NewReader("actual content"))
	var mismatch *DigestMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("PushBlob error = %v, want DigestMismatchError", err)
	}

	if !rec.sawUploadCancel() {
		t.Error("no upload session DELETE after failed push")
	}
}

// requestRecorder passes requests through and remembers method+path pairs.
type requestRecorder struct {
	next http.Handler

	mu   sync.Mutex
	seen []string
}

func (r *requestRecorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.seen = append(r.seen, req.Method+" "+req.URL.Path)
	r.mu.Unlock()
	r.next.ServeHTTP(w, req)
}

func (r *requestRecorder) sawUploadCancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.seen {
		if strings.HasPrefix(s, "DELETE ") && strings.Contains(s, "/blobs/uploads/") {
			return true
		}
	}
	return false
}

func TestPoolSlotReleasedOnFailure(t *testing.T) {
	server := newTestRegistry(t, registry.Opts{})
	client := testClient(ClientOpts{Concurrency: 1})
	ref := testRef(server, "app/web", "missing")

	// With a single slot, a leaked release would deadlock the second
	// request. Run several failing and succeeding operations back to back
	// under a deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		if _, _, err := client.RawManifest(ctx, ref); !errors.Is(err, ErrManifestNotFound) {
			t.Fatalf("RawManifest error = %v, want ErrManifestNotFound", err)
		}
	}
	content := []byte("pool release probe")
	if _, err := client.PushBlob(ctx, ref, digest.FromBytes(content), bytes.NewReader(content)); err != nil {
		t.Fatalf("PushBlob: %v", err)
	}
	if _, err := client.StatBlob(ctx, ref, digest.FromBytes(content)); err != nil {
		t.Fatalf("StatBlob: %v", err)
	}
}
