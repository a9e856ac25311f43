// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/ocimirror/ocimirror/pkg/compress"
)

// Registry implements an OCI Distribution Specification v1.1 registry over
// a Storage backend. It serves as a local mirror target and as the far end
// for client tests.
type Registry struct {
	storage Storage
	auth    *authenticator
	mux     *http.ServeMux
}

// Opts configures a Registry.
type Opts struct {
	Storage Storage

	// Username and Password, when set, require authentication on every
	// request. AuthMode selects how clients prove them.
	Username string
	Password string
	AuthMode AuthMode
}

// New creates a registry with the given options.
func New(opts Opts) *Registry {
	r := &Registry{
		storage: opts.Storage,
		auth:    newAuthenticator(opts),
		mux:     http.NewServeMux(),
	}
	r.setupRoutes()
	return r
}

// NewHandler creates an unauthenticated registry handler over storage.
func NewHandler(storage Storage) http.Handler {
	return New(Opts{Storage: storage})
}

// ListenAndServe starts a registry HTTP server on addr.
func ListenAndServe(addr string, opts Opts) error {
	return http.ListenAndServe(addr, New(opts))
}

// PathType represents the type of registry operation
type PathType int

const (
	PathTypeUnknown PathType = iota
	PathTypeManifest
	PathTypeBlob
	PathTypeBlobUploadInit
	PathTypeBlobUpload
	PathTypeTagsList
)

func (pt PathType) String() string {
	switch pt {
	case PathTypeManifest:
		return "manifest"
	case PathTypeBlob:
		return "blob"
	case PathTypeBlobUploadInit:
		return "blob_upload_init"
	case PathTypeBlobUpload:
		return "blob_upload"
	case PathTypeTagsList:
		return "tags_list"
	default:
		return "unknown"
	}
}

// RegistryPath holds the parsed components of a registry path
type RegistryPath struct {
	Type      PathType
	Repo      string
	Reference string // For manifests: tag or digest; for blobs: digest; for uploads: uuid
}

// ParseRegistryPath parses a Docker Registry V2 API path
func ParseRegistryPath(path string) (*RegistryPath, error) {
	path = strings.Trim(path, "/")
	parts := strings.Split(path, "/")

	if len(parts) < 2 || parts[0] != "v2" {
		return nil, fmt.Errorf("path must start with /v2/")
	}
	if len(parts) < 3 {
		return nil, fmt.Errorf("path too short")
	}

	// Repo names can have slashes, so scan for the operation segment to
	// find where the repo ends.
	var opIdx int
	var op string
	for i := 1; i < len(parts); i++ {
		if parts[i] == "manifests" || parts[i] == "blobs" || parts[i] == "tags" {
			opIdx = i
			op = parts[i]
			break
		}
	}
	if op == "" {
		return nil, fmt.Errorf("no valid operation found (manifests/blobs/tags)")
	}

	repo := strings.Join(parts[1:opIdx], "/")
	if repo == "" {
		return nil, fmt.Errorf("empty repository name")
	}

	result := &RegistryPath{Repo: repo}

	switch op {
	case "manifests":
		// /v2/<repo>/manifests/<reference>
		if len(parts) <= opIdx+1 {
			return nil, fmt.Errorf("manifests path missing reference")
		}
		result.Type = PathTypeManifest
		result.Reference = strings.Join(parts[opIdx+1:], "/")

	case "blobs":
		// /v2/<repo>/blobs/<digest>
		// /v2/<repo>/blobs/uploads/
		// /v2/<repo>/blobs/uploads/<uuid>
		if len(parts) <= opIdx+1 {
			return nil, fmt.Errorf("blobs path missing subpath")
		}
		if parts[opIdx+1] == "uploads" {
			if len(parts) == opIdx+2 {
				result.Type = PathTypeBlobUploadInit
			} else {
				result.Type = PathTypeBlobUpload
				result.Reference = parts[opIdx+2]
			}
		} else {
			result.Type = PathTypeBlob
			result.Reference = parts[opIdx+1]
		}

	case "tags":
		// /v2/<repo>/tags/list
		if len(parts) <= opIdx+1 || parts[opIdx+1] != "list" {
			return nil, fmt.Errorf("tags path must be tags/list")
		}
		result.Type = PathTypeTagsList

	default:
		return nil, fmt.Errorf("unknown operation: %s", op)
	}

	return result, nil
}

// setupRoutes configures all OCI Distribution Spec routes.
func (r *Registry) setupRoutes() {
	r.mux.HandleFunc("/v2", r.handleAPIVersion)
	r.mux.HandleFunc("/token", r.auth.handleToken)
	r.mux.HandleFunc("/v2/", func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/v2/" {
			r.handleAPIVersion(w, req)
			return
		}
		result, err := ParseRegistryPath(req.URL.Path)
		if err != nil {
			r.vlog("ParseRegistryPath(%s) error: %v", req.URL.Path, err)
			http.NotFound(w, req)
			return
		}
		r.vlog("%s result: %+v", req.URL.Path, result)
		switch result.Type {
		case PathTypeManifest:
			r.handleManifest(w, req, result.Repo, result.Reference)
		case PathTypeBlob:
			r.handleBlob(w, req, result.Repo, result.Reference)
		case PathTypeBlobUploadInit:
			r.handleBlobUploadInitiate(w, req, result.Repo)
		case PathTypeBlobUpload:
			r.handleBlobUpload(w, req, result.Repo, result.Reference)
		case PathTypeTagsList:
			r.handleTagsList(w, req, result.Repo)
		default:
			log.Println("unknown path type", result.Type)
		}
	})
}

// ServeHTTP implements http.Handler for the registry.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/token" && !r.auth.authorize(w, req) {
		return
	}
	r.mux.ServeHTTP(w, req)
}

// handleAPIVersion handles the /v2/ endpoint (OCI API version check).
func (r *Registry) handleAPIVersion(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, ErrCodeUnsupported, "method not allowed", nil)
		return
	}
	w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
	w.WriteHeader(http.StatusOK)
}

const verbose = false

func (r *Registry) vlog(format string, args ...any) {
	if verbose {
		log.Printf(format, args...)
	}
}

// handleManifest handles manifest operations.
func (r *Registry) handleManifest(w http.ResponseWriter, req *http.Request, repo, reference string) {
	switch req.Method {
	case http.MethodGet:
		r.handleManifestGet(w, req, repo, reference)
	case http.MethodHead:
		r.handleManifestHead(w, req, repo, reference)
	case http.MethodPut:
		r.handleManifestPut(w, req, repo, reference)
	case http.MethodDelete:
		r.handleManifestDelete(w, req, repo, reference)
	default:
		WriteError(w, http.StatusMethodNotAllowed, ErrCodeUnsupported, "method not allowed", nil)
	}
}

// acceptable reports whether the stored media type satisfies the request's
// Accept header. No Accept header means anything goes.
func acceptable(req *http.Request, mediaType string) bool {
	accept := req.Header.Get("Accept")
	if accept == "" || mediaType == "" {
		return true
	}
	for _, part := range strings.Split(accept, ",") {
		mt, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if mt == mediaType || mt == "*/*" || mt == "application/*" {
			return true
		}
	}
	return false
}

func (r *Registry) openManifest(w http.ResponseWriter, req *http.Request, repo, reference string) *Manifest {
	mf, err := r.storage.GetManifest(req.Context(), repo, reference)
	if err != nil {
		r.vlog("GetManifest(%s, %s) error: %v", repo, reference, err)
		if errors.Is(err, ErrManifestNotFound) {
			WriteError(w, http.StatusNotFound, ErrCodeManifestUnknown, "manifest not found", nil)
			return nil
		}
		WriteError(w, http.StatusInternalServerError, ErrCodeManifestInvalid, err.Error(), nil)
		return nil
	}
	if !acceptable(req, mf.MediaType) {
		mf.Data.Close()
		WriteError(w, http.StatusNotFound, ErrCodeManifestUnknown,
			fmt.Sprintf("manifest media type %s not acceptable", mf.MediaType), nil)
		return nil
	}
	if mf.MediaType == "" {
		mf.MediaType = "application/vnd.oci.image.manifest.v1+json"
	}
	w.Header().Set("Content-Type", mf.MediaType)
	w.Header().Set("Docker-Content-Digest", mf.Digest.String())
	w.Header().Set("Content-Length", strconv.FormatInt(mf.Size, 10))
	return mf
}

// handleManifestGet retrieves a manifest.
func (r *Registry) handleManifestGet(w http.ResponseWriter, req *http.Request, repo, reference string) {
	r.vlog("handleManifestGet %s %s", repo, reference)
	mf := r.openManifest(w, req, repo, reference)
	if mf == nil {
		return
	}
	defer mf.Data.Close()

	if encoding := compress.SelectEncoding(req.Header.Get("Accept-Encoding")); encoding != "" {
		cw, err := compress.NewResponseWriter(w, encoding)
		if err == nil {
			defer cw.Close()
			w = cw
		}
	}
	w.WriteHeader(http.StatusOK)
	io.Copy(w, mf.Data)
}

// handleManifestHead checks if a manifest exists.
func (r *Registry) handleManifestHead(w http.ResponseWriter, req *http.Request, repo, reference string) {
	r.vlog("handleManifestHead %s %s", repo, reference)
	mf := r.openManifest(w, req, repo, reference)
	if mf == nil {
		return
	}
	mf.Data.Close()
	w.WriteHeader(http.StatusOK)
}

// handleManifestPut uploads a manifest. The body is stored byte for byte;
// the digest the registry reports is the digest of exactly those bytes.
func (r *Registry) handleManifestPut(w http.ResponseWriter, req *http.Request, repo, reference string) {
	r.vlog("handleManifestPut %s %s", repo, reference)

	if err := compress.DecompressRequest(req); err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeManifestInvalid,
			"failed to decompress request body", nil)
		return
	}
	data, err := io.ReadAll(req.Body)
	if err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeManifestInvalid, "failed to read manifest", nil)
		return
	}
	req.Body.Close()

	mediaType := req.Header.Get("Content-Type")
	if mediaType == "" {
		mediaType = "application/vnd.oci.image.manifest.v1+json"
	}

	dgst, err := r.storage.PutManifest(req.Context(), repo, reference, mediaType, data)
	if err != nil {
		if errors.Is(err, ErrDigestMismatch) {
			WriteError(w, http.StatusBadRequest, ErrCodeDigestInvalid, err.Error(), nil)
			return
		}
		WriteError(w, http.StatusInternalServerError, ErrCodeManifestInvalid, err.Error(), nil)
		return
	}

	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/manifests/%s", repo, dgst))
	w.WriteHeader(http.StatusCreated)
}

// handleManifestDelete deletes a manifest. Deletion is by digest; deleting
// through a tag is not supported, matching registry behavior that clients
// resolve tags before deleting.
func (r *Registry) handleManifestDelete(w http.ResponseWriter, req *http.Request, repo, reference string) {
	dgst, err := digest.Parse(reference)
	if err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeDigestInvalid, "deletion requires a digest reference", nil)
		return
	}
	if err := r.storage.DeleteManifest(req.Context(), repo, dgst); err != nil {
		if errors.Is(err, ErrManifestNotFound) {
			WriteError(w, http.StatusNotFound, ErrCodeManifestUnknown, "manifest not found", nil)
			return
		}
		WriteError(w, http.StatusInternalServerError, ErrCodeManifestInvalid, err.Error(), nil)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleTagsList lists a repository's tags, honoring the n and last
// pagination parameters and emitting an RFC 5988 Link header when a next
// page exists.
func (r *Registry) handleTagsList(w http.ResponseWriter, req *http.Request, repo string) {
	if req.Method != http.MethodGet {
		WriteError(w, http.StatusMethodNotAllowed, ErrCodeUnsupported, "method not allowed", nil)
		return
	}
	tags, err := r.storage.Tags(req.Context(), repo)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrCodeNameUnknown, err.Error(), nil)
		return
	}

	if last := req.URL.Query().Get("last"); last != "" {
		i := sort.SearchStrings(tags, last)
		if i < len(tags) && tags[i] == last {
			i++
		}
		tags = tags[i:]
	}

	var truncated bool
	if nStr := req.URL.Query().Get("n"); nStr != "" {
		n, err := strconv.Atoi(nStr)
		if err != nil || n < 0 {
			WriteError(w, http.StatusBadRequest, ErrCodeUnsupported, "invalid n parameter", nil)
			return
		}
		if n < len(tags) {
			tags = tags[:n]
			truncated = true
		}
	}

	if truncated && len(tags) > 0 {
		next := url.Values{
			"n":    []string{req.URL.Query().Get("n")},
			"last": []string{tags[len(tags)-1]},
		}
		w.Header().Set("Link", fmt.Sprintf(`</v2/%s/tags/list?%s>; rel="next"`, repo, next.Encode()))
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, http.StatusOK, struct {
		Name string   `json:"name"`
		Tags []string `json:"tags"`
	}{Name: repo, Tags: tags})
}

// handleBlob handles blob operations.
func (r *Registry) handleBlob(w http.ResponseWriter, req *http.Request, repo, reference string) {
	dgst, err := digest.Parse(reference)
	if err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeDigestInvalid, "invalid digest", nil)
		return
	}
	switch req.Method {
	case http.MethodGet:
		r.handleBlobGet(w, req, dgst)
	case http.MethodHead:
		r.handleBlobHead(w, req, dgst)
	case http.MethodDelete:
		r.handleBlobDelete(w, req, dgst)
	default:
		WriteError(w, http.StatusMethodNotAllowed, ErrCodeUnsupported, "method not allowed", nil)
	}
}

// handleBlobGet retrieves a blob.
func (r *Registry) handleBlobGet(w http.ResponseWriter, req *http.Request, dgst digest.Digest) {
	rc, size, err := r.storage.GetBlob(req.Context(), dgst)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			WriteError(w, http.StatusNotFound, ErrCodeBlobUnknown, "blob not found", nil)
			return
		}
		WriteError(w, http.StatusInternalServerError, ErrCodeBlobUnknown, err.Error(), nil)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Docker-Content-Digest", dgst.String())

	if encoding := compress.SelectEncoding(req.Header.Get("Accept-Encoding")); encoding != "" {
		cw, err := compress.NewResponseWriter(w, encoding)
		if err == nil {
			defer cw.Close()
			w = cw
		}
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.WriteHeader(http.StatusOK)
	io.Copy(w, rc)
}

// handleBlobHead checks if a blob exists.
func (r *Registry) handleBlobHead(w http.ResponseWriter, req *http.Request, dgst digest.Digest) {
	size, err := r.storage.StatBlob(req.Context(), dgst)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
}

// handleBlobDelete deletes a blob.
func (r *Registry) handleBlobDelete(w http.ResponseWriter, req *http.Request, dgst digest.Digest) {
	if err := r.storage.DeleteBlob(req.Context(), dgst); err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			WriteError(w, http.StatusNotFound, ErrCodeBlobUnknown, "blob not found", nil)
			return
		}
		WriteError(w, http.StatusInternalServerError, ErrCodeBlobUnknown, err.Error(), nil)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleBlobUploadInitiate initiates a blob upload.
func (r *Registry) handleBlobUploadInitiate(w http.ResponseWriter, req *http.Request, repo string) {
	if req.Method != http.MethodPost {
		WriteError(w, http.StatusMethodNotAllowed, ErrCodeUnsupported, "method not allowed", nil)
		return
	}

	// Cross-repository blob mount. The blob store is shared, so a mount
	// is just an existence check.
	if mount := req.URL.Query().Get("mount"); mount != "" && req.URL.Query().Get("from") != "" {
		if dgst, err := digest.Parse(mount); err == nil {
			if _, err := r.storage.StatBlob(req.Context(), dgst); err == nil {
				w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", repo, dgst))
				w.Header().Set("Docker-Content-Digest", dgst.String())
				w.WriteHeader(http.StatusCreated)
				return
			}
		}
		// Mount failed; fall through to a regular upload session.
	}

	session, err := r.storage.NewUpload(req.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, ErrCodeBlobUploadInvalid, err.Error(), nil)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s", repo, session.ID))
	w.Header().Set("Range", "0-0")
	w.Header().Set("Docker-Upload-UUID", session.ID)
	w.WriteHeader(http.StatusAccepted)
}

// handleBlobUpload handles an ongoing blob upload.
func (r *Registry) handleBlobUpload(w http.ResponseWriter, req *http.Request, repo, id string) {
	switch req.Method {
	case http.MethodPatch:
		r.handleBlobUploadChunk(w, req, repo, id)
	case http.MethodPut:
		r.handleBlobUploadComplete(w, req, repo, id)
	case http.MethodGet:
		r.handleBlobUploadStatus(w, req, repo, id)
	case http.MethodDelete:
		r.handleBlobUploadCancel(w, req, repo, id)
	default:
		WriteError(w, http.StatusMethodNotAllowed, ErrCodeUnsupported, "method not allowed", nil)
	}
}

// handleBlobUploadChunk handles chunked upload.
func (r *Registry) handleBlobUploadChunk(w http.ResponseWriter, req *http.Request, repo, id string) {
	if err := compress.DecompressRequest(req); err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeBlobUploadInvalid,
			"failed to decompress request body", nil)
		return
	}
	session, err := r.storage.AppendUpload(req.Context(), id, req.Body)
	if err != nil {
		if errors.Is(err, ErrUploadNotFound) {
			WriteError(w, http.StatusNotFound, ErrCodeBlobUploadUnknown, "upload not found", nil)
			return
		}
		WriteError(w, http.StatusInternalServerError, ErrCodeBlobUploadInvalid, "failed to write chunk", nil)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s", repo, id))
	w.Header().Set("Range", fmt.Sprintf("0-%d", session.Written-1))
	w.Header().Set("Docker-Upload-UUID", id)
	w.WriteHeader(http.StatusAccepted)
}

// handleBlobUploadComplete completes a blob upload.
func (r *Registry) handleBlobUploadComplete(w http.ResponseWriter, req *http.Request, repo, id string) {
	if err := compress.DecompressRequest(req); err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeBlobUploadInvalid,
			"failed to decompress request body", nil)
		return
	}
	expected, err := digest.Parse(req.URL.Query().Get("digest"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, ErrCodeDigestInvalid, "digest parameter required", nil)
		return
	}

	// The final PUT may carry trailing content.
	if _, err := r.storage.AppendUpload(req.Context(), id, req.Body); err != nil {
		if errors.Is(err, ErrUploadNotFound) {
			WriteError(w, http.StatusNotFound, ErrCodeBlobUploadUnknown, "upload not found", nil)
			return
		}
		WriteError(w, http.StatusInternalServerError, ErrCodeBlobUploadInvalid, "failed to write chunk", nil)
		return
	}

	dgst, err := r.storage.CompleteUpload(req.Context(), id, expected)
	if err != nil {
		if errors.Is(err, ErrDigestMismatch) {
			WriteError(w, http.StatusBadRequest, ErrCodeDigestInvalid, err.Error(), nil)
			return
		}
		WriteError(w, http.StatusInternalServerError, ErrCodeBlobUploadInvalid, err.Error(), nil)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", repo, dgst))
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.WriteHeader(http.StatusCreated)
}

// handleBlobUploadStatus returns the status of an upload.
func (r *Registry) handleBlobUploadStatus(w http.ResponseWriter, req *http.Request, repo, id string) {
	session, err := r.storage.GetUpload(req.Context(), id)
	if err != nil {
		WriteError(w, http.StatusNotFound, ErrCodeBlobUploadUnknown, "upload not found", nil)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s", repo, id))
	if n := session.Written; n > 0 {
		w.Header().Set("Range", fmt.Sprintf("0-%d", n-1))
	} else {
		w.Header().Set("Range", "0-0")
	}
	w.Header().Set("Docker-Upload-UUID", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleBlobUploadCancel cancels an upload.
func (r *Registry) handleBlobUploadCancel(w http.ResponseWriter, req *http.Request, repo, id string) {
	if err := r.storage.AbortUpload(req.Context(), id); err != nil {
		WriteError(w, http.StatusNotFound, ErrCodeBlobUploadUnknown, "upload not found", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
