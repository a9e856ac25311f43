// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"tailscale.com/syncs"
)

var (
	// ErrBlobNotFound indicates the blob is not in storage.
	ErrBlobNotFound = errors.New("blob not found")
	// ErrManifestNotFound indicates no manifest for the reference.
	ErrManifestNotFound = errors.New("manifest not found")
	// ErrUploadNotFound indicates the upload session is unknown.
	ErrUploadNotFound = errors.New("upload not found")
	// ErrDigestMismatch indicates content does not hash to the claimed digest.
	ErrDigestMismatch = errors.New("digest mismatch")
)

// Manifest is a stored manifest opened for reading.
type Manifest struct {
	MediaType string
	Digest    digest.Digest
	Size      int64
	Data      io.ReadCloser
}

// Storage is the registry's content store: a shared content-addressed blob
// store, per-repository manifests indexed by tag and by digest, and blob
// upload sessions.
type Storage interface {
	// GetBlob opens a blob by digest as a stream, returning its size.
	GetBlob(ctx context.Context, dgst digest.Digest) (io.ReadCloser, int64, error)
	// StatBlob returns the size of a blob by digest.
	StatBlob(ctx context.Context, dgst digest.Digest) (int64, error)
	// DeleteBlob removes a blob.
	DeleteBlob(ctx context.Context, dgst digest.Digest) error

	// GetManifest opens the manifest for a tag or digest reference.
	GetManifest(ctx context.Context, repo, reference string) (*Manifest, error)
	// PutManifest stores manifest bytes under a tag or digest reference.
	// The manifest is always indexed by digest; a tag reference also
	// points the tag at it.
	PutManifest(ctx context.Context, repo, reference, mediaType string, data []byte) (digest.Digest, error)
	// DeleteManifest removes the manifest with the given digest from the
	// repository, along with every tag pointing at it.
	DeleteManifest(ctx context.Context, repo string, dgst digest.Digest) error
	// Tags lists the repository's tags in lexicographic order.
	Tags(ctx context.Context, repo string) ([]string, error)

	// NewUpload opens a blob upload session.
	NewUpload(ctx context.Context) (*UploadSession, error)
	// GetUpload reports the state of an upload session.
	GetUpload(ctx context.Context, id string) (*UploadSession, error)
	// AppendUpload appends content to an upload session.
	AppendUpload(ctx context.Context, id string, r io.Reader) (*UploadSession, error)
	// CompleteUpload finalizes an upload session into a blob, verifying
	// the content against the expected digest.
	CompleteUpload(ctx context.Context, id string, expected digest.Digest) (digest.Digest, error)
	// AbortUpload discards an upload session.
	AbortUpload(ctx context.Context, id string) error
}

// UploadSession reports the state of an ongoing blob upload.
type UploadSession struct {
	ID      string
	Written int64
}

// FilesystemStore implements Storage on a directory tree: blobs in a shared
// two-level content-addressed layout, manifests and tags per repository,
// upload sessions as temp files with the digest computed incrementally while
// chunks arrive.
type FilesystemStore struct {
	root    string
	uploads syncs.Map[string, *fileUpload]

	// tagMu serializes tag index mutations; blob and manifest content is
	// content-addressed and needs no locking.
	tagMu sync.Mutex
}

type fileUpload struct {
	mu       sync.Mutex
	id       string
	digester digest.Digester
	file     *os.File
	written  int64
}

func (f *fileUpload) session() *UploadSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionLocked()
}

func (f *fileUpload) sessionLocked() *UploadSession {
	return &UploadSession{ID: f.id, Written: f.written}
}

var _ Storage = (*FilesystemStore)(nil)

// NewFilesystemStore creates a store rooted at dir, creating it if needed.
func NewFilesystemStore(dir string) (*FilesystemStore, error) {
	for _, sub := range []string{"blobs", "repos", "uploads"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("create %s directory: %w", sub, err)
		}
	}
	return &FilesystemStore{root: dir}, nil
}

func (s *FilesystemStore) blobPath(dgst digest.Digest) string {
	hex := dgst.Encoded()
	if len(hex) < 4 {
		return filepath.Join(s.root, "blobs", dgst.Algorithm().String(), hex)
	}
	return filepath.Join(s.root, "blobs", dgst.Algorithm().String(), hex[:2], hex[2:4], hex)
}

func (s *FilesystemStore) manifestPath(repo string, dgst digest.Digest) string {
	return filepath.Join(s.root, "repos", repo, "manifests", dgst.Algorithm().String(), dgst.Encoded())
}

func (s *FilesystemStore) tagPath(repo, tag string) string {
	return filepath.Join(s.root, "repos", repo, "tags", tag)
}

func (s *FilesystemStore) uploadPath(id string) string {
	return filepath.Join(s.root, "uploads", id)
}

// GetBlob opens a blob by digest as a stream.
func (s *FilesystemStore) GetBlob(ctx context.Context, dgst digest.Digest) (io.ReadCloser, int64, error) {
	f, err := os.Open(s.blobPath(dgst))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrBlobNotFound
		}
		return nil, 0, fmt.Errorf("open blob: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat blob: %w", err)
	}
	return f, st.Size(), nil
}

// StatBlob returns the size of a blob by digest.
func (s *FilesystemStore) StatBlob(ctx context.Context, dgst digest.Digest) (int64, error) {
	st, err := os.Stat(s.blobPath(dgst))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrBlobNotFound
		}
		return 0, fmt.Errorf("stat blob: %w", err)
	}
	return st.Size(), nil
}

// DeleteBlob removes a blob.
func (s *FilesystemStore) DeleteBlob(ctx context.Context, dgst digest.Digest) error {
	if err := os.Remove(s.blobPath(dgst)); err != nil {
		if os.IsNotExist(err) {
			return ErrBlobNotFound
		}
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// resolve maps a tag or digest reference to the manifest digest.
func (s *FilesystemStore) resolve(repo, reference string) (digest.Digest, error) {
	if dgst, err := digest.Parse(reference); err == nil {
		return dgst, nil
	}
	b, err := os.ReadFile(s.tagPath(repo, reference))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrManifestNotFound
		}
		return "", fmt.Errorf("read tag: %w", err)
	}
	dgst, err := digest.Parse(strings.TrimSpace(string(b)))
	if err != nil {
		return "", fmt.Errorf("corrupt tag %s/%s: %w", repo, reference, err)
	}
	return dgst, nil
}

// GetManifest opens the manifest for a tag or digest reference.
func (s *FilesystemStore) GetManifest(ctx context.Context, repo, reference string) (*Manifest, error) {
	dgst, err := s.resolve(repo, reference)
	if err != nil {
		return nil, err
	}
	path := s.manifestPath(repo, dgst)

	mt, err := os.ReadFile(path + ".mediatype")
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read media type: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrManifestNotFound
		}
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat manifest: %w", err)
	}
	return &Manifest{
		MediaType: string(mt),
		Digest:    dgst,
		Size:      st.Size(),
		Data:      f,
	}, nil
}

// PutManifest stores manifest bytes under a tag or digest reference.
func (s *FilesystemStore) PutManifest(ctx context.Context, repo, reference, mediaType string, data []byte) (digest.Digest, error) {
	if mediaType == "" {
		return "", fmt.Errorf("media type is empty")
	}
	dgst := digest.FromBytes(data)

	var tag string
	if ref, err := digest.Parse(reference); err == nil {
		if ref != dgst {
			return "", fmt.Errorf("%w: %s != %s", ErrDigestMismatch, ref, dgst)
		}
	} else {
		tag = reference
	}

	path := s.manifestPath(repo, dgst)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create manifest directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	if err := os.WriteFile(path+".mediatype", []byte(mediaType), 0644); err != nil {
		return "", fmt.Errorf("write media type: %w", err)
	}

	if tag != "" {
		s.tagMu.Lock()
		defer s.tagMu.Unlock()
		tp := s.tagPath(repo, tag)
		if err := os.MkdirAll(filepath.Dir(tp), 0755); err != nil {
			return "", fmt.Errorf("create tags directory: %w", err)
		}
		if err := os.WriteFile(tp, []byte(dgst.String()), 0644); err != nil {
			return "", fmt.Errorf("write tag: %w", err)
		}
	}
	return dgst, nil
}

// DeleteManifest removes a manifest and every tag pointing at it.
func (s *FilesystemStore) DeleteManifest(ctx context.Context, repo string, dgst digest.Digest) error {
	path := s.manifestPath(repo, dgst)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrManifestNotFound
		}
		return fmt.Errorf("delete manifest: %w", err)
	}
	os.Remove(path + ".mediatype")

	s.tagMu.Lock()
	defer s.tagMu.Unlock()
	tags, err := s.tagsLocked(repo)
	if err != nil {
		return err
	}
	for _, tag := range tags {
		tp := s.tagPath(repo, tag)
		b, err := os.ReadFile(tp)
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(b)) == dgst.String() {
			if err := os.Remove(tp); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("delete tag: %w", err)
			}
		}
	}
	return nil
}

// Tags lists the repository's tags in lexicographic order.
func (s *FilesystemStore) Tags(ctx context.Context, repo string) ([]string, error) {
	s.tagMu.Lock()
	defer s.tagMu.Unlock()
	return s.tagsLocked(repo)
}

func (s *FilesystemStore) tagsLocked(repo string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "repos", repo, "tags"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tags: %w", err)
	}
	var tags []string
	for _, e := range entries {
		if !e.IsDir() {
			tags = append(tags, e.Name())
		}
	}
	sort.Strings(tags)
	return tags, nil
}

// NewUpload opens a blob upload session.
func (s *FilesystemStore) NewUpload(ctx context.Context) (*UploadSession, error) {
	fu := &fileUpload{
		id:       uuid.New().String(),
		digester: digest.Canonical.Digester(),
	}
	p := s.uploadPath(fu.id)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	f, err := os.Create(p)
	if err != nil {
		return nil, fmt.Errorf("create upload file: %w", err)
	}
	fu.file = f
	s.uploads.Store(fu.id, fu)
	return fu.session(), nil
}

// GetUpload reports the state of an upload session.
func (s *FilesystemStore) GetUpload(ctx context.Context, id string) (*UploadSession, error) {
	fu, ok := s.uploads.Load(id)
	if !ok {
		return nil, ErrUploadNotFound
	}
	return fu.session(), nil
}

// AppendUpload appends content to an upload session, feeding the running
// digest as the bytes land.
func (s *FilesystemStore) AppendUpload(ctx context.Context, id string, r io.Reader) (*UploadSession, error) {
	fu, ok := s.uploads.Load(id)
	if !ok {
		return nil, ErrUploadNotFound
	}
	fu.mu.Lock()
	defer fu.mu.Unlock()
	n, err := io.Copy(io.MultiWriter(fu.file, fu.digester.Hash()), r)
	if err != nil {
		return nil, fmt.Errorf("write chunk: %w", err)
	}
	fu.written += n
	return fu.sessionLocked(), nil
}

// CompleteUpload finalizes an upload into the blob store.
func (s *FilesystemStore) CompleteUpload(ctx context.Context, id string, expected digest.Digest) (digest.Digest, error) {
	fu, ok := s.uploads.LoadAndDelete(id)
	if !ok {
		return "", ErrUploadNotFound
	}
	if err := fu.file.Sync(); err != nil {
		return "", fmt.Errorf("sync upload file: %w", err)
	}
	if err := fu.file.Close(); err != nil {
		return "", fmt.Errorf("close upload file: %w", err)
	}
	dgst := fu.digester.Digest()
	if dgst != expected {
		os.Remove(fu.file.Name())
		return "", fmt.Errorf("%w: %s != %s", ErrDigestMismatch, expected, dgst)
	}
	bp := s.blobPath(dgst)
	if err := os.MkdirAll(filepath.Dir(bp), 0755); err != nil {
		return "", fmt.Errorf("create blob directory: %w", err)
	}
	if err := os.Rename(fu.file.Name(), bp); err != nil {
		return "", fmt.Errorf("rename blob: %w", err)
	}
	return dgst, nil
}

// AbortUpload discards an upload session.
func (s *FilesystemStore) AbortUpload(ctx context.Context, id string) error {
	fu, ok := s.uploads.LoadAndDelete(id)
	if !ok {
		return ErrUploadNotFound
	}
	if err := fu.file.Close(); err != nil {
		log.Printf("close upload file: %v", err)
	}
	if err := os.Remove(fu.file.Name()); err != nil {
		log.Printf("remove upload file: %v", err)
	}
	return nil
}
