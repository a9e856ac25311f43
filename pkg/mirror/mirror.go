// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mirror copies OCI artifacts between registries while preserving
// their digests. Replication is verbatim: the manifest bytes served by the
// source are what lands at the target, so the artifact keeps its identity
// across registries.
package mirror

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"

	"github.com/ocimirror/ocimirror/pkg/ociclient"
	"github.com/ocimirror/ocimirror/pkg/ociref"
)

const verbose = false

func vlogf(format string, args ...any) {
	if verbose {
		log.Printf(format, args...)
	}
}

// defaultConcurrency bounds parallel blob copies per manifest.
const defaultConcurrency = 4

// A Copier replicates artifacts between registries through a shared client.
type Copier struct {
	Client *ociclient.Client

	// Concurrency bounds the parallel blob transfers per manifest.
	// Zero means a small default.
	Concurrency int
}

// Replicate copies the artifact at src to dst, returning the descriptor of
// the replicated manifest.
//
// The source manifest is fetched exactly once and written to the target byte
// for byte, so source and target digests are equal. All referenced blobs are
// transferred and digest-verified before the manifest itself is written: a
// failure partway through never leaves the target with a manifest whose
// references dangle. Manifest lists are replicated recursively, children
// first, the raw list last.
func (cp *Copier) Replicate(ctx context.Context, src, dst ociref.Reference) (ocispec.Descriptor, error) {
	raw, desc, err := cp.Client.RawManifest(ctx, src)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("replicate %s: %w", src, err)
	}
	src = src.WithDigest(desc.Digest)

	// Content under the same digest is the same content. If the target
	// already has the manifest, only the tag (if any) may need writing.
	if ok, err := cp.Client.Exists(ctx, dst.WithDigest(desc.Digest)); err == nil && ok {
		vlogf("%s already present at %s", desc.Digest, dst.Name())
		if !dst.IsDigested() {
			if _, err := cp.Client.PutManifest(ctx, dst, desc.MediaType, raw); err != nil {
				return ocispec.Descriptor{}, fmt.Errorf("replicate %s: %w", src, err)
			}
		}
		return desc, nil
	}

	if ociclient.IsIndex(desc.MediaType) {
		err = cp.replicateIndex(ctx, src, dst, raw)
	} else {
		err = cp.replicateManifest(ctx, src, dst, raw)
	}
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("replicate %s: %w", src, err)
	}

	if _, err := cp.Client.PutManifest(ctx, dst, desc.MediaType, raw); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("replicate %s: %w", src, err)
	}
	vlogf("replicated %s -> %s (%s)", src, dst, desc.Digest)
	return desc, nil
}

// replicateIndex copies every child manifest of a manifest list. Children
// are addressed by digest on both sides; the list itself is written by the
// caller once all children landed.
func (cp *Copier) replicateIndex(ctx context.Context, src, dst ociref.Reference, raw []byte) error {
	var idx ocispec.Index
	if err := json.Unmarshal(raw, &idx); err != nil {
		return fmt.Errorf("decode manifest list: %w", err)
	}
	for _, child := range idx.Manifests {
		if _, err := cp.Replicate(ctx, src.WithDigest(child.Digest), dst.WithDigest(child.Digest)); err != nil {
			return err
		}
	}
	return nil
}

// replicateManifest copies the config and layer blobs a single manifest
// references.
func (cp *Copier) replicateManifest(ctx context.Context, src, dst ociref.Reference, raw []byte) error {
	var m ocispec.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("decode manifest: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(cmp.Or(cp.Concurrency, defaultConcurrency))
	for _, desc := range append(m.Layers, m.Config) {
		g.Go(func() error {
			return cp.copyBlob(ctx, src, dst, desc)
		})
	}
	return g.Wait()
}

// copyBlob streams one blob from src to dst, unless dst already has it.
// Both ends verify the digest: the source read through a verifying reader,
// the target push by comparing the upload's computed digest.
func (cp *Copier) copyBlob(ctx context.Context, src, dst ociref.Reference, desc ocispec.Descriptor) error {
	ok, err := cp.Client.BlobExists(ctx, dst, desc.Digest)
	if err != nil {
		return err
	}
	if ok {
		vlogf("blob %s already present at %s", desc.Digest, dst.Name())
		return nil
	}

	rc, _, err := cp.Client.Blob(ctx, src, desc.Digest)
	if err != nil {
		return err
	}
	_, err = cp.Client.PushBlob(ctx, dst, desc.Digest, rc)
	if cerr := rc.Close(); err == nil {
		err = cerr
	}
	return err
}
