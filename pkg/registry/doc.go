// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package registry implements an OCI Distribution Specification v1.1
// registry server. It backs local mirrors and serves as a faithful far end
// for exercising the client: manifests indexed by tag and digest, a shared
// content-addressed blob store, chunked upload sessions, tag listing with
// pagination, OCI-compliant error bodies, and optional basic or
// bearer-token authentication.
//
// # Compression
//
// Manifest and blob GET responses are compressed when the client sends an
// Accept-Encoding header, negotiated by quality value with a zstd > gzip >
// deflate preference. Compressed responses carry Content-Encoding and
// Vary: Accept-Encoding and drop Content-Length. Request bodies with a
// Content-Encoding header (manifest PUT, upload PATCH/PUT) are decompressed
// transparently.
//
// Spec: https://github.com/opencontainers/distribution-spec/blob/main/spec.md
package registry
