// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ociref parses and normalizes OCI image references.
//
// A reference names an artifact in a remote registry by host, repository
// and either a tag or a content digest:
//
//	host[:port]/repository[:tag][@algorithm:digest]
//
// Parse accepts the shorthands Docker clients accept ("nginx",
// "user/app:v1") and produces the fully qualified form. Normalization is
// idempotent: parsing the String() of a parsed reference yields the same
// reference.
package ociref

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/opencontainers/go-digest"
)

// ErrMalformedReference indicates a reference string that cannot be split
// into host, repository and tag-or-digest parts, or whose parts fail
// validation. All Parse failures wrap this error.
var ErrMalformedReference = errors.New("malformed image reference")

const (
	// DefaultHost is the registry assumed for references that do not name one.
	DefaultHost = "docker.io"
	// DefaultTag is assumed when a reference carries neither tag nor digest.
	DefaultTag = "latest"

	officialRepoPrefix = "library/"
)

var (
	tagRE  = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9._-]{0,127}$`)
	repoRE = regexp.MustCompile(`^[a-z0-9]+(?:(?:[._]|__|[-]+)[a-z0-9]+)*(?:/[a-z0-9]+(?:(?:[._]|__|[-]+)[a-z0-9]+)*)*$`)
)

// Reference is a normalized image reference. The zero value is not valid;
// construct references with Parse. A Reference is a value and is never
// mutated after construction; With* helpers return copies.
type Reference struct {
	// Host is the registry host, with port if present.
	Host string
	// Repository is the path within the registry, e.g. "library/nginx".
	Repository string
	// Tag is the tag identifier, empty if the reference is by digest only.
	Tag string
	// Digest is the content digest, empty if the reference is by tag only.
	Digest digest.Digest
}

// Parse parses and normalizes a reference string.
//
// Hosts that alias Docker Hub (index.docker.io, registry-1.docker.io) fold to
// docker.io, single-segment Hub repositories get the "library/" prefix, and a
// reference with neither tag nor digest is given the "latest" tag.
func Parse(s string) (Reference, error) {
	if strings.TrimSpace(s) == "" {
		return Reference{}, fmt.Errorf("%w: empty string", ErrMalformedReference)
	}
	if s != strings.TrimSpace(s) {
		return Reference{}, fmt.Errorf("%w: leading or trailing whitespace in %q", ErrMalformedReference, s)
	}

	remainder := s
	var dig digest.Digest
	if name, digestStr, ok := strings.Cut(remainder, "@"); ok {
		d, err := digest.Parse(digestStr)
		if err != nil {
			return Reference{}, fmt.Errorf("%w: invalid digest in %q: %v", ErrMalformedReference, s, err)
		}
		dig = d
		remainder = name
	}

	host, path := splitHost(remainder)

	var tag string
	if base, t, ok := strings.Cut(path, ":"); ok {
		if !tagRE.MatchString(t) {
			return Reference{}, fmt.Errorf("%w: invalid tag %q in %q", ErrMalformedReference, t, s)
		}
		tag = t
		path = base
	}

	host = normalizeHost(host)
	if host == DefaultHost && !strings.Contains(path, "/") {
		path = officialRepoPrefix + path
	}
	if !repoRE.MatchString(path) {
		return Reference{}, fmt.Errorf("%w: invalid repository %q in %q", ErrMalformedReference, path, s)
	}

	if tag == "" && dig == "" {
		tag = DefaultTag
	}

	return Reference{
		Host:       host,
		Repository: path,
		Tag:        tag,
		Digest:     dig,
	}, nil
}

// splitHost separates the registry host from the repository path. The first
// path component is a host only if it contains a dot or colon or is
// "localhost"; otherwise the whole string is a path on the default registry.
func splitHost(s string) (host, path string) {
	first, rest, ok := strings.Cut(s, "/")
	if !ok {
		return DefaultHost, s
	}
	if !strings.ContainsAny(first, ".:") && first != "localhost" {
		return DefaultHost, s
	}
	return first, rest
}

func normalizeHost(host string) string {
	switch host {
	case "index.docker.io", "registry-1.docker.io", "docker.io":
		return DefaultHost
	}
	return host
}

// String renders the fully qualified reference. The output round-trips
// through Parse unchanged.
func (r Reference) String() string {
	var b strings.Builder
	b.WriteString(r.Host)
	b.WriteByte('/')
	b.WriteString(r.Repository)
	if r.Tag != "" {
		b.WriteByte(':')
		b.WriteString(r.Tag)
	}
	if r.Digest != "" {
		b.WriteByte('@')
		b.WriteString(r.Digest.String())
	}
	return b.String()
}

// Name returns the reference without tag or digest, e.g. "docker.io/library/nginx".
func (r Reference) Name() string {
	return r.Host + "/" + r.Repository
}

// Identifier returns the pull identifier: the digest if one is set,
// otherwise the tag. The digest wins because it identifies content exactly.
func (r Reference) Identifier() string {
	if r.Digest != "" {
		return r.Digest.String()
	}
	return r.Tag
}

// IsDigested reports whether the reference pins a content digest.
func (r Reference) IsDigested() bool { return r.Digest != "" }

// IsZero reports whether the reference is the zero value.
func (r Reference) IsZero() bool { return r == Reference{} }

// WithTag returns a copy of r referencing the given tag, with any digest
// cleared.
func (r Reference) WithTag(tag string) Reference {
	r.Tag = tag
	r.Digest = ""
	return r
}

// WithDigest returns a copy of r pinned to the given digest, with any tag
// cleared.
func (r Reference) WithDigest(d digest.Digest) Reference {
	r.Tag = ""
	r.Digest = d
	return r
}
