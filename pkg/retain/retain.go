// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package retain decides which artifact versions to keep and purges the
// rest. Selection is pure; the purge driver does the registry deletes.
package retain

import (
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
)

// SelectForRemoval returns the versions that fall outside the retention
// window: everything but the keep greatest by semver precedence, in
// ascending precedence order, as the original input strings.
//
// Every input must parse as semver; a single unparseable version fails the
// whole call rather than silently mis-ranking a release. Versions of equal
// precedence (build metadata differences) are deduplicated, keeping the
// first occurrence. Prereleases are excluded from consideration entirely
// unless includePrerelease is set.
func SelectForRemoval(versions []string, keep int, includePrerelease bool) ([]string, error) {
	if keep < 0 {
		return nil, fmt.Errorf("keep must be non-negative, got %d", keep)
	}

	type entry struct {
		raw string
		v   *semver.Version
	}
	var entries []entry
	for _, raw := range versions {
		v, err := semver.NewVersion(raw)
		if err != nil {
			return nil, fmt.Errorf("parse version %q: %w", raw, err)
		}
		if v.Prerelease() != "" && !includePrerelease {
			continue
		}
		entries = append(entries, entry{raw: raw, v: v})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].v.LessThan(entries[j].v)
	})

	// Equal precedence means the same release; keep the first occurrence.
	deduped := entries[:0]
	for _, e := range entries {
		if len(deduped) > 0 && deduped[len(deduped)-1].v.Equal(e.v) {
			continue
		}
		deduped = append(deduped, e)
	}

	if keep >= len(deduped) {
		return nil, nil
	}
	removed := make([]string, 0, len(deduped)-keep)
	for _, e := range deduped[:len(deduped)-keep] {
		removed = append(removed, e.raw)
	}
	return removed, nil
}
