// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package retain

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/ocimirror/ocimirror/pkg/ociref"
)

const verbose = false

func vlogf(format string, args ...any) {
	if verbose {
		log.Printf(format, args...)
	}
}

// defaultWorkers bounds parallel deletes when Purger.Workers is zero.
const defaultWorkers = 8

// A ManifestDeleter deletes the manifest a reference points at.
// *ociclient.Client satisfies it.
type ManifestDeleter interface {
	DeleteManifest(ctx context.Context, ref ociref.Reference) error
}

// An ItemFailure records one reference that could not be purged.
type ItemFailure struct {
	Ref ociref.Reference
	Err error
}

// A BatchError reports the references a purge could not delete. The other
// items of the batch were still attempted and deleted.
type BatchError struct {
	Failures []ItemFailure
}

func (e *BatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "purge failed for %d reference(s):", len(e.Failures))
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "\n  %s: %v", f.Ref, f.Err)
	}
	return b.String()
}

// A Purger deletes batches of manifest references concurrently.
type Purger struct {
	Client ManifestDeleter

	// Workers bounds parallel deletes. Zero means a small default.
	Workers int
}

// Purge deletes every reference in refs, attempting each exactly once.
// A failed delete does not stop the batch: the remaining references are
// still attempted, and the failures are collected into a *BatchError.
// Purge returns nil when every delete succeeded.
func (p *Purger) Purge(ctx context.Context, refs []ociref.Reference) error {
	if len(refs) == 0 {
		return nil
	}
	workers := p.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	if workers > len(refs) {
		workers = len(refs)
	}

	refCh := make(chan ociref.Reference)
	failCh := make(chan ItemFailure, len(refs))

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ref := range refCh {
				if err := p.Client.DeleteManifest(ctx, ref); err != nil {
					failCh <- ItemFailure{Ref: ref, Err: err}
					continue
				}
				vlogf("purged %s", ref)
			}
		}()
	}

	for _, ref := range refs {
		refCh <- ref
	}
	close(refCh)
	wg.Wait()
	close(failCh)

	var failures []ItemFailure
	for f := range failCh {
		failures = append(failures, f)
	}
	if len(failures) > 0 {
		return &BatchError{Failures: failures}
	}
	return nil
}
