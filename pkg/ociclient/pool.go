// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ociclient

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// connPool bounds in-flight requests per (host, privilege) pair. Borrowing a
// slot blocks until one frees up or the context is canceled; release is
// idempotent so error paths can never leak a slot.
type connPool struct {
	size int64

	mu   sync.Mutex
	sems map[poolKey]*semaphore.Weighted
}

type poolKey struct {
	host string
	priv Privilege
}

func newConnPool(size int) *connPool {
	if size < 1 {
		size = 1
	}
	return &connPool{
		size: int64(size),
		sems: make(map[poolKey]*semaphore.Weighted),
	}
}

func (p *connPool) sem(key poolKey) *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sems[key]
	if !ok {
		s = semaphore.NewWeighted(p.size)
		p.sems[key] = s
	}
	return s
}

// acquire borrows a slot for the given host and privilege. The returned
// release function must be called exactly when the operation completes; it
// is safe to call more than once.
func (p *connPool) acquire(ctx context.Context, host string, priv Privilege) (release func(), err error) {
	s := p.sem(poolKey{host: host, priv: priv})
	if err := s.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() { s.Release(1) })
	}, nil
}
