// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package snapshot tracks leases on store versions. Each Handle owns one
// counted lease in a slot of the Tracker's version table; the store pin
// behind a slot is only released when the Tracker is swept.
package snapshot

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"

	"github.com/juju/managedcollection/core/collection"
)

var logger = loggo.GetLogger("managedcollection.snapshot")

// Store is the part of the versioned store the Tracker needs.
type Store interface {
	CurrentVersion(ctx context.Context, id collection.Identity) (collection.Version, error)
	Pin(ctx context.Context, v collection.Version) error
	Unpin(v collection.Version)
}

const (
	// acquireAttempts bounds how often Acquire retries when the current
	// version is reclaimed between resolving and pinning it.
	acquireAttempts = 5
	acquireDelay    = time.Millisecond
)

// slot is one entry of the version table.
type slot struct {
	version collection.Version
	leases  int
	// pinned is true while the slot holds a store pin.
	pinned bool
}

// Tracker hands out reference counted leases on store versions.
// It is safe for concurrent use.
type Tracker struct {
	store Store
	clock clock.Clock

	mu        sync.Mutex
	slots     []slot
	byVersion map[collection.Version]int
	free      []int
}

// NewTracker returns a Tracker pinning versions of the store.
func NewTracker(store Store, clock clock.Clock) *Tracker {
	return &Tracker{
		store:     store,
		clock:     clock,
		byVersion: make(map[collection.Version]int),
	}
}

// Acquire returns a handle on the current version of the dictionary.
func (t *Tracker) Acquire(ctx context.Context, id collection.Identity) (*Handle, error) {
	var handle *Handle
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			v, err := t.store.CurrentVersion(ctx, id)
			if err != nil {
				return errors.Trace(err)
			}
			handle, err = t.AcquireAt(ctx, id, v)
			return errors.Trace(err)
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, collection.ErrStaleVersion)
		},
		Attempts: acquireAttempts,
		Delay:    acquireDelay,
		Clock:    t.clock,
		Stop:     ctx.Done(),
	})
	if retry.IsAttemptsExceeded(err) {
		err = retry.LastError(err)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "acquiring snapshot of %s", id)
	}
	return handle, nil
}

// AcquireAt returns a handle on the given version of the dictionary. It
// fails with ErrStaleVersion if the version has already been reclaimed.
func (t *Tracker) AcquireAt(ctx context.Context, id collection.Identity, v collection.Version) (*Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index, ok := t.byVersion[v]; ok {
		t.slots[index].leases++
		return t.newHandle(id, index), nil
	}

	// Pinning under the lock keeps a concurrent Sweep from unpinning the
	// slot we are about to create.
	if err := t.store.Pin(ctx, v); err != nil {
		if errors.Is(err, collection.ErrStaleVersion) {
			logger.Debugf("version %d of %s already reclaimed", v, id)
		}
		return nil, errors.Trace(err)
	}

	var index int
	if n := len(t.free); n > 0 {
		index = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		index = len(t.slots)
		t.slots = append(t.slots, slot{})
	}
	t.slots[index] = slot{version: v, leases: 1, pinned: true}
	t.byVersion[v] = index
	return t.newHandle(id, index), nil
}

func (t *Tracker) newHandle(id collection.Identity, index int) *Handle {
	return &Handle{
		tracker: t,
		id:      id,
		version: t.slots[index].version,
		index:   index,
	}
}

// clone adds a lease to an existing slot without touching the store.
func (t *Tracker) clone(h *Handle) (*Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// The handle may have been released concurrently and its slot swept
	// and reused for another version.
	s := &t.slots[h.index]
	if !s.pinned || s.version != h.version {
		return nil, errors.Annotatef(collection.ErrStaleVersion, "clone of released handle on version %d", h.version)
	}
	s.leases++
	return t.newHandle(h.id, h.index), nil
}

func (t *Tracker) release(index int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := &t.slots[index]
	if s.leases <= 0 {
		logger.Errorf("release of version %d with no leases", s.version)
		return
	}
	s.leases--
}

// Sweep unpins every version whose leases have all been released and
// returns how many were unpinned. Until a sweep runs, released versions
// stay pinned and can be re-acquired without touching the store.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	var unpin []collection.Version
	for index := range t.slots {
		s := &t.slots[index]
		if !s.pinned || s.leases > 0 {
			continue
		}
		unpin = append(unpin, s.version)
		delete(t.byVersion, s.version)
		*s = slot{}
		t.free = append(t.free, index)
	}
	t.mu.Unlock()

	for _, v := range unpin {
		t.store.Unpin(v)
	}
	return len(unpin)
}

// Leases returns the number of outstanding leases per version.
func (t *Tracker) Leases() map[collection.Version]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make(map[collection.Version]int)
	for _, s := range t.slots {
		if s.pinned {
			result[s.version] = s.leases
		}
	}
	return result
}

// Handle is a lease on one version of a dictionary. Handles are safe to
// share between goroutines; Release may be called any number of times but
// only the first call has an effect.
type Handle struct {
	tracker  *Tracker
	id       collection.Identity
	version  collection.Version
	index    int
	released atomic.Bool
}

// Identity returns the dictionary the handle was acquired for.
func (h *Handle) Identity() collection.Identity {
	return h.id
}

// Version returns the pinned version.
func (h *Handle) Version() collection.Version {
	return h.version
}

// Clone returns an independent handle on the same version. It never
// touches the store.
func (h *Handle) Clone() (*Handle, error) {
	if h.released.Load() {
		return nil, errors.Annotatef(collection.ErrStaleVersion, "clone of released handle on version %d", h.version)
	}
	clone, err := h.tracker.clone(h)
	return clone, errors.Trace(err)
}

// Release gives up the lease.
func (h *Handle) Release() {
	if h.released.Swap(true) {
		return
	}
	h.tracker.release(h.index)
}
