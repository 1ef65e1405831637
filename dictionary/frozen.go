// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package dictionary

import (
	"context"
	"sync/atomic"

	"github.com/juju/errors"

	"github.com/juju/managedcollection/core/collection"
	"github.com/juju/managedcollection/internal/snapshot"
)

// Frozen is an immutable snapshot of a dictionary at one version. Its
// contents are read when it is created; reads never touch the store.
type Frozen struct {
	handle  *snapshot.Handle
	entries collection.Entries
	// borrowed snapshots are shown to observers; the scheduler owns
	// their handle.
	borrowed bool
	released atomic.Bool
}

var _ Collection = (*Frozen)(nil)

func newFrozen(handle *snapshot.Handle, entries collection.Entries) *Frozen {
	return &Frozen{handle: handle, entries: entries}
}

func borrowFrozen(handle *snapshot.Handle, entries collection.Entries) *Frozen {
	return &Frozen{handle: handle, entries: entries, borrowed: true}
}

// Identity is part of the Collection interface.
func (f *Frozen) Identity() collection.Identity {
	return f.handle.Identity()
}

// Version returns the version the snapshot was taken at.
func (f *Frozen) Version() collection.Version {
	return f.handle.Version()
}

func (f *Frozen) check() error {
	if f.released.Load() {
		return errors.Annotatef(collection.ErrInvalidatedCollection, "snapshot of %s released", f.Identity())
	}
	return nil
}

// Count is part of the Collection interface.
func (f *Frozen) Count(context.Context) (int, error) {
	if err := f.check(); err != nil {
		return 0, err
	}
	return len(f.entries), nil
}

// Keys is part of the Collection interface.
func (f *Frozen) Keys(context.Context) ([]string, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.entries.Keys(), nil
}

// Values is part of the Collection interface.
func (f *Frozen) Values(context.Context) ([]collection.Value, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.entries.Values(), nil
}

// Value is part of the Collection interface.
func (f *Frozen) Value(_ context.Context, key string) (collection.Value, bool, error) {
	if err := f.check(); err != nil {
		return collection.Value{}, false, err
	}
	v, ok := f.entries[key]
	return v, ok, nil
}

// Range is part of the Collection interface.
func (f *Frozen) Range(_ context.Context, fn func(string, collection.Value) bool) error {
	if err := f.check(); err != nil {
		return err
	}
	rangeEntries(f.entries, fn)
	return nil
}

func (f *Frozen) immutable() error {
	return errors.Annotatef(collection.ErrImmutableCollection, "%s at version %d", f.Identity(), f.Version())
}

// SetAll is part of the Collection interface. It always fails.
func (f *Frozen) SetAll(context.Context, collection.Entries) error {
	return f.immutable()
}

// Put is part of the Collection interface. It always fails.
func (f *Frozen) Put(context.Context, string, collection.Value) error {
	return f.immutable()
}

// RemoveAll is part of the Collection interface. It always fails.
func (f *Frozen) RemoveAll(context.Context) error {
	return f.immutable()
}

// RemoveKeys is part of the Collection interface. It always fails.
func (f *Frozen) RemoveKeys(context.Context, ...string) error {
	return f.immutable()
}

// Freeze is part of the Collection interface. It returns a new snapshot
// sharing this one's version, with its own lease, without reading the
// store. Freezing a snapshot shown to an observer may fail once the
// observer has returned.
func (f *Frozen) Freeze(context.Context) (*Frozen, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	handle, err := f.handle.Clone()
	if err != nil {
		return nil, errors.Annotatef(err, "freezing %s", f.Identity())
	}
	return newFrozen(handle, f.entries), nil
}

// IsFrozen is part of the Collection interface.
func (f *Frozen) IsFrozen() bool {
	return true
}

// IsInvalidated is part of the Collection interface. A snapshot is only
// invalidated by releasing it.
func (f *Frozen) IsInvalidated() bool {
	return f.released.Load()
}

// Observe always fails: a snapshot never changes.
func (f *Frozen) Observe(context.Context, ObserveFunc, ExecutionContext) (*Token, error) {
	return nil, f.immutable()
}

// Release gives up the snapshot's lease on its version. Calling it more
// than once has no further effect.
func (f *Frozen) Release() {
	if f.released.Swap(true) || f.borrowed {
		return
	}
	f.handle.Release()
}
