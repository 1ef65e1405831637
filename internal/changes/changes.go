// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package changes computes the key-level difference between two versions of
// a dictionary.
package changes

import (
	"context"

	"github.com/juju/errors"

	"github.com/juju/managedcollection/core/collection"
)

// Reader reads a dictionary at a version.
type Reader interface {
	Read(ctx context.Context, id collection.Identity, v collection.Version) (collection.Entries, error)
}

// Diff returns the keys inserted, deleted and modified going from one set of
// entries to the other. Values are compared with Value.Equal, so object
// links only count as modified when they point to a different object.
func Diff(from, to collection.Entries) collection.ChangeSet {
	changes := collection.NewChangeSet()
	for k, v := range to {
		old, ok := from[k]
		switch {
		case !ok:
			changes.Inserted.Add(k)
		case !old.Equal(v):
			changes.Modified.Add(k)
		}
	}
	for k := range from {
		if _, ok := to[k]; !ok {
			changes.Deleted.Add(k)
		}
	}
	return changes
}

// Computer diffs versions read from a store. Both versions must be pinned
// by the caller for the duration of the call.
type Computer struct {
	reader Reader
}

// NewComputer returns a Computer reading from the given store.
func NewComputer(reader Reader) *Computer {
	return &Computer{reader: reader}
}

// Diff returns the changes between the dictionary at from and at to. The
// versions need not be adjacent; intermediate changes that cancel out are
// not reported.
func (c *Computer) Diff(ctx context.Context, id collection.Identity, from, to collection.Version) (collection.ChangeSet, error) {
	if from == to {
		return collection.NewChangeSet(), nil
	}
	_, changes, err := c.Compare(ctx, id, from, to)
	return changes, errors.Trace(err)
}

// Compare returns the dictionary at to along with its changes since from.
func (c *Computer) Compare(ctx context.Context, id collection.Identity, from, to collection.Version) (collection.Entries, collection.ChangeSet, error) {
	after, err := c.reader.Read(ctx, id, to)
	if err != nil {
		return nil, collection.ChangeSet{}, errors.Annotatef(err, "reading %s at version %d", id, to)
	}
	if from == to {
		return after, collection.NewChangeSet(), nil
	}
	before, err := c.reader.Read(ctx, id, from)
	if err != nil {
		return nil, collection.ChangeSet{}, errors.Annotatef(err, "reading %s at version %d", id, from)
	}
	return after, Diff(before, after), nil
}
