// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package store defines the versioned storage contract consumed by the
// dictionary packages, and provides an in-memory implementation of it.
package store

import (
	"context"

	"github.com/juju/errors"

	"github.com/juju/managedcollection/core/collection"
)

// VersionedStore provides point-in-time reads of dictionaries and commits
// mutations as new versions. Commits are atomic and totally ordered; readers
// never block writers.
type VersionedStore interface {
	// Read returns the entries of the dictionary at the given version.
	// Reading a pinned version always succeeds with the data committed at
	// that version. It returns ErrStaleVersion if the version has been
	// reclaimed, and ErrInvalidatedCollection if the parent object had been
	// deleted at that version.
	Read(ctx context.Context, id collection.Identity, v collection.Version) (collection.Entries, error)

	// CurrentVersion returns the latest committed version, or
	// ErrInvalidatedCollection if the dictionary's parent object has been
	// deleted.
	CurrentVersion(ctx context.Context, id collection.Identity) (collection.Version, error)

	// Begin starts the single write transaction of the store, blocking
	// until any other writer finishes or the context is done.
	Begin(ctx context.Context) (Txn, error)

	// Pin prevents the version from being reclaimed until a matching Unpin.
	Pin(ctx context.Context, v collection.Version) error

	// Unpin releases one pin on the version.
	Unpin(v collection.Version)

	// Reclaim discards the storage of superseded, unpinned versions and
	// returns how many versions were discarded.
	Reclaim(ctx context.Context) (int, error)
}

// Txn is a write transaction. Exactly one Txn per store is open at a time.
type Txn interface {
	// Base returns the version the transaction started from.
	Base() collection.Version

	// Read returns the dictionary as seen by the transaction, including
	// its own uncommitted mutations.
	Read(ctx context.Context, id collection.Identity) (collection.Entries, error)

	// Apply stages a mutation. A failing mutation stages nothing.
	Apply(ctx context.Context, id collection.Identity, m Mutation) error

	// DeleteObject stages the deletion of a parent object, invalidating
	// all of its dictionaries.
	DeleteObject(ctx context.Context, object string) error

	// Commit makes the staged mutations visible as a new version and ends
	// the transaction. If nothing changed no version is produced and the
	// base version is returned.
	Commit(ctx context.Context) (collection.Version, error)

	// Abort discards the staged mutations and ends the transaction.
	Abort()
}

// Hub is the publishing side of a pubsub hub.
type Hub interface {
	Publish(topic string, data interface{}) func()
}

// Logger facilitates emitting log messages.
type Logger interface {
	Debugf(string, ...interface{})
	Tracef(string, ...interface{})
	Warningf(string, ...interface{})
}

// Op is the kind of a Mutation.
type Op int

const (
	// OpSetAll replaces the whole dictionary.
	OpSetAll Op = iota
	// OpPut binds a single key.
	OpPut
	// OpRemoveAll empties the dictionary.
	OpRemoveAll
	// OpRemoveKeys removes the listed keys, ignoring missing ones.
	OpRemoveKeys
)

// Mutation is a change applied to one dictionary in a write transaction.
type Mutation struct {
	Op      Op
	Entries collection.Entries
	Key     string
	Value   collection.Value
	Keys    []string
}

// SetAll returns a mutation replacing the dictionary with the entries.
func SetAll(entries collection.Entries) Mutation {
	return Mutation{Op: OpSetAll, Entries: entries.Clone()}
}

// Put returns a mutation binding key to value.
func Put(key string, value collection.Value) Mutation {
	return Mutation{Op: OpPut, Key: key, Value: value}
}

// RemoveAll returns a mutation emptying the dictionary.
func RemoveAll() Mutation {
	return Mutation{Op: OpRemoveAll}
}

// RemoveKeys returns a mutation removing the keys.
func RemoveKeys(keys ...string) Mutation {
	return Mutation{Op: OpRemoveKeys, Keys: append([]string(nil), keys...)}
}

// ApplyMutation returns the result of applying m to current. The input is
// never modified, so a failed mutation has no effect.
func ApplyMutation(current collection.Entries, m Mutation) (collection.Entries, error) {
	switch m.Op {
	case OpSetAll:
		for k := range m.Entries {
			if err := collection.ValidateKey(k); err != nil {
				return nil, errors.Trace(err)
			}
		}
		return m.Entries.Clone(), nil
	case OpPut:
		if err := collection.ValidateKey(m.Key); err != nil {
			return nil, errors.Trace(err)
		}
		next := current.Clone()
		next[m.Key] = m.Value
		return next, nil
	case OpRemoveAll:
		return collection.Entries{}, nil
	case OpRemoveKeys:
		next := current.Clone()
		for _, k := range m.Keys {
			delete(next, k)
		}
		return next, nil
	}
	return nil, errors.NotValidf("mutation op %d", m.Op)
}
