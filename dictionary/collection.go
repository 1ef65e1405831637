// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package dictionary

import (
	"context"

	"github.com/juju/managedcollection/core/collection"
	"github.com/juju/managedcollection/internal/notify"
)

// Collection is the interface shared by live and frozen dictionaries.
type Collection interface {
	// Identity returns the object and property holding the dictionary.
	Identity() collection.Identity

	// Count returns the number of entries.
	Count(ctx context.Context) (int, error)

	// Keys returns the keys in sorted order.
	Keys(ctx context.Context) ([]string, error)

	// Values returns the values ordered by their keys.
	Values(ctx context.Context) ([]collection.Value, error)

	// Value returns the value bound to key, and false if there is none.
	Value(ctx context.Context, key string) (collection.Value, bool, error)

	// Range calls fn for each entry in key order until it returns false.
	Range(ctx context.Context, fn func(key string, value collection.Value) bool) error

	// SetAll replaces the contents of the dictionary.
	SetAll(ctx context.Context, entries collection.Entries) error

	// Put binds key to value.
	Put(ctx context.Context, key string, value collection.Value) error

	// RemoveAll empties the dictionary.
	RemoveAll(ctx context.Context) error

	// RemoveKeys removes the keys, ignoring those that are not bound.
	RemoveKeys(ctx context.Context, keys ...string) error

	// Freeze returns an immutable snapshot of the dictionary.
	Freeze(ctx context.Context) (*Frozen, error)

	// IsFrozen reports whether the dictionary is an immutable snapshot.
	IsFrozen() bool

	// IsInvalidated reports whether the dictionary can no longer be used,
	// because its parent object was deleted or its owner was closed.
	IsInvalidated() bool
}

func rangeEntries(entries collection.Entries, fn func(string, collection.Value) bool) {
	for _, key := range entries.Keys() {
		if !fn(key, entries[key]) {
			return
		}
	}
}

// Observable is implemented by collections that accept observers.
type Observable interface {
	Collection
	Observe(ctx context.Context, fn ObserveFunc, ec ExecutionContext) (*Token, error)
}

var (
	_ Observable = (*Live)(nil)
	_ Observable = (*Frozen)(nil)
)

// Token is the registration of an observer. Kill or Invalidate it to stop
// notifications.
type Token = notify.Token

// ExecutionContext runs observer notifications in the order they were
// posted.
type ExecutionContext = notify.ExecutionContext

// NewQueue returns an ExecutionContext running notifications on a
// goroutine of its own. Stop it with worker.Stop when done.
func NewQueue() *notify.Queue {
	return notify.NewQueue()
}
