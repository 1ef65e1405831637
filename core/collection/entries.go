// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package collection

import (
	"sort"
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

// Entries is the content of a dictionary at one version.
// Ordering is not significant; lookups are by key only.
type Entries map[string]Value

// Keys returns the keys in sorted order.
func (e Entries) Keys() []string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Values returns the values ordered by their keys.
func (e Entries) Values() []Value {
	values := make([]Value, 0, len(e))
	for _, k := range e.Keys() {
		values = append(values, e[k])
	}
	return values
}

// Clone returns a shallow copy of the entries. A nil receiver yields an
// empty, non-nil map.
func (e Entries) Clone() Entries {
	out := make(Entries, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Equal reports whether both entry sets bind the same keys to equal values.
func (e Entries) Equal(other Entries) bool {
	if len(e) != len(other) {
		return false
	}
	for k, v := range e {
		o, ok := other[k]
		if !ok || !v.Equal(o) {
			return false
		}
	}
	return true
}

// ValidateKey returns a NotValid error for keys that cannot be stored in a
// dictionary: empty keys, keys containing '.' and keys starting with '$'.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return errors.NotValidf("empty key")
	case strings.Contains(key, "."):
		return errors.NotValidf("key %q containing '.'", key)
	case strings.HasPrefix(key, "$"):
		return errors.NotValidf("key %q starting with '$'", key)
	}
	return nil
}

// ChangeSet partitions the keys that differ between two versions.
type ChangeSet struct {
	Inserted set.Strings
	Deleted  set.Strings
	Modified set.Strings
}

// NewChangeSet returns an empty change set.
func NewChangeSet() ChangeSet {
	return ChangeSet{
		Inserted: set.NewStrings(),
		Deleted:  set.NewStrings(),
		Modified: set.NewStrings(),
	}
}

// Empty returns true if no key changed.
func (c ChangeSet) Empty() bool {
	return c.Inserted.IsEmpty() && c.Deleted.IsEmpty() && c.Modified.IsEmpty()
}

// Validate checks that the three key sets are pairwise disjoint.
func (c ChangeSet) Validate() error {
	for _, pair := range []struct {
		name string
		a, b set.Strings
	}{
		{"inserted/deleted", c.Inserted, c.Deleted},
		{"inserted/modified", c.Inserted, c.Modified},
		{"deleted/modified", c.Deleted, c.Modified},
	} {
		if common := pair.a.Intersection(pair.b); !common.IsEmpty() {
			return errors.NotValidf("%s overlap %v", pair.name, common.SortedValues())
		}
	}
	return nil
}
