// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package collection

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
)

// Version identifies one committed state of a store. Versions are assigned
// at commit, strictly increase and are never reused. The zero Version is the
// empty store before anything was committed.
type Version uint64

// Identity is a stable reference to a single dictionary: the property slot
// of a managed parent object. Two handles with the same identity observe the
// same underlying versioned data.
type Identity struct {
	// Object is the UUID of the parent managed object.
	Object string
	// Property is the name of the dictionary-typed property.
	Property string
}

// Validate returns an error if the identity does not name a dictionary.
func (id Identity) Validate() error {
	if id.Object == "" {
		return errors.NotValidf("empty object")
	}
	if id.Property == "" {
		return errors.NotValidf("empty property")
	}
	// String and CommitTopic join the parts with a slash.
	if strings.Contains(id.Object, "/") {
		return errors.NotValidf("object %q containing %q", id.Object, "/")
	}
	if strings.Contains(id.Property, "/") {
		return errors.NotValidf("property %q containing %q", id.Property, "/")
	}
	return nil
}

// String implements fmt.Stringer.
func (id Identity) String() string {
	return fmt.Sprintf("%s/%s", id.Object, id.Property)
}

// CommitTopic returns the hub topic on which commits changing the
// identity's entries are published.
func CommitTopic(id Identity) string {
	return "collection.commit." + id.String()
}

// DropTopic returns the hub topic on which the deletion of a parent object
// is published.
func DropTopic(object string) string {
	return "collection.drop." + object
}

// CommitEvent is published once per changed identity for every commit.
type CommitEvent struct {
	Identity Identity
	// From is the version the transaction was based on.
	From Version
	// To is the version produced by the commit.
	To Version
}

// DropEvent is published when a commit deletes a parent object, which
// invalidates every dictionary belonging to it.
type DropEvent struct {
	Object  string
	Version Version
}
