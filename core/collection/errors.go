// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package collection

import "github.com/juju/errors"

const (
	// ErrInvalidatedCollection is returned when the parent object of a
	// dictionary was deleted, or the session owning it was closed.
	ErrInvalidatedCollection = errors.ConstError("collection invalidated")

	// ErrInvalidWriteState is returned when an operation is attempted
	// during the wrong transactional phase, e.g. freezing or observing a
	// dictionary inside a write transaction.
	ErrInvalidWriteState = errors.ConstError("invalid write state")

	// ErrInvalidatedOperation is returned when a mutation is attempted on
	// a live dictionary whose session is not in a write transaction.
	ErrInvalidatedOperation = errors.ConstError("not in a write transaction")

	// ErrImmutableCollection is returned for any mutation of a frozen
	// dictionary.
	ErrImmutableCollection = errors.ConstError("collection is frozen")

	// ErrStaleVersion is returned when reading or pinning a version whose
	// storage has already been reclaimed. Seeing it outside of tests means
	// a version was used without being pinned.
	ErrStaleVersion = errors.ConstError("version reclaimed")

	// ErrTooManyActiveVersions is returned by a commit that would retain
	// more versions than the store is configured to allow.
	ErrTooManyActiveVersions = errors.ConstError("too many active versions")
)
