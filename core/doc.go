// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

/*
Package core holds the concepts shared by every layer of managed
dictionaries: what a dictionary is, how it is versioned and how it is
watched.

Be aware of what should *not* go here:

  - nothing that knows how versions are stored, in memory or in SQLite.
  - nothing that pins, diffs or schedules; that lives under internal.
  - no mutable global state.

Subpackages of core may import each other, but never anything else from
this module.
*/
package core
