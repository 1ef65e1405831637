// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package collection holds the data model shared by the versioned dictionary
// packages: identities, versions, values, change sets and the errors that
// cross package boundaries.
package collection
