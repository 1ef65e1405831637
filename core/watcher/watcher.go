// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package watcher defines the channel based watchers of dictionaries.
package watcher

import (
	"github.com/juju/worker/v4"
)

// Watcher sends a first value to indicate that the watch is active, and
// subsequent values whenever the watched dictionary changes. The channel is
// closed when the watcher stops.
type Watcher[T any] interface {
	worker.Worker
	Changes() <-chan T
}

// StringsChannel receives the keys that changed.
type StringsChannel = <-chan []string

// StringsWatcher sends every key of the dictionary in its first event and
// the keys that changed since the previous event thereafter.
type StringsWatcher = Watcher[[]string]
