// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package watcher

import (
	"github.com/juju/collections/set"
	"gopkg.in/tomb.v2"
)

// KeysWatcher is a StringsWatcher fed by Send. Keys sent while the consumer
// is not reading are coalesced into one event.
type KeysWatcher struct {
	tomb    tomb.Tomb
	in      chan []string
	changes chan []string
}

var _ StringsWatcher = (*KeysWatcher)(nil)

// NewKeysWatcher starts a KeysWatcher. Its first event is sent once the
// first call to Send has been accepted, even if no keys were sent.
func NewKeysWatcher() *KeysWatcher {
	w := &KeysWatcher{
		in:      make(chan []string),
		changes: make(chan []string),
	}
	w.tomb.Go(w.loop)
	return w
}

func (w *KeysWatcher) loop() error {
	defer close(w.changes)

	pending := set.NewStrings()
	// out is nil until there is an event to send.
	var out chan<- []string
	started := false
	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		case keys := <-w.in:
			pending = pending.Union(set.NewStrings(keys...))
			if !started || !pending.IsEmpty() {
				out = w.changes
			}
			started = true
		case out <- pending.SortedValues():
			pending = set.NewStrings()
			out = nil
		}
	}
}

// Send queues keys for the next event. It returns false if the watcher is
// dying.
func (w *KeysWatcher) Send(keys []string) bool {
	select {
	case <-w.tomb.Dying():
		return false
	case w.in <- keys:
		return true
	}
}

// Changes is part of the Watcher interface.
func (w *KeysWatcher) Changes() StringsChannel {
	return w.changes
}

// Kill is part of the worker.Worker interface.
func (w *KeysWatcher) Kill() {
	w.tomb.Kill(nil)
}

// KillWithError stops the watcher, reporting err from Wait.
func (w *KeysWatcher) KillWithError(err error) {
	w.tomb.Kill(err)
}

// Wait is part of the worker.Worker interface.
func (w *KeysWatcher) Wait() error {
	return w.tomb.Wait()
}

// Dying returns a channel closed once the watcher starts stopping.
func (w *KeysWatcher) Dying() <-chan struct{} {
	return w.tomb.Dying()
}
