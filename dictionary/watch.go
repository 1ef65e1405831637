// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package dictionary

import (
	"context"

	"github.com/juju/errors"

	"github.com/juju/managedcollection/core/collection"
	"github.com/juju/managedcollection/core/watcher"
)

// Watch returns a watcher whose first event holds every key of the
// dictionary, and whose later events hold the keys inserted, deleted or
// modified since. A failed notification stops the watcher with the error,
// as does deleting the parent object or closing the session.
func (l *Live) Watch(ctx context.Context) (watcher.StringsWatcher, error) {
	w := watcher.NewKeysWatcher()
	token, err := l.Observe(ctx, func(c Collection, changes *collection.ChangeSet, err error) {
		if err != nil {
			w.KillWithError(errors.Annotatef(err, "watching %s", l.id))
			return
		}
		if changes == nil {
			keys, err := c.Keys(ctx)
			if err != nil {
				w.KillWithError(errors.Trace(err))
				return
			}
			w.Send(keys)
			return
		}
		w.Send(changes.Inserted.Union(changes.Deleted).Union(changes.Modified).SortedValues())
	}, nil)
	if err != nil {
		w.Kill()
		_ = w.Wait()
		return nil, errors.Trace(err)
	}
	go func() {
		select {
		case <-w.Dying():
			token.Kill()
		case <-token.Dying():
			// The parent object was deleted or the session closed.
			w.KillWithError(errors.Annotatef(collection.ErrInvalidatedCollection, "watching %s", l.id))
		}
	}()
	return w, nil
}
