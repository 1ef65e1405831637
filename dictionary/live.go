// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package dictionary

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/juju/retry"

	"github.com/juju/managedcollection/core/collection"
	"github.com/juju/managedcollection/internal/notify"
	"github.com/juju/managedcollection/internal/store"
)

const (
	readAttempts = 5
	readDelay    = time.Millisecond
)

// ObserveFunc is called with the dictionary as of the notified version and
// the keys that changed since the previous notification. The first call
// has nil changes. The collection is only valid for the duration of the
// call; Freeze it to keep it. On error both are nil.
type ObserveFunc func(c Collection, changes *collection.ChangeSet, err error)

// Live is a reference to a dictionary that always reflects the latest
// committed version, or the session's own uncommitted writes while it has
// a write transaction open.
type Live struct {
	session *Session
	id      collection.Identity
}

var _ Collection = (*Live)(nil)

// Identity is part of the Collection interface.
func (l *Live) Identity() collection.Identity {
	return l.id
}

// entries reads the dictionary as the session currently sees it.
func (l *Live) entries(ctx context.Context) (collection.Entries, error) {
	var entries collection.Entries
	inWrite, err := l.session.viewTxn(func(txn store.Txn) error {
		var err error
		entries, err = txn.Read(ctx, l.id)
		return errors.Trace(err)
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if inWrite {
		return entries, nil
	}
	return readCurrent(ctx, l.session.db, l.id)
}

// readCurrent reads the latest committed version of the dictionary,
// resolving it again if it is reclaimed before it can be read.
func readCurrent(ctx context.Context, db *Database, id collection.Identity) (collection.Entries, error) {
	var entries collection.Entries
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			v, err := db.store.CurrentVersion(ctx, id)
			if err != nil {
				return errors.Trace(err)
			}
			entries, err = db.store.Read(ctx, id, v)
			return errors.Trace(err)
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, collection.ErrStaleVersion)
		},
		Attempts: readAttempts,
		Delay:    readDelay,
		Clock:    db.clock,
		Stop:     ctx.Done(),
	})
	if retry.IsAttemptsExceeded(err) {
		err = retry.LastError(err)
	}
	return entries, errors.Trace(err)
}

// Count is part of the Collection interface.
func (l *Live) Count(ctx context.Context) (int, error) {
	entries, err := l.entries(ctx)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return len(entries), nil
}

// Keys is part of the Collection interface.
func (l *Live) Keys(ctx context.Context) ([]string, error) {
	entries, err := l.entries(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return entries.Keys(), nil
}

// Values is part of the Collection interface.
func (l *Live) Values(ctx context.Context) ([]collection.Value, error) {
	entries, err := l.entries(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return entries.Values(), nil
}

// Value is part of the Collection interface.
func (l *Live) Value(ctx context.Context, key string) (collection.Value, bool, error) {
	entries, err := l.entries(ctx)
	if err != nil {
		return collection.Value{}, false, errors.Trace(err)
	}
	v, ok := entries[key]
	return v, ok, nil
}

// Range is part of the Collection interface. The entries are read once,
// before fn is first called.
func (l *Live) Range(ctx context.Context, fn func(string, collection.Value) bool) error {
	entries, err := l.entries(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	rangeEntries(entries, fn)
	return nil
}

func (l *Live) mutate(ctx context.Context, m store.Mutation) error {
	err := l.session.updateTxn(func(txn store.Txn) error {
		return txn.Apply(ctx, l.id, m)
	})
	return errors.Annotatef(err, "mutating %s", l.id)
}

// SetAll is part of the Collection interface.
func (l *Live) SetAll(ctx context.Context, entries collection.Entries) error {
	return l.mutate(ctx, store.SetAll(entries))
}

// Put is part of the Collection interface.
func (l *Live) Put(ctx context.Context, key string, value collection.Value) error {
	return l.mutate(ctx, store.Put(key, value))
}

// RemoveAll is part of the Collection interface.
func (l *Live) RemoveAll(ctx context.Context) error {
	return l.mutate(ctx, store.RemoveAll())
}

// RemoveKeys is part of the Collection interface.
func (l *Live) RemoveKeys(ctx context.Context, keys ...string) error {
	return l.mutate(ctx, store.RemoveKeys(keys...))
}

// Freeze is part of the Collection interface. It pins the latest committed
// version; the snapshot must be released when no longer needed.
func (l *Live) Freeze(ctx context.Context) (*Frozen, error) {
	inWrite, err := l.session.writing()
	if err != nil {
		return nil, errors.Trace(err)
	}
	if inWrite {
		return nil, errors.Annotatef(collection.ErrInvalidWriteState, "freezing %s inside a write transaction", l.id)
	}

	db := l.session.db
	handle, err := db.tracker.Acquire(ctx, l.id)
	if err != nil {
		return nil, errors.Annotatef(err, "freezing %s", l.id)
	}
	entries, err := db.store.Read(ctx, l.id, handle.Version())
	if err != nil {
		handle.Release()
		return nil, errors.Annotatef(err, "freezing %s", l.id)
	}
	return newFrozen(handle, entries), nil
}

// IsFrozen is part of the Collection interface.
func (l *Live) IsFrozen() bool {
	return false
}

// IsInvalidated is part of the Collection interface.
func (l *Live) IsInvalidated() bool {
	ctx := context.Background()
	var readErr error
	inWrite, err := l.session.viewTxn(func(txn store.Txn) error {
		_, readErr = txn.Read(ctx, l.id)
		return nil
	})
	if err != nil {
		return true
	}
	if !inWrite {
		_, readErr = l.session.db.store.CurrentVersion(ctx, l.id)
	}
	return errors.Is(readErr, collection.ErrInvalidatedCollection)
}

// Observe registers fn to be told about changes to the dictionary. The
// notifications run on ec, or on the session's own queue if ec is nil. The
// returned token stops them; closing the session kills it too.
func (l *Live) Observe(ctx context.Context, fn ObserveFunc, ec ExecutionContext) (*Token, error) {
	if fn == nil {
		return nil, errors.NotValidf("nil observer")
	}
	inWrite, err := l.session.writing()
	if err != nil {
		return nil, errors.Trace(err)
	}
	if inWrite {
		return nil, errors.Annotatef(collection.ErrInvalidWriteState, "observing %s inside a write transaction", l.id)
	}
	if ec == nil {
		ec = l.session.queue
	}

	callback := func(snap *notify.Snapshot, changes *collection.ChangeSet, err error) {
		if err != nil {
			fn(nil, nil, err)
			return
		}
		fn(borrowFrozen(snap.Handle, snap.Entries), changes, nil)
	}
	token, err := l.session.db.scheduler.Observe(ctx, l.id, callback, ec)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !l.session.addToken(token) {
		token.Kill()
		return nil, errors.Annotatef(collection.ErrInvalidatedCollection, "session closed")
	}
	return token, nil
}
