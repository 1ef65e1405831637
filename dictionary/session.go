// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package dictionary

import (
	"context"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/worker/v4"

	"github.com/juju/managedcollection/core/collection"
	"github.com/juju/managedcollection/internal/notify"
	"github.com/juju/managedcollection/internal/store"
)

// Session is the owning context of live dictionary references. It holds
// at most one write transaction, and runs the notifications of observers
// registered without an execution context of their own.
//
// Reads may happen from any goroutine; while a write is open they see its
// uncommitted changes. Writes, and the calls beginning and ending them,
// must come from one goroutine at a time.
type Session struct {
	db    *Database
	queue *notify.Queue

	// txnMu guards txn and is held for every call into it. It is always
	// taken before mu.
	txnMu sync.Mutex
	txn   store.Txn

	mu     sync.Mutex
	closed bool
	live   map[collection.Identity]*Live
	tokens map[*notify.Token]struct{}
}

func newSession(db *Database) *Session {
	return &Session{
		db:     db,
		queue:  notify.NewQueue(),
		live:   make(map[collection.Identity]*Live),
		tokens: make(map[*notify.Token]struct{}),
	}
}

// Dictionary returns the live reference to the dictionary held by the
// property of the object. The same reference is returned on every call.
func (s *Session) Dictionary(object, property string) (*Live, error) {
	id := collection.Identity{Object: object, Property: property}
	if err := id.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.Annotatef(collection.ErrInvalidatedCollection, "session closed")
	}
	if live, ok := s.live[id]; ok {
		return live, nil
	}
	live := &Live{session: s, id: id}
	s.live[id] = live
	return live, nil
}

// BeginWrite starts a write transaction, waiting for any other session's
// write to finish.
func (s *Session) BeginWrite(ctx context.Context) error {
	s.txnMu.Lock()
	err := s.checkOpen()
	if err == nil && s.txn != nil {
		err = errors.Annotatef(collection.ErrInvalidWriteState, "already in a write transaction")
	}
	s.txnMu.Unlock()
	if err != nil {
		return errors.Trace(err)
	}

	txn, err := s.db.store.Begin(ctx)
	if err != nil {
		return errors.Annotate(err, "beginning write")
	}

	s.txnMu.Lock()
	defer s.txnMu.Unlock()
	if s.checkOpen() != nil || s.txn != nil {
		txn.Abort()
		return errors.Annotatef(collection.ErrInvalidWriteState, "session changed while beginning write")
	}
	s.txn = txn
	return nil
}

// CommitWrite commits the write transaction and returns the version it
// produced. The transaction ends whether or not the commit succeeds.
func (s *Session) CommitWrite(ctx context.Context) (collection.Version, error) {
	s.txnMu.Lock()
	defer s.txnMu.Unlock()

	if s.txn == nil {
		return 0, collection.ErrInvalidatedOperation
	}
	txn := s.txn
	s.txn = nil
	v, err := txn.Commit(ctx)
	if err != nil {
		return 0, errors.Annotate(err, "committing write")
	}
	return v, nil
}

// CancelWrite discards the write transaction, if any.
func (s *Session) CancelWrite() {
	s.txnMu.Lock()
	defer s.txnMu.Unlock()

	if s.txn != nil {
		s.txn.Abort()
		s.txn = nil
	}
}

// Write runs fn inside a write transaction, committing if it succeeds and
// cancelling otherwise.
func (s *Session) Write(ctx context.Context, fn func() error) (collection.Version, error) {
	if err := s.BeginWrite(ctx); err != nil {
		return 0, errors.Trace(err)
	}
	if err := fn(); err != nil {
		s.CancelWrite()
		return 0, errors.Trace(err)
	}
	v, err := s.CommitWrite(ctx)
	return v, errors.Trace(err)
}

// InWriteTransaction reports whether the session has an open write.
func (s *Session) InWriteTransaction() bool {
	s.txnMu.Lock()
	defer s.txnMu.Unlock()
	return s.txn != nil
}

// DeleteObject deletes the parent object, invalidating all of its
// dictionaries once the write is committed.
func (s *Session) DeleteObject(ctx context.Context, object string) error {
	return errors.Trace(s.updateTxn(func(txn store.Txn) error {
		return txn.DeleteObject(ctx, object)
	}))
}

// Close cancels any write, invalidates the session's live references and
// kills the observers registered through them.
func (s *Session) Close() error {
	s.txnMu.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.txnMu.Unlock()
		return nil
	}
	s.closed = true
	tokens := make([]*notify.Token, 0, len(s.tokens))
	for token := range s.tokens {
		tokens = append(tokens, token)
	}
	s.tokens = nil
	s.mu.Unlock()
	if s.txn != nil {
		s.txn.Abort()
		s.txn = nil
	}
	s.txnMu.Unlock()

	for _, token := range tokens {
		token.Kill()
	}
	return errors.Trace(worker.Stop(s.queue))
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Annotatef(collection.ErrInvalidatedCollection, "session closed")
	}
	return nil
}

// updateTxn calls fn with the open write transaction. It fails with
// ErrInvalidatedOperation outside a write.
func (s *Session) updateTxn(fn func(store.Txn) error) error {
	s.txnMu.Lock()
	defer s.txnMu.Unlock()

	if err := s.checkOpen(); err != nil {
		return errors.Trace(err)
	}
	if s.txn == nil {
		return collection.ErrInvalidatedOperation
	}
	return fn(s.txn)
}

// viewTxn calls fn with the open write transaction and reports true, or
// reports false without calling fn outside a write.
func (s *Session) viewTxn(fn func(store.Txn) error) (bool, error) {
	s.txnMu.Lock()
	defer s.txnMu.Unlock()

	if err := s.checkOpen(); err != nil {
		return false, errors.Trace(err)
	}
	if s.txn == nil {
		return false, nil
	}
	return true, fn(s.txn)
}

// writing reports whether a write is open, failing if the session is
// closed.
func (s *Session) writing() (bool, error) {
	inWrite, err := s.viewTxn(func(store.Txn) error { return nil })
	return inWrite, errors.Trace(err)
}

func (s *Session) addToken(token *notify.Token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	for t := range s.tokens {
		if !t.Alive() {
			delete(s.tokens, t)
		}
	}
	s.tokens[token] = struct{}{}
	return true
}
