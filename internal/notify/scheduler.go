// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package notify

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/juju/managedcollection/core/collection"
	"github.com/juju/managedcollection/internal/changes"
	"github.com/juju/managedcollection/internal/snapshot"
)

// Snapshot is the dictionary handed to a callback. The handle is borrowed:
// it stays valid for the duration of the callback only, and must be cloned
// to be kept.
type Snapshot struct {
	Handle  *snapshot.Handle
	Entries collection.Entries
}

// Callback receives notifications. The first successful call has nil
// changes. On a failed delivery it is called with a nil snapshot and
// changes and a non-nil error; the token stays registered.
type Callback func(snap *Snapshot, changes *collection.ChangeSet, err error)

// subscription groups the tokens observing one dictionary.
type subscription struct {
	tokens      map[*Token]struct{}
	unsubscribe []func()
}

// Scheduler fans commit events out to the tokens observing each dictionary.
type Scheduler struct {
	tomb     tomb.Tomb
	config   SchedulerConfig
	logger   Logger
	computer *changes.Computer

	mu   sync.Mutex
	subs map[collection.Identity]*subscription

	deliveries atomic.Int64
	coalesced  atomic.Int64
	failures   atomic.Int64
	tokens     atomic.Int64
}

// NewScheduler starts a Scheduler. Killing it kills every token.
func NewScheduler(config SchedulerConfig) (*Scheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "new scheduler invalid config")
	}
	s := &Scheduler{
		config:   config,
		logger:   config.Logger,
		computer: changes.NewComputer(config.Store),
		subs:     make(map[collection.Identity]*subscription),
	}
	if s.logger == nil {
		s.logger = logger
	}
	s.tomb.Go(s.loop)
	return s, nil
}

// Kill is part of the worker.Worker interface.
func (s *Scheduler) Kill() {
	s.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *Scheduler) Wait() error {
	return s.tomb.Wait()
}

func (s *Scheduler) loop() error {
	<-s.tomb.Dying()

	s.mu.Lock()
	var tokens []*Token
	for _, sub := range s.subs {
		for token := range sub.tokens {
			tokens = append(tokens, token)
		}
	}
	s.mu.Unlock()

	for _, token := range tokens {
		token.Kill()
	}
	return tomb.ErrDying
}

// Observe registers callback for changes to the dictionary. The initial
// notification, carrying nil changes, is posted to ec as soon as the current
// version has been pinned.
func (s *Scheduler) Observe(ctx context.Context, id collection.Identity, callback Callback, ec ExecutionContext) (*Token, error) {
	if err := id.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if callback == nil {
		return nil, errors.NotValidf("nil callback")
	}
	if ec == nil {
		return nil, errors.NotValidf("nil execution context")
	}

	token := &Token{
		scheduler: s,
		id:        id,
		callback:  callback,
		ec:        ec,
		dying:     make(chan struct{}),
	}
	// Registering before resolving the current version means a racing
	// commit is either seen here or delivered through the hub.
	if err := s.register(token); err != nil {
		return nil, errors.Trace(err)
	}
	if dc, ok := ec.(DyingContext); ok {
		go token.killWhenDying(dc.Dying())
	}
	handle, err := s.config.Tracker.Acquire(ctx, id)
	if err != nil {
		token.Kill()
		return nil, errors.Annotatef(err, "observing %s", id)
	}
	s.logger.Debugf("observing %s from version %d", id, handle.Version())
	token.enqueue(handle)
	return token, nil
}

func (s *Scheduler) register(token *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.tomb.Dying():
		return ErrSchedulerStopped
	default:
	}

	sub, ok := s.subs[token.id]
	if !ok {
		id := token.id
		sub = &subscription{tokens: make(map[*Token]struct{})}
		sub.unsubscribe = []func(){
			s.config.Hub.Subscribe(collection.CommitTopic(id), func(_ string, data interface{}) {
				s.onCommit(id, data)
			}),
			s.config.Hub.Subscribe(collection.DropTopic(id.Object), func(_ string, data interface{}) {
				s.onDrop(id, data)
			}),
		}
		s.subs[id] = sub
	}
	sub.tokens[token] = struct{}{}
	s.tokens.Add(1)
	return nil
}

func (s *Scheduler) unregister(token *Token) {
	s.mu.Lock()
	sub, ok := s.subs[token.id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if _, ok := sub.tokens[token]; !ok {
		s.mu.Unlock()
		return
	}
	delete(sub.tokens, token)
	s.tokens.Add(-1)
	var unsubscribe []func()
	if len(sub.tokens) == 0 {
		delete(s.subs, token.id)
		unsubscribe = sub.unsubscribe
	}
	s.mu.Unlock()

	for _, unsub := range unsubscribe {
		unsub()
	}
}

func (s *Scheduler) observers(id collection.Identity) []*Token {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok {
		return nil
	}
	tokens := make([]*Token, 0, len(sub.tokens))
	for token := range sub.tokens {
		tokens = append(tokens, token)
	}
	return tokens
}

func (s *Scheduler) onCommit(id collection.Identity, data interface{}) {
	event, ok := data.(collection.CommitEvent)
	if !ok {
		s.logger.Errorf("programming error: commit data expected CommitEvent, got %T", data)
		return
	}
	tokens := s.observers(id)
	if len(tokens) == 0 {
		return
	}

	ctx := s.tomb.Context(context.Background())
	handle, err := s.config.Tracker.AcquireAt(ctx, id, event.To)
	if errors.Is(err, collection.ErrStaleVersion) {
		// A later commit superseded this one and has been reclaimed
		// already; the current version carries its changes too.
		s.logger.Tracef("version %d of %s reclaimed before delivery", event.To, id)
		handle, err = s.config.Tracker.Acquire(ctx, id)
	}
	if errors.Is(err, collection.ErrInvalidatedCollection) {
		s.logger.Debugf("%s invalidated, killing %d observers", id, len(tokens))
		for _, token := range tokens {
			token.Kill()
		}
		return
	}
	if err != nil {
		s.logger.Warningf("cannot pin version %d of %s: %v", event.To, id, err)
		return
	}
	defer handle.Release()

	for _, token := range tokens {
		lease, err := handle.Clone()
		if err != nil {
			s.logger.Errorf("cloning lease on version %d of %s: %v", handle.Version(), id, err)
			return
		}
		token.enqueue(lease)
	}
}

func (s *Scheduler) onDrop(id collection.Identity, data interface{}) {
	event, ok := data.(collection.DropEvent)
	if !ok {
		s.logger.Errorf("programming error: drop data expected DropEvent, got %T", data)
		return
	}
	tokens := s.observers(id)
	if len(tokens) > 0 {
		s.logger.Debugf("%s deleted at version %d, killing %d observers", event.Object, event.Version, len(tokens))
	}
	for _, token := range tokens {
		token.Kill()
	}
}

// materialise reads the target version and, unless this is the first
// delivery, the changes since the baseline.
func (s *Scheduler) materialise(id collection.Identity, baseline, target *snapshot.Handle) (collection.Entries, *collection.ChangeSet, error) {
	ctx := s.tomb.Context(context.Background())
	if baseline == nil {
		entries, err := s.config.Store.Read(ctx, id, target.Version())
		if err != nil {
			return nil, nil, errors.Annotatef(err, "reading %s at version %d", id, target.Version())
		}
		return entries, nil, nil
	}
	entries, changes, err := s.computer.Compare(ctx, id, baseline.Version(), target.Version())
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	return entries, &changes, nil
}
