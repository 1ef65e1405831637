// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package store

import (
	"context"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/managedcollection/core/collection"
)

var logger = loggo.GetLogger("managedcollection.store")

// MemoryStoreConfig holds the dependencies of a MemoryStore.
type MemoryStoreConfig struct {
	// Hub receives a CommitEvent per changed dictionary and a DropEvent
	// per deleted object after every commit.
	Hub Hub
	// Logger defaults to the package logger.
	Logger Logger
	// MaxActiveVersions bounds the number of versions that cannot be
	// reclaimed: the pinned ones plus the latest. Zero means unbounded.
	MaxActiveVersions int
}

// Validate returns an error if the config cannot create a MemoryStore.
func (config MemoryStoreConfig) Validate() error {
	if config.Hub == nil {
		return errors.NotValidf("missing Hub")
	}
	if config.MaxActiveVersions < 0 {
		return errors.NotValidf("negative MaxActiveVersions")
	}
	return nil
}

// versionState is the immutable content of one committed version.
// Dictionaries untouched by a commit share their Entries with the previous
// version.
type versionState struct {
	collections map[collection.Identity]collection.Entries
	dropped     map[string]collection.Version
}

func (s *versionState) isDropped(object string) bool {
	_, ok := s.dropped[object]
	return ok
}

// MemoryStore is a copy-on-write VersionedStore held in memory.
type MemoryStore struct {
	hub       Hub
	logger    Logger
	maxActive int

	// writer holds a token while a write transaction is open.
	writer chan struct{}

	mu       sync.Mutex
	latest   collection.Version
	versions map[collection.Version]*versionState
	pins     map[collection.Version]int
}

// NewMemoryStore returns an empty store at version 0.
func NewMemoryStore(config MemoryStoreConfig) (*MemoryStore, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "new memory store invalid config")
	}
	s := &MemoryStore{
		hub:       config.Hub,
		logger:    config.Logger,
		maxActive: config.MaxActiveVersions,
		writer:    make(chan struct{}, 1),
		versions: map[collection.Version]*versionState{
			0: {
				collections: map[collection.Identity]collection.Entries{},
				dropped:     map[string]collection.Version{},
			},
		},
		pins: make(map[collection.Version]int),
	}
	if s.logger == nil {
		s.logger = logger
	}
	return s, nil
}

// state returns the content of a version. The lock must be held.
func (s *MemoryStore) state(v collection.Version) (*versionState, error) {
	if v > s.latest {
		return nil, errors.NotFoundf("version %d", v)
	}
	st, ok := s.versions[v]
	if !ok {
		return nil, errors.Annotatef(collection.ErrStaleVersion, "version %d", v)
	}
	return st, nil
}

// Read is part of the VersionedStore interface.
func (s *MemoryStore) Read(ctx context.Context, id collection.Identity, v collection.Version) (collection.Entries, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.state(v)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if st.isDropped(id.Object) {
		return nil, errors.Annotatef(collection.ErrInvalidatedCollection, "%s at version %d", id, v)
	}
	return st.collections[id].Clone(), nil
}

// CurrentVersion is part of the VersionedStore interface.
func (s *MemoryStore) CurrentVersion(ctx context.Context, id collection.Identity) (collection.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.versions[s.latest].isDropped(id.Object) {
		return 0, errors.Annotatef(collection.ErrInvalidatedCollection, "%s", id)
	}
	return s.latest, nil
}

// Pin is part of the VersionedStore interface.
func (s *MemoryStore) Pin(ctx context.Context, v collection.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.state(v); err != nil {
		return errors.Trace(err)
	}
	s.pins[v]++
	return nil
}

// Unpin is part of the VersionedStore interface.
func (s *MemoryStore) Unpin(v collection.Version) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.pins[v]
	if !ok {
		s.logger.Warningf("unpin of unpinned version %d", v)
		return
	}
	if n <= 1 {
		delete(s.pins, v)
		return
	}
	s.pins[v] = n - 1
}

// Reclaim is part of the VersionedStore interface.
func (s *MemoryStore) Reclaim(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reclaimed int
	for v := range s.versions {
		if v == s.latest || s.pins[v] > 0 {
			continue
		}
		delete(s.versions, v)
		reclaimed++
	}
	if reclaimed > 0 {
		s.logger.Tracef("reclaimed %d versions, %d retained", reclaimed, len(s.versions))
	}
	return reclaimed, nil
}

// Begin is part of the VersionedStore interface.
func (s *MemoryStore) Begin(ctx context.Context) (Txn, error) {
	select {
	case <-ctx.Done():
		return nil, errors.Trace(ctx.Err())
	case s.writer <- struct{}{}:
	}

	s.mu.Lock()
	base := s.latest
	s.mu.Unlock()

	return &memoryTxn{
		store:   s,
		base:    base,
		staged:  make(map[collection.Identity]collection.Entries),
		dropped: make(map[string]bool),
	}, nil
}

// Stats returns the number of retained and pinned versions.
func (s *MemoryStore) Stats() (retained, pinned int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.versions), len(s.pins)
}

type memoryTxn struct {
	store   *MemoryStore
	base    collection.Version
	staged  map[collection.Identity]collection.Entries
	dropped map[string]bool
	done    bool
}

// Base is part of the Txn interface.
func (t *memoryTxn) Base() collection.Version {
	return t.base
}

// Read is part of the Txn interface.
func (t *memoryTxn) Read(ctx context.Context, id collection.Identity) (collection.Entries, error) {
	if t.done {
		return nil, errors.Annotatef(collection.ErrInvalidWriteState, "transaction finished")
	}
	if t.dropped[id.Object] {
		return nil, errors.Annotatef(collection.ErrInvalidatedCollection, "%s", id)
	}
	if entries, ok := t.staged[id]; ok {
		return entries.Clone(), nil
	}
	entries, err := t.store.Read(ctx, id, t.base)
	return entries, errors.Trace(err)
}

// Apply is part of the Txn interface.
func (t *memoryTxn) Apply(ctx context.Context, id collection.Identity, m Mutation) error {
	if err := id.Validate(); err != nil {
		return errors.Trace(err)
	}
	current, err := t.Read(ctx, id)
	if err != nil {
		return errors.Trace(err)
	}
	next, err := ApplyMutation(current, m)
	if err != nil {
		return errors.Trace(err)
	}
	t.staged[id] = next
	return nil
}

// DeleteObject is part of the Txn interface.
func (t *memoryTxn) DeleteObject(ctx context.Context, object string) error {
	if t.done {
		return errors.Annotatef(collection.ErrInvalidWriteState, "transaction finished")
	}
	if object == "" {
		return errors.NotValidf("empty object")
	}
	t.dropped[object] = true
	for id := range t.staged {
		if id.Object == object {
			delete(t.staged, id)
		}
	}
	return nil
}

// Commit is part of the Txn interface.
func (t *memoryTxn) Commit(ctx context.Context) (collection.Version, error) {
	if t.done {
		return 0, errors.Annotatef(collection.ErrInvalidWriteState, "transaction finished")
	}
	defer t.finish()

	s := t.store
	s.mu.Lock()
	prev := s.versions[s.latest]

	var changed []collection.Identity
	for id, entries := range t.staged {
		if !entries.Equal(prev.collections[id]) {
			changed = append(changed, id)
		}
	}
	var dropped []string
	for object := range t.dropped {
		if !prev.isDropped(object) {
			dropped = append(dropped, object)
		}
	}
	if len(changed) == 0 && len(dropped) == 0 {
		s.mu.Unlock()
		return t.base, nil
	}
	// Pinned versions cannot be reclaimed and the new version will be
	// retained as the latest.
	if s.maxActive > 0 && len(s.pins)+1 > s.maxActive {
		pinned := len(s.pins)
		s.mu.Unlock()
		return 0, errors.Annotatef(collection.ErrTooManyActiveVersions, "%d versions pinned", pinned)
	}

	next := &versionState{
		collections: make(map[collection.Identity]collection.Entries, len(prev.collections)+len(changed)),
		dropped:     make(map[string]collection.Version, len(prev.dropped)+len(dropped)),
	}
	for id, entries := range prev.collections {
		next.collections[id] = entries
	}
	for object, v := range prev.dropped {
		next.dropped[object] = v
	}
	version := s.latest + 1
	for _, id := range changed {
		next.collections[id] = t.staged[id]
	}
	for _, object := range dropped {
		next.dropped[object] = version
		for id := range next.collections {
			if id.Object == object {
				delete(next.collections, id)
			}
		}
	}
	s.versions[version] = next
	s.latest = version
	s.mu.Unlock()

	s.logger.Tracef("committed version %d: %d dictionaries changed, %d objects deleted", version, len(changed), len(dropped))

	// Publishing happens before the writer slot is released so that events
	// reach the hub in commit order.
	for _, id := range changed {
		s.hub.Publish(collection.CommitTopic(id), collection.CommitEvent{
			Identity: id,
			From:     t.base,
			To:       version,
		})
	}
	for _, object := range dropped {
		s.hub.Publish(collection.DropTopic(object), collection.DropEvent{
			Object:  object,
			Version: version,
		})
	}
	return version, nil
}

// Abort is part of the Txn interface.
func (t *memoryTxn) Abort() {
	if t.done {
		return
	}
	t.finish()
}

func (t *memoryTxn) finish() {
	t.done = true
	t.staged = nil
	t.dropped = nil
	<-t.store.writer
}
