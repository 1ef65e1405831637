// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package sqlstore implements the versioned store on top of SQLite. Every
// key binding is a row carrying the version range in which it is visible,
// so any retained version can be read back with a single query.
package sqlstore

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	_ "github.com/mattn/go-sqlite3"

	"github.com/juju/managedcollection/core/collection"
	"github.com/juju/managedcollection/internal/store"
)

var logger = loggo.GetLogger("managedcollection.store.sqlstore")

const schema = `
CREATE TABLE IF NOT EXISTS version (
    id           INTEGER PRIMARY KEY,
    committed_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS entry (
    object      TEXT NOT NULL,
    property    TEXT NOT NULL,
    entry_key   TEXT NOT NULL,
    entry_value TEXT NOT NULL,
    created     INTEGER NOT NULL,
    deleted     INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_entry_dictionary ON entry (object, property, entry_key);

CREATE TABLE IF NOT EXISTS dropped_object (
    object  TEXT PRIMARY KEY,
    version INTEGER NOT NULL
);`

// Config holds the dependencies of a Store.
type Config struct {
	// DB is the SQLite database holding the versions.
	DB *sql.DB
	// Hub receives commit and drop events.
	Hub store.Hub
	// Clock stamps committed versions. It defaults to the wall clock.
	Clock clock.Clock
	// Logger defaults to the package logger.
	Logger store.Logger
	// MaxActiveVersions bounds the number of pinned versions plus the
	// latest one. Zero means unbounded.
	MaxActiveVersions int
}

// Validate returns an error if the config cannot create a Store.
func (config Config) Validate() error {
	if config.DB == nil {
		return errors.NotValidf("missing DB")
	}
	if config.Hub == nil {
		return errors.NotValidf("missing Hub")
	}
	if config.MaxActiveVersions < 0 {
		return errors.NotValidf("negative MaxActiveVersions")
	}
	return nil
}

type statements struct {
	selectEntries  *sqlair.Statement
	selectDropped  *sqlair.Statement
	selectLatest   *sqlair.Statement
	insertVersion  *sqlair.Statement
	insertEntry    *sqlair.Statement
	retireEntry    *sqlair.Statement
	retireObject   *sqlair.Statement
	insertDropped  *sqlair.Statement
	deleteRetired  *sqlair.Statement
	deleteVersions *sqlair.Statement
}

func prepareStatements() (statements, error) {
	var (
		stmts statements
		err   error
	)
	prepare := func(target **sqlair.Statement, query string, typeSamples ...any) {
		if err != nil {
			return
		}
		*target, err = sqlair.Prepare(query, typeSamples...)
		if err != nil {
			err = errors.Annotatef(err, "preparing %q", query)
		}
	}

	prepare(&stmts.selectEntries, `
SELECT &entryRow.*
FROM   entry
WHERE  object = $readArgs.object
AND    property = $readArgs.property
AND    created <= $readArgs.version
AND    (deleted = 0 OR deleted > $readArgs.version)`, entryRow{}, readArgs{})

	prepare(&stmts.selectDropped, `
SELECT &droppedObject.*
FROM   dropped_object
WHERE  object = $readArgs.object
AND    version <= $readArgs.version`, droppedObject{}, readArgs{})

	prepare(&stmts.selectLatest, `
SELECT COALESCE(MAX(id), 0) AS &watermark.version
FROM   version`, watermark{})

	prepare(&stmts.insertVersion, `
INSERT INTO version (id, committed_at)
VALUES ($versionRow.*)`, versionRow{})

	prepare(&stmts.insertEntry, `
INSERT INTO entry (object, property, entry_key, entry_value, created, deleted)
VALUES ($entryRow.*)`, entryRow{})

	prepare(&stmts.retireEntry, `
UPDATE entry
SET    deleted = $retireArgs.version
WHERE  object = $retireArgs.object
AND    property = $retireArgs.property
AND    entry_key = $retireArgs.entry_key
AND    deleted = 0`, retireArgs{})

	prepare(&stmts.retireObject, `
UPDATE entry
SET    deleted = $droppedObject.version
WHERE  object = $droppedObject.object
AND    deleted = 0`, droppedObject{})

	prepare(&stmts.insertDropped, `
INSERT INTO dropped_object (object, version)
VALUES ($droppedObject.*)`, droppedObject{})

	prepare(&stmts.deleteRetired, `
DELETE FROM entry
WHERE  deleted != 0
AND    deleted <= $watermark.version`, watermark{})

	prepare(&stmts.deleteVersions, `
DELETE FROM version
WHERE  id < $watermark.version`, watermark{})

	return stmts, errors.Trace(err)
}

// Store is a VersionedStore persisted in SQLite. Pins are held in process
// memory; after a restart only the latest version is readable.
type Store struct {
	db        *sqlair.DB
	hub       store.Hub
	clock     clock.Clock
	logger    store.Logger
	maxActive int
	stmts     statements

	writer chan struct{}

	mu     sync.Mutex
	latest collection.Version
	// oldest is the lowest version that can still be read.
	oldest collection.Version
	pins   map[collection.Version]int
}

// Open opens, creating if needed, the SQLite database at path and returns
// a Store over it.
func Open(ctx context.Context, path string, config Config) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, errors.Annotatef(err, "opening %q", path)
	}
	config.DB = db
	s, err := New(ctx, config)
	if err != nil {
		_ = db.Close()
		return nil, errors.Trace(err)
	}
	return s, nil
}

// New returns a Store over an open database, creating the schema if it
// does not exist. The database is limited to a single open connection.
func New(ctx context.Context, config Config) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "new sql store invalid config")
	}
	// Reads and reclamation rely on sharing one connection: a read that
	// holds it cannot have rows reclaimed under it. It also keeps in-memory
	// databases shared.
	config.DB.SetMaxOpenConns(1)
	if _, err := config.DB.ExecContext(ctx, schema); err != nil {
		return nil, errors.Annotate(err, "creating schema")
	}
	stmts, err := prepareStatements()
	if err != nil {
		return nil, errors.Trace(err)
	}
	s := &Store{
		db:        sqlair.NewDB(config.DB),
		hub:       config.Hub,
		clock:     config.Clock,
		logger:    config.Logger,
		maxActive: config.MaxActiveVersions,
		stmts:     stmts,
		writer:    make(chan struct{}, 1),
		pins:      make(map[collection.Version]int),
	}
	if s.logger == nil {
		s.logger = logger
	}
	if s.clock == nil {
		s.clock = clock.WallClock
	}

	var latest watermark
	if err := s.db.Query(ctx, stmts.selectLatest).Get(&latest); err != nil {
		return nil, errors.Annotate(err, "reading latest version")
	}
	s.latest = collection.Version(latest.Version)
	s.oldest = s.latest
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return errors.Trace(s.db.PlainDB().Close())
}

// checkReadable returns an error if v cannot be read. The lock must be held.
func (s *Store) checkReadable(v collection.Version) error {
	if v > s.latest {
		return errors.NotFoundf("version %d", v)
	}
	if v < s.oldest {
		return errors.Annotatef(collection.ErrStaleVersion, "version %d", v)
	}
	return nil
}

// Read is part of the VersionedStore interface.
func (s *Store) Read(ctx context.Context, id collection.Identity, v collection.Version) (collection.Entries, error) {
	s.mu.Lock()
	err := s.checkReadable(v)
	s.mu.Unlock()
	if err != nil {
		return nil, errors.Trace(err)
	}

	args := readArgs{Object: id.Object, Property: id.Property, Version: int64(v)}
	tx, err := s.db.Begin(ctx, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer func() { _ = tx.Rollback() }()

	// Reclaim raises the watermark before deleting and cannot delete
	// while this transaction holds the only connection, so checking again
	// here guarantees the rows of v are all still present.
	s.mu.Lock()
	err = s.checkReadable(v)
	s.mu.Unlock()
	if err != nil {
		return nil, errors.Trace(err)
	}

	var dropped droppedObject
	err = tx.Query(ctx, s.stmts.selectDropped, args).Get(&dropped)
	switch {
	case err == nil:
		return nil, errors.Annotatef(collection.ErrInvalidatedCollection, "%s at version %d", id, v)
	case !errors.Is(err, sqlair.ErrNoRows):
		return nil, errors.Annotatef(err, "reading deletion of %q", id.Object)
	}

	var rows []entryRow
	err = tx.Query(ctx, s.stmts.selectEntries, args).GetAll(&rows)
	if err != nil && !errors.Is(err, sqlair.ErrNoRows) {
		return nil, errors.Annotatef(err, "reading %s at version %d", id, v)
	}
	entries := make(collection.Entries, len(rows))
	for _, row := range rows {
		value, err := decodeValue(row.Value)
		if err != nil {
			return nil, errors.Annotatef(err, "key %q", row.Key)
		}
		entries[row.Key] = value
	}
	return entries, nil
}

// CurrentVersion is part of the VersionedStore interface.
func (s *Store) CurrentVersion(ctx context.Context, id collection.Identity) (collection.Version, error) {
	s.mu.Lock()
	latest := s.latest
	s.mu.Unlock()

	var dropped droppedObject
	args := readArgs{Object: id.Object, Property: id.Property, Version: int64(latest)}
	err := s.db.Query(ctx, s.stmts.selectDropped, args).Get(&dropped)
	switch {
	case err == nil:
		return 0, errors.Annotatef(collection.ErrInvalidatedCollection, "%s", id)
	case !errors.Is(err, sqlair.ErrNoRows):
		return 0, errors.Annotatef(err, "reading deletion of %q", id.Object)
	}
	return latest, nil
}

// Pin is part of the VersionedStore interface.
func (s *Store) Pin(ctx context.Context, v collection.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkReadable(v); err != nil {
		return errors.Trace(err)
	}
	s.pins[v]++
	return nil
}

// Unpin is part of the VersionedStore interface.
func (s *Store) Unpin(v collection.Version) {
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

// Reclaim is part of the VersionedStore interface. Rows that stopped being
// visible at or before the oldest pinned version are deleted, and every
// version below it becomes unreadable.
func (s *Store) Reclaim(ctx context.Context) (int, error) {
	s.mu.Lock()
	oldest := s.latest
	for v := range s.pins {
		if v < oldest {
			oldest = v
		}
	}
	previous := s.oldest
	if oldest <= previous {
		s.mu.Unlock()
		return 0, nil
	}
	// The watermark moves before any row is deleted: from here on Pin and
	// Read refuse the versions about to go.
	s.oldest = oldest
	s.mu.Unlock()

	mark := watermark{Version: int64(oldest)}
	tx, err := s.db.Begin(ctx, nil)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if err := tx.Query(ctx, s.stmts.deleteRetired, mark).Run(); err != nil {
		_ = tx.Rollback()
		return 0, errors.Annotate(err, "deleting retired entries")
	}
	if err := tx.Query(ctx, s.stmts.deleteVersions, mark).Run(); err != nil {
		_ = tx.Rollback()
		return 0, errors.Annotate(err, "deleting versions")
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Trace(err)
	}

	reclaimed := int(oldest - previous)
	s.logger.Tracef("reclaimed versions %d to %d", previous, oldest-1)
	return reclaimed, nil
}

// Begin is part of the VersionedStore interface.
func (s *Store) Begin(ctx context.Context) (store.Txn, error) {
	select {
	case <-ctx.Done():
		return nil, errors.Trace(ctx.Err())
	case s.writer <- struct{}{}:
	}

	s.mu.Lock()
	base := s.latest
	s.mu.Unlock()

	return &txn{
		store:   s,
		base:    base,
		staged:  make(map[collection.Identity]collection.Entries),
		dropped: make(map[string]bool),
	}, nil
}

type txn struct {
	store   *Store
	base    collection.Version
	staged  map[collection.Identity]collection.Entries
	dropped map[string]bool
	done    bool
}

// Base is part of the store.Txn interface.
func (t *txn) Base() collection.Version {
	return t.base
}

// Read is part of the store.Txn interface.
func (t *txn) Read(ctx context.Context, id collection.Identity) (collection.Entries, error) {
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

// Apply is part of the store.Txn interface.
func (t *txn) Apply(ctx context.Context, id collection.Identity, m store.Mutation) error {
	if err := id.Validate(); err != nil {
		return errors.Trace(err)
	}
	current, err := t.Read(ctx, id)
	if err != nil {
		return errors.Trace(err)
	}
	next, err := store.ApplyMutation(current, m)
	if err != nil {
		return errors.Trace(err)
	}
	t.staged[id] = next
	return nil
}

// DeleteObject is part of the store.Txn interface.
func (t *txn) DeleteObject(ctx context.Context, object string) error {
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

type keyChange struct {
	id      collection.Identity
	retire  []string
	entries collection.Entries
}

// Commit is part of the store.Txn interface.
func (t *txn) Commit(ctx context.Context) (collection.Version, error) {
	if t.done {
		return 0, errors.Annotatef(collection.ErrInvalidWriteState, "transaction finished")
	}
	defer t.finish()
	s := t.store

	var changes []keyChange
	for id, staged := range t.staged {
		committed, err := s.Read(ctx, id, t.base)
		if err != nil {
			return 0, errors.Trace(err)
		}
		change := keyChange{id: id, entries: make(collection.Entries)}
		for k, v := range committed {
			if nv, ok := staged[k]; !ok || !nv.Equal(v) {
				change.retire = append(change.retire, k)
			}
		}
		for k, v := range staged {
			if ov, ok := committed[k]; !ok || !ov.Equal(v) {
				change.entries[k] = v
			}
		}
		if len(change.retire) > 0 || len(change.entries) > 0 {
			changes = append(changes, change)
		}
	}
	var dropped []string
	for object := range t.dropped {
		if _, err := s.CurrentVersion(ctx, collection.Identity{Object: object}); err == nil {
			dropped = append(dropped, object)
		} else if !errors.Is(err, collection.ErrInvalidatedCollection) {
			return 0, errors.Trace(err)
		}
	}
	if len(changes) == 0 && len(dropped) == 0 {
		return t.base, nil
	}

	s.mu.Lock()
	pinned := len(s.pins)
	s.mu.Unlock()
	if s.maxActive > 0 && pinned+1 > s.maxActive {
		return 0, errors.Annotatef(collection.ErrTooManyActiveVersions, "%d versions pinned", pinned)
	}

	version := t.base + 1
	if err := t.write(ctx, version, changes, dropped); err != nil {
		return 0, errors.Annotatef(err, "committing version %d", version)
	}

	s.mu.Lock()
	s.latest = version
	s.mu.Unlock()

	s.logger.Tracef("committed version %d: %d dictionaries changed, %d objects deleted", version, len(changes), len(dropped))
	for _, change := range changes {
		s.hub.Publish(collection.CommitTopic(change.id), collection.CommitEvent{
			Identity: change.id,
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

func (t *txn) write(ctx context.Context, version collection.Version, changes []keyChange, dropped []string) error {
	s := t.store
	tx, err := s.db.Begin(ctx, nil)
	if err != nil {
		return errors.Trace(err)
	}
	rollback := func(err error) error {
		_ = tx.Rollback()
		return errors.Trace(err)
	}

	row := versionRow{ID: int64(version), CommittedAt: s.clock.Now().UTC().Format(time.RFC3339Nano)}
	if err := tx.Query(ctx, s.stmts.insertVersion, row).Run(); err != nil {
		return rollback(err)
	}
	for _, change := range changes {
		for _, key := range change.retire {
			args := retireArgs{
				Object:   change.id.Object,
				Property: change.id.Property,
				Key:      key,
				Version:  int64(version),
			}
			if err := tx.Query(ctx, s.stmts.retireEntry, args).Run(); err != nil {
				return rollback(err)
			}
		}
		for key, value := range change.entries {
			encoded, err := encodeValue(value)
			if err != nil {
				return rollback(err)
			}
			entry := entryRow{
				Object:   change.id.Object,
				Property: change.id.Property,
				Key:      key,
				Value:    encoded,
				Created:  int64(version),
			}
			if err := tx.Query(ctx, s.stmts.insertEntry, entry).Run(); err != nil {
				return rollback(err)
			}
		}
	}
	for _, object := range dropped {
		drop := droppedObject{Object: object, Version: int64(version)}
		if err := tx.Query(ctx, s.stmts.retireObject, drop).Run(); err != nil {
			return rollback(err)
		}
		if err := tx.Query(ctx, s.stmts.insertDropped, drop).Run(); err != nil {
			return rollback(err)
		}
	}
	return errors.Trace(tx.Commit())
}

// Abort is part of the store.Txn interface.
func (t *txn) Abort() {
	if t.done {
		return
	}
	t.finish()
}

func (t *txn) finish() {
	t.done = true
	t.staged = nil
	t.dropped = nil
	<-t.store.writer
}
