// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package dictionary is the client-facing API of managed dictionaries.
//
// A Database owns the versioned store and the machinery around it. Clients
// work through a Session, which owns at most one write transaction and
// hands out Live references to dictionaries. A Live reference always
// reads the newest committed state; Freeze turns it into a Frozen snapshot
// which never changes. Observers registered with Live.Observe are told
// which keys changed between the versions they are shown.
package dictionary

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/juju/managedcollection/internal/notify"
	"github.com/juju/managedcollection/internal/reclaimer"
	"github.com/juju/managedcollection/internal/snapshot"
	"github.com/juju/managedcollection/internal/store"
	"github.com/juju/managedcollection/internal/store/sqlstore"
)

var logger = loggo.GetLogger("managedcollection.dictionary")

// Database is a store of versioned dictionaries.
type Database struct {
	catacomb catacomb.Catacomb

	clock      clock.Clock
	store      store.VersionedStore
	closeStore func() error
	tracker    *snapshot.Tracker
	scheduler  *notify.Scheduler
	reclaimer  *reclaimer.Worker

	registerer prometheus.Registerer
	collectors []prometheus.Collector
}

// Open creates the store described by the config and starts the workers
// delivering notifications and reclaiming versions.
func Open(ctx context.Context, config Config) (*Database, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "invalid database config")
	}
	config = config.withDefaults()
	settings := config.Settings

	hub := pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
		Logger: loggo.GetLogger("managedcollection.hub"),
	})

	db := &Database{
		clock:      config.Clock,
		registerer: config.PrometheusRegisterer,
		closeStore: func() error { return nil },
	}
	switch settings.Backend {
	case store.BackendSQLite:
		st, err := sqlstore.Open(ctx, settings.Path, sqlstore.Config{
			Hub:               hub,
			Clock:             config.Clock,
			MaxActiveVersions: settings.MaxActiveVersions,
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
		db.store, db.closeStore = st, st.Close
	default:
		st, err := store.NewMemoryStore(store.MemoryStoreConfig{
			Hub:               hub,
			MaxActiveVersions: settings.MaxActiveVersions,
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
		db.store = st
		db.collectors = append(db.collectors, st)
	}

	db.tracker = snapshot.NewTracker(db.store, config.Clock)
	var err error
	if db.scheduler, err = notify.NewScheduler(notify.SchedulerConfig{
		Hub:     hub,
		Store:   db.store,
		Tracker: db.tracker,
	}); err != nil {
		_ = db.closeStore()
		return nil, errors.Trace(err)
	}
	db.collectors = append(db.collectors, db.scheduler)

	if db.reclaimer, err = reclaimer.NewWorker(reclaimer.Config{
		Tracker:  db.tracker,
		Store:    db.store,
		Clock:    config.Clock,
		Interval: settings.ReclaimInterval,
	}); err != nil {
		_ = worker.Stop(db.scheduler)
		_ = db.closeStore()
		return nil, errors.Trace(err)
	}

	if err := catacomb.Invoke(catacomb.Plan{
		Site: &db.catacomb,
		Work: db.loop,
		Init: []worker.Worker{db.scheduler, db.reclaimer},
	}); err != nil {
		_ = db.closeStore()
		return nil, errors.Trace(err)
	}

	if err := db.register(); err != nil {
		_ = db.Close()
		return nil, errors.Trace(err)
	}
	logger.Debugf("opened %s database", settings.Backend)
	return db, nil
}

func (db *Database) register() error {
	if db.registerer == nil {
		return nil
	}
	for i, collector := range db.collectors {
		if err := db.registerer.Register(collector); err != nil {
			db.collectors = db.collectors[:i]
			return errors.Annotate(err, "registering metrics")
		}
	}
	return nil
}

func (db *Database) loop() error {
	<-db.catacomb.Dying()
	return db.catacomb.ErrDying()
}

// Kill is part of the worker.Worker interface.
func (db *Database) Kill() {
	db.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (db *Database) Wait() error {
	return db.catacomb.Wait()
}

// Close stops the database workers, killing every notification token, and
// closes the store.
func (db *Database) Close() error {
	err := worker.Stop(db)
	if db.registerer != nil {
		for _, collector := range db.collectors {
			db.registerer.Unregister(collector)
		}
	}
	if closeErr := db.closeStore(); err == nil {
		err = closeErr
	}
	return errors.Trace(err)
}

// NewSession returns a session with no open write transaction.
func (db *Database) NewSession() *Session {
	return newSession(db)
}

// Reclaim immediately unpins released snapshots and discards the versions
// nothing needs any more, returning how many were discarded.
func (db *Database) Reclaim(ctx context.Context) (int, error) {
	n, err := db.reclaimer.Sweep(ctx)
	return n, errors.Trace(err)
}
