// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package reclaimer runs the deferred collection of superseded versions:
// released snapshot leases are unpinned first, then the store discards the
// versions nothing pins any more.
package reclaimer

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"
)

var logger = loggo.GetLogger("managedcollection.reclaimer")

// Tracker unpins versions whose leases have all been released.
type Tracker interface {
	Sweep() int
}

// Store discards unpinned superseded versions.
type Store interface {
	Reclaim(ctx context.Context) (int, error)
}

// Logger facilitates emitting log messages.
type Logger interface {
	Debugf(string, ...interface{})
	Tracef(string, ...interface{})
}

// Config holds the dependencies of the reclaimer worker.
type Config struct {
	Tracker  Tracker
	Store    Store
	Clock    clock.Clock
	Interval time.Duration
	// Logger defaults to the package logger.
	Logger Logger
}

// Validate returns an error if the config cannot drive a worker.
func (config Config) Validate() error {
	if config.Tracker == nil {
		return errors.NotValidf("nil Tracker")
	}
	if config.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Interval <= 0 {
		return errors.NotValidf("non-positive Interval")
	}
	return nil
}

// Worker periodically sweeps released leases and reclaims the store.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config
	logger   Logger

	// mu serialises sweeps run by the loop and by Sweep.
	mu sync.Mutex
}

// NewWorker starts a reclaimer.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{
		config: config,
		logger: config.Logger,
	}
	if w.logger == nil {
		w.logger = logger
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

func (w *Worker) loop() error {
	ctx := w.catacomb.Context(context.Background())
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-w.config.Clock.After(w.config.Interval):
			if _, err := w.Sweep(ctx); err != nil {
				return errors.Trace(err)
			}
		}
	}
}

// Sweep unpins released versions and reclaims the store immediately,
// returning how many versions were reclaimed.
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	unpinned := w.config.Tracker.Sweep()
	reclaimed, err := w.config.Store.Reclaim(ctx)
	if err != nil {
		return 0, errors.Annotate(err, "reclaiming versions")
	}
	if unpinned > 0 || reclaimed > 0 {
		w.logger.Debugf("unpinned %d versions, reclaimed %d", unpinned, reclaimed)
	}
	return reclaimed, nil
}

var _ worker.Worker = (*Worker)(nil)
