// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package notify delivers change notifications for dictionaries. A Token is
// registered per observer; the Scheduler listens for commits on the hub and
// hands each token the newest committed version together with the keys that
// changed since the version it last delivered.
package notify

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/managedcollection/core/collection"
	"github.com/juju/managedcollection/internal/snapshot"
)

var logger = loggo.GetLogger("managedcollection.notify")

//go:generate go run go.uber.org/mock/mockgen -package notify -destination reader_mock_test.go github.com/juju/managedcollection/internal/notify Reader

// ErrSchedulerStopped is returned when observing through a scheduler that
// has been killed.
const ErrSchedulerStopped = errors.ConstError("notification scheduler stopped")

// Reader reads a dictionary at a pinned version.
type Reader interface {
	Read(ctx context.Context, id collection.Identity, v collection.Version) (collection.Entries, error)
}

// Tracker hands out leases on store versions.
type Tracker interface {
	Acquire(ctx context.Context, id collection.Identity) (*snapshot.Handle, error)
	AcquireAt(ctx context.Context, id collection.Identity, v collection.Version) (*snapshot.Handle, error)
}

// Subscriber is the subscribing side of a pubsub hub.
type Subscriber interface {
	Subscribe(topic string, handler func(string, interface{})) func()
}

// Logger facilitates emitting log messages.
type Logger interface {
	Debugf(string, ...interface{})
	Tracef(string, ...interface{})
	Warningf(string, ...interface{})
	Errorf(string, ...interface{})
}

// ExecutionContext runs delivery functions. Functions posted to one context
// must run one at a time, in the order they were posted.
type ExecutionContext interface {
	Post(fn func()) error
}

// DyingContext is implemented by execution contexts that can stop with
// posted functions still pending. Tokens posting to one are killed when it
// starts dying.
type DyingContext interface {
	ExecutionContext
	Dying() <-chan struct{}
}

// SchedulerConfig holds the dependencies of a Scheduler.
type SchedulerConfig struct {
	Hub     Subscriber
	Store   Reader
	Tracker Tracker
	// Logger defaults to the package logger.
	Logger Logger
}

// Validate returns an error if the config cannot drive a Scheduler.
func (config SchedulerConfig) Validate() error {
	if config.Hub == nil {
		return errors.NotValidf("missing Hub")
	}
	if config.Store == nil {
		return errors.NotValidf("missing Store")
	}
	if config.Tracker == nil {
		return errors.NotValidf("missing Tracker")
	}
	return nil
}
