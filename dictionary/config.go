// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package dictionary

import (
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/juju/managedcollection/internal/store"
)

// Config holds the settings and dependencies of a Database.
type Config struct {
	// Settings selects the store backend. The zero value means
	// store.DefaultSettings.
	Settings store.Settings

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// PrometheusRegisterer, if set, receives the store and scheduler
	// collectors. They are unregistered when the database is closed.
	PrometheusRegisterer prometheus.Registerer
}

// Validate returns an error if the config cannot open a Database.
func (config Config) Validate() error {
	if config.Settings == (store.Settings{}) {
		return nil
	}
	return errors.Trace(config.Settings.Validate())
}

func (config Config) withDefaults() Config {
	if config.Settings == (store.Settings{}) {
		config.Settings = store.DefaultSettings()
	}
	if config.Clock == nil {
		config.Clock = clock.WallClock
	}
	return config
}
