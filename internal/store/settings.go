// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package store

import (
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

const (
	// BackendMemory keeps all versions in process memory.
	BackendMemory = "memory"
	// BackendSQLite persists versions to a SQLite database file.
	BackendSQLite = "sqlite"

	// DefaultReclaimInterval is how often superseded versions are swept
	// when no interval is configured.
	DefaultReclaimInterval = 5 * time.Second
)

// Settings selects and tunes a store backend. It is usually read from a
// YAML file:
//
//	backend: sqlite
//	path: /var/lib/app/collections.db
//	max-active-versions: 64
//	reclaim-interval: 10s
type Settings struct {
	Backend           string        `yaml:"backend"`
	Path              string        `yaml:"path,omitempty"`
	MaxActiveVersions int           `yaml:"max-active-versions,omitempty"`
	ReclaimInterval   time.Duration `yaml:"reclaim-interval,omitempty"`
}

// DefaultSettings returns settings for an unbounded in-memory store.
func DefaultSettings() Settings {
	return Settings{
		Backend:         BackendMemory,
		ReclaimInterval: DefaultReclaimInterval,
	}
}

// ParseSettings decodes YAML settings on top of DefaultSettings and
// validates the result.
func ParseSettings(data []byte) (Settings, error) {
	settings := DefaultSettings()
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return Settings{}, errors.Annotate(err, "parsing store settings")
	}
	if err := settings.Validate(); err != nil {
		return Settings{}, errors.Trace(err)
	}
	return settings, nil
}

// Validate returns an error if the settings do not describe a usable store.
func (s Settings) Validate() error {
	switch s.Backend {
	case BackendMemory:
	case BackendSQLite:
		if s.Path == "" {
			return errors.NotValidf("sqlite backend without path")
		}
	default:
		return errors.NotValidf("backend %q", s.Backend)
	}
	if s.MaxActiveVersions < 0 {
		return errors.NotValidf("negative max-active-versions")
	}
	if s.ReclaimInterval <= 0 {
		return errors.NotValidf("non-positive reclaim-interval")
	}
	return nil
}

// Marshal encodes the settings as YAML.
func (s Settings) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(s)
	return data, errors.Trace(err)
}
