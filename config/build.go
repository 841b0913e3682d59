package config

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/hazyhaar/commentveil/drift"
	"github.com/hazyhaar/commentveil/pack"
	"github.com/hazyhaar/commentveil/settings"
)

// Source returns the pack source: Dir layered over the bundled packs, or
// the bundled packs alone.
func (c PacksConfig) Source() pack.Source {
	if c.Dir == "" {
		return pack.Bundled()
	}
	return pack.Layered{pack.Dir(c.Dir), pack.Bundled()}
}

// Resolver builds a pack resolver over Source.
func (c PacksConfig) Resolver(logger *slog.Logger) *pack.Resolver {
	return pack.NewResolver(c.Source(), pack.Config{
		FetchTimeout: c.FetchTimeout,
		Fallback:     c.Fallback,
	}, logger)
}

// Store is a settings store that must be closed.
type Store interface {
	settings.Store
	io.Closer
}

// OpenStore opens the configured settings backend.
func (c SettingsConfig) OpenStore(logger *slog.Logger) (Store, error) {
	switch c.Backend {
	case BackendMemory:
		return settings.NewMemStore(settings.Defaults()), nil
	case BackendFile:
		s, err := settings.OpenFile(settings.FileConfig{Path: c.Path, Debounce: c.Debounce}, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendSQLite:
		s, err := settings.OpenSQL(c.Path, settings.SQLConfig{
			PollInterval: c.PollInterval,
			Debounce:     c.Debounce,
		}, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("config: unknown settings backend %q", c.Backend)
	}
}

// OpenLedger opens the drift ledger, or returns nil when disabled.
func (c DriftConfig) OpenLedger(logger *slog.Logger) (*drift.Ledger, error) {
	if c.Disabled {
		return nil, nil
	}
	return drift.Open(drift.Config{DBPath: c.DBPath, Retention: c.Retention}, logger)
}
