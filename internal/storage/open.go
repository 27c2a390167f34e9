package storage

import (
	"fmt"

	"github.com/dkeye/Relay/internal/core"
)

// Open returns the store for driver and a func releasing it.
func Open(driver, path string) (core.Storage, func() error, error) {
	switch driver {
	case "", "memory":
		return NewMemory(), func() error { return nil }, nil
	case "sqlite":
		s, err := OpenSQLite(path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
