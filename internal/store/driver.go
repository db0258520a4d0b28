package store

import (
	"context"
	"fmt"
	"sync"
)

// Driver opens a primary store backend. Each backend (SQLite, PostgreSQL,
// memory) implements this interface and registers itself.
type Driver interface {
	// Name returns the driver identifier (e.g., "sqlite", "postgres").
	Name() string

	// Open establishes the backend using the provided DSN. Returns the store,
	// a close function, and any error encountered.
	Open(ctx context.Context, dsn string) (Store, func() error, error)
}

// DriverRegistry holds registered store drivers.
type DriverRegistry struct {
	mu      sync.Mutex
	drivers map[string]Driver
}

// NewDriverRegistry creates a new driver registry.
func NewDriverRegistry() *DriverRegistry {
	return &DriverRegistry{drivers: make(map[string]Driver)}
}

// Register adds a driver to the registry.
func (r *DriverRegistry) Register(driver Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[driver.Name()] = driver
}

// Get retrieves a driver by name.
func (r *DriverRegistry) Get(name string) (Driver, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	driver, ok := r.drivers[name]
	return driver, ok
}

var globalRegistry = NewDriverRegistry()

// RegisterDriver registers a driver in the global registry.
func RegisterDriver(driver Driver) {
	globalRegistry.Register(driver)
}

// OpenPrimary opens a primary store by driver name using the global registry.
func OpenPrimary(ctx context.Context, driverName, dsn string) (Store, func() error, error) {
	driver, ok := globalRegistry.Get(driverName)
	if !ok {
		return nil, nil, fmt.Errorf("unknown store driver: %q", driverName)
	}
	return driver.Open(ctx, dsn)
}
