// Package config resolves which protocol handler type serves each protocol.
// A Catalog holds the constructible handler types; Bindings and SQLBindings
// map a protocol id and scope to one of those types.
package config

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tomyedwab/workerhost/types"
)

// Constructor builds a new handler instance.
type Constructor func() (any, error)

// Catalog maps type names to constructors.
type Catalog struct {
	mu    sync.RWMutex
	types map[string]Constructor
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{types: make(map[string]Constructor)}
}

// Register adds a type. Names must be unique.
func (c *Catalog) Register(name string, ctor Constructor) error {
	if name == "" || ctor == nil {
		return fmt.Errorf("%w: type registration needs a name and a constructor", types.ErrInvalidArgument)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.types[name]; ok {
		return fmt.Errorf("%w: type %s", types.ErrObjectExists, name)
	}
	c.types[name] = ctor
	return nil
}

// Lookup returns the descriptor for name.
func (c *Catalog) Lookup(name string) (types.TypeDescriptor, bool) {
	c.mu.RLock()
	ctor, ok := c.types[name]
	c.mu.RUnlock()
	if !ok {
		return types.TypeDescriptor{}, false
	}
	return types.TypeDescriptor{Name: name, New: ctor}, true
}

// Names returns the registered type names in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.types))
	for name := range c.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
