package config

import (
	"fmt"
	"sync"

	"github.com/tomyedwab/workerhost/types"
)

// Binding assigns a handler type to a protocol in one scope.
type Binding struct {
	ProtocolID string `db:"protocol_id"`
	Scope      string `db:"scope"`
	TypeName   string `db:"type_name"`
}

type bindingKey struct {
	protocolID string
	scope      types.Scope
}

// Bindings is an in-memory HandlerResolver.
type Bindings struct {
	catalog *Catalog

	mu       sync.RWMutex
	bindings map[bindingKey]string
}

// NewBindings creates an empty set of bindings whose types come from catalog.
func NewBindings(catalog *Catalog) *Bindings {
	return &Bindings{
		catalog:  catalog,
		bindings: make(map[bindingKey]string),
	}
}

// Bind assigns typeName to protocolID in scope, replacing any previous
// binding. typeName must be in the catalog.
func (b *Bindings) Bind(protocolID string, scope types.Scope, typeName string) error {
	if protocolID == "" {
		return fmt.Errorf("%w: empty protocol id", types.ErrInvalidArgument)
	}
	if _, ok := b.catalog.Lookup(typeName); !ok {
		return fmt.Errorf("%w: type %q is not in the catalog", types.ErrInvalidArgument, typeName)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindings[bindingKey{protocolID, scope}] = typeName
	return nil
}

// Unbind removes a binding. It reports whether one existed.
func (b *Bindings) Unbind(protocolID string, scope types.Scope) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := bindingKey{protocolID, scope}
	_, ok := b.bindings[key]
	delete(b.bindings, key)
	return ok
}

// ResolveHandlerType implements types.HandlerResolver.
func (b *Bindings) ResolveHandlerType(protocolID string, scope types.Scope) (types.TypeDescriptor, error) {
	b.mu.RLock()
	typeName, ok := b.bindings[bindingKey{protocolID, scope}]
	b.mu.RUnlock()
	if !ok {
		return types.TypeDescriptor{}, fmt.Errorf("%w: %s (%s)", types.ErrUnknownProtocol, protocolID, scope)
	}
	return lookupBound(b.catalog, typeName)
}

func lookupBound(catalog *Catalog, typeName string) (types.TypeDescriptor, error) {
	desc, ok := catalog.Lookup(typeName)
	if !ok {
		return types.TypeDescriptor{}, fmt.Errorf("bound type %q is not in the catalog", typeName)
	}
	return desc, nil
}

var _ types.HandlerResolver = (*Bindings)(nil)
