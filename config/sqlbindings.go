package config

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/tomyedwab/workerhost/types"
)

const bindingSchema = `
CREATE TABLE IF NOT EXISTS protocol_bindings (
	protocol_id TEXT NOT NULL,
	scope TEXT NOT NULL,
	type_name TEXT NOT NULL,
	PRIMARY KEY (protocol_id, scope)
);
`

const upsertBindingSql = `
INSERT INTO protocol_bindings (protocol_id, scope, type_name)
VALUES ($1, $2, $3)
ON CONFLICT (protocol_id, scope) DO UPDATE SET type_name = excluded.type_name;
`

const getBindingSql = `
SELECT type_name FROM protocol_bindings WHERE protocol_id = $1 AND scope = $2;
`

const listBindingsSql = `
SELECT protocol_id, scope, type_name FROM protocol_bindings ORDER BY protocol_id, scope;
`

const deleteBindingSql = `
DELETE FROM protocol_bindings WHERE protocol_id = $1 AND scope = $2;
`

// SQLBindings is a HandlerResolver backed by a protocol_bindings table.
type SQLBindings struct {
	db      *sqlx.DB
	catalog *Catalog
}

// NewSQLBindings creates the bindings table if needed.
func NewSQLBindings(db *sqlx.DB, catalog *Catalog) (*SQLBindings, error) {
	if err := BindingDBInit(db); err != nil {
		return nil, fmt.Errorf("failed to initialize protocol bindings: %w", err)
	}
	return &SQLBindings{db: db, catalog: catalog}, nil
}

// BindingDBInit creates the protocol_bindings table.
func BindingDBInit(db *sqlx.DB) error {
	_, err := db.Exec(bindingSchema)
	return err
}

// Bind stores typeName for protocolID in scope, replacing any previous row.
func (s *SQLBindings) Bind(protocolID string, scope types.Scope, typeName string) error {
	if protocolID == "" {
		return fmt.Errorf("%w: empty protocol id", types.ErrInvalidArgument)
	}
	if _, ok := s.catalog.Lookup(typeName); !ok {
		return fmt.Errorf("%w: type %q is not in the catalog", types.ErrInvalidArgument, typeName)
	}
	_, err := s.db.Exec(upsertBindingSql, protocolID, scope.String(), typeName)
	return err
}

// Unbind deletes a binding. It reports whether one existed.
func (s *SQLBindings) Unbind(protocolID string, scope types.Scope) (bool, error) {
	result, err := s.db.Exec(deleteBindingSql, protocolID, scope.String())
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// List returns every stored binding.
func (s *SQLBindings) List() ([]Binding, error) {
	var bindings []Binding
	err := s.db.Select(&bindings, listBindingsSql)
	return bindings, err
}

// LoadInto copies every stored binding into b. Rows whose scope or type
// is not recognized are skipped and returned as an error after the rest
// have been loaded.
func (s *SQLBindings) LoadInto(b *Bindings) error {
	rows, err := s.List()
	if err != nil {
		return err
	}
	var errs []error
	for _, row := range rows {
		scope, ok := types.ParseScope(row.Scope)
		if !ok {
			errs = append(errs, fmt.Errorf("binding %s: unknown scope %q", row.ProtocolID, row.Scope))
			continue
		}
		if err := b.Bind(row.ProtocolID, scope, row.TypeName); err != nil {
			errs = append(errs, fmt.Errorf("binding %s: %w", row.ProtocolID, err))
		}
	}
	return errors.Join(errs...)
}

// ResolveHandlerType implements types.HandlerResolver.
func (s *SQLBindings) ResolveHandlerType(protocolID string, scope types.Scope) (types.TypeDescriptor, error) {
	var typeName string
	err := s.db.Get(&typeName, getBindingSql, protocolID, scope.String())
	if errors.Is(err, sql.ErrNoRows) {
		return types.TypeDescriptor{}, fmt.Errorf("%w: %s (%s)", types.ErrUnknownProtocol, protocolID, scope)
	}
	if err != nil {
		return types.TypeDescriptor{}, fmt.Errorf("looking up binding for %s: %w", protocolID, err)
	}
	return lookupBound(s.catalog, typeName)
}

var _ types.HandlerResolver = (*SQLBindings)(nil)
