package sqlstore

import (
	"fmt"
	"reflect"

	"github.com/go-viper/mapstructure/v2"

	"github.com/jacentio/rootstore/aggregate"
	"github.com/jacentio/rootstore/store"
)

// Column is one mapped state column and its value.
type Column struct {
	Name  string
	Value any
}

// Mapper maps state types onto tables and columns.
type Mapper interface {
	// Table returns the table that stores stateType.
	Table(stateType string) (string, error)

	// Columns returns the state columns of state, in a stable order.
	Columns(state aggregate.State) ([]Column, error)

	// Decode rebuilds a state from a row keyed by column name.
	Decode(stateType string, row map[string]any) (aggregate.State, error)
}

// NewMapper returns the default Mapper. Tables are named after the type
// with an "s" suffix unless TypeInfo.Table is set, and every registered
// field is a column of the same name.
func NewMapper(reg *store.Registry) Mapper {
	return &registryMapper{reg: reg}
}

type registryMapper struct {
	reg *store.Registry
}

func (m *registryMapper) Table(stateType string) (string, error) {
	info, err := m.reg.Lookup(stateType)
	if err != nil {
		return "", err
	}
	if info.Table != "" {
		return info.Table, nil
	}
	return info.Name + "s", nil
}

func (m *registryMapper) Columns(state aggregate.State) ([]Column, error) {
	info, err := m.reg.Lookup(state.StateName())
	if err != nil {
		return nil, err
	}

	var values map[string]any
	if raw, ok := state.(store.Raw); ok {
		values = raw.Fields
	} else if err := mapstructure.Decode(state, &values); err != nil {
		return nil, fmt.Errorf("%w: encode %s: %w", store.ErrTypeMapping, info.Name, err)
	}

	cols := make([]Column, 0, len(info.Fields))
	for _, f := range info.Fields {
		v, ok := values[f]
		if !ok {
			return nil, fmt.Errorf("%w: %s has no field %q", store.ErrTypeMapping, info.Name, f)
		}
		cols = append(cols, Column{Name: f, Value: v})
	}
	return cols, nil
}

func (m *registryMapper) Decode(stateType string, row map[string]any) (aggregate.State, error) {
	info, err := m.reg.Lookup(stateType)
	if err != nil {
		return nil, err
	}

	fields := make(map[string]any, len(info.Fields))
	for _, f := range info.Fields {
		if v, ok := row[f]; ok && v != nil {
			fields[f] = v
		}
	}

	return info.Decode(func(target any) error {
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			DecodeHook:       bytesToString,
			WeaklyTypedInput: true,
			Result:           target,
		})
		if err != nil {
			return err
		}
		return dec.Decode(fields)
	})
}

// bytesToString turns driver byte slices into strings before decoding.
func bytesToString(from reflect.Type, _ reflect.Type, data any) (any, error) {
	if b, ok := data.([]byte); ok && from.Kind() == reflect.Slice {
		return string(b), nil
	}
	return data, nil
}
