package config

import (
	"errors"
	"fmt"
	"strings"
)

type SyncMode string

const (
	SyncModeFull        SyncMode = "full"
	SyncModeIncremental SyncMode = "incremental"
)

// Table configures replication for one master table. PrimaryKey is a
// fallback used only when introspection finds no primary key constraint;
// the introspected key is authoritative.
type Table struct {
	Schema          string
	Name            string
	PrimaryKey      string
	TimestampColumn string
	SyncMode        SyncMode
	Replicate       bool
}

type TableOption func(*Table)

func NewTable(name string, opts ...TableOption) Table {
	t := Table{
		Name:      name,
		Schema:    "public",
		SyncMode:  SyncModeFull,
		Replicate: true,
	}
	for _, opt := range opts {
		opt(&t)
	}
	return t
}

func WithSchema(schema string) TableOption {
	return func(t *Table) {
		t.Schema = schema
	}
}

func WithPrimaryKey(column string) TableOption {
	return func(t *Table) {
		t.PrimaryKey = column
	}
}

func WithSyncMode(mode SyncMode) TableOption {
	return func(t *Table) {
		t.SyncMode = mode
	}
}

func WithTimestampColumn(column string) TableOption {
	return func(t *Table) {
		t.TimestampColumn = column
	}
}

func WithReplicate(replicate bool) TableOption {
	return func(t *Table) {
		t.Replicate = replicate
	}
}

func (t Table) QualifiedName() string {
	return t.Schema + "." + t.Name
}

func (t Table) Validate() error {
	var err error
	if strings.TrimSpace(t.Name) == "" {
		err = errors.Join(err, errors.New("table name cannot be empty"))
	}
	if t.SyncMode != SyncModeFull && t.SyncMode != SyncModeIncremental {
		err = errors.Join(err, fmt.Errorf("table %s: sync mode must be %q or %q", t.QualifiedName(), SyncModeFull, SyncModeIncremental))
	}
	if t.SyncMode == SyncModeIncremental && strings.TrimSpace(t.TimestampColumn) == "" {
		err = errors.Join(err, fmt.Errorf("table %s: timestamp column is required for incremental sync", t.QualifiedName()))
	}
	return err
}

type Tables []Table

func (ts Tables) Validate() error {
	var err error
	seen := make(map[string]struct{}, len(ts))
	for _, t := range ts {
		if vErr := t.Validate(); vErr != nil {
			err = errors.Join(err, vErr)
		}
		if _, dup := seen[t.QualifiedName()]; dup {
			err = errors.Join(err, fmt.Errorf("table %s configured more than once", t.QualifiedName()))
		}
		seen[t.QualifiedName()] = struct{}{}
	}
	return err
}

// Get returns the configuration for schema.name, if present.
func (ts Tables) Get(schema, name string) (Table, bool) {
	for _, t := range ts {
		if t.Schema == schema && t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// Schemas returns the distinct schema names covered by the table set, in
// first-seen order.
func (ts Tables) Schemas() []string {
	var schemas []string
	seen := make(map[string]struct{})
	for _, t := range ts {
		if _, ok := seen[t.Schema]; ok {
			continue
		}
		seen[t.Schema] = struct{}{}
		schemas = append(schemas, t.Schema)
	}
	return schemas
}
