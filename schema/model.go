// Package schema models relational structure read from the master and
// provides the dependency ordering used by provisioning and sync.
package schema

import (
	"sort"

	"github.com/samber/lo"
)

type Column struct {
	Name      string
	DataType  string
	MaxLength *int
	Precision *int
	Scale     *int
	Default   string
	Nullable  bool
	Identity  bool
}

type ForeignKey struct {
	Name       string
	Columns    []string
	RefSchema  string
	RefTable   string
	RefColumns []string
}

type Index struct {
	Name    string
	Columns []string
	Unique  bool
}

// Table is an immutable structural snapshot of one table. A new
// introspection read replaces snapshots wholesale, never edits them.
type Table struct {
	Schema      string
	Name        string
	Columns     []Column
	PrimaryKey  []string
	ForeignKeys []ForeignKey
	Indexes     []Index
}

func (t Table) QualifiedName() string {
	return t.Schema + "." + t.Name
}

func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

func (t Table) ColumnNames() []string {
	return lo.Map(t.Columns, func(c Column, _ int) string { return c.Name })
}

// Definition maps schema name to that schema's tables in introspection
// order.
type Definition map[string][]Table

func (d Definition) Table(schema, name string) (Table, bool) {
	for _, t := range d[schema] {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// Tables flattens the definition deterministically: schemas sorted by
// name, tables in introspection order.
func (d Definition) Tables() []Table {
	var out []Table
	for _, s := range d.SchemaNames() {
		out = append(out, d[s]...)
	}
	return out
}

func (d Definition) SchemaNames() []string {
	names := lo.Keys(d)
	sort.Strings(names)
	return names
}
