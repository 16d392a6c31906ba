package schema

import (
	"context"
	"fmt"
	"strings"

	"github.com/snapflowio/dbsync/internal/pg"
)

// IntrospectError wraps any failure while reading the metadata catalog.
// Transience is decided by the retry classifier on the wrapped cause.
type IntrospectError struct {
	Err error
}

func (e *IntrospectError) Error() string {
	return fmt.Sprintf("introspection failed: %v", e.Err)
}

func (e *IntrospectError) Unwrap() error {
	return e.Err
}

const columnsQuery = `
	SELECT c.table_schema, c.table_name, c.column_name, c.data_type,
	       c.character_maximum_length, c.numeric_precision, c.numeric_scale,
	       c.is_nullable, c.column_default, c.is_identity
	FROM information_schema.columns c
	JOIN information_schema.tables t
	  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
	WHERE t.table_type = 'BASE TABLE' AND c.table_schema = ANY($1)
	ORDER BY c.table_schema, c.table_name, c.ordinal_position`

const primaryKeysQuery = `
	SELECT tc.table_schema, tc.table_name, kcu.column_name
	FROM information_schema.table_constraints tc
	JOIN information_schema.key_column_usage kcu
	  ON kcu.constraint_name = tc.constraint_name AND kcu.constraint_schema = tc.constraint_schema
	WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = ANY($1)
	ORDER BY tc.table_schema, tc.table_name, kcu.ordinal_position`

// The referenced side joins through the foreign key's unique constraint by
// position; joining on constraint name alone would produce the cartesian
// product of referencing and referenced columns for composite keys.
const foreignKeysQuery = `
	SELECT tc.table_schema, tc.table_name, tc.constraint_name, kcu.column_name,
	       ref.table_schema, ref.table_name, ref.column_name
	FROM information_schema.table_constraints tc
	JOIN information_schema.key_column_usage kcu
	  ON kcu.constraint_name = tc.constraint_name AND kcu.constraint_schema = tc.constraint_schema
	JOIN information_schema.referential_constraints rc
	  ON rc.constraint_name = tc.constraint_name AND rc.constraint_schema = tc.constraint_schema
	JOIN information_schema.key_column_usage ref
	  ON ref.constraint_name = rc.unique_constraint_name
	 AND ref.constraint_schema = rc.unique_constraint_schema
	 AND ref.ordinal_position = kcu.position_in_unique_constraint
	WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = ANY($1)
	ORDER BY tc.table_schema, tc.table_name, tc.constraint_name, kcu.ordinal_position`

const indexesQuery = `
	SELECT n.nspname, t.relname, i.relname, ix.indisunique, a.attname
	FROM pg_index ix
	JOIN pg_class t ON t.oid = ix.indrelid
	JOIN pg_class i ON i.oid = ix.indexrelid
	JOIN pg_namespace n ON n.oid = t.relnamespace
	JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
	WHERE n.nspname = ANY($1) AND NOT ix.indisprimary
	ORDER BY n.nspname, t.relname, i.relname, array_position(ix.indkey, a.attnum)`

// Introspector reads a target's structural metadata into a Definition.
// Pure read, no mutation.
type Introspector struct{}

func NewIntrospector() *Introspector {
	return &Introspector{}
}

// Read builds a fresh Definition for the named schemas. The previous
// snapshot, if any, is replaced wholesale by the caller.
func (in *Introspector) Read(ctx context.Context, conn pg.Queryer, schemas []string) (Definition, error) {
	def := make(Definition)
	index := make(map[string]*Table)

	if err := in.readColumns(ctx, conn, schemas, def, index); err != nil {
		return nil, &IntrospectError{Err: fmt.Errorf("columns: %w", err)}
	}
	if err := in.readPrimaryKeys(ctx, conn, schemas, index); err != nil {
		return nil, &IntrospectError{Err: fmt.Errorf("primary keys: %w", err)}
	}
	if err := in.readForeignKeys(ctx, conn, schemas, index); err != nil {
		return nil, &IntrospectError{Err: fmt.Errorf("foreign keys: %w", err)}
	}
	if err := in.readIndexes(ctx, conn, schemas, index); err != nil {
		return nil, &IntrospectError{Err: fmt.Errorf("indexes: %w", err)}
	}

	// index holds pointers into tables collected per schema; rebuild the
	// definition from the pointer targets so late reads are reflected.
	out := make(Definition, len(def))
	for s, tables := range def {
		rebuilt := make([]Table, len(tables))
		for i, t := range tables {
			rebuilt[i] = *index[t.QualifiedName()]
		}
		out[s] = rebuilt
	}
	return out, nil
}

func (in *Introspector) readColumns(ctx context.Context, conn pg.Queryer, schemas []string, def Definition, index map[string]*Table) error {
	rows, err := conn.Query(ctx, columnsQuery, schemas)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return err
		}
		if len(values) < 10 {
			return fmt.Errorf("unexpected column row width %d", len(values))
		}

		schemaName := asString(values[0])
		tableName := asString(values[1])
		key := schemaName + "." + tableName

		t, ok := index[key]
		if !ok {
			t = &Table{Schema: schemaName, Name: tableName}
			index[key] = t
			def[schemaName] = append(def[schemaName], *t)
		}

		columnDefault := asString(values[8])
		t.Columns = append(t.Columns, Column{
			Name:      asString(values[2]),
			DataType:  asString(values[3]),
			MaxLength: asIntPtr(values[4]),
			Precision: asIntPtr(values[5]),
			Scale:     asIntPtr(values[6]),
			Nullable:  asString(values[7]) == "YES",
			Default:   columnDefault,
			Identity:  asString(values[9]) == "YES" || strings.HasPrefix(columnDefault, "nextval("),
		})
	}
	return rows.Err()
}

func (in *Introspector) readPrimaryKeys(ctx context.Context, conn pg.Queryer, schemas []string, index map[string]*Table) error {
	rows, err := conn.Query(ctx, primaryKeysQuery, schemas)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return err
		}
		key := asString(values[0]) + "." + asString(values[1])
		if t, ok := index[key]; ok {
			t.PrimaryKey = append(t.PrimaryKey, asString(values[2]))
		}
	}
	return rows.Err()
}

func (in *Introspector) readForeignKeys(ctx context.Context, conn pg.Queryer, schemas []string, index map[string]*Table) error {
	rows, err := conn.Query(ctx, foreignKeysQuery, schemas)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return err
		}
		key := asString(values[0]) + "." + asString(values[1])
		t, ok := index[key]
		if !ok {
			continue
		}

		name := asString(values[2])
		if n := len(t.ForeignKeys); n > 0 && t.ForeignKeys[n-1].Name == name {
			fk := &t.ForeignKeys[n-1]
			fk.Columns = append(fk.Columns, asString(values[3]))
			fk.RefColumns = append(fk.RefColumns, asString(values[6]))
			continue
		}
		t.ForeignKeys = append(t.ForeignKeys, ForeignKey{
			Name:       name,
			Columns:    []string{asString(values[3])},
			RefSchema:  asString(values[4]),
			RefTable:   asString(values[5]),
			RefColumns: []string{asString(values[6])},
		})
	}
	return rows.Err()
}

func (in *Introspector) readIndexes(ctx context.Context, conn pg.Queryer, schemas []string, index map[string]*Table) error {
	rows, err := conn.Query(ctx, indexesQuery, schemas)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return err
		}
		key := asString(values[0]) + "." + asString(values[1])
		t, ok := index[key]
		if !ok {
			continue
		}

		name := asString(values[2])
		if n := len(t.Indexes); n > 0 && t.Indexes[n-1].Name == name {
			t.Indexes[n-1].Columns = append(t.Indexes[n-1].Columns, asString(values[4]))
			continue
		}
		t.Indexes = append(t.Indexes, Index{
			Name:    name,
			Unique:  asBool(values[3]),
			Columns: []string{asString(values[4])},
		})
	}
	return rows.Err()
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func asBool(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func asIntPtr(v any) *int {
	var n int
	switch x := v.(type) {
	case nil:
		return nil
	case int:
		n = x
	case int16:
		n = int(x)
	case int32:
		n = int(x)
	case int64:
		n = int(x)
	default:
		return nil
	}
	return &n
}
