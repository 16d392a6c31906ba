package provision

import (
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/samber/lo"

	"github.com/snapflowio/dbsync/schema"
)

func quoteQualified(schemaName, tableName string) string {
	return pq.QuoteIdentifier(schemaName) + "." + pq.QuoteIdentifier(tableName)
}

func quoteAll(names []string) []string {
	return lo.Map(names, func(name string, _ int) string { return pq.QuoteIdentifier(name) })
}

// createSchemaDDL guards against schemas that exist but hold no base
// tables yet (the default public schema of a fresh database): introspection
// only sees schemas through their tables, so existence cannot be inferred
// from the replica definition alone.
func createSchemaDDL(name string) string {
	return "CREATE SCHEMA IF NOT EXISTS " + pq.QuoteIdentifier(name)
}

// createTableDDL renders the master table's structure for the replica:
// columns, nullability, defaults and the primary key. Identity columns are
// rendered GENERATED BY DEFAULT AS IDENTITY so rows carrying
// master-assigned keys insert verbatim. Foreign keys are added separately
// once every table exists.
func createTableDDL(t schema.Table) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	b.WriteString(quoteQualified(t.Schema, t.Name))
	b.WriteString(" (\n")

	defs := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		defs = append(defs, "    "+columnDDL(c))
	}
	if len(t.PrimaryKey) > 0 {
		defs = append(defs, fmt.Sprintf("    PRIMARY KEY (%s)", strings.Join(quoteAll(t.PrimaryKey), ", ")))
	}
	b.WriteString(strings.Join(defs, ",\n"))
	b.WriteString("\n)")
	return b.String()
}

func columnDDL(c schema.Column) string {
	def := pq.QuoteIdentifier(c.Name) + " " + columnType(c)

	if c.Identity {
		def += " GENERATED BY DEFAULT AS IDENTITY"
	}
	if !c.Nullable {
		def += " NOT NULL"
	}
	// Serial defaults reference master-side sequences and identity columns
	// generate their own; neither transfers.
	if c.Default != "" && !c.Identity {
		def += " DEFAULT " + c.Default
	}
	return def
}

func columnType(c schema.Column) string {
	switch c.DataType {
	case "character varying", "character", "varchar", "char":
		if c.MaxLength != nil {
			return fmt.Sprintf("%s(%d)", c.DataType, *c.MaxLength)
		}
	case "numeric", "decimal":
		if c.Precision != nil {
			scale := 0
			if c.Scale != nil {
				scale = *c.Scale
			}
			return fmt.Sprintf("%s(%d,%d)", c.DataType, *c.Precision, scale)
		}
	}
	return c.DataType
}

func addForeignKeyDDL(t schema.Table, fk schema.ForeignKey) string {
	return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
		quoteQualified(t.Schema, t.Name),
		pq.QuoteIdentifier(fk.Name),
		strings.Join(quoteAll(fk.Columns), ", "),
		quoteQualified(fk.RefSchema, fk.RefTable),
		strings.Join(quoteAll(fk.RefColumns), ", "),
	)
}

func createIndexDDL(t schema.Table, idx schema.Index) string {
	unique := ""
	if idx.Unique {
		unique = "UNIQUE "
	}
	return fmt.Sprintf("CREATE %sINDEX %s ON %s (%s)",
		unique,
		pq.QuoteIdentifier(idx.Name),
		quoteQualified(t.Schema, t.Name),
		strings.Join(quoteAll(idx.Columns), ", "),
	)
}
