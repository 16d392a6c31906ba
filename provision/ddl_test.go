package provision

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/snapflowio/dbsync/schema"
)

func intPtr(n int) *int { return &n }

func TestCreateTableDDL(t *testing.T) {
	ddl := createTableDDL(schema.Table{
		Schema: "public",
		Name:   "employees",
		Columns: []schema.Column{
			{Name: "id", DataType: "integer", Identity: true, Default: "nextval('employees_id_seq'::regclass)"},
			{Name: "name", DataType: "character varying", MaxLength: intPtr(120)},
			{Name: "salary", DataType: "numeric", Precision: intPtr(10), Scale: intPtr(2), Nullable: true},
			{Name: "created_at", DataType: "timestamp with time zone", Default: "now()"},
		},
		PrimaryKey: []string{"id"},
	})

	assert.Contains(t, ddl, `CREATE TABLE "public"."employees"`)
	assert.Contains(t, ddl, `"id" integer GENERATED BY DEFAULT AS IDENTITY NOT NULL`)
	assert.NotContains(t, ddl, "nextval", "sequence defaults do not transfer")
	assert.Contains(t, ddl, `"name" character varying(120) NOT NULL`)
	assert.Contains(t, ddl, `"salary" numeric(10,2)`)
	assert.Contains(t, ddl, `"created_at" timestamp with time zone NOT NULL DEFAULT now()`)
	assert.Contains(t, ddl, `PRIMARY KEY ("id")`)
}

func TestCreateTableDDLCompositeKey(t *testing.T) {
	ddl := createTableDDL(schema.Table{
		Schema: "public",
		Name:   "project_assignments",
		Columns: []schema.Column{
			{Name: "employee_id", DataType: "integer"},
			{Name: "project_id", DataType: "integer"},
		},
		PrimaryKey: []string{"employee_id", "project_id"},
	})
	assert.Contains(t, ddl, `PRIMARY KEY ("employee_id", "project_id")`)
}

func TestColumnTypeUnconstrained(t *testing.T) {
	// varchar without a length and numeric without a precision stay bare
	assert.Equal(t, "character varying", columnType(schema.Column{DataType: "character varying"}))
	assert.Equal(t, "numeric", columnType(schema.Column{DataType: "numeric"}))
	assert.Equal(t, "numeric(12,0)", columnType(schema.Column{DataType: "numeric", Precision: intPtr(12)}))
}

func TestAddForeignKeyDDL(t *testing.T) {
	ddl := addForeignKeyDDL(
		schema.Table{Schema: "public", Name: "employees"},
		schema.ForeignKey{
			Name:       "employees_department_id_fkey",
			Columns:    []string{"department_id"},
			RefSchema:  "public",
			RefTable:   "departments",
			RefColumns: []string{"id"},
		},
	)
	assert.Equal(t,
		`ALTER TABLE "public"."employees" ADD CONSTRAINT "employees_department_id_fkey" `+
			`FOREIGN KEY ("department_id") REFERENCES "public"."departments" ("id")`,
		ddl,
	)

	composite := addForeignKeyDDL(
		schema.Table{Schema: "public", Name: "assignments"},
		schema.ForeignKey{
			Name:       "assignments_membership_fkey",
			Columns:    []string{"employee_id", "project_id"},
			RefSchema:  "public",
			RefTable:   "memberships",
			RefColumns: []string{"emp_id", "proj_id"},
		},
	)
	assert.Contains(t, composite, `FOREIGN KEY ("employee_id", "project_id") REFERENCES "public"."memberships" ("emp_id", "proj_id")`)
}

func TestCreateIndexDDL(t *testing.T) {
	table := schema.Table{Schema: "public", Name: "employees"}

	assert.Equal(t,
		`CREATE INDEX "employees_updated_at_idx" ON "public"."employees" ("updated_at")`,
		createIndexDDL(table, schema.Index{Name: "employees_updated_at_idx", Columns: []string{"updated_at"}}),
	)
	assert.Equal(t,
		`CREATE UNIQUE INDEX "employees_email_key" ON "public"."employees" ("email")`,
		createIndexDDL(table, schema.Index{Name: "employees_email_key", Columns: []string{"email"}, Unique: true}),
	)
}

func TestCreateSchemaDDL(t *testing.T) {
	assert.Equal(t, `CREATE SCHEMA IF NOT EXISTS "public"`, createSchemaDDL("public"))
	// identifiers are always quoted
	assert.Equal(t, `CREATE SCHEMA IF NOT EXISTS "rep""orting"`, createSchemaDDL(`rep"orting`))
}
