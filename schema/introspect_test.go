package schema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapflowio/dbsync/internal/pg/pgtest"
)

func intp(n int) any { return int32(n) }

func TestIntrospectorRead(t *testing.T) {
	conn := pgtest.NewConn().
		On("information_schema.columns", pgtest.Result{
			Columns: []string{
				"table_schema", "table_name", "column_name", "data_type",
				"character_maximum_length", "numeric_precision", "numeric_scale",
				"is_nullable", "column_default", "is_identity",
			},
			Rows: [][]any{
				{"public", "departments", "id", "integer", nil, intp(32), intp(0), "NO", "", "YES"},
				{"public", "departments", "name", "character varying", intp(120), nil, nil, "NO", "", "NO"},
				{"public", "employees", "id", "integer", nil, intp(32), intp(0), "NO", "nextval('employees_id_seq'::regclass)", "NO"},
				{"public", "employees", "department_id", "integer", nil, intp(32), intp(0), "YES", "", "NO"},
				{"public", "employees", "salary", "numeric", nil, intp(10), intp(2), "YES", "", "NO"},
				{"public", "employees", "updated_at", "timestamp with time zone", nil, nil, nil, "NO", "now()", "NO"},
			},
		}).
		On("PRIMARY KEY", pgtest.Result{
			Columns: []string{"table_schema", "table_name", "column_name"},
			Rows: [][]any{
				{"public", "departments", "id"},
				{"public", "employees", "id"},
			},
		}).
		On("FOREIGN KEY", pgtest.Result{
			Columns: []string{
				"table_schema", "table_name", "constraint_name", "column_name",
				"ref_schema", "ref_table", "ref_column",
			},
			Rows: [][]any{
				{"public", "employees", "employees_department_id_fkey", "department_id", "public", "departments", "id"},
			},
		}).
		On("pg_index", pgtest.Result{
			Columns: []string{"schema", "table", "index", "unique", "column"},
			Rows: [][]any{
				{"public", "employees", "employees_updated_at_idx", false, "updated_at"},
			},
		})

	def, err := NewIntrospector().Read(context.Background(), conn, []string{"public"})
	require.NoError(t, err)
	require.Len(t, def["public"], 2)

	departments, ok := def.Table("public", "departments")
	require.True(t, ok)
	assert.Equal(t, []string{"id"}, departments.PrimaryKey)
	require.Len(t, departments.Columns, 2)
	assert.True(t, departments.Columns[0].Identity, "is_identity YES marks the column")
	require.NotNil(t, departments.Columns[1].MaxLength)
	assert.Equal(t, 120, *departments.Columns[1].MaxLength)

	employees, ok := def.Table("public", "employees")
	require.True(t, ok)
	assert.True(t, employees.Columns[0].Identity, "nextval default marks the column")
	require.Len(t, employees.ForeignKeys, 1)
	fk := employees.ForeignKeys[0]
	assert.Equal(t, []string{"department_id"}, fk.Columns)
	assert.Equal(t, "departments", fk.RefTable)
	assert.Equal(t, []string{"id"}, fk.RefColumns)

	require.Len(t, employees.Indexes, 1)
	assert.Equal(t, "employees_updated_at_idx", employees.Indexes[0].Name)
	assert.False(t, employees.Indexes[0].Unique)

	salary, ok := employees.Column("salary")
	require.True(t, ok)
	require.NotNil(t, salary.Precision)
	assert.Equal(t, 10, *salary.Precision)
	require.NotNil(t, salary.Scale)
	assert.Equal(t, 2, *salary.Scale)
}

func TestIntrospectorCompositeForeignKeyPairsColumnsPositionally(t *testing.T) {
	// One row per referencing column, referenced column matched by position
	// within the target's unique constraint. The fold must yield a single
	// constraint with the pairs in declaration order.
	conn := pgtest.NewConn().
		On("information_schema.columns", pgtest.Result{
			Columns: []string{"s", "t", "c", "dt", "ml", "p", "sc", "n", "d", "i"},
			Rows: [][]any{
				{"public", "assignments", "employee_id", "integer", nil, nil, nil, "NO", "", "NO"},
				{"public", "assignments", "project_id", "integer", nil, nil, nil, "NO", "", "NO"},
			},
		}).
		On("FOREIGN KEY", pgtest.Result{
			Columns: []string{"s", "t", "con", "col", "rs", "rt", "rc"},
			Rows: [][]any{
				{"public", "assignments", "assignments_membership_fkey", "employee_id", "public", "memberships", "emp_id"},
				{"public", "assignments", "assignments_membership_fkey", "project_id", "public", "memberships", "proj_id"},
			},
		})

	def, err := NewIntrospector().Read(context.Background(), conn, []string{"public"})
	require.NoError(t, err)

	assignments, ok := def.Table("public", "assignments")
	require.True(t, ok)
	require.Len(t, assignments.ForeignKeys, 1)
	fk := assignments.ForeignKeys[0]
	assert.Equal(t, []string{"employee_id", "project_id"}, fk.Columns)
	assert.Equal(t, []string{"emp_id", "proj_id"}, fk.RefColumns)
	assert.Equal(t, "memberships", fk.RefTable)
}

func TestIntrospectorReadWrapsFailures(t *testing.T) {
	conn := pgtest.NewConn().
		On("information_schema.columns", pgtest.Result{Err: assert.AnError})

	_, err := NewIntrospector().Read(context.Background(), conn, []string{"public"})
	var introspectErr *IntrospectError
	require.ErrorAs(t, err, &introspectErr)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestIntrospectorLateReadsReflectedInDefinition(t *testing.T) {
	// Primary keys arrive after the table was appended to the definition;
	// the returned snapshot must still carry them.
	conn := pgtest.NewConn().
		On("information_schema.columns", pgtest.Result{
			Columns: []string{"s", "t", "c", "dt", "ml", "p", "sc", "n", "d", "i"},
			Rows: [][]any{
				{"public", "projects", "id", "integer", nil, nil, nil, "NO", "", "NO"},
			},
		}).
		On("PRIMARY KEY", pgtest.Result{
			Columns: []string{"s", "t", "c"},
			Rows:    [][]any{{"public", "projects", "id"}},
		})

	def, err := NewIntrospector().Read(context.Background(), conn, []string{"public"})
	require.NoError(t, err)

	projects := def["public"][0]
	assert.Equal(t, []string{"id"}, projects.PrimaryKey)
}
