// Package provision reconciles a replica's structure against the master's:
// additive changes only, never drops or alters existing structure.
package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"

	"github.com/snapflowio/dbsync/internal/pg"
	"github.com/snapflowio/dbsync/logger"
	"github.com/snapflowio/dbsync/schema"
)

// ConflictError marks a structural disagreement between master and an
// existing replica table. It is never auto-resolved; the table is excluded
// from syncing until a human or a config change intervenes.
type ConflictError struct {
	Table  string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("structural conflict on %s: %s", e.Table, e.Reason)
}

// Report lists what one reconcile created and which tables it excluded.
type Report struct {
	SchemasCreated   []string
	TablesCreated    []string
	ForeignKeysAdded []string
	IndexesCreated   []string
	Conflicts        []*ConflictError
}

// Changed reports whether reconcile performed any write. Used to
// invalidate the cached master schema.
func (r *Report) Changed() bool {
	return len(r.SchemasCreated)+len(r.TablesCreated)+len(r.ForeignKeysAdded)+len(r.IndexesCreated) > 0
}

// ConflictedTables returns the qualified names of tables excluded by
// structural conflicts.
func (r *Report) ConflictedTables() []string {
	return lo.Map(r.Conflicts, func(c *ConflictError, _ int) string { return c.Table })
}

type Provisioner struct {
	createSchemas bool
	createTables  bool
}

func NewProvisioner(createSchemas, createTables bool) *Provisioner {
	return &Provisioner{
		createSchemas: createSchemas,
		createTables:  createTables,
	}
}

// Reconcile diffs master against the replica's current structure and
// applies the missing pieces through conn. Running it twice with no
// intervening master change performs no writes the second time.
func (p *Provisioner) Reconcile(ctx context.Context, conn pg.Queryer, master, replica schema.Definition) (*Report, error) {
	report := &Report{}

	if err := p.reconcileSchemas(ctx, conn, master, replica, report); err != nil {
		return report, err
	}

	ordered, err := schema.Order(master.Tables())
	if err != nil {
		var cycleErr *schema.CycleError
		if !errors.As(err, &cycleErr) {
			return report, err
		}
		// Tables on the cycle are refused; the acyclic remainder is still
		// provisioned.
		logger.Warn("[provision] foreign key cycle detected, refusing cycle tables", "tables", cycleErr.Tables)
		for _, name := range cycleErr.Tables {
			report.Conflicts = append(report.Conflicts, &ConflictError{Table: name, Reason: "foreign key cycle"})
		}
	}

	created, err := p.reconcileTables(ctx, conn, ordered, replica, report)
	if err != nil {
		return report, err
	}
	if err := p.addForeignKeys(ctx, conn, created, replica, report); err != nil {
		return report, err
	}
	if err := p.reconcileIndexes(ctx, conn, ordered, replica, created, report); err != nil {
		return report, err
	}

	if report.Changed() {
		logger.Info("[provision] reconcile applied changes",
			"schemas", len(report.SchemasCreated),
			"tables", len(report.TablesCreated),
			"foreignKeys", len(report.ForeignKeysAdded),
			"indexes", len(report.IndexesCreated))
	}
	return report, nil
}

func (p *Provisioner) reconcileSchemas(ctx context.Context, conn pg.Queryer, master, replica schema.Definition, report *Report) error {
	if !p.createSchemas {
		return nil
	}
	for _, name := range master.SchemaNames() {
		if _, exists := replica[name]; exists {
			continue
		}
		if _, err := conn.Exec(ctx, createSchemaDDL(name)); err != nil {
			return fmt.Errorf("create schema %s: %w", name, err)
		}
		report.SchemasCreated = append(report.SchemasCreated, name)
		logger.Info("[provision] schema created", "schema", name)
	}
	return nil
}

// reconcileTables creates missing tables in dependency order and returns
// the set it created, keyed by qualified name.
func (p *Provisioner) reconcileTables(ctx context.Context, conn pg.Queryer, ordered []schema.Table, replica schema.Definition, report *Report) (map[string]schema.Table, error) {
	created := make(map[string]schema.Table)
	for _, t := range ordered {
		existing, exists := replica.Table(t.Schema, t.Name)
		if exists {
			if conflict := pkConflict(t, existing); conflict != nil {
				report.Conflicts = append(report.Conflicts, conflict)
				logger.Warn("[provision] table excluded", "table", conflict.Table, "reason", conflict.Reason)
			}
			continue
		}
		if !p.createTables {
			continue
		}
		if _, err := conn.Exec(ctx, createTableDDL(t)); err != nil {
			return created, fmt.Errorf("create table %s: %w", t.QualifiedName(), err)
		}
		created[t.QualifiedName()] = t
		report.TablesCreated = append(report.TablesCreated, t.QualifiedName())
		logger.Info("[provision] table created", "table", t.QualifiedName())
	}
	return created, nil
}

// addForeignKeys wires constraints onto tables created in this reconcile.
// Pre-existing tables are never altered.
func (p *Provisioner) addForeignKeys(ctx context.Context, conn pg.Queryer, created map[string]schema.Table, replica schema.Definition, report *Report) error {
	for _, t := range created {
		for _, fk := range t.ForeignKeys {
			ref := fk.RefSchema + "." + fk.RefTable
			_, justCreated := created[ref]
			_, preExisting := replica.Table(fk.RefSchema, fk.RefTable)
			if !justCreated && !preExisting {
				logger.Warn("[provision] skipping foreign key, referenced table absent", "table", t.QualifiedName(), "constraint", fk.Name, "references", ref)
				continue
			}
			if _, err := conn.Exec(ctx, addForeignKeyDDL(t, fk)); err != nil {
				return fmt.Errorf("add foreign key %s on %s: %w", fk.Name, t.QualifiedName(), err)
			}
			report.ForeignKeysAdded = append(report.ForeignKeysAdded, fk.Name)
		}
	}
	return nil
}

func (p *Provisioner) reconcileIndexes(ctx context.Context, conn pg.Queryer, ordered []schema.Table, replica schema.Definition, created map[string]schema.Table, report *Report) error {
	conflicted := make(map[string]bool)
	for _, c := range report.Conflicts {
		conflicted[c.Table] = true
	}

	for _, t := range ordered {
		if conflicted[t.QualifiedName()] {
			continue
		}
		existing, exists := replica.Table(t.Schema, t.Name)
		if _, justCreated := created[t.QualifiedName()]; !exists && !justCreated {
			continue
		}
		have := make(map[string]bool, len(existing.Indexes))
		for _, idx := range existing.Indexes {
			have[idx.Name] = true
		}
		for _, idx := range t.Indexes {
			if have[idx.Name] {
				continue
			}
			if _, err := conn.Exec(ctx, createIndexDDL(t, idx)); err != nil {
				return fmt.Errorf("create index %s on %s: %w", idx.Name, t.QualifiedName(), err)
			}
			report.IndexesCreated = append(report.IndexesCreated, idx.Name)
			logger.Debug("[provision] index created", "table", t.QualifiedName(), "index", idx.Name)
		}
	}
	return nil
}

// pkConflict detects primary-key disagreement between the master table and
// its existing replica counterpart.
func pkConflict(master, replica schema.Table) *ConflictError {
	if len(replica.PrimaryKey) > 0 && len(master.PrimaryKey) != len(replica.PrimaryKey) {
		return &ConflictError{
			Table:  master.QualifiedName(),
			Reason: fmt.Sprintf("primary key column count differs (master %d, replica %d)", len(master.PrimaryKey), len(replica.PrimaryKey)),
		}
	}
	for _, col := range master.PrimaryKey {
		mc, _ := master.Column(col)
		rc, ok := replica.Column(col)
		if !ok {
			return &ConflictError{
				Table:  master.QualifiedName(),
				Reason: fmt.Sprintf("primary key column %s missing on replica", col),
			}
		}
		if mc.DataType != rc.DataType {
			return &ConflictError{
				Table:  master.QualifiedName(),
				Reason: fmt.Sprintf("primary key column %s type differs (master %s, replica %s)", col, mc.DataType, rc.DataType),
			}
		}
	}
	return nil
}
