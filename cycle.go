package dbsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/snapflowio/dbsync/config"
	"github.com/snapflowio/dbsync/logger"
	"github.com/snapflowio/dbsync/provision"
	"github.com/snapflowio/dbsync/retry"
	"github.com/snapflowio/dbsync/schema"
	"github.com/snapflowio/dbsync/syncer"
)

var errAllTablesFailed = errors.New("every table in the cycle failed")

// syncReplica runs one full cycle against a single replica and records the
// outcome in the health store. Only a fully failed cycle counts against the
// replica's consecutive-failure budget.
func (e *engine) syncReplica(ctx context.Context, cfg *config.Config, replica config.Endpoint) {
	cycleID := uuid.NewString()[:8]
	log := []any{"replica", replica.Name, "cycle", cycleID}

	ctx, cancel := context.WithTimeout(ctx, cfg.CycleTimeout)
	defer cancel()

	start := time.Now()
	logger.Debug("[scheduler] cycle starting", log...)

	err := e.runCycle(ctx, cfg, replica, cycleID)
	if err != nil {
		rec := e.health.Failure(replica.Name, cfg.MaxConsecutiveFailures)
		logger.Error("[scheduler] cycle failed",
			append(log, "error", err, "consecutiveFailures", rec.ConsecutiveFailures)...)
		if rec.Suspended {
			logger.Warn("[scheduler] replica suspended after repeated failures, reset it to resume",
				append(log, "failures", rec.ConsecutiveFailures)...)
		}
		return
	}

	e.health.Success(replica.Name)
	logger.Info("[scheduler] cycle completed", append(log, "elapsed", time.Since(start))...)
}

func (e *engine) runCycle(ctx context.Context, cfg *config.Config, replica config.Endpoint, cycleID string) error {
	retrier := retry.NewPolicy(cfg.MaxRetryAttempts, cfg.BackoffBase)

	masterDef, err := e.readMasterSchema(ctx, cfg, retrier)
	if err != nil {
		return fmt.Errorf("introspect master: %w", err)
	}

	conflicted, err := e.prepareReplica(ctx, cfg, replica, retrier, masterDef)
	if err != nil {
		return err
	}

	ordered, err := e.orderTables(cfg, masterDef, conflicted)
	if err != nil {
		return err
	}
	if len(ordered) == 0 {
		logger.Debug("[scheduler] nothing to sync", "replica", replica.Name, "cycle", cycleID)
		return nil
	}

	return e.syncTables(ctx, cfg, replica, retrier, ordered, conflicted, cycleID)
}

// readMasterSchema serves the cached master definition while it is fresh,
// re-reading it after the TTL or after provisioning reported drift.
func (e *engine) readMasterSchema(ctx context.Context, cfg *config.Config, retrier *retry.Policy) (schema.Definition, error) {
	e.schemaMu.Lock()
	defer e.schemaMu.Unlock()

	if e.masterSchema != nil && time.Since(e.schemaReadAt) < cfg.SchemaCacheTTL {
		return e.masterSchema, nil
	}

	conn, err := e.pools.Acquire(ctx, cfg.Master)
	if err != nil {
		return nil, err
	}
	defer e.pools.Release(cfg.Master, conn)

	var def schema.Definition
	err = retrier.Do(ctx, "introspect master", func() error {
		var readErr error
		def, readErr = e.introspector.Read(ctx, conn, cfg.Schemas)
		return readErr
	})
	if err != nil {
		return nil, err
	}

	e.masterSchema = def
	e.schemaReadAt = time.Now()
	return def, nil
}

// prepareReplica reconciles the replica's structure against the master and
// ensures the watermark table exists. Tables whose shape conflicts with the
// master come back in the conflicted set and are excluded from this cycle.
func (e *engine) prepareReplica(ctx context.Context, cfg *config.Config, replica config.Endpoint, retrier *retry.Policy, masterDef schema.Definition) (map[string]bool, error) {
	conn, err := e.pools.Acquire(ctx, replica)
	if err != nil {
		return nil, err
	}
	defer e.pools.Release(replica, conn)

	conflicted := make(map[string]bool)

	if cfg.AutoSetupReplicas {
		var report *provision.Report
		err = retrier.Do(ctx, "reconcile "+replica.Name, func() error {
			replicaDef, readErr := e.introspector.Read(ctx, conn, cfg.Schemas)
			if readErr != nil {
				return readErr
			}
			p := provision.NewProvisioner(cfg.CreateMissingSchemas, cfg.CreateMissingTables)
			var reconcileErr error
			report, reconcileErr = p.Reconcile(ctx, conn, masterDef, replicaDef)
			return reconcileErr
		})
		if err != nil {
			return nil, fmt.Errorf("reconcile replica %s: %w", replica.Name, err)
		}
		if report.Changed() {
			logger.Info("[scheduler] replica structure updated",
				"replica", replica.Name,
				"schemas", report.SchemasCreated, "tables", report.TablesCreated,
				"foreignKeys", report.ForeignKeysAdded, "indexes", report.IndexesCreated)
			e.invalidateSchemaCache()
		}
		for _, name := range report.ConflictedTables() {
			conflicted[name] = true
		}
	}

	if err := e.watermarkStore(replica.Name).Ensure(ctx, conn); err != nil {
		return nil, fmt.Errorf("ensure watermark table on %s: %w", replica.Name, err)
	}
	return conflicted, nil
}

// orderTables resolves the configured tables against the master definition
// and sorts them parents-first. Tables caught in a foreign key cycle are
// reported and excluded; the acyclic remainder still syncs.
func (e *engine) orderTables(cfg *config.Config, masterDef schema.Definition, conflicted map[string]bool) ([]schema.Table, error) {
	configured := cfg.ReplicatedTables()
	selected := make([]schema.Table, 0, len(configured))
	for _, tcfg := range configured {
		t, ok := masterDef.Table(tcfg.Schema, tcfg.Name)
		if !ok {
			logger.Warn("[scheduler] configured table not found on master, skipping", "table", tcfg.QualifiedName())
			continue
		}
		selected = append(selected, t)
	}

	ordered, err := schema.Order(selected)
	if err != nil {
		var cycleErr *schema.CycleError
		if !errors.As(err, &cycleErr) {
			return nil, err
		}
		logger.Error("[scheduler] foreign key cycle detected, cycle members excluded from sync",
			"tables", cycleErr.Tables)
		for _, name := range cycleErr.Tables {
			conflicted[name] = true
		}

		// Kahn's sort also drops tables downstream of the cycle; name them
		// so a configured table never disappears without a trace.
		inOrder := make(map[string]bool, len(ordered))
		for _, t := range ordered {
			inOrder[t.QualifiedName()] = true
		}
		for _, t := range selected {
			name := t.QualifiedName()
			if inOrder[name] || conflicted[name] {
				continue
			}
			conflicted[name] = true
			logger.Warn("[scheduler] table excluded from sync, depends on a foreign key cycle", "table", name)
		}
	}
	return ordered, nil
}

// syncTables runs each table in dependency order. A table is skipped when
// it conflicted during provisioning or when a foreign key parent already
// failed this cycle; failures elsewhere in the graph do not stop it.
func (e *engine) syncTables(ctx context.Context, cfg *config.Config, replica config.Endpoint, retrier *retry.Policy, ordered []schema.Table, conflicted map[string]bool, cycleID string) error {
	configured := cfg.ReplicatedTables()
	watermarks := e.watermarkStore(replica.Name)

	failed := make(map[string]bool, len(conflicted))
	for name := range conflicted {
		failed[name] = true
	}

	attempted, succeeded := 0, 0
	for _, t := range ordered {
		name := t.QualifiedName()
		if failed[name] {
			logger.Warn("[scheduler] skipping conflicted table", "replica", replica.Name, "table", name)
			continue
		}
		if parent, ok := failedParent(t, failed); ok {
			logger.Warn("[scheduler] skipping table, foreign key parent failed this cycle",
				"replica", replica.Name, "table", name, "parent", parent)
			failed[name] = true
			continue
		}

		tcfg, ok := configured.Get(t.Schema, t.Name)
		if !ok {
			continue
		}

		var s syncer.Syncer
		switch tcfg.SyncMode {
		case config.SyncModeIncremental:
			s = syncer.NewIncremental(cfg.BatchSize, watermarks)
		default:
			s = syncer.NewFull(cfg.BatchSize)
		}

		attempted++
		if err := e.syncOneTable(ctx, cfg, replica, retrier, s, t, tcfg); err != nil {
			logger.Error("[scheduler] table sync failed",
				"replica", replica.Name, "cycle", cycleID, "table", name, "error", err)
			failed[name] = true
			if ctx.Err() != nil {
				// Deadline hit. Tables already committed keep their progress;
				// whether the cycle counts as failed depends on them alone.
				logger.Warn("[scheduler] cycle deadline reached, remaining tables deferred",
					"replica", replica.Name, "cycle", cycleID, "synced", succeeded, "attempted", attempted)
				break
			}
			continue
		}
		succeeded++
	}

	if attempted > 0 && succeeded == 0 {
		return fmt.Errorf("%w (replica %s)", errAllTablesFailed, replica.Name)
	}
	return nil
}

func (e *engine) syncOneTable(ctx context.Context, cfg *config.Config, replica config.Endpoint, retrier *retry.Policy, s syncer.Syncer, t schema.Table, tcfg config.Table) error {
	master, err := e.pools.Acquire(ctx, cfg.Master)
	if err != nil {
		return err
	}
	defer e.pools.Release(cfg.Master, master)

	rconn, err := e.pools.Acquire(ctx, replica)
	if err != nil {
		return err
	}
	defer e.pools.Release(replica, rconn)

	return retrier.Do(ctx, "sync "+t.QualifiedName(), func() error {
		_, runErr := s.Run(ctx, master, rconn, t, tcfg)
		return runErr
	})
}

// failedParent reports the first foreign key target of t that already
// failed this cycle. Self references do not count.
func failedParent(t schema.Table, failed map[string]bool) (string, bool) {
	for _, fk := range t.ForeignKeys {
		parent := fk.RefSchema + "." + fk.RefTable
		if parent == t.QualifiedName() {
			continue
		}
		if failed[parent] {
			return parent, true
		}
	}
	return "", false
}
