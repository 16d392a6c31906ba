// Package syncer copies row data from the master to a replica table under
// one of two strategies: full (entire table each cycle) or incremental
// (rows past the stored watermark). Both apply rows as upserts; the master
// always wins. Neither ever deletes a replica row.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/snapflowio/dbsync/config"
	"github.com/snapflowio/dbsync/internal/pg"
	"github.com/snapflowio/dbsync/logger"
	"github.com/snapflowio/dbsync/schema"
)

// Result is the outcome of one table-sync attempt, consumed within the
// cycle that produced it.
type Result struct {
	Table       string
	RowsRead    int64
	RowsApplied int64
	Batches     int
	Watermark   string
}

// Syncer is the closed strategy set: Full and Incremental implement it.
type Syncer interface {
	Run(ctx context.Context, master, replica pg.Connection, table schema.Table, tcfg config.Table) (Result, error)
}

var errNoPrimaryKey = errors.New("table has no primary key; upsert requires one")

// primaryKey prefers the introspected key, falling back to the configured
// column for tables without a key constraint.
func primaryKey(t schema.Table, tcfg config.Table) ([]string, error) {
	if len(t.PrimaryKey) > 0 {
		return t.PrimaryKey, nil
	}
	if tcfg.PrimaryKey != "" {
		return []string{tcfg.PrimaryKey}, nil
	}
	return nil, fmt.Errorf("%w: %s", errNoPrimaryKey, t.QualifiedName())
}

func quoteAll(names []string) []string {
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = pq.QuoteIdentifier(name)
	}
	return quoted
}

// upsertStatement renders the replica-side apply: insert by primary key,
// update every non-key column on conflict. Master values overwrite replica
// values unconditionally.
func upsertStatement(t schema.Table, pk []string) string {
	columns := t.ColumnNames()
	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s.%s (%s) VALUES (%s) ON CONFLICT (%s)",
		pq.QuoteIdentifier(t.Schema), pq.QuoteIdentifier(t.Name),
		strings.Join(quoteAll(columns), ", "),
		strings.Join(placeholders, ", "),
		strings.Join(quoteAll(pk), ", "),
	)

	nonKey := make([]string, 0, len(columns))
	for _, c := range columns {
		isKey := false
		for _, k := range pk {
			if c == k {
				isKey = true
				break
			}
		}
		if !isKey {
			nonKey = append(nonKey, fmt.Sprintf("%s = EXCLUDED.%s", pq.QuoteIdentifier(c), pq.QuoteIdentifier(c)))
		}
	}
	if len(nonKey) == 0 {
		b.WriteString(" DO NOTHING")
	} else {
		b.WriteString(" DO UPDATE SET ")
		b.WriteString(strings.Join(nonKey, ", "))
	}
	return b.String()
}

// stream reads master rows and applies them to the replica in bounded
// batches, one transaction per batch. tsIdx, when non-negative, is the
// sync column's position in the select list; afterBatch runs once per
// committed batch with the maximum sync-column value it carried (nil when
// the batch held none). No new batch starts once ctx is done; the
// in-flight transaction finishes first.
func stream(ctx context.Context, master, replica pg.Connection, t schema.Table, pk []string, selectSQL string, selectArgs []any, batchSize, tsIdx int, afterBatch func(ctx context.Context, max any) error) (Result, error) {
	res := Result{Table: t.QualifiedName()}
	upsert := upsertStatement(t, pk)

	rows, err := master.Query(ctx, selectSQL, selectArgs...)
	if err != nil {
		return res, fmt.Errorf("read %s from master: %w", t.QualifiedName(), err)
	}
	defer rows.Close()

	batch := make([][]any, 0, batchSize)
	var batchMax any

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := applyBatch(ctx, replica, upsert, batch); err != nil {
			return err
		}
		res.RowsApplied += int64(len(batch))
		res.Batches++
		if afterBatch != nil {
			if err := afterBatch(ctx, batchMax); err != nil {
				return err
			}
		}
		batch = batch[:0]
		batchMax = nil
		return nil
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return res, fmt.Errorf("decode %s row: %w", t.QualifiedName(), err)
		}
		res.RowsRead++

		row := make([]any, len(values))
		copy(row, values)
		batch = append(batch, row)

		// Rows arrive ordered by the sync column, so the last non-null
		// value is the batch maximum.
		if tsIdx >= 0 && tsIdx < len(row) && row[tsIdx] != nil {
			batchMax = row[tsIdx]
		}

		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return res, err
			}
			if ctx.Err() != nil {
				logger.Warn("[syncer] cycle deadline reached, stopping before next batch", "table", t.QualifiedName())
				return res, ctx.Err()
			}
		}
	}
	if err := rows.Err(); err != nil {
		return res, fmt.Errorf("read %s from master: %w", t.QualifiedName(), err)
	}

	if err := flush(); err != nil {
		return res, err
	}
	return res, nil
}

// applyBatch upserts one batch inside a single replica transaction.
func applyBatch(ctx context.Context, replica pg.Connection, upsert string, batch [][]any) error {
	scope, err := begin(ctx, replica)
	if err != nil {
		return err
	}
	defer scope.rollbackIfNeeded(ctx)

	for _, row := range batch {
		if _, err := scope.tx.Exec(ctx, upsert, row...); err != nil {
			return fmt.Errorf("apply row: %w", err)
		}
	}
	return scope.commit(ctx)
}
