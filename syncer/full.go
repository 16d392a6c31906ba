package syncer

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/snapflowio/dbsync/config"
	"github.com/snapflowio/dbsync/internal/pg"
	"github.com/snapflowio/dbsync/logger"
	"github.com/snapflowio/dbsync/schema"
)

// Full copies the entire master table each run, upserting by primary key.
// Replica rows absent from the master are left alone.
type Full struct {
	batchSize int
}

func NewFull(batchSize int) *Full {
	return &Full{batchSize: batchSize}
}

func (f *Full) Run(ctx context.Context, master, replica pg.Connection, table schema.Table, tcfg config.Table) (Result, error) {
	pk, err := primaryKey(table, tcfg)
	if err != nil {
		return Result{Table: table.QualifiedName()}, err
	}

	selectSQL := fmt.Sprintf("SELECT %s FROM %s.%s ORDER BY %s",
		strings.Join(quoteAll(table.ColumnNames()), ", "),
		pq.QuoteIdentifier(table.Schema), pq.QuoteIdentifier(table.Name),
		strings.Join(quoteAll(pk), ", "),
	)

	res, err := stream(ctx, master, replica, table, pk, selectSQL, nil, f.batchSize, -1, nil)
	if err != nil {
		return res, err
	}

	logger.Info("[syncer] full sync completed", "table", res.Table, "rowsRead", res.RowsRead, "rowsApplied", res.RowsApplied, "batches", res.Batches)
	return res, nil
}
