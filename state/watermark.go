// Package state persists what must survive a restart: per-table sync
// watermarks and per-replica health records.
package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/snapflowio/dbsync/internal/pg"
	"github.com/snapflowio/dbsync/logger"
)

const createWatermarkTable = `
	CREATE TABLE IF NOT EXISTS public.dbsync_watermark (
		schema_name text NOT NULL,
		table_name text NOT NULL,
		watermark text NOT NULL,
		updated_at timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (schema_name, table_name)
	)`

const selectWatermark = `
	SELECT watermark FROM public.dbsync_watermark
	WHERE schema_name = $1 AND table_name = $2`

const upsertWatermark = `
	INSERT INTO public.dbsync_watermark (schema_name, table_name, watermark, updated_at)
	VALUES ($1, $2, $3, now())
	ON CONFLICT (schema_name, table_name)
	DO UPDATE SET watermark = EXCLUDED.watermark, updated_at = EXCLUDED.updated_at`

// WatermarkStore tracks, for one replica, the highest sync-column value
// applied per table. Values live in a metadata table on the replica itself
// so a restart resumes from the correct point. Monotonicity holds by
// construction: only rows strictly above the current watermark are ever
// read, so a batch maximum cannot regress it.
type WatermarkStore struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	cache map[string]string
}

func NewWatermarkStore() *WatermarkStore {
	return &WatermarkStore{
		locks: make(map[string]*sync.Mutex),
		cache: make(map[string]string),
	}
}

// Ensure creates the metadata table when absent. Idempotent.
func (s *WatermarkStore) Ensure(ctx context.Context, conn pg.Queryer) error {
	if _, err := conn.Exec(ctx, createWatermarkTable); err != nil {
		return fmt.Errorf("ensure watermark table: %w", err)
	}
	return nil
}

// Get returns the stored watermark for schema.table, empty when the table
// has never completed a batch.
func (s *WatermarkStore) Get(ctx context.Context, conn pg.Queryer, schemaName, tableName string) (string, error) {
	lock := s.keyLock(schemaName, tableName)
	lock.Lock()
	defer lock.Unlock()

	if v, ok := s.cached(schemaName, tableName); ok {
		return v, nil
	}

	rows, err := conn.Query(ctx, selectWatermark, schemaName, tableName)
	if err != nil {
		return "", fmt.Errorf("load watermark %s.%s: %w", schemaName, tableName, err)
	}
	defer rows.Close()

	var watermark string
	if rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return "", err
		}
		if len(values) > 0 && values[0] != nil {
			watermark = fmt.Sprint(values[0])
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	s.store(schemaName, tableName, watermark)
	return watermark, nil
}

// Advance persists a new watermark. Called only after the batch carrying
// value committed on the replica; a failed batch leaves the previous value
// intact.
func (s *WatermarkStore) Advance(ctx context.Context, conn pg.Queryer, schemaName, tableName, value string) error {
	if value == "" {
		return errors.New("watermark value cannot be empty")
	}

	lock := s.keyLock(schemaName, tableName)
	lock.Lock()
	defer lock.Unlock()

	if current, ok := s.cached(schemaName, tableName); ok && current == value {
		return nil
	}
	if _, err := conn.Exec(ctx, upsertWatermark, schemaName, tableName, value); err != nil {
		return fmt.Errorf("advance watermark %s.%s: %w", schemaName, tableName, err)
	}
	s.store(schemaName, tableName, value)
	logger.Debug("[watermark] advanced", "table", schemaName+"."+tableName, "watermark", value)
	return nil
}

func (s *WatermarkStore) keyLock(schemaName, tableName string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := schemaName + "." + tableName
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

func (s *WatermarkStore) cached(schemaName, tableName string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache[schemaName+"."+tableName]
	return v, ok
}

func (s *WatermarkStore) store(schemaName, tableName, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[schemaName+"."+tableName] = value
}

// EncodeWatermark normalizes a sync-column value for storage and for reuse
// as a query argument. Times are rendered in UTC with microseconds so text
// round-trips compare correctly server-side.
func EncodeWatermark(v any) string {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format("2006-01-02 15:04:05.999999+00")
	default:
		return fmt.Sprint(x)
	}
}
