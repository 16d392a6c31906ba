package syncer

import (
	"context"
	"fmt"

	"github.com/snapflowio/dbsync/internal/pg"
	"github.com/snapflowio/dbsync/logger"
)

// txScope wraps one batch transaction so a failed batch always rolls back
// and a committed one never double-finishes.
type txScope struct {
	tx        pg.Tx
	committed bool
}

func begin(ctx context.Context, conn pg.Connection) (*txScope, error) {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin batch transaction: %w", err)
	}
	return &txScope{tx: tx}, nil
}

func (s *txScope) commit(ctx context.Context) error {
	if err := s.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch transaction: %w", err)
	}
	s.committed = true
	return nil
}

func (s *txScope) rollbackIfNeeded(ctx context.Context) {
	if s.committed {
		return
	}
	if err := s.tx.Rollback(ctx); err != nil {
		logger.Warn("[syncer] batch rollback failed", "error", err)
	}
}
