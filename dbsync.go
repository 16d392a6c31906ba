// Package dbsync keeps replica PostgreSQL databases structurally and
// transactionally consistent with a single master: it introspects the
// master's schema, provisions missing structure on each replica, and
// synchronizes row data on a fixed interval under full or incremental
// strategies. The master is the sole source of truth; replicas converge
// on the configured interval.
package dbsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/snapflowio/dbsync/config"
	"github.com/snapflowio/dbsync/internal/pg"
	"github.com/snapflowio/dbsync/logger"
	"github.com/snapflowio/dbsync/schema"
	"github.com/snapflowio/dbsync/state"
)

type Engine interface {
	Start(ctx context.Context)
	WaitUntilReady(ctx context.Context) error
	Close()

	GetConfig() *config.Config
	UpdateConfig(cfg config.Config) error

	CheckConnections(ctx context.Context) error
	Health() map[string]state.HealthRecord
	ResetReplica(name string)
}

type engine struct {
	// Configuration and dependencies
	cfg          atomic.Pointer[config.Config]
	pools        *pg.Manager
	introspector *schema.Introspector
	health       *state.HealthStore
	watermarks   map[string]*state.WatermarkStore

	// Cached master schema
	masterSchema schema.Definition
	schemaReadAt time.Time

	// Channels
	cancelCh chan struct{}
	readyCh  chan struct{}

	// Synchronization (always last)
	cancelOnce   sync.Once
	readyOnce    sync.Once
	watermarksMu sync.Mutex
	schemaMu     sync.Mutex
}

func New(cfg config.Config) (Engine, error) {
	cfg.SetDefault()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	cfg.Print()

	logger.SetLevel(cfg.Logger.LogLevel)

	health, err := state.OpenHealthStore(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("open health store: %w", err)
	}

	e := &engine{
		pools:        pg.NewManager(cfg.PoolSize, cfg.AcquireTimeout),
		introspector: schema.NewIntrospector(),
		health:       health,
		watermarks:   make(map[string]*state.WatermarkStore),
		cancelCh:     make(chan struct{}),
		readyCh:      make(chan struct{}, 1),
	}
	e.cfg.Store(&cfg)
	return e, nil
}

// Start runs the scheduling loop until ctx is cancelled or Close is
// called. One cycle fans out per enabled, non-suspended replica, bounded
// by the configured concurrency; the loop then sleeps out the remainder
// of the interval.
func (e *engine) Start(ctx context.Context) {
	if err := e.CheckConnections(ctx); err != nil {
		logger.Warn("[scheduler] startup connection check failed, cycles will retry", "error", err)
	}

	for {
		cfg := e.cfg.Load()
		start := time.Now()

		e.runAllReplicas(ctx, cfg)

		e.readyOnce.Do(func() {
			e.readyCh <- struct{}{}
		})

		elapsed := time.Since(start)
		sleep := cfg.SyncInterval - elapsed
		if sleep < 0 {
			logger.Warn("[scheduler] cycle overran the sync interval", "elapsed", elapsed, "interval", cfg.SyncInterval)
			sleep = 0
		}

		select {
		case <-ctx.Done():
			logger.Info("[scheduler] stopping", "reason", ctx.Err())
			return
		case <-e.cancelCh:
			logger.Info("[scheduler] stopping, engine closed")
			return
		case <-time.After(sleep):
		}
	}
}

func (e *engine) runAllReplicas(ctx context.Context, cfg *config.Config) {
	logger.Debug("[scheduler] starting replication cycle", "replicas", len(cfg.Replicas))

	var g errgroup.Group
	g.SetLimit(cfg.Concurrency)

	for _, replica := range cfg.Replicas {
		if e.health.IsSuspended(replica.Name) {
			logger.Debug("[scheduler] skipping suspended replica", "replica", replica.Name)
			continue
		}
		replica := replica
		g.Go(func() error {
			e.syncReplica(ctx, cfg, replica)
			return nil
		})
	}
	_ = g.Wait()

	logger.Debug("[scheduler] replication cycle completed")
}

func (e *engine) WaitUntilReady(ctx context.Context) error {
	select {
	case <-e.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *engine) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Debug("[engine] closing")
	e.cancelOnce.Do(func() {
		close(e.cancelCh)
	})
	e.pools.Close(ctx)
	logger.Info("[engine] closed")
}

func (e *engine) GetConfig() *config.Config {
	return e.cfg.Load()
}

// UpdateConfig swaps the configuration snapshot the scheduler reads at the
// start of its next cycle. The running cycle finishes under the old one.
func (e *engine) UpdateConfig(cfg config.Config) error {
	cfg.SetDefault()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	e.cfg.Store(&cfg)
	e.invalidateSchemaCache()
	logger.Info("[engine] configuration snapshot swapped")
	return nil
}

// CheckConnections probes the master and every replica once.
func (e *engine) CheckConnections(ctx context.Context) error {
	cfg := e.cfg.Load()
	var err error

	endpoints := append([]config.Endpoint{cfg.Master}, cfg.Replicas...)
	for _, endpoint := range endpoints {
		conn, acquireErr := e.pools.Acquire(ctx, endpoint)
		if acquireErr != nil {
			err = errors.Join(err, fmt.Errorf("endpoint %s: %w", endpoint.Name, acquireErr))
			continue
		}
		e.pools.Release(endpoint, conn)
		logger.Info("[engine] connection check passed", "endpoint", endpoint.Name, "addr", endpoint.Addr())
	}
	return err
}

func (e *engine) Health() map[string]state.HealthRecord {
	return e.health.Records()
}

// ResetReplica clears a replica's suspension so the scheduler picks it up
// again on the next cycle.
func (e *engine) ResetReplica(name string) {
	e.health.Reset(name)
}

func (e *engine) watermarkStore(replicaName string) *state.WatermarkStore {
	e.watermarksMu.Lock()
	defer e.watermarksMu.Unlock()
	s, ok := e.watermarks[replicaName]
	if !ok {
		s = state.NewWatermarkStore()
		e.watermarks[replicaName] = s
	}
	return s
}

func (e *engine) invalidateSchemaCache() {
	e.schemaMu.Lock()
	defer e.schemaMu.Unlock()
	e.schemaReadAt = time.Time{}
}
