package pg

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/snapflowio/dbsync/logger"
)

// dialAttempts bounds redials when a pooled connection fails its liveness
// probe.
const dialAttempts = 3

// Dialer opens a connection for a DSN. Replaced in tests.
type Dialer func(ctx context.Context, dsn string) (Connection, error)

// Pool is a fixed-size connection pool for one endpoint. Slots circulate
// through a channel; a slot's connection is dialed lazily and replaced
// when its liveness probe fails.
type Pool struct {
	slots          chan *slot
	dsn            string
	name           string
	dial           Dialer
	acquireTimeout time.Duration
	mu             sync.Mutex
	closed         bool
}

type slot struct {
	conn Connection
}

// leased ties a handed-out connection back to its pool slot.
type leased struct {
	Connection
	slot *slot
}

func NewPool(name, dsn string, size int, acquireTimeout time.Duration, dial Dialer) *Pool {
	if size <= 0 {
		size = 4
	}
	if dial == nil {
		dial = NewConnection
	}

	p := &Pool{
		slots:          make(chan *slot, size),
		dsn:            dsn,
		name:           name,
		dial:           dial,
		acquireTimeout: acquireTimeout,
	}
	for i := 0; i < size; i++ {
		p.slots <- &slot{}
	}
	return p
}

// Acquire hands out a live connection, blocking up to the acquire timeout
// before failing with ErrPoolExhausted. A pooled connection that fails its
// ping is discarded and redialed a bounded number of times.
func (p *Pool) Acquire(ctx context.Context) (Connection, error) {
	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	var s *slot
	select {
	case s = <-p.slots:
	case <-timer.C:
		return nil, fmt.Errorf("%w: endpoint %s", ErrPoolExhausted, p.name)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if s == nil {
		return nil, ErrPoolClosed
	}

	if s.conn != nil && !s.conn.IsClosed() {
		if err := s.conn.Ping(ctx); err == nil {
			return &leased{Connection: s.conn, slot: s}, nil
		}
		logger.Warn("[pool] pooled connection failed liveness probe, redialing", "endpoint", p.name)
		_ = s.conn.Close(ctx)
		s.conn = nil
	}

	var lastErr error
	for attempt := 0; attempt < dialAttempts; attempt++ {
		conn, err := p.dial(ctx, p.dsn)
		if err == nil {
			s.conn = conn
			return &leased{Connection: conn, slot: s}, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	p.release(s)
	return nil, fmt.Errorf("%w: endpoint %s: %v", ErrConnection, p.name, lastErr)
}

// Release returns a connection to its pool. Connections that did not come
// from this pool are closed instead of pooled.
func (p *Pool) Release(conn Connection) {
	l, ok := conn.(*leased)
	if !ok {
		if conn != nil {
			_ = conn.Close(context.Background())
		}
		return
	}
	if l.Connection.IsClosed() {
		l.slot.conn = nil
	}
	p.release(l.slot)
}

func (p *Pool) release(s *slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		if s.conn != nil {
			_ = s.conn.Close(context.Background())
		}
		return
	}
	select {
	case p.slots <- s:
	default:
		logger.Warn("[pool] pool is full, connection not returned", "endpoint", p.name)
		if s.conn != nil {
			_ = s.conn.Close(context.Background())
		}
	}
}

func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case s := <-p.slots:
			if s != nil && s.conn != nil {
				if err := s.conn.Close(ctx); err != nil {
					logger.Warn("[pool] error closing connection", "endpoint", p.name, "error", err)
				}
			}
		default:
			close(p.slots)
			logger.Debug("[pool] closed", "endpoint", p.name)
			return
		}
	}
}
