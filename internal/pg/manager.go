package pg

import (
	"context"
	"sync"
	"time"

	"github.com/snapflowio/dbsync/config"
)

// Manager owns one Pool per endpoint, keyed by endpoint name. All engine
// components acquire and release through it rather than holding
// connections themselves.
type Manager struct {
	pools          map[string]*Pool
	size           int
	acquireTimeout time.Duration
	dial           Dialer
	mu             sync.Mutex
}

func NewManager(size int, acquireTimeout time.Duration) *Manager {
	return &Manager{
		pools:          make(map[string]*Pool),
		size:           size,
		acquireTimeout: acquireTimeout,
	}
}

// WithDialer swaps the connection factory, for tests.
func (m *Manager) WithDialer(dial Dialer) *Manager {
	m.dial = dial
	return m
}

func (m *Manager) Acquire(ctx context.Context, endpoint config.Endpoint) (Connection, error) {
	return m.pool(endpoint).Acquire(ctx)
}

func (m *Manager) Release(endpoint config.Endpoint, conn Connection) {
	m.pool(endpoint).Release(conn)
}

func (m *Manager) pool(endpoint config.Endpoint) *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[endpoint.Name]
	if !ok {
		p = NewPool(endpoint.Name, endpoint.DSN(), m.size, m.acquireTimeout, m.dial)
		m.pools[endpoint.Name] = p
	}
	return p
}

func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.pools = make(map[string]*Pool)
	m.mu.Unlock()

	for _, p := range pools {
		p.Close(ctx)
	}
}
