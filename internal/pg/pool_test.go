package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is a minimal Connection for pool tests; pgtest cannot be used
// here without an import cycle.
type fakeConn struct {
	Connection
	pingErr error
	closed  bool
}

func (c *fakeConn) Ping(context.Context) error { return c.pingErr }
func (c *fakeConn) IsClosed() bool             { return c.closed }
func (c *fakeConn) Close(context.Context) error {
	c.closed = true
	return nil
}

func countingDialer(dialed *int, err error) Dialer {
	return func(context.Context, string) (Connection, error) {
		*dialed++
		if err != nil {
			return nil, err
		}
		return &fakeConn{}, nil
	}
}

func TestPoolDialsLazilyAndReusesConnections(t *testing.T) {
	dialed := 0
	p := NewPool("replica-east", "postgres://x", 2, time.Second, countingDialer(&dialed, nil))

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, dialed)
	p.Release(conn)

	// Second acquire reuses the pooled connection.
	conn, err = p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, dialed)
	p.Release(conn)
}

func TestPoolAcquireTimesOutWhenExhausted(t *testing.T) {
	dialed := 0
	p := NewPool("replica-east", "postgres://x", 1, 20*time.Millisecond, countingDialer(&dialed, nil))

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolExhausted)

	p.Release(held)
	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(conn)
}

func TestPoolRedialsWhenPingFails(t *testing.T) {
	dialed := 0
	p := NewPool("replica-east", "postgres://x", 1, time.Second, countingDialer(&dialed, nil))

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	// Poison the pooled connection.
	conn.(*leased).Connection.(*fakeConn).pingErr = errors.New("server closed the connection unexpectedly")
	p.Release(conn)

	fresh, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, dialed)
	assert.NoError(t, fresh.Ping(context.Background()))
	p.Release(fresh)
}

func TestPoolDialFailureWrapsErrConnection(t *testing.T) {
	dialed := 0
	p := NewPool("replica-east", "postgres://x", 1, time.Second, countingDialer(&dialed, errors.New("connection refused")))

	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrConnection)
	assert.Equal(t, dialAttempts, dialed)

	// The slot returns to the pool; a later acquire can still succeed.
	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrConnection)
}

func TestPoolReleaseClosesForeignConnections(t *testing.T) {
	p := NewPool("replica-east", "postgres://x", 1, time.Second, countingDialer(new(int), nil))

	foreign := &fakeConn{}
	p.Release(foreign)
	assert.True(t, foreign.closed)
}

func TestPoolCloseClosesPooledConnections(t *testing.T) {
	dialed := 0
	p := NewPool("replica-east", "postgres://x", 1, time.Second, countingDialer(&dialed, nil))

	conn, err := p.Acquire(context.Background())
	require.NoError(t, err)
	inner := conn.(*leased).Connection.(*fakeConn)
	p.Release(conn)

	p.Close(context.Background())
	assert.True(t, inner.closed)
}
