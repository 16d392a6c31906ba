package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapflowio/dbsync/internal/pg"
)

// noDelay keeps the tests fast.
func noDelay(_ uint, _ error, _ *retry.Config) time.Duration { return 0 }

func deadlock() error {
	return &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}
}

func uniqueViolation() error {
	return &pgconn.PgError{Code: "23505", Message: "duplicate key value"}
}

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	p := NewPolicy(3, time.Millisecond).WithDelayType(noDelay)

	calls := 0
	err := p.Do(context.Background(), "sync public.employees", func() error {
		calls++
		if calls < 3 {
			return deadlock()
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoWrapsExhaustedTransient(t *testing.T) {
	p := NewPolicy(3, time.Millisecond).WithDelayType(noDelay)

	calls := 0
	err := p.Do(context.Background(), "introspect master", func() error {
		calls++
		return deadlock()
	})
	assert.Equal(t, 3, calls)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "introspect master", exhausted.Op)
	assert.Equal(t, uint(3), exhausted.Attempts)

	var pgErr *pgconn.PgError
	assert.ErrorAs(t, err, &pgErr, "last cause stays reachable")
}

func TestDoFatalErrorPropagatesImmediately(t *testing.T) {
	p := NewPolicy(5, time.Millisecond).WithDelayType(noDelay)

	calls := 0
	err := p.Do(context.Background(), "sync public.employees", func() error {
		calls++
		return uniqueViolation()
	})
	assert.Equal(t, 1, calls, "constraint violations never retry")

	var exhausted *ExhaustedError
	assert.False(t, errors.As(err, &exhausted))
	assert.True(t, IsConstraintViolation(err))
}

func TestDoStopsOnContextCancel(t *testing.T) {
	p := NewPolicy(5, time.Millisecond).WithDelayType(noDelay)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := p.Do(ctx, "sync public.employees", func() error {
		calls++
		cancel()
		return deadlock()
	})
	require.Error(t, err)
	assert.LessOrEqual(t, calls, 2)
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", deadlock(), true},
		{"too many connections", &pgconn.PgError{Code: "53300"}, true},
		{"lock not available", &pgconn.PgError{Code: "55P03"}, true},
		{"cannot connect now", &pgconn.PgError{Code: "57P03"}, true},
		{"unique violation", uniqueViolation(), false},
		{"foreign key violation", &pgconn.PgError{Code: "23503"}, false},
		{"insufficient privilege", &pgconn.PgError{Code: "42501"}, false},
		{"undefined table", &pgconn.PgError{Code: "42P01"}, false},
		{"pool exhausted", pg.ErrPoolExhausted, true},
		{"wrapped pool exhausted", fmt.Errorf("acquire: %w", pg.ErrPoolExhausted), true},
		{"connection sentinel", pg.ErrConnection, true},
		{"context cancelled", context.Canceled, false},
		{"context deadline", context.DeadlineExceeded, false},
		{"closed connection message", errors.New("conn busy: connection closed"), true},
		{"plain error", errors.New("some application error"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestClassifierHelpers(t *testing.T) {
	assert.True(t, IsConstraintViolation(fmt.Errorf("apply row: %w", uniqueViolation())))
	assert.False(t, IsConstraintViolation(deadlock()))

	assert.True(t, IsPrivilege(&pgconn.PgError{Code: "42501"}))
	assert.False(t, IsPrivilege(uniqueViolation()))
}

func TestNewPolicyDefaults(t *testing.T) {
	p := NewPolicy(0, 0)
	assert.Equal(t, uint(1), p.max)
	assert.Equal(t, 500*time.Millisecond, p.base)
}
