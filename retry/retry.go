// Package retry classifies engine failures and retries the transient ones
// with exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/snapflowio/dbsync/internal/pg"
	"github.com/snapflowio/dbsync/logger"
)

// ExhaustedError converts a transient failure that outlived its retry
// budget into a fatal, operation-scoped error wrapping the last cause.
type ExhaustedError struct {
	Op       string
	Attempts uint
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Policy is a bounded retry state machine: attempt count, exponential
// backoff from a base delay, random jitter. Fatal errors propagate
// immediately; transient ones surface only as *ExhaustedError.
type Policy struct {
	base  time.Duration
	max   uint
	sleep retry.DelayTypeFunc
}

func NewPolicy(attempts uint, backoffBase time.Duration) *Policy {
	if attempts == 0 {
		attempts = 1
	}
	if backoffBase == 0 {
		backoffBase = 500 * time.Millisecond
	}
	return &Policy{max: attempts, base: backoffBase}
}

// WithDelayType overrides the backoff schedule, for tests with a fake
// clock.
func (p *Policy) WithDelayType(fn retry.DelayTypeFunc) *Policy {
	p.sleep = fn
	return p
}

func (p *Policy) Do(ctx context.Context, op string, fn func() error) error {
	delayType := p.sleep
	if delayType == nil {
		delayType = retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)
	}

	err := retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(p.max),
		retry.Delay(p.base),
		retry.MaxJitter(p.base/2+time.Millisecond),
		retry.DelayType(delayType),
		retry.RetryIf(IsTransient),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("[retry] operation failed, retrying", "operation", op, "attempt", n+1, "maxAttempts", p.max, "error", err)
		}),
	)
	if err == nil {
		return nil
	}
	if IsTransient(err) {
		return &ExhaustedError{Op: op, Attempts: p.max, Err: err}
	}
	return err
}

// transientPgCodes is the set of SQLSTATEs worth retrying: serialization
// and deadlock failures, object-in-use, lock timeouts, shutdown and
// connection-level failures, too-many-connections.
var transientPgCodes = map[string]bool{
	"40001": true,
	"40P01": true,
	"53300": true,
	"55006": true,
	"55P03": true,
	"57P03": true,
	"58000": true,
	"58030": true,
}

// IsTransient reports whether err is worth retrying. Context expiry is
// not: a cycle past its deadline must stop, not spin.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, pg.ErrPoolExhausted) || errors.Is(err, pg.ErrConnection) {
		return true
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientPgCodes[pgErr.Code]
	}

	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return true
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if errors.Is(netErr.Err, syscall.ECONNREFUSED) ||
			errors.Is(netErr.Err, syscall.ECONNRESET) ||
			errors.Is(netErr.Err, syscall.EPIPE) {
			return true
		}
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "connection closed") ||
		strings.Contains(errStr, "connection lost")
}

// IsConstraintViolation reports integrity constraint failures (SQLSTATE
// class 23). Always fatal and table-scoped.
func IsConstraintViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23")
}

// IsPrivilege reports insufficient-privilege failures, which make an
// otherwise transient introspection error fatal.
func IsPrivilege(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42501"
}
