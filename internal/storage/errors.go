package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrTransient wraps a storage failure that is likely to succeed on retry:
// connection loss, network glitches, serialization conflicts. Spec §4.1/§7
// require these to be distinguishable from permanent failures so the
// worker can log them at warning rather than parking the message.
var ErrTransient = errors.New("storage: transient failure")

// ErrIntegrity wraps a storage failure caused by a constraint violation —
// a condition that will not succeed on retry.
var ErrIntegrity = errors.New("storage: integrity failure")

// classify wraps err as ErrTransient or ErrIntegrity based on the
// underlying Postgres error code, using the same class-of-code
// classification isRetriable uses for serialization conflicts: connection-
// exception codes (class 08) and serialization/deadlock codes become
// Transient, integrity-constraint-violation codes (class 23) become
// Integrity. Network-level failures and context cancellation are also
// Transient. Anything else passes through wrapped only in op.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"):
			return fmt.Errorf("storage: %s: %w: %w", op, ErrTransient, err)
		case strings.HasPrefix(pgErr.Code, "23"):
			return fmt.Errorf("storage: %s: %w: %w", op, ErrIntegrity, err)
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			return fmt.Errorf("storage: %s: %w: %w", op, ErrTransient, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("storage: %s: %w: %w", op, ErrTransient, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("storage: %s: %w: %w", op, ErrTransient, err)
	}

	return fmt.Errorf("storage: %s: %w", op, err)
}
