package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/dunamismax/storyforge/internal/domain"
	"github.com/lib/pq"
)

// classify wraps err with the domain failure category it belongs to.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if kind := pqErrorKind(pqErr); kind != nil {
			return fmt.Errorf("%s: %w: %w", op, kind, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func pqErrorKind(err *pq.Error) error {
	switch err.Code {
	case "23505":
		return domain.ErrConflict
	case "22P02", "22001", "22023", "23502", "23514":
		return domain.ErrInvalidInput
	case "42501":
		return domain.ErrPermission
	}
	switch err.Code.Class() {
	case "08", "53", "57":
		return domain.ErrUnavailable
	case "28":
		return domain.ErrPermission
	}
	return nil
}
