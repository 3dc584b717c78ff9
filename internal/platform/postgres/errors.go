package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// Error implements repositories.RepositoryError for PostgreSQL backed repositories.
type Error struct {
	op          string
	err         error
	notFound    bool
	conflict    bool
	unavailable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.op != "" {
		return fmt.Sprintf("%s: %v", e.op, e.err)
	}
	return e.err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// IsNotFound reports whether no row matched.
func (e *Error) IsNotFound() bool { return e != nil && e.notFound }

// IsConflict reports a unique violation or a serialisation failure.
func (e *Error) IsConflict() bool { return e != nil && e.conflict }

// IsUnavailable reports a connection-level failure.
func (e *Error) IsUnavailable() bool { return e != nil && e.unavailable }

// NotFound builds a not-found error for op.
func NotFound(op string, format string, args ...any) error {
	return &Error{op: op, err: fmt.Errorf(format, args...), notFound: true}
}

// WrapError annotates database errors with repository semantics. Context errors pass through.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var repoErr *Error
	if errors.As(err, &repoErr) {
		if op != "" && repoErr.op == "" {
			repoErr.op = op
		}
		return repoErr
	}

	e := &Error{op: op, err: err}
	var pqErr *pq.Error
	switch {
	case errors.Is(err, sql.ErrNoRows):
		e.notFound = true
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone):
		e.unavailable = true
	case errors.As(err, &pqErr):
		code := string(pqErr.Code)
		switch {
		case code == "23505", code == "40001", code == "40P01":
			e.conflict = true
		case strings.HasPrefix(code, "08"), code == "57P01", code == "53300":
			e.unavailable = true
		}
	}
	return e
}

// IsUniqueViolation reports whether err is a PostgreSQL unique_violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
