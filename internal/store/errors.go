package store

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// Error class constants for persistence failure classification. Transient
// classes are retried by the write path; constraint failures discard the
// record without retry.
const (
	ErrorClassConnection = "connection"
	ErrorClassTimeout    = "timeout"
	ErrorClassContention = "contention"
	ErrorClassConstraint = "constraint"
	ErrorClassUnknown    = "unknown"
)

// ClassifyError maps a store error to one of the defined error classes so
// operators can alert and dashboard on failure categories rather than
// opaque Go type names.
func ClassifyError(err error) string {
	if err == nil {
		return ErrorClassUnknown
	}

	// Timeout checks (before connection, since net.Error can be both).
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClassTimeout
	}

	// Postgres SQLSTATE codes carry the sharpest signal when present.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001" || pgErr.Code == "40P01":
			return ErrorClassContention
		case strings.HasPrefix(pgErr.Code, "08"):
			return ErrorClassConnection
		case strings.HasPrefix(pgErr.Code, "23"):
			return ErrorClassConstraint
		}
	}

	// Connection checks.
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorClassConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return ErrorClassConnection
	}

	// String-based classification for errors from database drivers and
	// wrapped errors where type information is lost.
	msg := strings.ToLower(err.Error())

	if isConnectionString(msg) {
		return ErrorClassConnection
	}
	if isTimeoutString(msg) {
		return ErrorClassTimeout
	}
	if isContentionString(msg) {
		return ErrorClassContention
	}
	if isConstraintString(msg) {
		return ErrorClassConstraint
	}

	return ErrorClassUnknown
}

// IsTransient reports whether a failed write is worth retrying. Constraint
// and unknown failures are permanent from the pipeline's point of view.
func IsTransient(err error) bool {
	switch ClassifyError(err) {
	case ErrorClassConnection, ErrorClassTimeout, ErrorClassContention:
		return true
	}
	return false
}

func isConnectionString(msg string) bool {
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "no such host")
}

func isTimeoutString(msg string) bool {
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded")
}

func isContentionString(msg string) bool {
	return strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "deadlock detected") ||
		strings.Contains(msg, "could not serialize access")
}

func isConstraintString(msg string) bool {
	return strings.Contains(msg, "violates foreign key constraint") ||
		strings.Contains(msg, "violates unique constraint") ||
		strings.Contains(msg, "violates check constraint") ||
		strings.Contains(msg, "constraint failed") ||
		strings.Contains(msg, "duplicate key")
}
