package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	// pgUniqueViolation is the SQLSTATE for unique constraint violations
	pgUniqueViolation = "23505"
	// pgAdminShutdown is raised when the server terminates the session
	pgAdminShutdown = "57P01"
	// pgCannotConnectNow is raised while the server is starting up or shutting down
	pgCannotConnectNow = "57P03"
	// pgConnectionExceptionClass prefixes every connection exception SQLSTATE
	pgConnectionExceptionClass = "08"
)

// IsConnectionError reports whether err means the connection to the datastore
// is unusable, as opposed to a problem with the statement itself.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, pgConnectionExceptionClass) ||
			pgErr.Code == pgAdminShutdown ||
			pgErr.Code == pgCannotConnectNow
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsUniqueViolation reports whether err is a unique constraint violation
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
