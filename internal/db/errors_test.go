package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsConnectionError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "bad_conn", err: fmt.Errorf("query: %w", driver.ErrBadConn), want: true},
		{name: "conn_done", err: sql.ErrConnDone, want: true},
		{name: "connection_failure_sqlstate", err: &pgconn.PgError{Code: "08006"}, want: true},
		{name: "admin_shutdown", err: &pgconn.PgError{Code: "57P01"}, want: true},
		{name: "syntax_error", err: &pgconn.PgError{Code: "42601"}, want: false},
		{name: "unique_violation", err: &pgconn.PgError{Code: "23505"}, want: false},
		{name: "net_error", err: &net.OpError{Op: "dial", Err: errors.New("refused")}, want: true},
		{name: "canceled", err: fmt.Errorf("probe: %w", context.Canceled), want: false},
		{name: "plain", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsConnectionError(tt.err))
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	assert.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "08006"}))
	assert.False(t, IsUniqueViolation(nil))
}
