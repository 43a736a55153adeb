package db_test

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"sandboxjudge/internal/common/db"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestRebind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		dialect db.Dialect
		query   string
		want    string
	}{
		{name: "mysql untouched", dialect: db.DialectMySQL, query: "SELECT * FROM t WHERE a = ? AND b = ?", want: "SELECT * FROM t WHERE a = ? AND b = ?"},
		{name: "postgres numbered", dialect: db.DialectPostgres, query: "SELECT * FROM t WHERE a = ? AND b = ?", want: "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{name: "quoted literal", dialect: db.DialectPostgres, query: "SELECT '?' FROM t WHERE a = ?", want: "SELECT '?' FROM t WHERE a = $1"},
		{name: "no placeholders", dialect: db.DialectPostgres, query: "SELECT 1", want: "SELECT 1"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := db.Rebind(tt.dialect, tt.query); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestPlaceholders(t *testing.T) {
	t.Parallel()
	if got := db.Placeholders(0); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	if got := db.Placeholders(3); got != "?, ?, ?" {
		t.Fatalf("expected 3 placeholders, got %q", got)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()
	if !db.IsUniqueViolation(fmt.Errorf("exec failed: %w", &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})) {
		t.Fatalf("expected mysql duplicate to be detected")
	}
	if !db.IsUniqueViolation(fmt.Errorf("exec failed: %w", &pgconn.PgError{Code: "23505"})) {
		t.Fatalf("expected postgres duplicate to be detected")
	}
	if db.IsUniqueViolation(errors.New("boom")) {
		t.Fatalf("plain error must not be a unique violation")
	}
}

func TestIsNoRows(t *testing.T) {
	t.Parallel()
	if !db.IsNoRows(fmt.Errorf("scan failed: %w", sql.ErrNoRows)) {
		t.Fatalf("expected wrapped ErrNoRows to be detected")
	}
}
