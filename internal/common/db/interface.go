package db

import (
	"context"
	"time"
)

// Dialect identifies the SQL flavour spoken by a Database.
type Dialect string

const (
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
)

// Database is the connection-pooled handle repositories depend on.
// Statements are always written with '?' placeholders; implementations rebind
// them for their dialect.
type Database interface {
	Querier

	// Transaction runs fn inside a transaction, committing when fn returns nil.
	Transaction(ctx context.Context, fn func(tx Transaction) error) error

	Dialect() Dialect
	Ping(ctx context.Context) error
	Stats() Stats
	Close() error
}

// Transaction is a Querier bound to one open transaction.
type Transaction interface {
	Querier
}

// Rows is an iterator over a query result.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
}

// Row is the result of QueryRow.
type Row interface {
	Scan(dest ...interface{}) error
}

// Result summarizes an executed statement.
type Result interface {
	RowsAffected() (int64, error)
}

// Stats is a snapshot of connection pool statistics.
type Stats struct {
	OpenConnections int
	InUse           int
	Idle            int
	WaitCount       int64
	WaitDuration    time.Duration
}
