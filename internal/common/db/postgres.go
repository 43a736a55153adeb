package db

import (
	_ "github.com/jackc/pgx/v5/stdlib"
)

// NewPostgres opens a PostgreSQL connection pool through the pgx stdlib driver.
func NewPostgres(config *Config) (Database, error) {
	return openSQL("pgx", DialectPostgres, config)
}
