package db

import (
	_ "github.com/go-sql-driver/mysql"
)

// NewMySQL opens a MySQL connection pool.
// SKIP LOCKED claims require MySQL 8.0 or newer.
func NewMySQL(config *Config) (Database, error) {
	return openSQL("mysql", DialectMySQL, config)
}
