package db

import (
	"basegraph.app/analysisd/core/config"
	"github.com/jackc/pgx/v5"
)

// pgxPoolConfig parses the DSN into a pgx connection config. Pool sizing
// (min/max conns per spec §4.1: minimum 1, maximum 5) is applied by the
// caller via database/sql's SetMaxOpenConns/SetMaxIdleConns, since we drive
// Postgres through the stdlib adapter rather than pgxpool directly — this is
// what lets one database/sql-shaped Conn interface serve both backends.
func pgxPoolConfig(cfg config.DBConfig) (*pgx.ConnConfig, error) {
	return pgx.ParseConfig(cfg.DSN)
}
