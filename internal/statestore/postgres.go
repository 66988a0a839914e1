package statestore

// Blank-imported so "pgx" is registered with database/sql; NewPostgres
// dials through it. Kept in its own file so the sqlite-only code path in
// sqlstore.go doesn't pull in pgx's larger dependency surface for readers
// skimming that file.
import (
	_ "github.com/jackc/pgx/v5/stdlib"
)
