package db

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// IsInvalidID reports whether err is Postgres rejecting a malformed uuid
// literal (SQLSTATE 22P02). Lookups treat such ids the same as no row: the
// caller sent an id that cannot possibly exist.
func IsInvalidID(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}
