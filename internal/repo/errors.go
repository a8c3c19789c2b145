package repo

import (
	"database/sql"
	"database/sql/driver"
	"net"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"orderline/internal/domain"
)

// mapError translates driver errors into the domain taxonomy, keeping the driver message.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return errors.Wrap(domain.ErrConflict, pgErr.ConstraintName)
		case "23503":
			return errors.Wrap(domain.ErrNotFound, pgErr.ConstraintName)
		case "23514", "22P02":
			return errors.Wrap(domain.ErrValidationFailed, pgErr.Message)
		case "40001", "40P01", "57P01", "57P03", "53300":
			return errors.Wrap(domain.ErrUnavailable, pgErr.Message)
		}
		return err
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return errors.Wrap(domain.ErrConflict, sqliteErr.Error())
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return errors.Wrap(domain.ErrNotFound, sqliteErr.Error())
		}
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_IOERR:
			return errors.Wrap(domain.ErrUnavailable, sqliteErr.Error())
		}
		return err
	}
	if isUnavailable(err) {
		return errors.Wrap(domain.ErrUnavailable, err.Error())
	}
	return err
}

func isUnavailable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return pgconn.Timeout(err)
}

// MapError exposes the driver mapping to packages running their own statements.
func MapError(err error) error {
	return mapError(err)
}
