package db

import (
	stderrors "errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	apperrors "github.com/Gyimahp52/michael-school-portal-sub002/internal/errors"
)

// classify maps a driver error to an AppError. Quota and corruption failures
// become storage-fatal codes; everything else is a plain database error.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) {
		return err
	}

	var sqlErr *sqlite.Error
	if stderrors.As(err, &sqlErr) {
		switch sqlErr.Code() & 0xff {
		case sqlite3.SQLITE_FULL:
			return apperrors.Wrap(apperrors.ErrStorageQuota, op, err)
		case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_IOERR:
			return apperrors.Wrap(apperrors.ErrStorageCorrupt, op, err)
		}
	}

	// Drivers wrapped by database/sql or test doubles only carry the text.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database or disk is full"), strings.Contains(msg, "quota"):
		return apperrors.Wrap(apperrors.ErrStorageQuota, op, err)
	case strings.Contains(msg, "malformed"), strings.Contains(msg, "not a database"), strings.Contains(msg, "disk i/o error"):
		return apperrors.Wrap(apperrors.ErrStorageCorrupt, op, err)
	}
	return apperrors.Wrap(apperrors.ErrDatabase, op, err)
}
