package store

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// ErrNestedTransaction is returned when WithTransaction is called with a
// context that already belongs to an open transaction.
var ErrNestedTransaction = errors.New("store: nested transaction")

// ContentionError is returned when the database stayed busy for every
// allowed BEGIN attempt.
type ContentionError struct {
	Attempts int
	Err      error
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("database busy after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ContentionError) Unwrap() error {
	return e.Err
}

// MigrationError reports a failed schema migration. It is fatal to Open.
type MigrationError struct {
	Version int
	Name    string
	Step    string
	Err     error
}

func (e *MigrationError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("migration %d (%s) failed at %s: %v", e.Version, e.Name, e.Step, e.Err)
	}
	return fmt.Sprintf("migration %d (%s) failed: %v", e.Version, e.Name, e.Err)
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}

// IsBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED.
func IsBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// IsContention reports whether err is a *ContentionError.
// Uses errors.As to handle wrapped errors.
func IsContention(err error) bool {
	var ce *ContentionError
	return errors.As(err, &ce)
}

// IsMigrationError reports whether err is a *MigrationError.
func IsMigrationError(err error) bool {
	var me *MigrationError
	return errors.As(err, &me)
}
