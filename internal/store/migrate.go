package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// Migration is one schema version. Versions start at 1 and are contiguous.
type Migration struct {
	Version int
	Name    string
	Steps   []Step

	// DisableForeignKeys turns foreign key enforcement off for the duration
	// of the migration. Required by table rebuilds; PRAGMA foreign_key_check
	// runs before commit so violations still fail the migration.
	DisableForeignKeys bool
}

// Step is a single idempotent schema change.
type Step interface {
	Apply(ctx context.Context, tx *Tx) error
	String() string
}

// migrate applies every migration above the current user_version, each in
// its own transaction.
func (d *DB) migrate(ctx context.Context, migrations []Migration) error {
	if err := validateMigrations(migrations); err != nil {
		return err
	}

	current, err := d.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if n := len(migrations); n > 0 && current > migrations[n-1].Version {
		return &MigrationError{
			Version: current,
			Name:    "unknown",
			Err:     fmt.Errorf("database schema version %d is newer than this build (%d)", current, migrations[n-1].Version),
		}
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := d.applyMigration(ctx, m); err != nil {
			return err
		}
		current = m.Version
		d.log.WithFields(logrus.Fields{
			"version": m.Version,
			"name":    m.Name,
		}).Info("schema migration applied")
	}

	d.setSchemaGauge(current)
	return nil
}

func (d *DB) applyMigration(ctx context.Context, m Migration) (err error) {
	if m.DisableForeignKeys {
		// foreign_keys is a no-op inside a transaction, so toggle it on the
		// (single) pooled connection around the migration.
		if _, err := d.db.ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
			return &MigrationError{Version: m.Version, Name: m.Name, Err: err}
		}
		defer func() {
			if _, fkErr := d.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); fkErr != nil && err == nil {
				err = &MigrationError{Version: m.Version, Name: m.Name, Err: fkErr}
			}
		}()
	}

	err = d.WithTransaction(ctx, func(ctx context.Context, tx *Tx) error {
		for _, step := range m.Steps {
			if err := step.Apply(ctx, tx); err != nil {
				return &MigrationError{Version: m.Version, Name: m.Name, Step: step.String(), Err: err}
			}
		}

		if m.DisableForeignKeys {
			if err := foreignKeyCheck(ctx, tx); err != nil {
				return &MigrationError{Version: m.Version, Name: m.Name, Step: "foreign_key_check", Err: err}
			}
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
			return &MigrationError{Version: m.Version, Name: m.Name, Step: "user_version", Err: err}
		}
		return nil
	})
	if err != nil && !IsMigrationError(err) {
		err = &MigrationError{Version: m.Version, Name: m.Name, Err: err}
	}
	return err
}

func validateMigrations(migrations []Migration) error {
	for i, m := range migrations {
		if m.Version != i+1 {
			return &MigrationError{
				Version: m.Version,
				Name:    m.Name,
				Err:     fmt.Errorf("migration versions must be contiguous from 1, got %d at position %d", m.Version, i),
			}
		}
	}
	return nil
}

func foreignKeyCheck(ctx context.Context, tx *Tx) error {
	rows, err := tx.QueryxContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return err
	}
	defer rows.Close()

	var violations int
	for rows.Next() {
		violations++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if violations > 0 {
		return fmt.Errorf("%d foreign key violations", violations)
	}
	return nil
}

func tableExists(ctx context.Context, q sqlx.QueryerContext, name string) (bool, error) {
	var n int
	err := sqlx.GetContext(ctx, q, &n,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", name, err)
	}
	return n > 0, nil
}

func indexExists(ctx context.Context, q sqlx.QueryerContext, name string) (bool, error) {
	var n int
	err := sqlx.GetContext(ctx, q, &n,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("check index %s: %w", name, err)
	}
	return n > 0, nil
}

func columnExists(ctx context.Context, q sqlx.QueryerContext, table, column string) (bool, error) {
	var n int
	err := sqlx.GetContext(ctx, q, &n,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column)
	if err != nil {
		return false, fmt.Errorf("check column %s.%s: %w", table, column, err)
	}
	return n > 0, nil
}

// ColumnNullable returns a RebuildTable guard that reports done once
// table.column accepts NULL.
func ColumnNullable(table, column string) func(ctx context.Context, tx *Tx) (bool, error) {
	return func(ctx context.Context, tx *Tx) (bool, error) {
		var notNull int
		err := tx.GetContext(ctx, &notNull,
			`SELECT "notnull" FROM pragma_table_info(?) WHERE name = ?`, table, column)
		if err != nil {
			return false, fmt.Errorf("inspect %s.%s: %w", table, column, err)
		}
		return notNull == 0, nil
	}
}

// HasColumn returns a RebuildTable guard that reports done once
// table.column exists.
func HasColumn(table, column string) func(ctx context.Context, tx *Tx) (bool, error) {
	return func(ctx context.Context, tx *Tx) (bool, error) {
		return columnExists(ctx, tx, table, column)
	}
}
