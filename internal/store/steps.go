package store

import (
	"context"
	"fmt"
	"strings"
)

// CreateTable creates a table when it does not exist yet.
type CreateTable struct {
	Name string
	// Definition is the column/constraint list between the parentheses.
	Definition string
}

func (s CreateTable) Apply(ctx context.Context, tx *Tx) error {
	exists, err := tableExists(ctx, tx, s.Name)
	if err != nil || exists {
		return err
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", s.Name, s.Definition))
	return err
}

func (s CreateTable) String() string { return "create table " + s.Name }

// CreateIndex creates an index when it does not exist yet.
type CreateIndex struct {
	Name    string
	Table   string
	Columns []string
	Unique  bool
	Where   string
}

func (s CreateIndex) Apply(ctx context.Context, tx *Tx) error {
	_, err := tx.ExecContext(ctx, s.sql())
	return err
}

func (s CreateIndex) sql() string {
	var b strings.Builder
	b.WriteString("CREATE ")
	if s.Unique {
		b.WriteString("UNIQUE ")
	}
	fmt.Fprintf(&b, "INDEX IF NOT EXISTS %s ON %s (%s)", s.Name, s.Table, strings.Join(s.Columns, ", "))
	if s.Where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(s.Where)
	}
	return b.String()
}

func (s CreateIndex) String() string { return "create index " + s.Name }

// AddColumn adds a column with a default and optionally backfills it.
//
// The backfill only runs in the same step that adds the column, so re-running
// the step against a migrated table touches nothing.
type AddColumn struct {
	Table  string
	Column string
	// Definition is the type and default, e.g. "INTEGER NOT NULL DEFAULT 0".
	Definition string
	// Backfill is an optional SQL expression evaluated per existing row.
	Backfill string
}

func (s AddColumn) Apply(ctx context.Context, tx *Tx) error {
	exists, err := columnExists(ctx, tx, s.Table, s.Column)
	if err != nil || exists {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", s.Table, s.Column, s.Definition)); err != nil {
		return err
	}
	if s.Backfill == "" {
		return nil
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET %s = (%s)", s.Table, s.Column, s.Backfill))
	return err
}

func (s AddColumn) String() string { return fmt.Sprintf("add column %s.%s", s.Table, s.Column) }

// Backfill recomputes a derived column. Where should select only rows that
// still need the value so the step stays idempotent.
type Backfill struct {
	Table  string
	Column string
	Expr   string
	Where  string
}

func (s Backfill) Apply(ctx context.Context, tx *Tx) error {
	exists, err := columnExists(ctx, tx, s.Table, s.Column)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("column %s.%s does not exist", s.Table, s.Column)
	}
	query := fmt.Sprintf("UPDATE %s SET %s = (%s)", s.Table, s.Column, s.Expr)
	if s.Where != "" {
		query += " WHERE " + s.Where
	}
	_, err = tx.ExecContext(ctx, query)
	return err
}

func (s Backfill) String() string { return fmt.Sprintf("backfill %s.%s", s.Table, s.Column) }

// RebuildTable replaces a table's definition, typically to relax a
// constraint SQLite cannot ALTER. Triggers and indexes on the table are
// dropped, rows are copied into the new definition, the old table is dropped
// and the new one renamed into place. Indexes are recreated afterwards.
//
// The owning Migration must set DisableForeignKeys.
type RebuildTable struct {
	Table      string
	Definition string
	// Columns are copied verbatim from the old table.
	Columns []string
	Indexes []CreateIndex
	// Done reports whether the rebuild already happened.
	Done func(ctx context.Context, tx *Tx) (bool, error)
}

func (s RebuildTable) Apply(ctx context.Context, tx *Tx) error {
	if s.Done != nil {
		done, err := s.Done(ctx, tx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}

	exists, err := tableExists(ctx, tx, s.Table)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("table %s does not exist", s.Table)
	}

	var dependents []string
	if err := tx.SelectContext(ctx, &dependents, `
		SELECT type || ' ' || name FROM sqlite_master
		WHERE tbl_name = ? AND type IN ('trigger', 'index') AND sql IS NOT NULL
	`, s.Table); err != nil {
		return fmt.Errorf("list dependents of %s: %w", s.Table, err)
	}
	for _, dep := range dependents {
		kind, name, _ := strings.Cut(dep, " ")
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP %s IF EXISTS %s", strings.ToUpper(kind), name)); err != nil {
			return fmt.Errorf("drop %s: %w", dep, err)
		}
	}

	tmp := s.Table + "__rebuild"
	cols := strings.Join(s.Columns, ", ")
	stmts := []string{
		fmt.Sprintf("DROP TABLE IF EXISTS %s", tmp),
		fmt.Sprintf("CREATE TABLE %s (%s)", tmp, s.Definition),
		fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s", tmp, cols, cols, s.Table),
		fmt.Sprintf("DROP TABLE %s", s.Table),
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", tmp, s.Table),
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}

	for _, idx := range s.Indexes {
		if err := idx.Apply(ctx, tx); err != nil {
			return fmt.Errorf("recreate index %s: %w", idx.Name, err)
		}
	}
	return nil
}

func (s RebuildTable) String() string { return "rebuild table " + s.Table }

// Exec runs raw SQL unless Skip reports it already ran.
type Exec struct {
	Name string
	SQL  string
	Skip func(ctx context.Context, tx *Tx) (bool, error)
}

func (s Exec) Apply(ctx context.Context, tx *Tx) error {
	if s.Skip != nil {
		skip, err := s.Skip(ctx, tx)
		if err != nil || skip {
			return err
		}
	}
	_, err := tx.ExecContext(ctx, s.SQL)
	return err
}

func (s Exec) String() string { return "exec " + s.Name }

var (
	_ Step = CreateTable{}
	_ Step = CreateIndex{}
	_ Step = AddColumn{}
	_ Step = Backfill{}
	_ Step = RebuildTable{}
	_ Step = Exec{}
)
