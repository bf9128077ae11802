package remote

import (
	"context"
	"fmt"
	"strings"
)

// CreateTables creates any missing remote tables and their change index.
// Existing tables are left untouched.
func (s *Store) CreateTables(ctx context.Context, tables []Table) error {
	for _, t := range tables {
		for _, stmt := range s.dialect.DDL(t) {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("create remote table %s: %w", t.Name, err)
			}
		}
	}
	return nil
}

// DDL returns the statements that create t in this dialect.
func (d Dialect) DDL(t Table) []string {
	defs := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		def := c.Name + " " + d.columnType(c)
		switch {
		case c.Name == "id":
			def += " PRIMARY KEY"
		case !c.Nullable:
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}

	index := "idx_" + t.Name + "_changes"
	if d == MySQL {
		// MySQL has no CREATE INDEX IF NOT EXISTS.
		defs = append(defs, fmt.Sprintf("INDEX %s (business_unit_id, updated_at)", index))
		return []string{
			fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", t.Name, strings.Join(defs, ",\n\t")),
		}
	}
	return []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", t.Name, strings.Join(defs, ",\n\t")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (business_unit_id, updated_at)", index, t.Name),
	}
}

func (d Dialect) columnType(c Column) string {
	switch d {
	case Postgres:
		switch c.Type {
		case Integer:
			return "BIGINT"
		case Boolean:
			return "BOOLEAN"
		case Timestamp:
			return "TIMESTAMPTZ"
		default:
			return "TEXT"
		}
	case MySQL:
		switch c.Type {
		case Integer:
			return "BIGINT"
		case Boolean:
			return "BOOLEAN"
		case Timestamp:
			return "DATETIME(6)"
		default:
			// Keys must be bounded to be indexable.
			if c.Name == "id" || strings.HasSuffix(c.Name, "_id") {
				return "VARCHAR(64)"
			}
			return "TEXT"
		}
	default:
		switch c.Type {
		case Integer, Boolean:
			return "INTEGER"
		case Timestamp:
			return "DATETIME"
		default:
			return "TEXT"
		}
	}
}
