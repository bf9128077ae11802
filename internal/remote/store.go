// Package remote is the shared relational store replicas sync against.
//
// The remote is addressed only by id (upsert) and by updated_at range
// (paged pull). It never compares timestamps on write: the last upsert of
// an id wins, whole row.
package remote

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Dialect identifies the remote SQL engine by its database/sql driver name.
type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite3"
)

// ParseDialect validates a driver name.
func ParseDialect(driver string) (Dialect, error) {
	switch d := Dialect(driver); d {
	case Postgres, MySQL, SQLite:
		return d, nil
	case "postgresql", "pgx":
		return Postgres, nil
	case "sqlite":
		return SQLite, nil
	default:
		return "", fmt.Errorf("unsupported remote driver %q", driver)
	}
}

// Store is a remote relational store.
type Store struct {
	db      *sqlx.DB
	dialect Dialect
	log     *logrus.Entry
}

// Open connects to the remote store. MySQL DSNs are forced to parse
// DATETIME values as UTC time.Time.
func Open(ctx context.Context, driver, dsn string, log *logrus.Entry) (*Store, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}
	if dialect == MySQL {
		if dsn, err = mysqlDSN(dsn); err != nil {
			return nil, err
		}
	}

	db, err := sqlx.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open remote: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect remote: %w", err)
	}
	if dialect == SQLite {
		db.SetMaxOpenConns(1)
	}
	return New(db, log), nil
}

// New wraps an open handle. The dialect is taken from the driver name.
func New(db *sqlx.DB, log *logrus.Entry) *Store {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	dialect, err := ParseDialect(db.DriverName())
	if err != nil {
		dialect = Postgres
	}
	return &Store{db: db, dialect: dialect, log: log.WithField("component", "remote")}
}

func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying handle.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the remote SQL dialect.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Upsert writes rows by id inside one remote transaction. Each row is a
// struct whose db tags name columns. Either every row lands or none does.
func (s *Store) Upsert(ctx context.Context, table string, columns []string, rows []any) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin remote transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamedContext(ctx, s.upsertSQL(table, columns))
	if err != nil {
		return fmt.Errorf("prepare upsert %s: %w", table, err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row); err != nil {
			return fmt.Errorf("upsert %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit remote transaction: %w", err)
	}
	s.log.WithFields(logrus.Fields{"table": table, "rows": len(rows)}).Debug("remote upsert")
	return nil
}

// Since loads rows of scope that sort after the keyset (since, afterID) into
// dest, ordered by updated_at then id. An empty afterID includes every row
// at since. limit <= 0 means no limit.
func (s *Store) Since(ctx context.Context, dest any, table string, columns []string, scope string, since time.Time, afterID string, limit int) error {
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE business_unit_id = ? AND (updated_at > ? OR (updated_at = ? AND id > ?)) ORDER BY updated_at, id",
		strings.Join(columns, ", "), table)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	since = since.UTC()
	if err := s.db.SelectContext(ctx, dest, s.db.Rebind(query), scope, since, since, afterID); err != nil {
		return fmt.Errorf("select %s since %s: %w", table, since.Format(time.RFC3339Nano), err)
	}
	return nil
}

func (s *Store) upsertSQL(table string, columns []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (:%s)",
		table, strings.Join(columns, ", "), strings.Join(columns, ", :"))

	set := make([]string, 0, len(columns))
	for _, c := range columns {
		if c == "id" {
			continue
		}
		if s.dialect == MySQL {
			set = append(set, fmt.Sprintf("%s = VALUES(%s)", c, c))
		} else {
			set = append(set, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		}
	}

	if s.dialect == MySQL {
		b.WriteString(" ON DUPLICATE KEY UPDATE ")
	} else {
		b.WriteString(" ON CONFLICT (id) DO UPDATE SET ")
	}
	b.WriteString(strings.Join(set, ", "))
	return b.String()
}
