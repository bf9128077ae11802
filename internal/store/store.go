package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/roach88/tillsync/internal/metrics"
)

// Defaults for Config fields left zero.
const (
	DefaultBusyTimeout    = 5 * time.Second
	DefaultMaxBusyRetries = 5
	DefaultBusyBackoff    = 50 * time.Millisecond
)

// Config configures a local store.
type Config struct {
	// Path is the SQLite database file (or ":memory:").
	Path string

	// BusyTimeout is the driver-level wait before SQLITE_BUSY is returned.
	BusyTimeout time.Duration

	// MaxBusyRetries bounds how often BEGIN is retried after SQLITE_BUSY.
	MaxBusyRetries int

	// BusyBackoff is the linear backoff unit between BEGIN attempts.
	BusyBackoff time.Duration

	// Now is the wall clock used for change stamps. Defaults to time.Now.
	Now func() time.Time

	// Logger receives migration and contention logs.
	Logger *logrus.Entry

	// Migrations overrides the built-in schema history (tests only).
	Migrations []Migration
}

func (c Config) withDefaults() Config {
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = DefaultBusyTimeout
	}
	if c.MaxBusyRetries < 0 {
		c.MaxBusyRetries = 0
	} else if c.MaxBusyRetries == 0 {
		c.MaxBusyRetries = DefaultMaxBusyRetries
	}
	if c.BusyBackoff <= 0 {
		c.BusyBackoff = DefaultBusyBackoff
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if c.Migrations == nil {
		c.Migrations = Migrations()
	}
	return c
}

// DB is an open local store.
type DB struct {
	db             *sqlx.DB
	clock          *Clock
	log            *logrus.Entry
	maxBusyRetries int
	busyBackoff    time.Duration
}

// Open creates or opens the local store at cfg.Path and migrates it to the
// latest schema version.
//
// A migration failure is fatal: the handle is closed and a *MigrationError
// is returned.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	cfg = cfg.withDefaults()

	db, err := sqlx.Open("sqlite3", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time; a single pooled connection
	// also keeps connection-scoped pragmas (foreign_keys) predictable.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	d := &DB{
		db:             db,
		clock:          NewClock(cfg.Now),
		log:            cfg.Logger.WithField("component", "store"),
		maxBusyRetries: cfg.MaxBusyRetries,
		busyBackoff:    cfg.BusyBackoff,
	}

	if err := d.migrate(ctx, cfg.Migrations); err != nil {
		db.Close()
		return nil, err
	}

	if err := d.seedClock(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to seed clock: %w", err)
	}

	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// DB returns the underlying handle for reads outside a transaction.
// Never use it from inside WithTransaction: the pool holds one connection.
func (d *DB) DB() *sqlx.DB {
	return d.db
}

// Clock returns the store's change-stamp clock.
func (d *DB) Clock() *Clock {
	return d.clock
}

// SchemaVersion returns the applied schema version (PRAGMA user_version).
func (d *DB) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := d.db.GetContext(ctx, &version, "PRAGMA user_version"); err != nil {
		return 0, fmt.Errorf("get user_version: %w", err)
	}
	return version, nil
}

func dsn(cfg Config) string {
	params := fmt.Sprintf("_txlock=immediate&_busy_timeout=%d&_foreign_keys=on", cfg.BusyTimeout.Milliseconds())
	path := cfg.Path
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	return path + "?" + params
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(ctx context.Context, db *sqlx.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// seedClock raises the clock floor to the newest stored checkpoint so stamps
// issued after a restart sort above everything already synced.
func (d *DB) seedClock(ctx context.Context) error {
	exists, err := tableExists(ctx, d.db, "syncCheckpoints")
	if err != nil || !exists {
		return err
	}

	var marks []struct {
		Push sql.NullTime `db:"lastPushAt"`
		Pull sql.NullTime `db:"lastPullAt"`
	}
	if err := d.db.SelectContext(ctx, &marks, `SELECT lastPushAt, lastPullAt FROM syncCheckpoints`); err != nil {
		return err
	}
	for _, m := range marks {
		if m.Push.Valid {
			d.clock.Observe(m.Push.Time)
		}
		if m.Pull.Valid {
			d.clock.Observe(m.Pull.Time)
		}
	}
	return nil
}

func (d *DB) setSchemaGauge(version int) {
	metrics.SchemaVersion.Set(float64(version))
}
