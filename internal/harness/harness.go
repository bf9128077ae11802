package harness

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/audit"
	"github.com/roach88/tillsync/internal/engine"
	"github.com/roach88/tillsync/internal/entity"
	"github.com/roach88/tillsync/internal/pos"
	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/sequence"
	"github.com/roach88/tillsync/internal/store"
	"github.com/roach88/tillsync/internal/testutil"
)

// Scope is the business unit every replica belongs to.
const Scope = "bu-1"

// Logger returns a logger that discards everything.
func Logger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

// Schemas returns the remote table definitions of every registered table.
func Schemas() []remote.Table {
	reg := entity.Registry()
	out := make([]remote.Table, len(reg))
	for i, s := range reg {
		out[i] = s.Schema()
	}
	return out
}

// NewRemote creates a file-backed SQLite remote with every table created.
// It is closed when the test ends.
func NewRemote(t testing.TB) *remote.Store {
	t.Helper()
	ctx := context.Background()

	dsn := "file:" + filepath.Join(t.TempDir(), "remote.db") + "?_busy_timeout=5000"
	r, err := remote.Open(ctx, string(remote.SQLite), dsn, Logger())
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	require.NoError(t, r.CreateTables(ctx, Schemas()))
	return r
}

// Replica is one simulated device.
type Replica struct {
	Name    string
	Clock   *testutil.StepClock
	DB      *store.DB
	Seq     *sequence.Generator
	Ledger  *pos.Ledger
	Engine  *engine.Engine
	Auditor *audit.Auditor
}

type config struct {
	start   time.Time
	path    string
	engine  []engine.Option
	storeFn func(*store.Config)
}

// Option configures a replica.
type Option func(*config)

// WithStart starts the replica's clock at t instead of testutil.DefaultStart.
func WithStart(t time.Time) Option {
	return func(c *config) {
		c.start = t
	}
}

// WithPath opens the local store at path, for example to reopen a
// replica's file after closing it.
func WithPath(path string) Option {
	return func(c *config) {
		c.path = path
	}
}

// WithEngineOptions passes options to the replica's sync engine.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(c *config) {
		c.engine = append(c.engine, opts...)
	}
}

// WithStoreConfig adjusts the local store configuration before open.
func WithStoreConfig(fn func(*store.Config)) Option {
	return func(c *config) {
		c.storeFn = fn
	}
}

// NewReplica opens a replica named name syncing against r.
// The replica's store is closed when the test ends.
func NewReplica(t testing.TB, name string, r entity.Remote, opts ...Option) *Replica {
	t.Helper()
	ctx := context.Background()

	cfg := config{path: filepath.Join(t.TempDir(), name+".db")}
	for _, opt := range opts {
		opt(&cfg)
	}

	log := Logger().WithField("replica", name)
	clock := testutil.NewStepClock(cfg.start, time.Millisecond)
	storeCfg := store.Config{Path: cfg.path, Now: clock.Now, Logger: log}
	if cfg.storeFn != nil {
		cfg.storeFn(&storeCfg)
	}

	db, err := store.Open(ctx, storeCfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	seq, err := sequence.New(sequence.Options{Scope: Scope, Logger: log})
	require.NoError(t, err)

	eng, err := engine.New(db, r, Scope, append([]engine.Option{
		engine.WithLogger(log),
		engine.WithNow(clock.Peek),
	}, cfg.engine...)...)
	require.NoError(t, err)

	return &Replica{
		Name:    name,
		Clock:   clock,
		DB:      db,
		Seq:     seq,
		Ledger:  pos.New(db, seq, Scope, pos.WithIDGenerator(testutil.NewSequentialIDs(name)), pos.WithLogger(log)),
		Engine:  eng,
		Auditor: audit.New(db, audit.WithLogger(log), audit.WithNow(clock.Peek)),
	}
}

// Sync runs SyncAll and fails the test on any error.
func (r *Replica) Sync(t testing.TB) *engine.Report {
	t.Helper()
	report, err := r.Engine.SyncAll(context.Background())
	require.NoError(t, err, "replica %s sync", r.Name)
	return report
}

// Checkpoints returns the replica's checkpoints keyed by table.
func (r *Replica) Checkpoints(t testing.TB) map[string]engine.Checkpoint {
	t.Helper()
	list, err := r.Engine.Checkpoints(context.Background())
	require.NoError(t, err)
	out := make(map[string]engine.Checkpoint, len(list))
	for _, cp := range list {
		out[cp.Table] = cp
	}
	return out
}

// Audit runs the integrity auditor and fails the test on error.
func (r *Replica) Audit(t testing.TB) *audit.Report {
	t.Helper()
	report, err := r.Auditor.Run(context.Background(), Scope)
	require.NoError(t, err)
	return report
}

// EditAt runs work in a transaction stamped at, simulating an edit made at
// that instant.
func (r *Replica) EditAt(t testing.TB, at time.Time, work func(ctx context.Context, tx *store.Tx) error) {
	t.Helper()
	err := r.DB.WithTransaction(context.Background(), func(ctx context.Context, tx *store.Tx) error {
		tx.OverrideStamp(at)
		return work(ctx, tx)
	})
	require.NoError(t, err)
}
