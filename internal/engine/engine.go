package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/tillsync/internal/entity"
	"github.com/roach88/tillsync/internal/metrics"
	"github.com/roach88/tillsync/internal/store"
)

// DefaultPageSize is the number of remote rows applied per pull transaction.
const DefaultPageSize = 500

// Engine syncs one business unit's tables between a local store and a remote.
//
// Thread-safety: SyncAll, PushTable and PullTable may be called from any
// goroutine; runs are serialized.
type Engine struct {
	local       *store.DB
	remote      entity.Remote
	scope       string
	tables      []entity.Syncable
	pageSize    int
	concurrency int
	now         func() time.Time
	log         *logrus.Entry

	mu   sync.Mutex
	runs atomic.Int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithPageSize sets how many remote rows one pull transaction applies.
//
// Default: 500 (DefaultPageSize)
func WithPageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// WithConcurrency lets up to n tables of the same dependency level sync at
// once. Push still precedes pull within each table, and a level finishes
// before the next starts.
//
// Default: 1 (strictly sequential)
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithTables restricts the engine to the given tables, which must be in
// foreign-key order. Defaults to entity.Registry().
func WithTables(tables ...entity.Syncable) Option {
	return func(e *Engine) {
		e.tables = tables
	}
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithNow sets the wall clock used for the diagnostic lastSyncAt column.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an engine syncing scope between local and remote.
func New(local *store.DB, remote entity.Remote, scope string, opts ...Option) (*Engine, error) {
	if local == nil || remote == nil {
		return nil, errors.New("engine: local and remote stores are required")
	}
	if scope == "" {
		return nil, errors.New("engine: business unit scope is required")
	}

	e := &Engine{
		local:       local,
		remote:      remote,
		scope:       scope,
		tables:      entity.Registry(),
		pageSize:    DefaultPageSize,
		concurrency: 1,
		now:         time.Now,
		log:         logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.WithFields(logrus.Fields{"component": "sync", "scope": scope})
	return e, nil
}

// Tables returns the tables the engine syncs, in order.
func (e *Engine) Tables() []string {
	out := make([]string, len(e.tables))
	for i, t := range e.tables {
		out[i] = t.Table()
	}
	return out
}

// SyncAll pushes then pulls every table in foreign-key order.
//
// A table whose push or pull fails is skipped for the rest of the run and
// the remaining tables still sync. The returned error joins one *SyncError
// per failed table. When ctx is cancelled, the table in progress finishes,
// no further table starts, and ctx.Err() is included in the error. With
// WithConcurrency, cancellation is checked between dependency levels.
//
// Running SyncAll again with no intervening changes on either side leaves
// every checkpoint and every row unchanged.
func (e *Engine) SyncAll(ctx context.Context) (*Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	report := &Report{Run: e.runs.Add(1), StartedAt: e.now()}
	log := e.log.WithField("run", report.Run)
	log.Debug("sync started")

	results := make([]TableResult, len(e.tables))
	for i, t := range e.tables {
		results[i] = TableResult{Table: t.Table(), Skipped: true}
	}

	var cancelled error
	for _, step := range e.plan() {
		if err := ctx.Err(); err != nil {
			cancelled = err
			break
		}

		g := new(errgroup.Group)
		g.SetLimit(e.concurrency)
		for _, i := range step {
			g.Go(func() error {
				// Started tables finish even if ctx is cancelled meanwhile.
				results[i] = e.syncTable(context.WithoutCancel(ctx), log, e.tables[i])
				return nil
			})
		}
		g.Wait()
	}

	report.Tables = results
	report.FinishedAt = e.now()

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	if cancelled != nil {
		errs = append(errs, cancelled)
	}

	fields := logrus.Fields{
		"pushed":   report.Pushed(),
		"pulled":   report.Pulled(),
		"failed":   len(report.Failed()),
		"duration": report.FinishedAt.Sub(report.StartedAt).String(),
	}
	if len(errs) > 0 {
		log.WithFields(fields).Warn("sync finished with errors")
	} else {
		log.WithFields(fields).Info("sync finished")
	}
	return report, errors.Join(errs...)
}

// PushTable pushes a single table.
func (e *Engine) PushTable(ctx context.Context, table string) (int, error) {
	t, ok := e.lookup(table)
	if !ok {
		return 0, fmt.Errorf("unknown table %q", table)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.push(ctx, e.log, t)
}

// PullTable pulls a single table.
func (e *Engine) PullTable(ctx context.Context, table string) (int, error) {
	t, ok := e.lookup(table)
	if !ok {
		return 0, fmt.Errorf("unknown table %q", table)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pull(ctx, e.log, t)
}

// plan returns the groups of table indexes SyncAll runs together, in order.
// Sequential engines run one table per group in registry order.
func (e *Engine) plan() [][]int {
	if e.concurrency <= 1 {
		out := make([][]int, len(e.tables))
		for i := range e.tables {
			out[i] = []int{i}
		}
		return out
	}
	return levels(e.tables)
}

func (e *Engine) lookup(table string) (entity.Syncable, bool) {
	for _, t := range e.tables {
		if t.Table() == table {
			return t, true
		}
	}
	return nil, false
}

func (e *Engine) syncTable(ctx context.Context, log *logrus.Entry, t entity.Syncable) TableResult {
	start := time.Now()
	res := TableResult{Table: t.Table()}
	log = log.WithField("table", t.Table())

	res.Pushed, res.Err = e.push(ctx, log, t)
	if res.Err == nil {
		res.Pulled, res.Err = e.pull(ctx, log, t)
	}
	res.Duration = time.Since(start)
	metrics.TableSyncSeconds.WithLabelValues(t.Table()).Observe(res.Duration.Seconds())

	if res.Err != nil {
		var se *SyncError
		if errors.As(res.Err, &se) {
			metrics.SyncFailuresTotal.WithLabelValues(t.Table(), se.Phase).Inc()
			log = log.WithFields(logrus.Fields{"phase": se.Phase, "code": se.Code, "rejected": se.Rejected()})
		}
		res.Error = res.Err.Error()
		log.WithError(res.Err).Warn("table sync failed")
	}

	err := e.local.WithTransaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		return recordResult(ctx, tx, e.scope, t.Table(), e.now(), res.Err)
	})
	if err != nil {
		log.WithError(err).Warn("failed to record sync status")
	}
	return res
}

// push sends every local row changed since lastPushAt.
func (e *Engine) push(ctx context.Context, log *logrus.Entry, t entity.Syncable) (int, error) {
	fail := func(code SyncErrorCode, err error) (int, error) {
		return 0, &SyncError{Code: code, Table: t.Table(), Phase: metrics.Push, Err: err}
	}

	cp, err := readCheckpoint(ctx, e.local.DB(), e.scope, t.Table())
	if err != nil {
		return fail(ErrCodeLocalApply, err)
	}

	batch, err := t.Changed(ctx, e.local.DB(), e.scope, cp.PushAt())
	if err != nil {
		return fail(ErrCodeLocalApply, err)
	}
	if batch.Len() == 0 {
		return 0, nil
	}

	if err := t.Send(ctx, e.remote, batch); err != nil {
		return fail(ErrCodeRemotePush, err)
	}

	err = e.local.WithTransaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		return advancePush(ctx, tx, e.scope, t.Table(), batch.High)
	})
	if err != nil {
		// The remote already has the rows; the next run re-sends them.
		return fail(ErrCodeLocalApply, err)
	}

	metrics.RowsPushedTotal.WithLabelValues(t.Table()).Add(float64(batch.Len()))
	log.WithFields(logrus.Fields{
		"rows": batch.Len(),
		"high": batch.High.Format(time.RFC3339Nano),
	}).Debug("pushed")
	return batch.Len(), nil
}

// pull applies remote rows changed since lastPullAt, one page per local
// transaction. Pages follow the (updated_at, id) keyset, so any number of
// rows sharing one instant are read in full.
func (e *Engine) pull(ctx context.Context, log *logrus.Entry, t entity.Syncable) (int, error) {
	fail := func(total int, code SyncErrorCode, err error) (int, error) {
		return total, &SyncError{Code: code, Table: t.Table(), Phase: metrics.Pull, Err: err}
	}

	cp, err := readCheckpoint(ctx, e.local.DB(), e.scope, t.Table())
	if err != nil {
		return fail(0, ErrCodeLocalApply, err)
	}
	since, afterID := cp.PullAt(), ""

	total := 0
	for {
		page, err := t.Fetch(ctx, e.remote, e.scope, since, afterID, e.pageSize)
		if err != nil {
			return fail(total, ErrCodeRemotePull, err)
		}
		if page.Len() == 0 {
			return total, nil
		}

		var applied, held int
		err = e.local.WithTransaction(ctx, func(ctx context.Context, tx *store.Tx) error {
			// Stamps issued after this commit must sort above the page.
			e.local.Clock().Observe(page.High)

			cp, err := readCheckpoint(ctx, tx, e.scope, t.Table())
			if err != nil {
				return err
			}
			fresh, pending, err := unseen(ctx, tx, t, page, cp.PushAt())
			if err != nil {
				return err
			}
			if err := t.Apply(ctx, tx, fresh); err != nil {
				return err
			}
			if err := advancePull(ctx, tx, e.scope, t.Table(), page.High); err != nil {
				return err
			}
			applied, held = fresh.Len(), pending
			if held > 0 {
				return nil
			}
			return suppressEcho(ctx, tx, t, e.scope, page)
		})
		if err != nil {
			return fail(total, ErrCodeLocalApply, err)
		}

		total += applied
		if applied > 0 || held > 0 {
			metrics.RowsPulledTotal.WithLabelValues(t.Table()).Add(float64(applied))
			log.WithFields(logrus.Fields{
				"rows": applied,
				"held": held,
				"high": page.High.Format(time.RFC3339Nano),
			}).Debug("pulled page")
		}

		if page.Len() < e.pageSize {
			return total, nil
		}
		afterID, since = page.Last()
	}
}

// unseen returns the rows of page to apply and the number held back.
//
// A row is dropped when the local table already holds it at exactly that
// version: rows this replica pushed itself, and rows on the since boundary
// that an earlier run applied. A row is held back when its local copy
// changed after lastPushAt and is newer than the remote version; that
// local edit is still unpushed and the next push sends it. Any other
// version is applied, older or newer.
func unseen(ctx context.Context, tx *store.Tx, t entity.Syncable, page *entity.Batch, pushAt time.Time) (*entity.Batch, int, error) {
	query, args, err := sqlx.In(`SELECT id, updatedAt, deletedAt FROM `+t.Table()+` WHERE id IN (?)`, page.IDs)
	if err != nil {
		return nil, 0, err
	}
	var rows []struct {
		ID        string     `db:"id"`
		UpdatedAt time.Time  `db:"updatedAt"`
		DeletedAt *time.Time `db:"deletedAt"`
	}
	if err := tx.SelectContext(ctx, &rows, tx.Rebind(query), args...); err != nil {
		return nil, 0, fmt.Errorf("read local versions %s: %w", t.Table(), err)
	}
	local := make(map[string]time.Time, len(rows))
	for _, r := range rows {
		changed := r.UpdatedAt
		if r.DeletedAt != nil && r.DeletedAt.After(changed) {
			changed = *r.DeletedAt
		}
		local[r.ID] = store.Normalize(changed)
	}

	held := 0
	fresh := page.Filter(func(id string, changed time.Time) bool {
		have, ok := local[id]
		switch {
		case !ok:
			return true
		case have.Equal(changed):
			return false
		case have.After(pushAt) && have.After(changed):
			held++
			return false
		}
		return true
	})
	return fresh, held, nil
}

// suppressEcho raises lastPushAt over a just-applied page when the page
// accounts for every local change since the last push, so the pulled rows
// are not pushed straight back.
func suppressEcho(ctx context.Context, tx *store.Tx, t entity.Syncable, scope string, page *entity.Batch) error {
	cp, err := readCheckpoint(ctx, tx, scope, t.Table())
	if err != nil {
		return err
	}
	pushAt := cp.PushAt()
	if !page.High.After(pushAt) {
		return nil
	}

	query, args, err := sqlx.In(
		`SELECT COUNT(*) FROM `+t.Table()+`
		WHERE businessUnitId = ? AND (updatedAt > ? OR deletedAt > ?) AND id NOT IN (?)`,
		scope, pushAt, pushAt, page.IDs)
	if err != nil {
		return err
	}

	var pending int
	if err := tx.GetContext(ctx, &pending, tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("count pending %s: %w", t.Table(), err)
	}
	if pending > 0 {
		return nil
	}
	return advancePush(ctx, tx, scope, t.Table(), page.High)
}
