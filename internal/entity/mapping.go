package entity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/store"
)

var (
	// ErrNotFound is returned when a row does not exist or is tombstoned.
	ErrNotFound = errors.New("entity: row not found")

	// ErrMissingID is returned when inserting a row without an id.
	ErrMissingID = errors.New("entity: row has no id")
)

// Remote is the remote store as seen by a mapping. remote.Store satisfies it.
type Remote interface {
	// Upsert writes rows by id in one remote transaction, overwriting every column.
	Upsert(ctx context.Context, table string, columns []string, rows []any) error

	// Since loads up to limit rows of scope ordered by updated_at then id,
	// starting after the keyset (since, afterID). An empty afterID starts at
	// since inclusive.
	Since(ctx context.Context, dest any, table string, columns []string, scope string, since time.Time, afterID string, limit int) error
}

// Syncable is one table the sync engine reconciles.
type Syncable interface {
	// Table is the local table name. It is also the checkpoint key.
	Table() string
	RemoteTable() string

	// Parents lists the local tables this table references.
	Parents() []string

	Columns() []string
	Schema() remote.Table

	// Changed returns local rows of scope changed after since.
	Changed(ctx context.Context, q sqlx.QueryerContext, scope string, since time.Time) (*Batch, error)

	// Fetch returns one page of remote rows of scope after the keyset
	// (since, afterID).
	Fetch(ctx context.Context, r Remote, scope string, since time.Time, afterID string, limit int) (*Batch, error)

	// Send upserts a batch to the remote.
	Send(ctx context.Context, r Remote, b *Batch) error

	// Apply writes a batch into the local table, overwriting whole rows by id.
	Apply(ctx context.Context, e sqlx.ExtContext, b *Batch) error
}

// Batch is a set of rows of one table moving in one direction.
type Batch struct {
	Table string
	IDs   []string

	// High is the newest change time in the batch (zero when empty).
	High time.Time

	times []time.Time
	wire  []any
	local []any
}

// Len returns the number of rows in the batch.
func (b *Batch) Len() int {
	return len(b.IDs)
}

func (b *Batch) add(id string, changed time.Time, wire, local any) {
	b.IDs = append(b.IDs, id)
	b.times = append(b.times, changed)
	b.wire = append(b.wire, wire)
	b.local = append(b.local, local)
	if changed.After(b.High) {
		b.High = changed
	}
}

// Last returns the id and change time of the final row, the keyset the next
// page starts after.
func (b *Batch) Last() (string, time.Time) {
	if len(b.IDs) == 0 {
		return "", time.Time{}
	}
	n := len(b.IDs) - 1
	return b.IDs[n], b.times[n]
}

// Filter returns the rows of b for which keep reports true.
func (b *Batch) Filter(keep func(id string, changed time.Time) bool) *Batch {
	out := &Batch{Table: b.Table}
	for i, id := range b.IDs {
		if keep(id, b.times[i]) {
			out.add(id, b.times[i], b.wire[i], b.local[i])
		}
	}
	return out
}

// Mapping binds a local row type L to its wire type W.
type Mapping[L Row, W WireRow] struct {
	table    string
	remote   string
	parents  []string
	toWire   func(L) W
	fromWire func(W) L

	columns     []string
	remoteCols  []remote.Column
	remoteNames []string

	selectSQL string
	insertSQL string
	upsertSQL string
	updateSQL string
}

func newMapping[L Row, W WireRow](table, remoteTable string, parents []string, toWire func(L) W, fromWire func(W) L) *Mapping[L, W] {
	m := &Mapping[L, W]{
		table:      table,
		remote:     remoteTable,
		parents:    parents,
		toWire:     toWire,
		fromWire:   fromWire,
		columns:    columnNames[L](),
		remoteCols: remoteColumns[W](),
	}
	for _, c := range m.remoteCols {
		m.remoteNames = append(m.remoteNames, c.Name)
	}
	if len(m.columns) != len(m.remoteNames) {
		panic(fmt.Sprintf("entity: %s has %d local and %d remote columns", table, len(m.columns), len(m.remoteNames)))
	}

	cols := strings.Join(m.columns, ", ")
	named := ":" + strings.Join(m.columns, ", :")
	m.selectSQL = "SELECT " + cols + " FROM " + table
	m.insertSQL = "INSERT INTO " + table + " (" + cols + ") VALUES (" + named + ")"

	var overwrite, update []string
	for _, c := range m.columns {
		if c == "id" {
			continue
		}
		overwrite = append(overwrite, c+" = excluded."+c)
		switch c {
		case "businessUnitId", "createdAt", "deletedAt":
		default:
			update = append(update, c+" = :"+c)
		}
	}
	m.upsertSQL = m.insertSQL + " ON CONFLICT(id) DO UPDATE SET " + strings.Join(overwrite, ", ")
	m.updateSQL = "UPDATE " + table + " SET " + strings.Join(update, ", ") + " WHERE id = :id AND deletedAt IS NULL"
	return m
}

func (m *Mapping[L, W]) Table() string       { return m.table }
func (m *Mapping[L, W]) RemoteTable() string { return m.remote }
func (m *Mapping[L, W]) Parents() []string   { return m.parents }
func (m *Mapping[L, W]) Columns() []string   { return m.columns }

func (m *Mapping[L, W]) Schema() remote.Table {
	return remote.Table{Name: m.remote, Columns: m.remoteCols}
}

// ToWire converts a local row to its remote form.
func (m *Mapping[L, W]) ToWire(row L) W { return m.toWire(row) }

// FromWire converts a remote row to its local form.
func (m *Mapping[L, W]) FromWire(row W) L { return m.fromWire(row) }

func (m *Mapping[L, W]) Changed(ctx context.Context, q sqlx.QueryerContext, scope string, since time.Time) (*Batch, error) {
	since = store.Normalize(since)
	query := m.selectSQL + ` WHERE businessUnitId = ? AND (updatedAt > ? OR deletedAt > ?) ORDER BY updatedAt, id`

	var rows []L
	if err := sqlx.SelectContext(ctx, q, &rows, query, scope, since, since); err != nil {
		return nil, fmt.Errorf("select changed %s: %w", m.table, err)
	}

	b := &Batch{Table: m.table}
	for _, row := range rows {
		h := row.Header()
		changed := h.UpdatedAt
		if h.DeletedAt != nil && h.DeletedAt.After(changed) {
			changed = *h.DeletedAt
		}
		b.add(h.ID, store.Normalize(changed), m.toWire(row), row)
	}
	return b, nil
}

func (m *Mapping[L, W]) Fetch(ctx context.Context, r Remote, scope string, since time.Time, afterID string, limit int) (*Batch, error) {
	var rows []W
	if err := r.Since(ctx, &rows, m.remote, m.remoteNames, scope, store.Normalize(since), afterID, limit); err != nil {
		return nil, err
	}

	b := &Batch{Table: m.table}
	for _, w := range rows {
		row := m.fromWire(w)
		h := row.Header()
		b.add(h.ID, h.UpdatedAt, w, row)
	}
	return b, nil
}

func (m *Mapping[L, W]) Send(ctx context.Context, r Remote, b *Batch) error {
	if b.Len() == 0 {
		return nil
	}
	return r.Upsert(ctx, m.remote, m.remoteNames, b.wire)
}

func (m *Mapping[L, W]) Apply(ctx context.Context, e sqlx.ExtContext, b *Batch) error {
	for i, row := range b.local {
		if _, err := sqlx.NamedExecContext(ctx, e, m.upsertSQL, row); err != nil {
			return fmt.Errorf("apply %s %s: %w", m.table, b.IDs[i], err)
		}
	}
	return nil
}

// Insert writes a new row stamped with the transaction time.
func (m *Mapping[L, W]) Insert(ctx context.Context, tx *store.Tx, row *L) error {
	h := any(row).(metaHolder).meta()
	if h.ID == "" {
		return fmt.Errorf("insert %s: %w", m.table, ErrMissingID)
	}
	stamp := tx.Stamp()
	h.CreatedAt, h.UpdatedAt, h.DeletedAt = stamp, stamp, nil

	if _, err := sqlx.NamedExecContext(ctx, tx, m.insertSQL, *row); err != nil {
		return fmt.Errorf("insert %s: %w", m.table, err)
	}
	return nil
}

// Update overwrites a live row's business columns and stamps updatedAt.
// The id, business unit and creation time never change.
func (m *Mapping[L, W]) Update(ctx context.Context, tx *store.Tx, row *L) error {
	h := any(row).(metaHolder).meta()
	h.UpdatedAt = tx.Stamp()

	res, err := sqlx.NamedExecContext(ctx, tx, m.updateSQL, *row)
	if err != nil {
		return fmt.Errorf("update %s: %w", m.table, err)
	}
	return expectOne(res, m.table, h.ID)
}

// SoftDelete tombstones a live row. Deleting a tombstone returns ErrNotFound.
func (m *Mapping[L, W]) SoftDelete(ctx context.Context, tx *store.Tx, id string) error {
	stamp := tx.Stamp()
	res, err := tx.ExecContext(ctx,
		"UPDATE "+m.table+" SET deletedAt = ?, updatedAt = ? WHERE id = ? AND deletedAt IS NULL",
		stamp, stamp, id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", m.table, err)
	}
	return expectOne(res, m.table, id)
}

// Get loads a row by id, tombstoned or not.
func (m *Mapping[L, W]) Get(ctx context.Context, q sqlx.QueryerContext, id string) (L, error) {
	var row L
	err := sqlx.GetContext(ctx, q, &row, m.selectSQL+" WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return row, fmt.Errorf("%s %s: %w", m.table, id, ErrNotFound)
	}
	if err != nil {
		return row, fmt.Errorf("get %s: %w", m.table, err)
	}
	return row, nil
}

// Live lists the non-tombstoned rows of scope in creation order.
func (m *Mapping[L, W]) Live(ctx context.Context, q sqlx.QueryerContext, scope string) ([]L, error) {
	var rows []L
	query := m.selectSQL + " WHERE businessUnitId = ? AND deletedAt IS NULL ORDER BY createdAt, id"
	if err := sqlx.SelectContext(ctx, q, &rows, query, scope); err != nil {
		return nil, fmt.Errorf("list %s: %w", m.table, err)
	}
	return rows, nil
}

// Children lists the live rows whose column references parentID, in
// creation order.
func (m *Mapping[L, W]) Children(ctx context.Context, q sqlx.QueryerContext, column, parentID string) ([]L, error) {
	var rows []L
	query := m.selectSQL + " WHERE " + column + " = ? AND deletedAt IS NULL ORDER BY createdAt, id"
	if err := sqlx.SelectContext(ctx, q, &rows, query, parentID); err != nil {
		return nil, fmt.Errorf("list %s by %s: %w", m.table, column, err)
	}
	return rows, nil
}

func expectOne(res sql.Result, table, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	return nil
}
