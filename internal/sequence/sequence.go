// Package sequence issues human-facing document numbers (order, bill,
// receipt and voucher numbers) from device-local counters.
//
// A counter is keyed by (scope, period key, sequence name) and only moves
// forward. It is read and written inside the same store transaction as the
// row that consumes the number, so a rolled-back write never burns a number
// and two concurrent writers never receive the same one.
//
// When a counter row is missing (first use in a period, or the counter
// table was lost) it is seeded from the highest number already present in
// the business table for that period, tombstoned rows included.
package sequence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/roach88/tillsync/internal/store"
)

// Built-in sequence names.
const (
	Order   = "order"
	Bill    = "bill"
	Receipt = "receipt"
	Expense = "expense"
)

var (
	ErrUnknownSequence = errors.New("sequence: unknown sequence")
	ErrNoTransaction   = errors.New("sequence: a store transaction is required")
)

// Definition describes one sequence and the business table its numbers
// end up in.
type Definition struct {
	Name       string
	Period     Period
	Table      string
	Column     string
	TimeColumn string
	Prefix     string
}

// Builtin returns the sequences used by the ledger.
func Builtin() []Definition {
	return []Definition{
		{Name: Order, Period: Daily, Table: "orders", Column: "orderNumber", TimeColumn: "orderedAt", Prefix: "ORD"},
		{Name: Bill, Period: Fiscal, Table: "bills", Column: "billNumber", TimeColumn: "billedAt", Prefix: "B"},
		{Name: Receipt, Period: Fiscal, Table: "receipts", Column: "receiptNumber", TimeColumn: "issuedAt", Prefix: "R"},
		{Name: Expense, Period: Fiscal, Table: "expenses", Column: "voucherNumber", TimeColumn: "incurredAt", Prefix: "V"},
	}
}

// Options configures a Generator.
type Options struct {
	// Scope is the business unit the counters belong to.
	Scope string

	// Location is the business timezone periods are computed in. Defaults to UTC.
	Location *time.Location

	// FiscalYearStart is the first month of the fiscal year. Defaults to April.
	FiscalYearStart time.Month

	// Definitions overrides Builtin.
	Definitions []Definition

	Logger *logrus.Entry
}

// Generator issues numbers for a single business unit.
type Generator struct {
	scope string
	cal   Calendar
	defs  map[string]Definition
	log   *logrus.Entry
}

// New creates a generator.
func New(opts Options) (*Generator, error) {
	if opts.Scope == "" {
		return nil, errors.New("sequence: scope is required")
	}
	cal, err := NewCalendar(opts.Location, opts.FiscalYearStart)
	if err != nil {
		return nil, err
	}
	if opts.Definitions == nil {
		opts.Definitions = Builtin()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	g := &Generator{
		scope: opts.Scope,
		cal:   cal,
		defs:  make(map[string]Definition, len(opts.Definitions)),
		log:   opts.Logger.WithField("component", "sequence"),
	}
	for _, d := range opts.Definitions {
		g.defs[d.Name] = d
	}
	return g, nil
}

// Calendar returns the generator's period calendar.
func (g *Generator) Calendar() Calendar {
	return g.cal
}

// Window returns the period of sequence name that contains at.
func (g *Generator) Window(name string, at time.Time) (Window, error) {
	def, ok := g.defs[name]
	if !ok {
		return Window{}, fmt.Errorf("%w: %q", ErrUnknownSequence, name)
	}
	return g.cal.Window(def.Period, at), nil
}

// Next returns the next number of sequence name for the period containing
// at. It must run inside the transaction that writes the numbered row.
func (g *Generator) Next(ctx context.Context, tx *store.Tx, name string, at time.Time) (int64, error) {
	if tx == nil {
		return 0, ErrNoTransaction
	}
	def, ok := g.defs[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSequence, name)
	}
	w := g.cal.Window(def.Period, at)

	current, found, err := g.read(ctx, tx, def, w)
	if err != nil {
		return 0, err
	}
	if !found {
		if current, err = g.seed(ctx, tx, def, w); err != nil {
			return 0, err
		}
		g.log.WithFields(logrus.Fields{
			"sequence": def.Name,
			"period":   w.Key,
			"seed":     current,
		}).Debug("seeded counter")
	}

	next := current + 1
	_, err = tx.ExecContext(ctx, `
		INSERT INTO localCounters (scope, periodKey, sequenceName, value, updatedAt)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (scope, periodKey, sequenceName)
		DO UPDATE SET value = excluded.value, updatedAt = excluded.updatedAt`,
		g.scope, w.Key, def.Name, next, tx.Stamp())
	if err != nil {
		return 0, fmt.Errorf("advance %s counter: %w", def.Name, err)
	}
	return next, nil
}

// Peek returns the last issued number of sequence name for the period
// containing at, without consuming one. A missing counter reports the seed
// value Next would start from.
func (g *Generator) Peek(ctx context.Context, q sqlx.QueryerContext, name string, at time.Time) (int64, error) {
	def, ok := g.defs[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSequence, name)
	}
	w := g.cal.Window(def.Period, at)

	current, found, err := g.read(ctx, q, def, w)
	if err != nil || found {
		return current, err
	}
	return g.seed(ctx, q, def, w)
}

// Counter is one stored counter row.
type Counter struct {
	Scope     string    `db:"scope" json:"scope"`
	PeriodKey string    `db:"periodKey" json:"period_key"`
	Sequence  string    `db:"sequenceName" json:"sequence"`
	Value     int64     `db:"value" json:"value"`
	UpdatedAt time.Time `db:"updatedAt" json:"updated_at"`
}

// Counters lists the stored counters of the generator's scope.
func (g *Generator) Counters(ctx context.Context, q sqlx.QueryerContext) ([]Counter, error) {
	var out []Counter
	err := sqlx.SelectContext(ctx, q, &out, `
		SELECT scope, periodKey, sequenceName, value, updatedAt
		FROM localCounters
		WHERE scope = ?
		ORDER BY sequenceName, periodKey`, g.scope)
	if err != nil {
		return nil, fmt.Errorf("list counters: %w", err)
	}
	return out, nil
}

// Format renders a number for display, e.g. B-FY2026-27-000042.
func (g *Generator) Format(name, periodKey string, n int64) string {
	prefix := name
	if def, ok := g.defs[name]; ok && def.Prefix != "" {
		prefix = def.Prefix
	}
	return fmt.Sprintf("%s-%s-%06d", prefix, periodKey, n)
}

func (g *Generator) read(ctx context.Context, q sqlx.QueryerContext, def Definition, w Window) (int64, bool, error) {
	var value int64
	err := sqlx.GetContext(ctx, q, &value, `
		SELECT value FROM localCounters
		WHERE scope = ? AND periodKey = ? AND sequenceName = ?`,
		g.scope, w.Key, def.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read %s counter: %w", def.Name, err)
	}
	return value, true, nil
}

// seed returns the highest number already used in the window. Tombstoned
// rows count: their numbers were handed out.
func (g *Generator) seed(ctx context.Context, q sqlx.QueryerContext, def Definition, w Window) (int64, error) {
	query := fmt.Sprintf(`
		SELECT COALESCE(MAX(%s), 0) FROM %s
		WHERE businessUnitId = ? AND %s >= ? AND %s < ?`,
		def.Column, def.Table, def.TimeColumn, def.TimeColumn)

	var highest int64
	if err := sqlx.GetContext(ctx, q, &highest, query, g.scope, store.Normalize(w.Start), store.Normalize(w.End)); err != nil {
		return 0, fmt.Errorf("seed %s counter: %w", def.Name, err)
	}
	return highest, nil
}
