// Package audit reconciles the money ledgers of the local store.
//
// Every check recomputes a stored summary (a bill total, a customer balance,
// an expense amount) from its live detail rows and reports each row where
// the two disagree. Tombstoned rows take no part in any sum. The auditor
// only reads; it never repairs.
package audit

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/roach88/tillsync/internal/metrics"
	"github.com/roach88/tillsync/internal/store"
)

// Check names.
const (
	BillPayments      = "bill_payments"
	SplitPayment      = "split_payment"
	CustomerCredit    = "customer_credit"
	CustomerAdvance   = "customer_advance"
	ExpenseSettlement = "expense_settlement"
	ExpenseClearance  = "expense_clearance"
)

// Discrepancy is one row whose stored value disagrees with its ledger.
//
// Expected is what the live detail rows add up to. Actual is the value
// stored on the row. For expense_clearance, Expected is the accrued
// amount and Actual the cleared amount, which must not exceed it.
type Discrepancy struct {
	Check    string `json:"check" db:"-"`
	Table    string `json:"table" db:"-"`
	RowID    string `json:"row_id" db:"rowId"`
	Expected int64  `json:"expected" db:"expected"`
	Actual   int64  `json:"actual" db:"actual"`
	Detail   string `json:"detail" db:"-"`
}

// Report is the result of one audit run.
type Report struct {
	Scope         string        `json:"scope"`
	CheckedAt     time.Time     `json:"checked_at"`
	Checks        []string      `json:"checks"`
	Discrepancies []Discrepancy `json:"discrepancies"`
}

// OK reports whether the audit found nothing.
func (r *Report) OK() bool {
	return len(r.Discrepancies) == 0
}

type check struct {
	name   string
	table  string
	detail string
	query  string
}

// checks run in this order. Every query takes the scope as its only argument
// and returns rowId, expected and actual for the rows that fail.
var checks = []check{
	{
		name:   BillPayments,
		table:  "bills",
		detail: "bill total differs from the sum of its payments",
		query: `
			SELECT b.id AS rowId, COALESCE(SUM(p.amount), 0) AS expected, b.total AS actual
			FROM bills b
			LEFT JOIN payments p ON p.billId = b.id AND p.deletedAt IS NULL
			WHERE b.businessUnitId = ? AND b.deletedAt IS NULL
			GROUP BY b.id, b.total
			HAVING COALESCE(SUM(p.amount), 0) != b.total`,
	},
	{
		name:   SplitPayment,
		table:  "payments",
		detail: "split payment amount differs from the sum of its parts",
		query: `
			SELECT p.id AS rowId, SUM(s.amount) AS expected, p.amount AS actual
			FROM payments p
			JOIN splitPaymentParts s ON s.paymentId = p.id AND s.deletedAt IS NULL
			WHERE p.businessUnitId = ? AND p.deletedAt IS NULL
			GROUP BY p.id, p.amount
			HAVING SUM(s.amount) != p.amount`,
	},
	{
		name:   CustomerCredit,
		table:  "customers",
		detail: "credit balance differs from accruals minus clearances",
		query: `
			SELECT c.id AS rowId,
				COALESCE(SUM(CASE e.kind WHEN 'accrual' THEN e.amount WHEN 'clearance' THEN -e.amount ELSE 0 END), 0) AS expected,
				c.creditBalance AS actual
			FROM customers c
			LEFT JOIN customerCreditEntries e ON e.customerId = c.id AND e.deletedAt IS NULL
			WHERE c.businessUnitId = ? AND c.deletedAt IS NULL
			GROUP BY c.id, c.creditBalance
			HAVING expected != actual`,
	},
	{
		name:   CustomerAdvance,
		table:  "customers",
		detail: "advance balance differs from deposits minus redemptions",
		query: `
			SELECT c.id AS rowId,
				COALESCE(SUM(CASE e.kind WHEN 'deposit' THEN e.amount WHEN 'redemption' THEN -e.amount ELSE 0 END), 0) AS expected,
				c.advanceBalance AS actual
			FROM customers c
			LEFT JOIN customerAdvanceEntries e ON e.customerId = c.id AND e.deletedAt IS NULL
			WHERE c.businessUnitId = ? AND c.deletedAt IS NULL
			GROUP BY c.id, c.advanceBalance
			HAVING expected != actual`,
	},
	{
		name:   ExpenseSettlement,
		table:  "expenses",
		detail: "expense amount differs from its payments plus accruals",
		query: `
			SELECT x.id AS rowId,
				COALESCE(SUM(CASE WHEN s.kind IN ('payment', 'accrual') THEN s.amount ELSE 0 END), 0) AS expected,
				x.amount AS actual
			FROM expenses x
			LEFT JOIN expenseSettlements s ON s.expenseId = x.id AND s.deletedAt IS NULL
			WHERE x.businessUnitId = ? AND x.deletedAt IS NULL
			GROUP BY x.id, x.amount
			HAVING expected != actual`,
	},
	{
		name:   ExpenseClearance,
		table:  "expenses",
		detail: "accrual clearances exceed accruals",
		query: `
			SELECT x.id AS rowId,
				COALESCE(SUM(CASE s.kind WHEN 'accrual' THEN s.amount ELSE 0 END), 0) AS expected,
				COALESCE(SUM(CASE s.kind WHEN 'clearance' THEN s.amount ELSE 0 END), 0) AS actual
			FROM expenses x
			LEFT JOIN expenseSettlements s ON s.expenseId = x.id AND s.deletedAt IS NULL
			WHERE x.businessUnitId = ? AND x.deletedAt IS NULL
			GROUP BY x.id
			HAVING actual > expected`,
	},
}

// Checks returns the names of every check in run order.
func Checks() []string {
	names := make([]string, len(checks))
	for i, c := range checks {
		names[i] = c.name
	}
	return names
}

// Auditor runs the ledger checks against a local store.
type Auditor struct {
	db  *store.DB
	now func() time.Time
	log *logrus.Entry
}

// Option configures an Auditor.
type Option func(*Auditor)

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(a *Auditor) {
		a.log = log
	}
}

// WithNow sets the clock used for Report.CheckedAt.
func WithNow(now func() time.Time) Option {
	return func(a *Auditor) {
		a.now = now
	}
}

// New creates an auditor reading db.
func New(db *store.DB, opts ...Option) *Auditor {
	a := &Auditor{
		db:  db,
		now: time.Now,
		log: logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.WithField("component", "audit")
	return a
}

// Run checks every ledger of scope. Discrepancies are sorted by check, then
// table, then row id.
//
// Every check reads the same snapshot of the store. The snapshot takes no
// write lock, so other processes keep writing while the audit runs.
func (a *Auditor) Run(ctx context.Context, scope string) (*Report, error) {
	report := &Report{
		Scope:         scope,
		CheckedAt:     store.Normalize(a.now()),
		Checks:        Checks(),
		Discrepancies: []Discrepancy{},
	}

	counts := make(map[string]int, len(checks))
	err := a.db.WithReadTransaction(ctx, func(ctx context.Context, q sqlx.QueryerContext) error {
		for _, c := range checks {
			found, err := run(ctx, q, c, scope)
			if err != nil {
				return err
			}
			counts[c.name] = len(found)
			report.Discrepancies = append(report.Discrepancies, found...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for name, n := range counts {
		metrics.AuditDiscrepancies.WithLabelValues(name).Set(float64(n))
	}

	order := make(map[string]int, len(checks))
	for i, c := range checks {
		order[c.name] = i
	}
	slices.SortFunc(report.Discrepancies, func(x, y Discrepancy) int {
		if d := order[x.Check] - order[y.Check]; d != 0 {
			return d
		}
		if c := strings.Compare(x.Table, y.Table); c != 0 {
			return c
		}
		return strings.Compare(x.RowID, y.RowID)
	})

	log := a.log.WithFields(logrus.Fields{"scope": scope, "discrepancies": len(report.Discrepancies)})
	if report.OK() {
		log.Info("audit passed")
	} else {
		log.Warn("audit found discrepancies")
	}
	return report, nil
}

func run(ctx context.Context, q sqlx.QueryerContext, c check, scope string) ([]Discrepancy, error) {
	var found []Discrepancy
	if err := sqlx.SelectContext(ctx, q, &found, c.query, scope); err != nil {
		return nil, fmt.Errorf("audit %s: %w", c.name, err)
	}
	for i := range found {
		found[i].Check = c.name
		found[i].Table = c.table
		found[i].Detail = c.detail
	}
	return found, nil
}
