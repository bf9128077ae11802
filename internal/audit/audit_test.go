package audit_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/audit"
	"github.com/roach88/tillsync/internal/pos"
	"github.com/roach88/tillsync/internal/sequence"
	"github.com/roach88/tillsync/internal/store"
	"github.com/roach88/tillsync/internal/testutil"
)

const scope = "bu-1"

type books struct {
	db       *store.DB
	ledger   *pos.Ledger
	customer string
	bill     string
	payment  string
	expense  string
}

// newBooks runs one of every ledger operation.
func newBooks(t *testing.T) *books {
	t.Helper()
	ctx := context.Background()
	clock := testutil.NewStepClock(time.Time{}, time.Millisecond)
	db, err := store.Open(ctx, store.Config{
		Path: filepath.Join(t.TempDir(), "local.db"),
		Now:  clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	seq, err := sequence.New(sequence.Options{Scope: scope})
	require.NoError(t, err)
	l := pos.New(db, seq, scope, pos.WithIDGenerator(testutil.NewSequentialIDs("row")))

	customer, err := l.CreateCustomer(ctx, pos.CustomerInput{Name: "Ravi"})
	require.NoError(t, err)
	item, err := l.UpsertMenuItem(ctx, pos.MenuItemInput{Name: "Dosa", Price: 90, Available: true})
	require.NoError(t, err)
	_, err = l.DepositAdvance(ctx, customer.ID, 100, time.Time{})
	require.NoError(t, err)

	order, err := l.CreateOrder(ctx, pos.OrderInput{
		CustomerID: customer.ID,
		Lines:      []pos.LineInput{{MenuItemID: item.ID, Quantity: 4}},
	})
	require.NoError(t, err)
	settled, err := l.SettleBill(ctx, pos.BillInput{
		OrderID: order.Order.ID,
		Payments: []pos.PaymentInput{
			{Method: pos.MethodAdvance, Amount: 60},
			{Method: pos.MethodCredit, Amount: 200},
			{Amount: 100, Parts: []pos.PartInput{{Method: pos.MethodCash, Amount: 40}, {Method: pos.MethodCard, Amount: 60}}},
		},
	})
	require.NoError(t, err)
	_, err = l.ClearCredit(ctx, customer.ID, 50, time.Time{})
	require.NoError(t, err)

	expense, err := l.CreateExpense(ctx, pos.ExpenseInput{Payee: "Gas", Amount: 500, Paid: 200, Accrued: 300})
	require.NoError(t, err)
	_, err = l.ClearExpenseAccrual(ctx, expense.Expense.ID, 100, time.Time{})
	require.NoError(t, err)
	_, err = l.SettleExpense(ctx, expense.Expense.ID, 100, 400, time.Time{})
	require.NoError(t, err)

	open, err := l.CreateOrder(ctx, pos.OrderInput{Lines: []pos.LineInput{{MenuItemID: item.ID, Quantity: 1}}})
	require.NoError(t, err)
	require.NoError(t, l.SoftDelete(ctx, "orders", open.Order.ID))

	return &books{
		db:       db,
		ledger:   l,
		customer: customer.ID,
		bill:     settled.Bill.ID,
		payment:  settled.Payments[2].ID,
		expense:  expense.Expense.ID,
	}
}

func (b *books) exec(t *testing.T, query string, args ...any) {
	t.Helper()
	_, err := b.db.DB().ExecContext(context.Background(), query, args...)
	require.NoError(t, err)
}

func run(t *testing.T, b *books) *audit.Report {
	t.Helper()
	at := time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)
	report, err := audit.New(b.db, audit.WithNow(func() time.Time { return at })).Run(context.Background(), scope)
	require.NoError(t, err)
	assert.Equal(t, scope, report.Scope)
	assert.True(t, report.CheckedAt.Equal(at))
	return report
}

func TestRun_LedgerOperationsBalance(t *testing.T) {
	b := newBooks(t)

	report := run(t, b)
	assert.True(t, report.OK(), "unexpected discrepancies: %+v", report.Discrepancies)
	assert.Equal(t, audit.Checks(), report.Checks)
	assert.NotNil(t, report.Discrepancies)
}

func TestRun_OtherScopeIgnored(t *testing.T) {
	b := newBooks(t)
	b.exec(t, `UPDATE customers SET creditBalance = 999`)

	report, err := audit.New(b.db).Run(context.Background(), "bu-2")
	require.NoError(t, err)
	assert.True(t, report.OK())
}

func TestRun_ReportsExactlyOneDiscrepancy(t *testing.T) {
	tests := []struct {
		name     string
		corrupt  func(t *testing.T, b *books)
		check    string
		table    string
		row      func(b *books) string
		expected int64
		actual   int64
	}{
		{
			name: "credit balance edited",
			corrupt: func(t *testing.T, b *books) {
				b.exec(t, `UPDATE customers SET creditBalance = creditBalance + 1 WHERE id = ?`, b.customer)
			},
			check:    audit.CustomerCredit,
			table:    "customers",
			row:      func(b *books) string { return b.customer },
			expected: 150,
			actual:   151,
		},
		{
			name: "advance entry tombstoned",
			corrupt: func(t *testing.T, b *books) {
				b.exec(t, `UPDATE customerAdvanceEntries SET deletedAt = updatedAt WHERE kind = 'redemption'`)
			},
			check:    audit.CustomerAdvance,
			table:    "customers",
			row:      func(b *books) string { return b.customer },
			expected: 100,
			actual:   40,
		},
		{
			name: "bill total edited",
			corrupt: func(t *testing.T, b *books) {
				b.exec(t, `UPDATE bills SET total = 999 WHERE id = ?`, b.bill)
			},
			check:    audit.BillPayments,
			table:    "bills",
			row:      func(b *books) string { return b.bill },
			expected: 360,
			actual:   999,
		},
		{
			name: "split part tombstoned",
			corrupt: func(t *testing.T, b *books) {
				b.exec(t, `UPDATE splitPaymentParts SET deletedAt = updatedAt WHERE method = 'card'`)
			},
			check:    audit.SplitPayment,
			table:    "payments",
			row:      func(b *books) string { return b.payment },
			expected: 40,
			actual:   100,
		},
		{
			name: "expense amount edited",
			corrupt: func(t *testing.T, b *books) {
				b.exec(t, `UPDATE expenses SET amount = 450 WHERE id = ?`, b.expense)
			},
			check:    audit.ExpenseSettlement,
			table:    "expenses",
			row:      func(b *books) string { return b.expense },
			expected: 500,
			actual:   450,
		},
		{
			name: "clearance exceeds accrual",
			corrupt: func(t *testing.T, b *books) {
				b.exec(t, `UPDATE expenseSettlements SET amount = 450 WHERE kind = 'clearance'`)
			},
			check:    audit.ExpenseClearance,
			table:    "expenses",
			row:      func(b *books) string { return b.expense },
			expected: 400,
			actual:   450,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBooks(t)
			tt.corrupt(t, b)

			report := run(t, b)
			require.Len(t, report.Discrepancies, 1)
			d := report.Discrepancies[0]
			assert.Equal(t, tt.check, d.Check)
			assert.Equal(t, tt.table, d.Table)
			assert.Equal(t, tt.row(b), d.RowID)
			assert.Equal(t, tt.expected, d.Expected)
			assert.Equal(t, tt.actual, d.Actual)
			assert.NotEmpty(t, d.Detail)
		})
	}
}

func TestRun_SortedByCheckOrder(t *testing.T) {
	b := newBooks(t)
	b.exec(t, `UPDATE expenses SET amount = 1`)
	b.exec(t, `UPDATE bills SET total = 1`)
	b.exec(t, `UPDATE customers SET creditBalance = 0, advanceBalance = 0`)

	report := run(t, b)
	var got []string
	for _, d := range report.Discrepancies {
		got = append(got, d.Check)
	}
	assert.Equal(t, []string{
		audit.BillPayments,
		audit.CustomerCredit,
		audit.CustomerAdvance,
		audit.ExpenseSettlement,
	}, got)
}

func TestRun_ReadsItsOwnSnapshot(t *testing.T) {
	b := newBooks(t)

	err := b.db.WithTransaction(context.Background(), func(ctx context.Context, tx *store.Tx) error {
		_, err := audit.New(b.db).Run(ctx, scope)
		return err
	})
	assert.ErrorIs(t, err, store.ErrNestedTransaction)
}
