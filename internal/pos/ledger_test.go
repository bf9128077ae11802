package pos

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/entity"
	"github.com/roach88/tillsync/internal/sequence"
	"github.com/roach88/tillsync/internal/store"
	"github.com/roach88/tillsync/internal/testutil"
)

const scope = "bu-1"

func setup(t *testing.T) (*Ledger, *store.DB) {
	t.Helper()
	clock := testutil.NewStepClock(time.Time{}, time.Millisecond)
	db, err := store.Open(context.Background(), store.Config{
		Path: filepath.Join(t.TempDir(), "local.db"),
		Now:  clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	seq, err := sequence.New(sequence.Options{Scope: scope, Location: time.UTC})
	require.NoError(t, err)
	return New(db, seq, scope, WithIDGenerator(testutil.NewSequentialIDs("row"))), db
}

type fixture struct {
	ledger   *Ledger
	db       *store.DB
	customer entity.Customer
	tea      entity.MenuItem
	cake     entity.MenuItem
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	l, db := setup(t)

	customer, err := l.CreateCustomer(ctx, CustomerInput{Name: "Asha", Phone: "98450"})
	require.NoError(t, err)
	tea, err := l.UpsertMenuItem(ctx, MenuItemInput{Name: "Tea", Category: "drinks", Price: 30, Available: true})
	require.NoError(t, err)
	cake, err := l.UpsertMenuItem(ctx, MenuItemInput{Name: "Cake", Price: 120, Available: true})
	require.NoError(t, err)

	return &fixture{ledger: l, db: db, customer: customer, tea: tea, cake: cake}
}

// order places 2 tea + 1 cake (total 180).
func (f *fixture) order(t *testing.T, customerID string) *PlacedOrder {
	t.Helper()
	placed, err := f.ledger.CreateOrder(context.Background(), OrderInput{
		CustomerID: customerID,
		TableLabel: "T4",
		Lines: []LineInput{
			{MenuItemID: f.tea.ID, Quantity: 2},
			{MenuItemID: f.cake.ID, Quantity: 1, Note: "no nuts"},
		},
	})
	require.NoError(t, err)
	return placed
}

func (f *fixture) reload(t *testing.T) entity.Customer {
	t.Helper()
	c, err := entity.Customers.Get(context.Background(), f.db.DB(), f.customer.ID)
	require.NoError(t, err)
	return c
}

func TestCreateOrder(t *testing.T) {
	f := newFixture(t)

	first := f.order(t, f.customer.ID)
	second := f.order(t, "")

	assert.Equal(t, int64(1), first.Order.OrderNumber)
	assert.Equal(t, int64(2), second.Order.OrderNumber)
	assert.Equal(t, int64(180), first.Total())
	assert.Equal(t, OrderOpen, first.Order.Status)
	require.NotNil(t, first.Order.CustomerID)
	assert.Equal(t, f.customer.ID, *first.Order.CustomerID)
	assert.Nil(t, second.Order.CustomerID, "walk-in order has no customer")

	lines, err := entity.OrderLines.Children(context.Background(), f.db.DB(), "orderId", first.Order.ID)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, int64(30), lines[0].UnitPrice, "price copied from the menu")
	assert.Equal(t, "no nuts", lines[1].Note)
}

func TestCreateOrder_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.CreateOrder(ctx, OrderInput{})
	assert.ErrorIs(t, err, ErrEmptyOrder)

	_, err = f.ledger.CreateOrder(ctx, OrderInput{Lines: []LineInput{{MenuItemID: f.tea.ID, Quantity: 0}}})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.ledger.CreateOrder(ctx, OrderInput{
		CustomerID: "nobody",
		Lines:      []LineInput{{MenuItemID: f.tea.ID, Quantity: 1}},
	})
	assert.ErrorIs(t, err, entity.ErrNotFound)

	_, err = f.ledger.UpsertMenuItem(ctx, MenuItemInput{ID: f.cake.ID, Name: "Cake", Price: 120, Available: false})
	require.NoError(t, err)
	_, err = f.ledger.CreateOrder(ctx, OrderInput{Lines: []LineInput{{MenuItemID: f.cake.ID, Quantity: 1}}})
	assert.ErrorIs(t, err, ErrUnavailable)

	// Failed attempts never consumed an order number.
	placed, err := f.ledger.CreateOrder(ctx, OrderInput{Lines: []LineInput{{MenuItemID: f.tea.ID, Quantity: 1}}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), placed.Order.OrderNumber)
}

func TestUpsertMenuItem_Updates(t *testing.T) {
	f := newFixture(t)

	updated, err := f.ledger.UpsertMenuItem(context.Background(), MenuItemInput{
		ID: f.tea.ID, Name: "Masala Tea", Category: "drinks", Price: 35, Available: true,
	})
	require.NoError(t, err)
	assert.Equal(t, f.tea.ID, updated.ID)
	assert.Equal(t, int64(35), updated.Price)
	assert.True(t, updated.UpdatedAt.After(f.tea.UpdatedAt))
	assert.True(t, updated.CreatedAt.Equal(f.tea.CreatedAt))
}

func TestSettleBill_Cash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	placed := f.order(t, "")

	s, err := f.ledger.SettleBill(ctx, BillInput{
		OrderID:  placed.Order.ID,
		Payments: []PaymentInput{{Method: MethodCash, Amount: 180}},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), s.Bill.BillNumber)
	assert.Equal(t, int64(180), s.Bill.Total)
	assert.Equal(t, BillPaid, s.Bill.Status)
	require.Len(t, s.Payments, 1)
	require.NotNil(t, s.Receipt)
	assert.Equal(t, int64(1), s.Receipt.ReceiptNumber)
	assert.Equal(t, int64(180), s.Receipt.Amount)
	assert.Nil(t, s.Credit)

	order, err := entity.Orders.Get(ctx, f.db.DB(), placed.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, OrderBilled, order.Status)

	_, err = f.ledger.SettleBill(ctx, BillInput{
		OrderID:  placed.Order.ID,
		Payments: []PaymentInput{{Method: MethodCash, Amount: 180}},
	})
	assert.ErrorIs(t, err, ErrAlreadyBilled)
}

func TestSettleBill_UnbalancedDoesNotConsumeNumber(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	placed := f.order(t, "")

	_, err := f.ledger.SettleBill(ctx, BillInput{
		OrderID:  placed.Order.ID,
		Payments: []PaymentInput{{Method: MethodCash, Amount: 100}},
	})
	assert.ErrorIs(t, err, ErrUnbalanced)

	s, err := f.ledger.SettleBill(ctx, BillInput{
		OrderID:  placed.Order.ID,
		Payments: []PaymentInput{{Method: MethodCash, Amount: 80}, {Method: MethodCard, Amount: 100}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Bill.BillNumber)
}

func TestSettleBill_Split(t *testing.T) {
	f := newFixture(t)
	placed := f.order(t, "")

	s, err := f.ledger.SettleBill(context.Background(), BillInput{
		OrderID: placed.Order.ID,
		Payments: []PaymentInput{{
			Amount: 180,
			Parts:  []PartInput{{Method: MethodCash, Amount: 50}, {Method: MethodCard, Amount: 130}},
		}},
	})
	require.NoError(t, err)
	require.Len(t, s.Payments, 1)
	assert.Equal(t, MethodSplit, s.Payments[0].Method)
	require.Len(t, s.Parts, 2)
	assert.Equal(t, s.Payments[0].ID, s.Parts[1].PaymentID)

	_, err = f.ledger.SettleBill(context.Background(), BillInput{
		OrderID: placed.Order.ID,
		Payments: []PaymentInput{{
			Amount: 180,
			Parts:  []PartInput{{Method: MethodCash, Amount: 50}, {Method: MethodCredit, Amount: 130}},
		}},
	})
	assert.ErrorIs(t, err, ErrSplitMethod)

	_, err = validatePayments([]PaymentInput{{Amount: 10, Parts: []PartInput{{Method: MethodCash, Amount: 5}}}})
	assert.ErrorIs(t, err, ErrUnbalanced)
}

func TestSettleBill_Credit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	walkIn := f.order(t, "")
	_, err := f.ledger.SettleBill(ctx, BillInput{
		OrderID:  walkIn.Order.ID,
		Payments: []PaymentInput{{Method: MethodCredit, Amount: 180}},
	})
	assert.ErrorIs(t, err, ErrNoCustomer)

	placed := f.order(t, f.customer.ID)
	s, err := f.ledger.SettleBill(ctx, BillInput{
		OrderID:  placed.Order.ID,
		Payments: []PaymentInput{{Method: MethodCash, Amount: 80}, {Method: MethodCredit, Amount: 100}},
	})
	require.NoError(t, err)
	assert.Equal(t, BillOnCredit, s.Bill.Status)
	require.NotNil(t, s.Credit)
	assert.Equal(t, entity.CreditAccrual, s.Credit.Kind)
	require.NotNil(t, s.Credit.BillID)
	assert.Equal(t, s.Bill.ID, *s.Credit.BillID)
	require.NotNil(t, s.Receipt)
	assert.Equal(t, int64(80), s.Receipt.Amount, "receipt covers the part not sold on credit")
	assert.Equal(t, int64(100), f.reload(t).CreditBalance)

	_, err = f.ledger.ClearCredit(ctx, f.customer.ID, 101, time.Time{})
	assert.ErrorIs(t, err, ErrOverClearance)

	entry, err := f.ledger.ClearCredit(ctx, f.customer.ID, 60, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, entity.CreditClearance, entry.Kind)
	assert.Nil(t, entry.BillID)
	assert.Equal(t, int64(40), f.reload(t).CreditBalance)
}

func TestSettleBill_FullyOnCreditHasNoReceipt(t *testing.T) {
	f := newFixture(t)
	placed := f.order(t, f.customer.ID)

	s, err := f.ledger.SettleBill(context.Background(), BillInput{
		OrderID:  placed.Order.ID,
		Payments: []PaymentInput{{Method: MethodCredit, Amount: 180}},
	})
	require.NoError(t, err)
	assert.Nil(t, s.Receipt)
}

func TestAdvanceWallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.DepositAdvance(ctx, f.customer.ID, 0, time.Time{})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.ledger.DepositAdvance(ctx, f.customer.ID, 200, time.Time{})
	require.NoError(t, err)

	placed := f.order(t, f.customer.ID)
	_, err = f.ledger.SettleBill(ctx, BillInput{
		OrderID:  placed.Order.ID,
		Payments: []PaymentInput{{Method: MethodAdvance, Amount: 180}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(20), f.reload(t).AdvanceBalance)

	_, err = f.ledger.RedeemAdvance(ctx, f.customer.ID, 21, time.Time{})
	assert.ErrorIs(t, err, ErrInsufficientAdvance)

	entry, err := f.ledger.RedeemAdvance(ctx, f.customer.ID, 20, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, entity.AdvanceRedemption, entry.Kind)
	assert.Zero(t, f.reload(t).AdvanceBalance)

	second := f.order(t, f.customer.ID)
	_, err = f.ledger.SettleBill(ctx, BillInput{
		OrderID:  second.Order.ID,
		Payments: []PaymentInput{{Method: MethodAdvance, Amount: 180}},
	})
	assert.ErrorIs(t, err, ErrInsufficientAdvance)
}

func TestExpenses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.CreateExpense(ctx, ExpenseInput{Amount: 100, Paid: 60, Accrued: 30})
	assert.ErrorIs(t, err, ErrUnbalanced)

	rec, err := f.ledger.CreateExpense(ctx, ExpenseInput{
		Category: "supplies", Payee: "Milk Co", Amount: 1000, Paid: 400, Accrued: 600,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Expense.VoucherNumber)
	require.Len(t, rec.Settlements, 2)
	assert.Equal(t, int64(600), rec.Outstanding())

	_, err = f.ledger.ClearExpenseAccrual(ctx, rec.Expense.ID, 601, time.Time{})
	assert.ErrorIs(t, err, ErrOverClearance)
	_, err = f.ledger.ClearExpenseAccrual(ctx, rec.Expense.ID, 500, time.Time{})
	require.NoError(t, err)

	_, err = f.ledger.SettleExpense(ctx, rec.Expense.ID, 600, 400, time.Time{})
	assert.ErrorIs(t, err, ErrOverClearance, "accrual cannot drop below what was cleared")

	resettled, err := f.ledger.SettleExpense(ctx, rec.Expense.ID, 300, 700, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(200), resettled.Outstanding())

	live, err := entity.ExpenseSettlements.Children(ctx, f.db.DB(), "expenseId", rec.Expense.ID)
	require.NoError(t, err)
	assert.Len(t, live, 3, "clearance plus the new payment and accrual")

	fullyPaid, err := f.ledger.CreateExpense(ctx, ExpenseInput{Amount: 50, Paid: 50})
	require.NoError(t, err)
	assert.Equal(t, int64(2), fullyPaid.Expense.VoucherNumber)
	assert.Len(t, fullyPaid.Settlements, 1)
}

func TestSoftDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	open := f.order(t, "")
	require.NoError(t, f.ledger.SoftDelete(ctx, entity.Orders.Table(), open.Order.ID))
	lines, err := entity.OrderLines.Children(ctx, f.db.DB(), "orderId", open.Order.ID)
	require.NoError(t, err)
	assert.Empty(t, lines, "lines are tombstoned with their order")
	assert.ErrorIs(t, f.ledger.SoftDelete(ctx, entity.Orders.Table(), open.Order.ID), entity.ErrNotFound)

	billed := f.order(t, "")
	s, err := f.ledger.SettleBill(ctx, BillInput{
		OrderID:  billed.Order.ID,
		Payments: []PaymentInput{{Method: MethodCash, Amount: 180}},
	})
	require.NoError(t, err)
	assert.ErrorIs(t, f.ledger.SoftDelete(ctx, entity.Orders.Table(), billed.Order.ID), ErrNotDeletable)
	assert.ErrorIs(t, f.ledger.SoftDelete(ctx, entity.Payments.Table(), s.Payments[0].ID), ErrNotDeletable)

	rec, err := f.ledger.CreateExpense(ctx, ExpenseInput{Amount: 10, Paid: 10})
	require.NoError(t, err)
	require.NoError(t, f.ledger.SoftDelete(ctx, entity.Expenses.Table(), rec.Expense.ID))
	settlements, err := entity.ExpenseSettlements.Children(ctx, f.db.DB(), "expenseId", rec.Expense.ID)
	require.NoError(t, err)
	assert.Empty(t, settlements)

	require.NoError(t, f.ledger.SoftDelete(ctx, entity.MenuItems.Table(), f.cake.ID))
	_, err = f.ledger.CreateOrder(ctx, OrderInput{Lines: []LineInput{{MenuItemID: f.cake.ID, Quantity: 1}}})
	assert.ErrorIs(t, err, ErrUnavailable)
}
