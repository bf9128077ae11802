package pos

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/roach88/tillsync/internal/entity"
	"github.com/roach88/tillsync/internal/sequence"
	"github.com/roach88/tillsync/internal/store"
)

// ExpenseInput describes a new expense. Paid and Accrued split the amount
// into what was paid out now and what is owed to the payee.
type ExpenseInput struct {
	Category string
	Payee    string
	Amount   int64
	Paid     int64
	Accrued  int64
	At       time.Time
}

// RecordedExpense is an expense with its live settlements.
type RecordedExpense struct {
	Expense     entity.Expense
	Settlements []entity.ExpenseSettlement
}

// Outstanding is the accrued amount not yet cleared.
func (r RecordedExpense) Outstanding() int64 {
	var n int64
	for _, s := range r.Settlements {
		switch s.Kind {
		case entity.SettlementAccrual:
			n += s.Amount
		case entity.SettlementClearance:
			n -= s.Amount
		}
	}
	return n
}

func checkSplit(amount, paid, accrued int64) error {
	if err := positive(amount); err != nil {
		return err
	}
	if paid < 0 || accrued < 0 {
		return fmt.Errorf("%w: paid %d accrued %d", ErrInvalidAmount, paid, accrued)
	}
	if paid+accrued != amount {
		return fmt.Errorf("%w: paid %d + accrued %d != %d", ErrUnbalanced, paid, accrued, amount)
	}
	return nil
}

// CreateExpense records an expense under the next voucher number together
// with its payment and accrual settlements.
func (l *Ledger) CreateExpense(ctx context.Context, in ExpenseInput) (*RecordedExpense, error) {
	if err := checkSplit(in.Amount, in.Paid, in.Accrued); err != nil {
		return nil, err
	}

	var rec RecordedExpense
	err := l.db.WithTransaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		incurredAt := at(tx, in.At)
		number, err := l.seq.Next(ctx, tx, sequence.Expense, incurredAt)
		if err != nil {
			return err
		}

		rec.Expense = entity.Expense{
			Meta:          l.meta(),
			VoucherNumber: number,
			Category:      entity.Text(in.Category),
			Payee:         entity.Text(in.Payee),
			Amount:        in.Amount,
			IncurredAt:    incurredAt,
		}
		if err := entity.Expenses.Insert(ctx, tx, &rec.Expense); err != nil {
			return err
		}
		rec.Settlements, err = l.settle(ctx, tx, rec.Expense.ID, in.Paid, in.Accrued, incurredAt)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.log.WithFields(logrus.Fields{
		"expense": rec.Expense.ID,
		"voucher": rec.Expense.VoucherNumber,
		"amount":  rec.Expense.Amount,
	}).Debug("expense recorded")
	return &rec, nil
}

// SettleExpense replaces how an expense is split between paid and accrued.
// The previous payment and accrual settlements are tombstoned and new ones
// written. Clearances already recorded stay, so the new accrued part may
// not fall below them.
func (l *Ledger) SettleExpense(ctx context.Context, expenseID string, paid, accrued int64, when time.Time) (*RecordedExpense, error) {
	var rec RecordedExpense
	err := l.db.WithTransaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		expense, settlements, err := l.liveExpense(ctx, tx, expenseID)
		if err != nil {
			return err
		}
		if err := checkSplit(expense.Amount, paid, accrued); err != nil {
			return err
		}

		var cleared int64
		var kept []entity.ExpenseSettlement
		for _, s := range settlements {
			if s.Kind == entity.SettlementClearance {
				cleared += s.Amount
				kept = append(kept, s)
				continue
			}
			if err := entity.ExpenseSettlements.SoftDelete(ctx, tx, s.ID); err != nil {
				return err
			}
		}
		if cleared > accrued {
			return fmt.Errorf("%w: cleared %d > accrued %d", ErrOverClearance, cleared, accrued)
		}

		fresh, err := l.settle(ctx, tx, expense.ID, paid, accrued, at(tx, when))
		if err != nil {
			return err
		}
		rec = RecordedExpense{Expense: expense, Settlements: append(kept, fresh...)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ClearExpenseAccrual records a payment against an expense's accrued part.
func (l *Ledger) ClearExpenseAccrual(ctx context.Context, expenseID string, amount int64, when time.Time) (entity.ExpenseSettlement, error) {
	var s entity.ExpenseSettlement
	if err := positive(amount); err != nil {
		return s, err
	}
	err := l.db.WithTransaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		expense, settlements, err := l.liveExpense(ctx, tx, expenseID)
		if err != nil {
			return err
		}
		rec := RecordedExpense{Expense: expense, Settlements: settlements}
		if outstanding := rec.Outstanding(); amount > outstanding {
			return fmt.Errorf("%w: %d > %d", ErrOverClearance, amount, outstanding)
		}

		s = entity.ExpenseSettlement{
			Meta:      l.meta(),
			ExpenseID: expense.ID,
			Kind:      entity.SettlementClearance,
			Amount:    amount,
			SettledAt: at(tx, when),
		}
		return entity.ExpenseSettlements.Insert(ctx, tx, &s)
	})
	return s, err
}

func (l *Ledger) settle(ctx context.Context, tx *store.Tx, expenseID string, paid, accrued int64, when time.Time) ([]entity.ExpenseSettlement, error) {
	var out []entity.ExpenseSettlement
	for _, part := range []struct {
		kind   string
		amount int64
	}{
		{entity.SettlementPayment, paid},
		{entity.SettlementAccrual, accrued},
	} {
		if part.amount == 0 {
			continue
		}
		s := entity.ExpenseSettlement{
			Meta:      l.meta(),
			ExpenseID: expenseID,
			Kind:      part.kind,
			Amount:    part.amount,
			SettledAt: when,
		}
		if err := entity.ExpenseSettlements.Insert(ctx, tx, &s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (l *Ledger) liveExpense(ctx context.Context, tx *store.Tx, id string) (entity.Expense, []entity.ExpenseSettlement, error) {
	expense, err := entity.Expenses.Get(ctx, tx, id)
	if err != nil {
		return expense, nil, err
	}
	if expense.Deleted() {
		return expense, nil, fmt.Errorf("expense %s: %w", id, entity.ErrNotFound)
	}
	settlements, err := entity.ExpenseSettlements.Children(ctx, tx, "expenseId", id)
	return expense, settlements, err
}

// SoftDelete tombstones a row. Only rows whose removal keeps every ledger
// balanced can be deleted: customers and menu items, open orders together
// with their lines, and expenses together with their settlements. Anything
// else returns ErrNotDeletable.
func (l *Ledger) SoftDelete(ctx context.Context, table, id string) error {
	return l.db.WithTransaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		switch table {
		case entity.Customers.Table():
			return entity.Customers.SoftDelete(ctx, tx, id)

		case entity.MenuItems.Table():
			return entity.MenuItems.SoftDelete(ctx, tx, id)

		case entity.Orders.Table():
			order, err := entity.Orders.Get(ctx, tx, id)
			if err != nil {
				return err
			}
			if order.Status != OrderOpen {
				return fmt.Errorf("%w: order %s is %s", ErrNotDeletable, id, order.Status)
			}
			lines, err := entity.OrderLines.Children(ctx, tx, "orderId", id)
			if err != nil {
				return err
			}
			for _, line := range lines {
				if err := entity.OrderLines.SoftDelete(ctx, tx, line.ID); err != nil {
					return err
				}
			}
			return entity.Orders.SoftDelete(ctx, tx, id)

		case entity.Expenses.Table():
			_, settlements, err := l.liveExpense(ctx, tx, id)
			if err != nil {
				return err
			}
			for _, s := range settlements {
				if err := entity.ExpenseSettlements.SoftDelete(ctx, tx, s.ID); err != nil {
					return err
				}
			}
			return entity.Expenses.SoftDelete(ctx, tx, id)
		}
		return fmt.Errorf("%w: %s", ErrNotDeletable, table)
	})
}
