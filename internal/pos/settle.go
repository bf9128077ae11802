package pos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/roach88/tillsync/internal/entity"
	"github.com/roach88/tillsync/internal/sequence"
	"github.com/roach88/tillsync/internal/store"
)

// ErrSplitMethod is returned when a split payment part uses a ledger method.
var ErrSplitMethod = errors.New("pos: credit and advance cannot be part of a split payment")

// PartInput is one tender of a split payment.
type PartInput struct {
	Method string
	Amount int64
}

// PaymentInput is one payment against a bill. A payment with parts is a
// split payment and its amount must equal the sum of the parts.
type PaymentInput struct {
	Method string
	Amount int64
	Parts  []PartInput
}

// BillInput settles an open order.
type BillInput struct {
	OrderID  string
	At       time.Time
	Payments []PaymentInput
}

// Settlement is everything SettleBill wrote.
type Settlement struct {
	Bill       entity.Bill
	Payments   []entity.Payment
	Parts      []entity.SplitPaymentPart
	Receipt    *entity.Receipt
	Credit     *entity.CustomerCreditEntry
	Redemption *entity.CustomerAdvanceEntry
}

func validatePayments(payments []PaymentInput) (int64, error) {
	if len(payments) == 0 {
		return 0, fmt.Errorf("%w: no payments", ErrUnbalanced)
	}
	var sum int64
	for _, p := range payments {
		if err := positive(p.Amount); err != nil {
			return 0, err
		}
		sum += p.Amount
		if len(p.Parts) == 0 {
			continue
		}
		var parts int64
		for _, part := range p.Parts {
			if err := positive(part.Amount); err != nil {
				return 0, err
			}
			if part.Method == MethodCredit || part.Method == MethodAdvance {
				return 0, ErrSplitMethod
			}
			parts += part.Amount
		}
		if parts != p.Amount {
			return 0, fmt.Errorf("%w: split parts %d != payment %d", ErrUnbalanced, parts, p.Amount)
		}
	}
	return sum, nil
}

// SettleBill bills an open order and records its payments in one transaction.
//
// The payments must add up to the order total. A credit payment raises the
// customer's credit balance through an accrual entry; an advance payment
// draws down the customer's wallet through a redemption entry. A receipt
// is issued for the part of the bill not sold on credit.
func (l *Ledger) SettleBill(ctx context.Context, in BillInput) (*Settlement, error) {
	paid, err := validatePayments(in.Payments)
	if err != nil {
		return nil, err
	}

	var s Settlement
	err = l.db.WithTransaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		billedAt := at(tx, in.At)

		order, err := entity.Orders.Get(ctx, tx, in.OrderID)
		if err != nil {
			return err
		}
		if order.Deleted() {
			return fmt.Errorf("order %s: %w", order.ID, entity.ErrNotFound)
		}
		if order.Status == OrderBilled {
			return fmt.Errorf("%w: %s", ErrAlreadyBilled, order.ID)
		}

		lines, err := entity.OrderLines.Children(ctx, tx, "orderId", order.ID)
		if err != nil {
			return err
		}
		total := PlacedOrder{Order: order, Lines: lines}.Total()
		if total != paid {
			return fmt.Errorf("%w: payments %d != bill total %d", ErrUnbalanced, paid, total)
		}

		var credit, advance int64
		for _, p := range in.Payments {
			switch p.Method {
			case MethodCredit:
				credit += p.Amount
			case MethodAdvance:
				advance += p.Amount
			}
		}

		var customer entity.Customer
		if credit > 0 || advance > 0 {
			if order.CustomerID == nil {
				return ErrNoCustomer
			}
			if customer, err = l.liveCustomer(ctx, tx, *order.CustomerID); err != nil {
				return err
			}
			if customer.AdvanceBalance < advance {
				return fmt.Errorf("%w: %d < %d", ErrInsufficientAdvance, customer.AdvanceBalance, advance)
			}
		}

		number, err := l.seq.Next(ctx, tx, sequence.Bill, billedAt)
		if err != nil {
			return err
		}
		s.Bill = entity.Bill{
			Meta:       l.meta(),
			BillNumber: number,
			OrderID:    order.ID,
			CustomerID: order.CustomerID,
			Total:      total,
			Status:     BillPaid,
			BilledAt:   billedAt,
		}
		if credit > 0 {
			s.Bill.Status = BillOnCredit
		}
		if err := entity.Bills.Insert(ctx, tx, &s.Bill); err != nil {
			return err
		}

		for _, p := range in.Payments {
			payment := entity.Payment{
				Meta:   l.meta(),
				BillID: s.Bill.ID,
				Method: p.Method,
				Amount: p.Amount,
				PaidAt: billedAt,
			}
			if len(p.Parts) > 0 {
				payment.Method = MethodSplit
			}
			if err := entity.Payments.Insert(ctx, tx, &payment); err != nil {
				return err
			}
			s.Payments = append(s.Payments, payment)

			for _, pi := range p.Parts {
				part := entity.SplitPaymentPart{
					Meta:      l.meta(),
					PaymentID: payment.ID,
					Method:    pi.Method,
					Amount:    pi.Amount,
				}
				if err := entity.SplitPaymentParts.Insert(ctx, tx, &part); err != nil {
					return err
				}
				s.Parts = append(s.Parts, part)
			}
		}

		if advance > 0 {
			entry := entity.CustomerAdvanceEntry{
				Meta:       l.meta(),
				CustomerID: customer.ID,
				Kind:       entity.AdvanceRedemption,
				Amount:     advance,
				EnteredAt:  billedAt,
			}
			if err := entity.CustomerAdvanceEntries.Insert(ctx, tx, &entry); err != nil {
				return err
			}
			customer.AdvanceBalance -= advance
			s.Redemption = &entry
		}
		if credit > 0 {
			billID := s.Bill.ID
			entry := entity.CustomerCreditEntry{
				Meta:       l.meta(),
				CustomerID: customer.ID,
				BillID:     &billID,
				Kind:       entity.CreditAccrual,
				Amount:     credit,
				EnteredAt:  billedAt,
			}
			if err := entity.CustomerCreditEntries.Insert(ctx, tx, &entry); err != nil {
				return err
			}
			customer.CreditBalance += credit
			s.Credit = &entry
		}
		if credit > 0 || advance > 0 {
			if err := entity.Customers.Update(ctx, tx, &customer); err != nil {
				return err
			}
		}

		if received := total - credit; received > 0 {
			number, err := l.seq.Next(ctx, tx, sequence.Receipt, billedAt)
			if err != nil {
				return err
			}
			receipt := entity.Receipt{
				Meta:          l.meta(),
				ReceiptNumber: number,
				BillID:        s.Bill.ID,
				Amount:        received,
				IssuedAt:      billedAt,
			}
			if err := entity.Receipts.Insert(ctx, tx, &receipt); err != nil {
				return err
			}
			s.Receipt = &receipt
		}

		order.Status = OrderBilled
		return entity.Orders.Update(ctx, tx, &order)
	})
	if err != nil {
		return nil, err
	}

	l.log.WithFields(logrus.Fields{
		"bill":   s.Bill.ID,
		"number": s.Bill.BillNumber,
		"total":  s.Bill.Total,
	}).Debug("bill settled")
	return &s, nil
}

// ClearCredit records a repayment against a customer's credit balance.
// The amount may not exceed the outstanding balance.
func (l *Ledger) ClearCredit(ctx context.Context, customerID string, amount int64, when time.Time) (entity.CustomerCreditEntry, error) {
	var entry entity.CustomerCreditEntry
	if err := positive(amount); err != nil {
		return entry, err
	}
	err := l.db.WithTransaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		customer, err := l.liveCustomer(ctx, tx, customerID)
		if err != nil {
			return err
		}
		if amount > customer.CreditBalance {
			return fmt.Errorf("%w: %d > %d", ErrOverClearance, amount, customer.CreditBalance)
		}

		entry = entity.CustomerCreditEntry{
			Meta:       l.meta(),
			CustomerID: customer.ID,
			Kind:       entity.CreditClearance,
			Amount:     amount,
			EnteredAt:  at(tx, when),
		}
		if err := entity.CustomerCreditEntries.Insert(ctx, tx, &entry); err != nil {
			return err
		}
		customer.CreditBalance -= amount
		return entity.Customers.Update(ctx, tx, &customer)
	})
	return entry, err
}

// DepositAdvance adds money to a customer's advance wallet.
func (l *Ledger) DepositAdvance(ctx context.Context, customerID string, amount int64, when time.Time) (entity.CustomerAdvanceEntry, error) {
	return l.moveAdvance(ctx, customerID, entity.AdvanceDeposit, amount, when)
}

// RedeemAdvance takes money out of a customer's advance wallet outside of a
// bill, for example a refund. The wallet cannot go negative.
func (l *Ledger) RedeemAdvance(ctx context.Context, customerID string, amount int64, when time.Time) (entity.CustomerAdvanceEntry, error) {
	return l.moveAdvance(ctx, customerID, entity.AdvanceRedemption, amount, when)
}

func (l *Ledger) moveAdvance(ctx context.Context, customerID, kind string, amount int64, when time.Time) (entity.CustomerAdvanceEntry, error) {
	var entry entity.CustomerAdvanceEntry
	if err := positive(amount); err != nil {
		return entry, err
	}
	err := l.db.WithTransaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		customer, err := l.liveCustomer(ctx, tx, customerID)
		if err != nil {
			return err
		}
		delta := amount
		if kind == entity.AdvanceRedemption {
			if amount > customer.AdvanceBalance {
				return fmt.Errorf("%w: %d < %d", ErrInsufficientAdvance, customer.AdvanceBalance, amount)
			}
			delta = -amount
		}

		entry = entity.CustomerAdvanceEntry{
			Meta:       l.meta(),
			CustomerID: customer.ID,
			Kind:       kind,
			Amount:     amount,
			EnteredAt:  at(tx, when),
		}
		if err := entity.CustomerAdvanceEntries.Insert(ctx, tx, &entry); err != nil {
			return err
		}
		customer.AdvanceBalance += delta
		return entity.Customers.Update(ctx, tx, &customer)
	})
	return entry, err
}
