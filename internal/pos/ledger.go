// Package pos holds the ledger operations business code performs on the
// local store: orders, bills, payments, receipts, customer credit, the
// advance wallet and expenses.
//
// Every operation runs in exactly one store transaction. Numbers come from
// the sequence generator inside that transaction, and every balance column
// is updated together with the ledger entry that changes it, so the
// integrity auditor finds nothing to report after any sequence of calls.
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

var (
	ErrInvalidAmount       = errors.New("pos: amount must be positive")
	ErrUnbalanced          = errors.New("pos: amounts do not add up")
	ErrOverClearance       = errors.New("pos: clearance exceeds outstanding balance")
	ErrInsufficientAdvance = errors.New("pos: advance balance too low")
	ErrNoCustomer          = errors.New("pos: operation needs a customer")
	ErrEmptyOrder          = errors.New("pos: order has no lines")
	ErrUnavailable         = errors.New("pos: menu item is not available")
	ErrAlreadyBilled       = errors.New("pos: order is already billed")
	ErrNotDeletable        = errors.New("pos: rows of this table cannot be deleted directly")
)

// Payment methods with ledger side effects. Any other method is a plain tender.
const (
	MethodCash    = "cash"
	MethodCard    = "card"
	MethodCredit  = "credit"
	MethodAdvance = "advance"
	MethodSplit   = "split"
)

// Order and bill statuses.
const (
	OrderOpen   = "open"
	OrderBilled = "billed"

	BillPaid     = "paid"
	BillOnCredit = "credit"
)

// Ledger performs ledger operations for one business unit.
type Ledger struct {
	db    *store.DB
	seq   *sequence.Generator
	scope string
	ids   IDGenerator
	log   *logrus.Entry
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithIDGenerator sets the row id generator. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(l *Ledger) {
		l.ids = g
	}
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Entry) Option {
	return func(l *Ledger) {
		l.log = log
	}
}

// New creates a ledger writing rows of scope into db.
func New(db *store.DB, seq *sequence.Generator, scope string, opts ...Option) *Ledger {
	l := &Ledger{
		db:    db,
		seq:   seq,
		scope: scope,
		ids:   UUIDv7Generator{},
		log:   logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.WithField("component", "ledger")
	return l
}

func (l *Ledger) meta() entity.Meta {
	return entity.Meta{ID: l.ids.Generate(), BusinessUnitID: l.scope}
}

// at returns the business time of an operation: the given instant, or the
// transaction stamp when none was given.
func at(tx *store.Tx, t time.Time) time.Time {
	if t.IsZero() {
		return tx.Stamp()
	}
	return store.Normalize(t)
}

func positive(amounts ...int64) error {
	for _, a := range amounts {
		if a <= 0 {
			return fmt.Errorf("%w: %d", ErrInvalidAmount, a)
		}
	}
	return nil
}

// CustomerInput describes a new customer.
type CustomerInput struct {
	Name  string
	Phone string
}

// CreateCustomer adds an active customer with zero balances.
func (l *Ledger) CreateCustomer(ctx context.Context, in CustomerInput) (entity.Customer, error) {
	c := entity.Customer{
		Meta:   l.meta(),
		Name:   entity.Text(in.Name),
		Phone:  entity.Text(in.Phone),
		Active: true,
	}
	err := l.db.WithTransaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		return entity.Customers.Insert(ctx, tx, &c)
	})
	return c, err
}

// MenuItemInput describes a menu item. An empty ID creates a new item.
type MenuItemInput struct {
	ID        string
	Name      string
	Category  string
	Price     int64
	Available bool
}

// UpsertMenuItem creates a menu item or updates an existing one.
func (l *Ledger) UpsertMenuItem(ctx context.Context, in MenuItemInput) (entity.MenuItem, error) {
	if err := positive(in.Price); err != nil {
		return entity.MenuItem{}, err
	}

	var item entity.MenuItem
	err := l.db.WithTransaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		if in.ID != "" {
			existing, err := entity.MenuItems.Get(ctx, tx, in.ID)
			switch {
			case err == nil && existing.Deleted():
				return fmt.Errorf("menu item %s: %w", in.ID, entity.ErrNotFound)
			case err == nil:
				item = existing
				item.Name = entity.Text(in.Name)
				item.Category = entity.Text(in.Category)
				item.Price = in.Price
				item.Available = in.Available
				return entity.MenuItems.Update(ctx, tx, &item)
			case !errors.Is(err, entity.ErrNotFound):
				return err
			}
		}

		m := entity.Meta{ID: in.ID, BusinessUnitID: l.scope}
		if m.ID == "" {
			m = l.meta()
		}
		item = entity.MenuItem{
			Meta:      m,
			Name:      entity.Text(in.Name),
			Category:  entity.Text(in.Category),
			Price:     in.Price,
			Available: in.Available,
		}
		return entity.MenuItems.Insert(ctx, tx, &item)
	})
	return item, err
}

// LineInput is one ordered menu item.
type LineInput struct {
	MenuItemID string
	Quantity   int64
	Note       string
}

// OrderInput describes a new order. CustomerID is empty for walk-ins.
type OrderInput struct {
	CustomerID string
	TableLabel string
	At         time.Time
	Lines      []LineInput
}

// PlacedOrder is an order with its lines.
type PlacedOrder struct {
	Order entity.Order
	Lines []entity.OrderLine
}

// Total is the sum of the order's line amounts.
func (p PlacedOrder) Total() int64 {
	var total int64
	for _, line := range p.Lines {
		total += line.Quantity * line.UnitPrice
	}
	return total
}

// CreateOrder records an order and its lines under the next daily order number.
// Unit prices are copied from the menu at the time of ordering.
func (l *Ledger) CreateOrder(ctx context.Context, in OrderInput) (*PlacedOrder, error) {
	if len(in.Lines) == 0 {
		return nil, ErrEmptyOrder
	}
	for _, line := range in.Lines {
		if err := positive(line.Quantity); err != nil {
			return nil, err
		}
	}

	var placed PlacedOrder
	err := l.db.WithTransaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		orderedAt := at(tx, in.At)

		var customerID *string
		if in.CustomerID != "" {
			if _, err := l.liveCustomer(ctx, tx, in.CustomerID); err != nil {
				return err
			}
			id := in.CustomerID
			customerID = &id
		}

		number, err := l.seq.Next(ctx, tx, sequence.Order, orderedAt)
		if err != nil {
			return err
		}

		placed.Order = entity.Order{
			Meta:        l.meta(),
			OrderNumber: number,
			CustomerID:  customerID,
			TableLabel:  entity.Text(in.TableLabel),
			Status:      OrderOpen,
			OrderedAt:   orderedAt,
		}
		if err := entity.Orders.Insert(ctx, tx, &placed.Order); err != nil {
			return err
		}

		for _, li := range in.Lines {
			item, err := entity.MenuItems.Get(ctx, tx, li.MenuItemID)
			if err != nil {
				return err
			}
			if item.Deleted() || !item.Available {
				return fmt.Errorf("%w: %s", ErrUnavailable, item.Name)
			}
			line := entity.OrderLine{
				Meta:       l.meta(),
				OrderID:    placed.Order.ID,
				MenuItemID: item.ID,
				Quantity:   li.Quantity,
				UnitPrice:  item.Price,
				Note:       entity.Text(li.Note),
			}
			if err := entity.OrderLines.Insert(ctx, tx, &line); err != nil {
				return err
			}
			placed.Lines = append(placed.Lines, line)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.log.WithFields(logrus.Fields{
		"order":  placed.Order.ID,
		"number": placed.Order.OrderNumber,
		"lines":  len(placed.Lines),
	}).Debug("order created")
	return &placed, nil
}

func (l *Ledger) liveCustomer(ctx context.Context, tx *store.Tx, id string) (entity.Customer, error) {
	c, err := entity.Customers.Get(ctx, tx, id)
	if err != nil {
		return c, err
	}
	if c.Deleted() {
		return c, fmt.Errorf("customer %s: %w", id, entity.ErrNotFound)
	}
	return c, nil
}
