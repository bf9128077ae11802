package entity

import (
	"time"

	"github.com/roach88/tillsync/internal/store"
)

// Ledger entry kinds.
const (
	CreditAccrual   = "accrual"
	CreditClearance = "clearance"

	AdvanceDeposit    = "deposit"
	AdvanceRedemption = "redemption"

	SettlementPayment   = "payment"
	SettlementAccrual   = "accrual"
	SettlementClearance = "clearance"
)

type Customer struct {
	Meta
	Name           string `db:"name"`
	Phone          string `db:"phone"`
	Active         bool   `db:"active"`
	CreditBalance  int64  `db:"creditBalance"`
	AdvanceBalance int64  `db:"advanceBalance"`
}

type CustomerWire struct {
	WireMeta
	Name           string  `db:"name"`
	Phone          *string `db:"phone"`
	Active         bool    `db:"is_active"`
	CreditBalance  int64   `db:"credit_balance"`
	AdvanceBalance int64   `db:"advance_balance"`
}

type MenuItem struct {
	Meta
	Name      string `db:"name"`
	Category  string `db:"category"`
	Price     int64  `db:"price"`
	Available bool   `db:"available"`
}

type MenuItemWire struct {
	WireMeta
	Name      string  `db:"name"`
	Category  *string `db:"category"`
	Price     int64   `db:"price"`
	Available bool    `db:"is_available"`
}

// Order is a table or takeaway order. CustomerID is nil for walk-ins.
type Order struct {
	Meta
	OrderNumber int64     `db:"orderNumber"`
	CustomerID  *string   `db:"customerId"`
	TableLabel  string    `db:"tableLabel"`
	Status      string    `db:"status"`
	OrderedAt   time.Time `db:"orderedAt"`
}

type OrderWire struct {
	WireMeta
	OrderNumber int64     `db:"order_number"`
	CustomerID  *string   `db:"customer_id"`
	TableLabel  *string   `db:"table_label"`
	Status      string    `db:"status"`
	OrderedAt   time.Time `db:"ordered_at"`
}

type OrderLine struct {
	Meta
	OrderID    string `db:"orderId"`
	MenuItemID string `db:"menuItemId"`
	Quantity   int64  `db:"quantity"`
	UnitPrice  int64  `db:"unitPrice"`
	Note       string `db:"note"`
}

type OrderLineWire struct {
	WireMeta
	OrderID    string  `db:"order_id"`
	MenuItemID string  `db:"menu_item_id"`
	Quantity   int64   `db:"quantity"`
	UnitPrice  int64   `db:"unit_price"`
	Note       *string `db:"note"`
}

type Bill struct {
	Meta
	BillNumber int64     `db:"billNumber"`
	OrderID    string    `db:"orderId"`
	CustomerID *string   `db:"customerId"`
	Total      int64     `db:"total"`
	Status     string    `db:"status"`
	BilledAt   time.Time `db:"billedAt"`
}

type BillWire struct {
	WireMeta
	BillNumber int64     `db:"bill_number"`
	OrderID    string    `db:"order_id"`
	CustomerID *string   `db:"customer_id"`
	Total      int64     `db:"total"`
	Status     string    `db:"status"`
	BilledAt   time.Time `db:"billed_at"`
}

type Payment struct {
	Meta
	BillID string    `db:"billId"`
	Method string    `db:"method"`
	Amount int64     `db:"amount"`
	PaidAt time.Time `db:"paidAt"`
}

type PaymentWire struct {
	WireMeta
	BillID string    `db:"bill_id"`
	Method string    `db:"method"`
	Amount int64     `db:"amount"`
	PaidAt time.Time `db:"paid_at"`
}

// SplitPaymentPart is one tender of a payment split across methods.
type SplitPaymentPart struct {
	Meta
	PaymentID string `db:"paymentId"`
	Method    string `db:"method"`
	Amount    int64  `db:"amount"`
}

type SplitPaymentPartWire struct {
	WireMeta
	PaymentID string `db:"payment_id"`
	Method    string `db:"method"`
	Amount    int64  `db:"amount"`
}

type Receipt struct {
	Meta
	ReceiptNumber int64     `db:"receiptNumber"`
	BillID        string    `db:"billId"`
	Amount        int64     `db:"amount"`
	IssuedAt      time.Time `db:"issuedAt"`
}

type ReceiptWire struct {
	WireMeta
	ReceiptNumber int64     `db:"receipt_number"`
	BillID        string    `db:"bill_id"`
	Amount        int64     `db:"amount"`
	IssuedAt      time.Time `db:"issued_at"`
}

// CustomerCreditEntry is an accrual (sale on credit) or clearance (repayment).
type CustomerCreditEntry struct {
	Meta
	CustomerID string    `db:"customerId"`
	BillID     *string   `db:"billId"`
	Kind       string    `db:"kind"`
	Amount     int64     `db:"amount"`
	EnteredAt  time.Time `db:"enteredAt"`
}

type CustomerCreditEntryWire struct {
	WireMeta
	CustomerID string    `db:"customer_id"`
	BillID     *string   `db:"bill_id"`
	Kind       string    `db:"kind"`
	Amount     int64     `db:"amount"`
	EnteredAt  time.Time `db:"entered_at"`
}

// CustomerAdvanceEntry is a deposit into or redemption from a customer's wallet.
type CustomerAdvanceEntry struct {
	Meta
	CustomerID string    `db:"customerId"`
	Kind       string    `db:"kind"`
	Amount     int64     `db:"amount"`
	EnteredAt  time.Time `db:"enteredAt"`
}

type CustomerAdvanceEntryWire struct {
	WireMeta
	CustomerID string    `db:"customer_id"`
	Kind       string    `db:"kind"`
	Amount     int64     `db:"amount"`
	EnteredAt  time.Time `db:"entered_at"`
}

type Expense struct {
	Meta
	VoucherNumber int64     `db:"voucherNumber"`
	Category      string    `db:"category"`
	Payee         string    `db:"payee"`
	Amount        int64     `db:"amount"`
	IncurredAt    time.Time `db:"incurredAt"`
}

type ExpenseWire struct {
	WireMeta
	VoucherNumber int64     `db:"voucher_number"`
	Category      *string   `db:"category"`
	Payee         *string   `db:"payee"`
	Amount        int64     `db:"amount"`
	IncurredAt    time.Time `db:"incurred_at"`
}

// ExpenseSettlement is a payment, accrual or accrual clearance against an expense.
type ExpenseSettlement struct {
	Meta
	ExpenseID string    `db:"expenseId"`
	Kind      string    `db:"kind"`
	Amount    int64     `db:"amount"`
	SettledAt time.Time `db:"settledAt"`
}

type ExpenseSettlementWire struct {
	WireMeta
	ExpenseID string    `db:"expense_id"`
	Kind      string    `db:"kind"`
	Amount    int64     `db:"amount"`
	SettledAt time.Time `db:"settled_at"`
}

var (
	Customers = newMapping("customers", "customers", nil,
		func(c Customer) CustomerWire {
			return CustomerWire{
				WireMeta:       c.toWire(),
				Name:           Text(c.Name),
				Phone:          nullable(c.Phone),
				Active:         c.Active,
				CreditBalance:  c.CreditBalance,
				AdvanceBalance: c.AdvanceBalance,
			}
		},
		func(w CustomerWire) Customer {
			return Customer{
				Meta:           w.toLocal(),
				Name:           Text(w.Name),
				Phone:          deref(w.Phone),
				Active:         w.Active,
				CreditBalance:  w.CreditBalance,
				AdvanceBalance: w.AdvanceBalance,
			}
		})

	MenuItems = newMapping("menuItems", "menu_items", nil,
		func(m MenuItem) MenuItemWire {
			return MenuItemWire{
				WireMeta:  m.toWire(),
				Name:      Text(m.Name),
				Category:  nullable(m.Category),
				Price:     m.Price,
				Available: m.Available,
			}
		},
		func(w MenuItemWire) MenuItem {
			return MenuItem{
				Meta:      w.toLocal(),
				Name:      Text(w.Name),
				Category:  deref(w.Category),
				Price:     w.Price,
				Available: w.Available,
			}
		})

	Orders = newMapping("orders", "orders", []string{"customers"},
		func(o Order) OrderWire {
			return OrderWire{
				WireMeta:    o.toWire(),
				OrderNumber: o.OrderNumber,
				CustomerID:  optional(o.CustomerID),
				TableLabel:  nullable(o.TableLabel),
				Status:      o.Status,
				OrderedAt:   store.Normalize(o.OrderedAt),
			}
		},
		func(w OrderWire) Order {
			return Order{
				Meta:        w.toLocal(),
				OrderNumber: w.OrderNumber,
				CustomerID:  optional(w.CustomerID),
				TableLabel:  deref(w.TableLabel),
				Status:      w.Status,
				OrderedAt:   store.Normalize(w.OrderedAt),
			}
		})

	OrderLines = newMapping("orderLines", "order_lines", []string{"orders", "menuItems"},
		func(l OrderLine) OrderLineWire {
			return OrderLineWire{
				WireMeta:   l.toWire(),
				OrderID:    l.OrderID,
				MenuItemID: l.MenuItemID,
				Quantity:   l.Quantity,
				UnitPrice:  l.UnitPrice,
				Note:       nullable(l.Note),
			}
		},
		func(w OrderLineWire) OrderLine {
			return OrderLine{
				Meta:       w.toLocal(),
				OrderID:    w.OrderID,
				MenuItemID: w.MenuItemID,
				Quantity:   w.Quantity,
				UnitPrice:  w.UnitPrice,
				Note:       deref(w.Note),
			}
		})

	Bills = newMapping("bills", "bills", []string{"orders", "customers"},
		func(b Bill) BillWire {
			return BillWire{
				WireMeta:   b.toWire(),
				BillNumber: b.BillNumber,
				OrderID:    b.OrderID,
				CustomerID: optional(b.CustomerID),
				Total:      b.Total,
				Status:     b.Status,
				BilledAt:   store.Normalize(b.BilledAt),
			}
		},
		func(w BillWire) Bill {
			return Bill{
				Meta:       w.toLocal(),
				BillNumber: w.BillNumber,
				OrderID:    w.OrderID,
				CustomerID: optional(w.CustomerID),
				Total:      w.Total,
				Status:     w.Status,
				BilledAt:   store.Normalize(w.BilledAt),
			}
		})

	Payments = newMapping("payments", "payments", []string{"bills"},
		func(p Payment) PaymentWire {
			return PaymentWire{
				WireMeta: p.toWire(),
				BillID:   p.BillID,
				Method:   p.Method,
				Amount:   p.Amount,
				PaidAt:   store.Normalize(p.PaidAt),
			}
		},
		func(w PaymentWire) Payment {
			return Payment{
				Meta:   w.toLocal(),
				BillID: w.BillID,
				Method: w.Method,
				Amount: w.Amount,
				PaidAt: store.Normalize(w.PaidAt),
			}
		})

	SplitPaymentParts = newMapping("splitPaymentParts", "split_payment_parts", []string{"payments"},
		func(p SplitPaymentPart) SplitPaymentPartWire {
			return SplitPaymentPartWire{
				WireMeta:  p.toWire(),
				PaymentID: p.PaymentID,
				Method:    p.Method,
				Amount:    p.Amount,
			}
		},
		func(w SplitPaymentPartWire) SplitPaymentPart {
			return SplitPaymentPart{
				Meta:      w.toLocal(),
				PaymentID: w.PaymentID,
				Method:    w.Method,
				Amount:    w.Amount,
			}
		})

	Receipts = newMapping("receipts", "receipts", []string{"bills"},
		func(r Receipt) ReceiptWire {
			return ReceiptWire{
				WireMeta:      r.toWire(),
				ReceiptNumber: r.ReceiptNumber,
				BillID:        r.BillID,
				Amount:        r.Amount,
				IssuedAt:      store.Normalize(r.IssuedAt),
			}
		},
		func(w ReceiptWire) Receipt {
			return Receipt{
				Meta:          w.toLocal(),
				ReceiptNumber: w.ReceiptNumber,
				BillID:        w.BillID,
				Amount:        w.Amount,
				IssuedAt:      store.Normalize(w.IssuedAt),
			}
		})

	CustomerCreditEntries = newMapping("customerCreditEntries", "customer_credit_entries", []string{"customers", "bills"},
		func(e CustomerCreditEntry) CustomerCreditEntryWire {
			return CustomerCreditEntryWire{
				WireMeta:   e.toWire(),
				CustomerID: e.CustomerID,
				BillID:     optional(e.BillID),
				Kind:       e.Kind,
				Amount:     e.Amount,
				EnteredAt:  store.Normalize(e.EnteredAt),
			}
		},
		func(w CustomerCreditEntryWire) CustomerCreditEntry {
			return CustomerCreditEntry{
				Meta:       w.toLocal(),
				CustomerID: w.CustomerID,
				BillID:     optional(w.BillID),
				Kind:       w.Kind,
				Amount:     w.Amount,
				EnteredAt:  store.Normalize(w.EnteredAt),
			}
		})

	CustomerAdvanceEntries = newMapping("customerAdvanceEntries", "customer_advance_entries", []string{"customers"},
		func(e CustomerAdvanceEntry) CustomerAdvanceEntryWire {
			return CustomerAdvanceEntryWire{
				WireMeta:   e.toWire(),
				CustomerID: e.CustomerID,
				Kind:       e.Kind,
				Amount:     e.Amount,
				EnteredAt:  store.Normalize(e.EnteredAt),
			}
		},
		func(w CustomerAdvanceEntryWire) CustomerAdvanceEntry {
			return CustomerAdvanceEntry{
				Meta:       w.toLocal(),
				CustomerID: w.CustomerID,
				Kind:       w.Kind,
				Amount:     w.Amount,
				EnteredAt:  store.Normalize(w.EnteredAt),
			}
		})

	Expenses = newMapping("expenses", "expenses", nil,
		func(e Expense) ExpenseWire {
			return ExpenseWire{
				WireMeta:      e.toWire(),
				VoucherNumber: e.VoucherNumber,
				Category:      nullable(e.Category),
				Payee:         nullable(e.Payee),
				Amount:        e.Amount,
				IncurredAt:    store.Normalize(e.IncurredAt),
			}
		},
		func(w ExpenseWire) Expense {
			return Expense{
				Meta:          w.toLocal(),
				VoucherNumber: w.VoucherNumber,
				Category:      deref(w.Category),
				Payee:         deref(w.Payee),
				Amount:        w.Amount,
				IncurredAt:    store.Normalize(w.IncurredAt),
			}
		})

	ExpenseSettlements = newMapping("expenseSettlements", "expense_settlements", []string{"expenses"},
		func(s ExpenseSettlement) ExpenseSettlementWire {
			return ExpenseSettlementWire{
				WireMeta:  s.toWire(),
				ExpenseID: s.ExpenseID,
				Kind:      s.Kind,
				Amount:    s.Amount,
				SettledAt: store.Normalize(s.SettledAt),
			}
		},
		func(w ExpenseSettlementWire) ExpenseSettlement {
			return ExpenseSettlement{
				Meta:      w.toLocal(),
				ExpenseID: w.ExpenseID,
				Kind:      w.Kind,
				Amount:    w.Amount,
				SettledAt: store.Normalize(w.SettledAt),
			}
		})
)

// Registry returns every syncable table in foreign-key-safe order.
func Registry() []Syncable {
	return []Syncable{
		Customers,
		MenuItems,
		Orders,
		OrderLines,
		Bills,
		Payments,
		SplitPaymentParts,
		Receipts,
		CustomerCreditEntries,
		CustomerAdvanceEntries,
		Expenses,
		ExpenseSettlements,
	}
}

// Lookup finds a registered table by its local name.
func Lookup(table string) (Syncable, bool) {
	for _, s := range Registry() {
		if s.Table() == table {
			return s, true
		}
	}
	return nil, false
}

// Tables returns the local names of every registered table in sync order.
func Tables() []string {
	reg := Registry()
	names := make([]string, len(reg))
	for i, s := range reg {
		names[i] = s.Table()
	}
	return names
}
