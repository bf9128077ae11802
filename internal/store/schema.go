package store

import "strings"

// meta is the change-tracking column set every syncable table starts with.
const meta = `
	id TEXT PRIMARY KEY,
	businessUnitId TEXT NOT NULL,
	createdAt DATETIME NOT NULL,
	updatedAt DATETIME NOT NULL,
	deletedAt DATETIME`

func table(name, columns string) CreateTable {
	return CreateTable{Name: name, Definition: meta + ",\n" + strings.TrimSpace(columns)}
}

func changeIndex(table string) CreateIndex {
	return CreateIndex{
		Name:    "idx_" + table + "_updatedAt",
		Table:   table,
		Columns: []string{"businessUnitId", "updatedAt"},
	}
}

func index(table string, columns ...string) CreateIndex {
	return CreateIndex{
		Name:    "idx_" + table + "_" + strings.Join(columns, "_"),
		Table:   table,
		Columns: columns,
	}
}

// ordersV5 relaxes orders.customerId to NULL for walk-in orders.
const ordersV5 = meta + `,
	orderNumber INTEGER NOT NULL,
	customerId TEXT REFERENCES customers(id),
	tableLabel TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	orderedAt DATETIME NOT NULL`

// checkpointsV7 keys sync positions by business unit. Rows carried over
// from version 6 get an empty unit that no engine reads, so each unit
// starts again from the beginning.
const checkpointsV7 = `
	businessUnitId TEXT NOT NULL DEFAULT '',
	tableName TEXT NOT NULL,
	lastPushAt DATETIME,
	lastPullAt DATETIME,
	lastSyncAt DATETIME,
	lastError TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (businessUnitId, tableName)`

var orderIndexes = []CreateIndex{
	changeIndex("orders"),
	index("orders", "businessUnitId", "orderedAt"),
	index("orders", "customerId"),
}

// Migrations returns the schema history in version order.
//
// Schema version tracking:
// 1 - Base ledger: customers, menu, orders, bills, payments, receipts, checkpoints, counters
// 2 - Expenses and expense settlements
// 3 - Customer credit ledger
// 4 - Split payments and customer advance wallet
// 5 - Walk-in orders (orders.customerId nullable)
// 6 - Sync diagnostics and menu availability
// 7 - Checkpoints keyed by business unit and table
func Migrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "base ledger",
			Steps: []Step{
				table("customers", `
					name TEXT NOT NULL,
					phone TEXT NOT NULL DEFAULT '',
					active INTEGER NOT NULL DEFAULT 1`),
				table("menuItems", `
					name TEXT NOT NULL,
					category TEXT NOT NULL DEFAULT '',
					price INTEGER NOT NULL`),
				table("orders", `
					orderNumber INTEGER NOT NULL,
					customerId TEXT NOT NULL REFERENCES customers(id),
					tableLabel TEXT NOT NULL DEFAULT '',
					status TEXT NOT NULL,
					orderedAt DATETIME NOT NULL`),
				table("orderLines", `
					orderId TEXT NOT NULL REFERENCES orders(id),
					menuItemId TEXT NOT NULL REFERENCES menuItems(id),
					quantity INTEGER NOT NULL,
					unitPrice INTEGER NOT NULL,
					note TEXT NOT NULL DEFAULT ''`),
				table("bills", `
					billNumber INTEGER NOT NULL,
					orderId TEXT NOT NULL REFERENCES orders(id),
					customerId TEXT REFERENCES customers(id),
					total INTEGER NOT NULL,
					status TEXT NOT NULL,
					billedAt DATETIME NOT NULL`),
				table("payments", `
					billId TEXT NOT NULL REFERENCES bills(id),
					method TEXT NOT NULL,
					amount INTEGER NOT NULL,
					paidAt DATETIME NOT NULL`),
				table("receipts", `
					receiptNumber INTEGER NOT NULL,
					billId TEXT NOT NULL REFERENCES bills(id),
					amount INTEGER NOT NULL,
					issuedAt DATETIME NOT NULL`),
				CreateTable{Name: "syncCheckpoints", Definition: `
					tableName TEXT PRIMARY KEY,
					lastPushAt DATETIME,
					lastPullAt DATETIME`},
				CreateTable{Name: "localCounters", Definition: `
					scope TEXT NOT NULL,
					periodKey TEXT NOT NULL,
					sequenceName TEXT NOT NULL,
					value INTEGER NOT NULL,
					updatedAt DATETIME NOT NULL,
					PRIMARY KEY (scope, periodKey, sequenceName)`},
				changeIndex("customers"),
				changeIndex("menuItems"),
				orderIndexes[0],
				orderIndexes[1],
				orderIndexes[2],
				changeIndex("orderLines"),
				index("orderLines", "orderId"),
				changeIndex("bills"),
				index("bills", "businessUnitId", "billedAt"),
				changeIndex("payments"),
				index("payments", "billId"),
				changeIndex("receipts"),
				index("receipts", "businessUnitId", "issuedAt"),
			},
		},
		{
			Version: 2,
			Name:    "expenses",
			Steps: []Step{
				table("expenses", `
					voucherNumber INTEGER NOT NULL,
					category TEXT NOT NULL DEFAULT '',
					payee TEXT NOT NULL DEFAULT '',
					amount INTEGER NOT NULL,
					incurredAt DATETIME NOT NULL`),
				table("expenseSettlements", `
					expenseId TEXT NOT NULL REFERENCES expenses(id),
					kind TEXT NOT NULL CHECK (kind IN ('payment', 'accrual', 'clearance')),
					amount INTEGER NOT NULL,
					settledAt DATETIME NOT NULL`),
				changeIndex("expenses"),
				index("expenses", "businessUnitId", "incurredAt"),
				changeIndex("expenseSettlements"),
				index("expenseSettlements", "expenseId"),
			},
		},
		{
			Version: 3,
			Name:    "customer credit ledger",
			Steps: []Step{
				table("customerCreditEntries", `
					customerId TEXT NOT NULL REFERENCES customers(id),
					billId TEXT REFERENCES bills(id),
					kind TEXT NOT NULL CHECK (kind IN ('accrual', 'clearance')),
					amount INTEGER NOT NULL,
					enteredAt DATETIME NOT NULL`),
				changeIndex("customerCreditEntries"),
				index("customerCreditEntries", "customerId"),
				AddColumn{
					Table:      "customers",
					Column:     "creditBalance",
					Definition: "INTEGER NOT NULL DEFAULT 0",
					Backfill: `SELECT COALESCE(SUM(CASE e.kind WHEN 'accrual' THEN e.amount ELSE -e.amount END), 0)
						FROM customerCreditEntries e
						WHERE e.customerId = customers.id AND e.deletedAt IS NULL`,
				},
			},
		},
		{
			Version: 4,
			Name:    "split payments and advance wallet",
			Steps: []Step{
				table("splitPaymentParts", `
					paymentId TEXT NOT NULL REFERENCES payments(id),
					method TEXT NOT NULL,
					amount INTEGER NOT NULL`),
				changeIndex("splitPaymentParts"),
				index("splitPaymentParts", "paymentId"),
				table("customerAdvanceEntries", `
					customerId TEXT NOT NULL REFERENCES customers(id),
					kind TEXT NOT NULL CHECK (kind IN ('deposit', 'redemption')),
					amount INTEGER NOT NULL,
					enteredAt DATETIME NOT NULL`),
				changeIndex("customerAdvanceEntries"),
				index("customerAdvanceEntries", "customerId"),
				AddColumn{
					Table:      "customers",
					Column:     "advanceBalance",
					Definition: "INTEGER NOT NULL DEFAULT 0",
					Backfill: `SELECT COALESCE(SUM(CASE a.kind WHEN 'deposit' THEN a.amount ELSE -a.amount END), 0)
						FROM customerAdvanceEntries a
						WHERE a.customerId = customers.id AND a.deletedAt IS NULL`,
				},
			},
		},
		{
			Version:            5,
			Name:               "walk-in orders",
			DisableForeignKeys: true,
			Steps: []Step{
				RebuildTable{
					Table:      "orders",
					Definition: ordersV5,
					Columns: []string{
						"id", "businessUnitId", "createdAt", "updatedAt", "deletedAt",
						"orderNumber", "customerId", "tableLabel", "status", "orderedAt",
					},
					Indexes: orderIndexes,
					Done:    ColumnNullable("orders", "customerId"),
				},
			},
		},
		{
			Version: 6,
			Name:    "sync diagnostics",
			Steps: []Step{
				AddColumn{Table: "syncCheckpoints", Column: "lastSyncAt", Definition: "DATETIME"},
				AddColumn{Table: "syncCheckpoints", Column: "lastError", Definition: "TEXT NOT NULL DEFAULT ''"},
				AddColumn{
					Table:      "menuItems",
					Column:     "available",
					Definition: "INTEGER NOT NULL DEFAULT 1",
					Backfill:   "CASE WHEN deletedAt IS NULL THEN 1 ELSE 0 END",
				},
			},
		},
		{
			Version: 7,
			Name:    "per-unit checkpoints",
			Steps: []Step{
				RebuildTable{
					Table:      "syncCheckpoints",
					Definition: checkpointsV7,
					Columns:    []string{"tableName", "lastPushAt", "lastPullAt", "lastSyncAt", "lastError"},
					Done:       HasColumn("syncCheckpoints", "businessUnitId"),
				},
			},
		},
	}
}

// LatestVersion is the schema version Open migrates to.
func LatestVersion() int {
	m := Migrations()
	return m[len(m)-1].Version
}
