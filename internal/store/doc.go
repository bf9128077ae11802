// Package store provides the SQLite-backed local ledger store.
//
// The local store is the single source of truth while a device is offline.
// It owns three concerns:
//   - Schema: forward-only migrations gated by PRAGMA user_version
//   - Transactions: immediate-mode transactions with bounded busy retries
//   - Change tracking: every write is stamped by a monotonic UTC clock
//
// # Migrations
//
// Each Migration runs inside its own transaction together with the
// user_version bump. A failing step rolls back that migration and fails Open;
// callers must not continue against a half-migrated schema. Every step is
// guarded by an existence check so a retried open is harmless.
//
// # Transactions
//
// WithTransaction begins with BEGIN IMMEDIATE (via the _txlock DSN option).
// SQLITE_BUSY / SQLITE_LOCKED while acquiring the transaction is retried with
// linear backoff. The work function itself is never retried.
//
// # Timestamps
//
// All timestamps are UTC truncated to microseconds. Stamps issued by the
// store Clock are strictly increasing and never fall below a timestamp the
// sync engine has observed, so checkpoint comparisons stay correct across
// clock skew between devices.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout: Driver-level wait before SQLITE_BUSY surfaces
//   - foreign_keys=ON: Enforce referential integrity
//   - One pooled connection: connection-scoped pragmas stay reliable
package store
