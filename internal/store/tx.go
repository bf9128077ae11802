package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

type (
	txKey     struct{}
	readTxKey struct{}
)

// Tx is an open immediate-mode transaction.
//
// Every row written through a Tx carries the transaction's stamp as its
// updatedAt, so all rows of one business operation share one change time.
type Tx struct {
	*sqlx.Tx
	clock *Clock
	stamp time.Time
}

// Stamp returns the change timestamp for rows written in this transaction.
func (t *Tx) Stamp() time.Time {
	return t.stamp
}

// OverrideStamp replaces the transaction stamp.
//
// This is the diagnostic path for simulating edits at a chosen time (for
// example a "future" edit when exercising conflict ordering). Business code
// must never call it. The clock observes the override so later stamps still
// sort after it.
func (t *Tx) OverrideStamp(at time.Time) {
	t.stamp = Normalize(at)
	t.clock.Observe(t.stamp)
}

// InTransaction reports whether ctx was handed out by WithTransaction or
// WithReadTransaction.
func InTransaction(ctx context.Context) bool {
	if _, ok := ctx.Value(txKey{}).(*Tx); ok {
		return true
	}
	read, _ := ctx.Value(readTxKey{}).(bool)
	return read
}

// WithReadTransaction runs work against one consistent snapshot of the
// store.
//
// It begins a deferred transaction, which takes no write lock: other
// processes keep writing while work runs, and work sees none of it. work
// must only read, through the q it is given. The transaction always rolls
// back.
func (d *DB) WithReadTransaction(ctx context.Context, work func(ctx context.Context, q sqlx.QueryerContext) error) error {
	if InTransaction(ctx) {
		return ErrNestedTransaction
	}

	conn, err := d.db.Connx(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN DEFERRED"); err != nil {
		return fmt.Errorf("begin read transaction: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK"); err != nil {
			d.log.WithError(err).Warn("ending read transaction failed")
		}
	}()

	return work(context.WithValue(ctx, readTxKey{}, true), conn)
}

// WithTransaction runs work inside one immediate transaction.
//
// The transaction commits when work returns nil and rolls back otherwise; a
// panic rolls back and re-panics. Busy/locked errors while beginning are
// retried up to the configured bound with linear backoff, after which a
// *ContentionError is returned. work is called at most once.
//
// work must use the ctx and tx it is given. Calling WithTransaction again with
// that ctx returns ErrNestedTransaction.
func (d *DB) WithTransaction(ctx context.Context, work func(ctx context.Context, tx *Tx) error) (err error) {
	if InTransaction(ctx) {
		return ErrNestedTransaction
	}

	sqlTx, err := d.begin(ctx)
	if err != nil {
		return err
	}

	tx := &Tx{Tx: sqlTx, clock: d.clock, stamp: d.clock.Stamp()}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := work(context.WithValue(ctx, txKey{}, tx), tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			d.log.WithError(rbErr).Warn("rollback failed")
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// begin acquires an immediate transaction, retrying while the database is busy.
func (d *DB) begin(ctx context.Context) (*sqlx.Tx, error) {
	var lastErr error
	for attempt := 0; attempt <= d.maxBusyRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt) * d.busyBackoff
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		tx, err := d.db.BeginTxx(ctx, nil)
		if err == nil {
			return tx, nil
		}
		if !IsBusy(err) {
			return nil, fmt.Errorf("begin transaction: %w", err)
		}

		lastErr = err
		d.log.WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"max":     d.maxBusyRetries + 1,
		}).Debug("database busy, retrying begin")
	}
	return nil, &ContentionError{Attempts: d.maxBusyRetries + 1, Err: lastErr}
}
