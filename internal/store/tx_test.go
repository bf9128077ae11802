package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/testutil"
)

func insertCounter(ctx context.Context, tx *Tx, name string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO localCounters (scope, periodKey, sequenceName, value, updatedAt) VALUES ('bu-1', '2026', ?, 1, ?)`,
		name, tx.Stamp())
	return err
}

func countCounters(t *testing.T, db *DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.DB().Get(&n, `SELECT COUNT(*) FROM localCounters`))
	return n
}

func TestWithTransaction_Commits(t *testing.T) {
	db := openTest(t, Config{})
	ctx := context.Background()

	err := db.WithTransaction(ctx, func(ctx context.Context, tx *Tx) error {
		assert.True(t, InTransaction(ctx))
		if err := insertCounter(ctx, tx, "bill"); err != nil {
			return err
		}
		return insertCounter(ctx, tx, "receipt")
	})
	require.NoError(t, err)
	assert.Equal(t, 2, countCounters(t, db))
	assert.False(t, InTransaction(ctx))
}

func TestWithTransaction_RollsBackOnError(t *testing.T) {
	db := openTest(t, Config{})
	boom := errors.New("boom")

	err := db.WithTransaction(context.Background(), func(ctx context.Context, tx *Tx) error {
		require.NoError(t, insertCounter(ctx, tx, "bill"))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, countCounters(t, db))
}

func TestWithTransaction_RollsBackOnPanic(t *testing.T) {
	db := openTest(t, Config{})

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = db.WithTransaction(context.Background(), func(ctx context.Context, tx *Tx) error {
			require.NoError(t, insertCounter(ctx, tx, "bill"))
			panic("kaboom")
		})
	})
	assert.Zero(t, countCounters(t, db))

	// The connection is usable again.
	require.NoError(t, db.WithTransaction(context.Background(), func(ctx context.Context, tx *Tx) error {
		return insertCounter(ctx, tx, "bill")
	}))
	assert.Equal(t, 1, countCounters(t, db))
}

func TestWithTransaction_Nested(t *testing.T) {
	db := openTest(t, Config{})

	var inner error
	err := db.WithTransaction(context.Background(), func(ctx context.Context, tx *Tx) error {
		inner = db.WithTransaction(ctx, func(ctx context.Context, tx *Tx) error { return nil })
		return nil
	})
	require.NoError(t, err)
	assert.ErrorIs(t, inner, ErrNestedTransaction)
}

func TestWithTransaction_Stamps(t *testing.T) {
	clock := testutil.NewStepClock(time.Time{}, 0)
	db := openTest(t, Config{Now: clock.Now})
	ctx := context.Background()

	var stamps []time.Time
	for i := 0; i < 3; i++ {
		require.NoError(t, db.WithTransaction(ctx, func(ctx context.Context, tx *Tx) error {
			first := tx.Stamp()
			assert.Equal(t, first, tx.Stamp(), "one stamp per transaction")
			stamps = append(stamps, first)
			return nil
		}))
	}
	for i := 1; i < len(stamps); i++ {
		assert.True(t, stamps[i].After(stamps[i-1]), "stamp %d", i)
	}
	assert.Equal(t, time.UTC, stamps[0].Location())
}

func TestTx_OverrideStamp(t *testing.T) {
	db := openTest(t, Config{})
	ctx := context.Background()
	future := testutil.DefaultStart.Add(72 * time.Hour).Add(1500 * time.Nanosecond)

	require.NoError(t, db.WithTransaction(ctx, func(ctx context.Context, tx *Tx) error {
		tx.OverrideStamp(future)
		assert.True(t, tx.Stamp().Equal(Normalize(future)))
		return insertCounter(ctx, tx, "bill")
	}))

	var stored time.Time
	require.NoError(t, db.DB().Get(&stored, `SELECT updatedAt FROM localCounters`))
	assert.True(t, stored.Equal(Normalize(future)))

	require.NoError(t, db.WithTransaction(ctx, func(ctx context.Context, tx *Tx) error {
		assert.True(t, tx.Stamp().After(future), "later stamps sort after the override")
		return nil
	}))
}

func TestWithTransaction_Contention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "till.db")
	holder := openTest(t, Config{Path: path})
	waiter := openTest(t, Config{
		Path:           path,
		BusyTimeout:    time.Millisecond,
		MaxBusyRetries: 2,
		BusyBackoff:    time.Millisecond,
	})

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- holder.WithTransaction(context.Background(), func(ctx context.Context, tx *Tx) error {
			if err := insertCounter(ctx, tx, "bill"); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	called := false
	err := waiter.WithTransaction(context.Background(), func(ctx context.Context, tx *Tx) error {
		called = true
		return nil
	})
	close(release)
	require.NoError(t, <-done)

	require.Error(t, err)
	assert.False(t, called)
	assert.True(t, IsContention(err))
	assert.True(t, IsBusy(err))
	var ce *ContentionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 3, ce.Attempts)

	// Once the holder commits the waiter gets through.
	require.NoError(t, waiter.WithTransaction(context.Background(), func(ctx context.Context, tx *Tx) error {
		return insertCounter(ctx, tx, "receipt")
	}))
}

func TestWithTransaction_CancelledWhileBusy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "till.db")
	holder := openTest(t, Config{Path: path})
	waiter := openTest(t, Config{
		Path:           path,
		BusyTimeout:    time.Millisecond,
		MaxBusyRetries: 100,
		BusyBackoff:    time.Hour,
	})

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- holder.WithTransaction(context.Background(), func(ctx context.Context, tx *Tx) error {
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := waiter.WithTransaction(ctx, func(ctx context.Context, tx *Tx) error { return nil })
	close(release)
	require.NoError(t, <-done)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWithReadTransaction_Snapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "till.db")
	db := openTest(t, Config{Path: path})
	ctx := context.Background()

	other, err := sqlx.Open("sqlite3", dsn(Config{Path: path}.withDefaults()))
	require.NoError(t, err)
	t.Cleanup(func() { other.Close() })

	err = db.WithReadTransaction(ctx, func(ctx context.Context, q sqlx.QueryerContext) error {
		assert.True(t, InTransaction(ctx))
		assert.ErrorIs(t, db.WithTransaction(ctx, func(context.Context, *Tx) error { return nil }), ErrNestedTransaction)

		var before int
		require.NoError(t, sqlx.GetContext(ctx, q, &before, `SELECT COUNT(*) FROM localCounters`))

		_, err := other.ExecContext(ctx,
			`INSERT INTO localCounters (scope, periodKey, sequenceName, value, updatedAt) VALUES ('bu-1', '2026', 'bill', 1, ?)`,
			testutil.DefaultStart)
		require.NoError(t, err, "a snapshot does not block writers")

		var after int
		require.NoError(t, sqlx.GetContext(ctx, q, &after, `SELECT COUNT(*) FROM localCounters`))
		assert.Equal(t, before, after, "writes committed after the first read stay invisible")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countCounters(t, db))
}

func TestWithReadTransaction_ReturnsWorkError(t *testing.T) {
	db := openTest(t, Config{})
	boom := errors.New("boom")

	err := db.WithReadTransaction(context.Background(), func(context.Context, sqlx.QueryerContext) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	// The connection is released for the next transaction.
	require.NoError(t, db.WithTransaction(context.Background(), func(ctx context.Context, tx *Tx) error {
		return insertCounter(ctx, tx, "bill")
	}))
}
