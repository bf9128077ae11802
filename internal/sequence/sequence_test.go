package sequence

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/store"
)

var ist = time.FixedZone("IST", 5*3600+1800)

func setup(t *testing.T) (*store.DB, *Generator) {
	t.Helper()
	db, err := store.Open(context.Background(), store.Config{
		Path: filepath.Join(t.TempDir(), "local.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	g, err := New(Options{Scope: "bu-1", Location: ist})
	require.NoError(t, err)
	return db, g
}

func next(t *testing.T, db *store.DB, g *Generator, name string, at time.Time) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.WithTransaction(context.Background(), func(ctx context.Context, tx *store.Tx) error {
		var err error
		n, err = g.Next(ctx, tx, name, at)
		return err
	}))
	return n
}

func TestCalendar_Daily(t *testing.T) {
	cal, err := NewCalendar(ist, 0)
	require.NoError(t, err)

	// 2026-05-10 19:00 UTC is 2026-05-11 00:30 IST.
	w := cal.Window(Daily, time.Date(2026, 5, 10, 19, 0, 0, 0, time.UTC))
	assert.Equal(t, "2026-05-11", w.Key)
	assert.True(t, w.Start.Equal(time.Date(2026, 5, 11, 0, 0, 0, 0, ist)))
	assert.True(t, w.End.Equal(time.Date(2026, 5, 12, 0, 0, 0, 0, ist)))
	assert.True(t, w.Contains(w.Start))
	assert.False(t, w.Contains(w.End))
}

func TestCalendar_Fiscal(t *testing.T) {
	cal, err := NewCalendar(ist, time.April)
	require.NoError(t, err)

	tests := []struct {
		name string
		at   time.Time
		want string
	}{
		{"last instant of year", time.Date(2026, 3, 31, 23, 59, 59, 999999000, ist), "FY2025-26"},
		{"first instant is inclusive", time.Date(2026, 4, 1, 0, 0, 0, 0, ist), "FY2026-27"},
		{"mid year", time.Date(2026, 12, 25, 12, 0, 0, 0, ist), "FY2026-27"},
		{"january", time.Date(2027, 1, 5, 12, 0, 0, 0, ist), "FY2026-27"},
		{"century rollover", time.Date(2099, 6, 1, 0, 0, 0, 0, ist), "FY2099-00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cal.Window(Fiscal, tt.at).Key)
		})
	}

	calendarYear, err := NewCalendar(time.UTC, time.January)
	require.NoError(t, err)
	assert.Equal(t, "FY2026", calendarYear.Window(Fiscal, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)).Key)

	_, err = NewCalendar(nil, 13)
	assert.Error(t, err)
}

func TestNext_Monotonic(t *testing.T) {
	db, g := setup(t)
	at := time.Date(2026, 5, 11, 10, 0, 0, 0, ist)

	assert.Equal(t, int64(1), next(t, db, g, Order, at))
	assert.Equal(t, int64(2), next(t, db, g, Order, at))
	assert.Equal(t, int64(3), next(t, db, g, Order, at.Add(time.Hour)))

	// Daily sequences restart the next business day.
	assert.Equal(t, int64(1), next(t, db, g, Order, at.Add(24*time.Hour)))

	// Independent sequences do not share counters.
	assert.Equal(t, int64(1), next(t, db, g, Bill, at))
}

func TestNext_SeedsFromExistingRows(t *testing.T) {
	db, g := setup(t)
	ctx := context.Background()
	at := time.Date(2026, 5, 11, 10, 0, 0, 0, ist)
	stamp := store.Normalize(at)

	require.NoError(t, db.WithTransaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (id, businessUnitId, createdAt, updatedAt, deletedAt, orderNumber, status, orderedAt)
			VALUES ('o1', 'bu-1', ?, ?, NULL, 4, 'open', ?),
			       ('o2', 'bu-1', ?, ?, ?, 7, 'void', ?),
			       ('o3', 'bu-2', ?, ?, NULL, 99, 'open', ?),
			       ('o4', 'bu-1', ?, ?, NULL, 50, 'open', ?)`,
			stamp, stamp, stamp,
			stamp, stamp, stamp, stamp,
			stamp, stamp, stamp,
			stamp, stamp, store.Normalize(at.Add(-24*time.Hour)))
		return err
	}))

	// o2 is tombstoned but its number was used; o3 is another unit; o4 is yesterday.
	peek, err := g.Peek(ctx, db.DB(), Order, at)
	require.NoError(t, err)
	assert.Equal(t, int64(7), peek)

	assert.Equal(t, int64(8), next(t, db, g, Order, at))

	// Losing the counter row reseeds at or above the table maximum.
	_, err = db.DB().ExecContext(ctx, `DELETE FROM localCounters`)
	require.NoError(t, err)
	assert.Equal(t, int64(8), next(t, db, g, Order, at))
}

func TestNext_RollbackDoesNotConsume(t *testing.T) {
	db, g := setup(t)
	at := time.Date(2026, 5, 11, 10, 0, 0, 0, ist)
	boom := errors.New("boom")

	err := db.WithTransaction(context.Background(), func(ctx context.Context, tx *store.Tx) error {
		n, err := g.Next(ctx, tx, Receipt, at)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Equal(t, int64(1), next(t, db, g, Receipt, at))
}

func TestNext_Concurrent(t *testing.T) {
	db, g := setup(t)
	at := time.Date(2026, 5, 11, 10, 0, 0, 0, ist)

	const workers = 10
	results := make(chan int64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = db.WithTransaction(context.Background(), func(ctx context.Context, tx *store.Tx) error {
				n, err := g.Next(ctx, tx, Expense, at)
				if err == nil {
					results <- n
				}
				return err
			})
		}()
	}
	wg.Wait()
	close(results)

	seen := map[int64]bool{}
	for n := range results {
		assert.False(t, seen[n], "duplicate number %d", n)
		seen[n] = true
	}
	assert.Len(t, seen, workers)
	for i := int64(1); i <= workers; i++ {
		assert.True(t, seen[i])
	}
}

func TestNext_Errors(t *testing.T) {
	db, g := setup(t)
	ctx := context.Background()

	_, err := g.Next(ctx, nil, Order, time.Now())
	assert.ErrorIs(t, err, ErrNoTransaction)

	err = db.WithTransaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		_, err := g.Next(ctx, tx, "nope", time.Now())
		return err
	})
	assert.ErrorIs(t, err, ErrUnknownSequence)

	_, err = New(Options{})
	assert.Error(t, err)
}

func TestCountersAndFormat(t *testing.T) {
	db, g := setup(t)
	at := time.Date(2026, 5, 11, 10, 0, 0, 0, ist)
	next(t, db, g, Bill, at)
	next(t, db, g, Bill, at)
	next(t, db, g, Order, at)

	counters, err := g.Counters(context.Background(), db.DB())
	require.NoError(t, err)
	require.Len(t, counters, 2)
	assert.Equal(t, "bill", counters[0].Sequence)
	assert.Equal(t, "FY2026-27", counters[0].PeriodKey)
	assert.Equal(t, int64(2), counters[0].Value)
	assert.Equal(t, "order", counters[1].Sequence)
	assert.Equal(t, "2026-05-11", counters[1].PeriodKey)

	assert.Equal(t, "B-FY2026-27-000042", g.Format(Bill, "FY2026-27", 42))
	assert.Equal(t, "custom-K-000001", g.Format("custom", "K", 1))
}
