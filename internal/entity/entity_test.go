package entity

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/remote"
	"github.com/roach88/tillsync/internal/store"
)

const unit = "bu-1"

func openStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(context.Background(), store.Config{
		Path: filepath.Join(t.TempDir(), "local.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRegistry_ParentsComeFirst(t *testing.T) {
	seen := map[string]bool{}
	for _, s := range Registry() {
		for _, p := range s.Parents() {
			assert.True(t, seen[p], "%s synced before its parent %s", s.Table(), p)
		}
		seen[s.Table()] = true
	}
	assert.Len(t, seen, 12)
}

func TestRegistry_ColumnsLineUp(t *testing.T) {
	meta := []string{"id", "businessUnitId", "createdAt", "updatedAt", "deletedAt"}
	wire := []string{"id", "business_unit_id", "created_at", "updated_at", "deleted_at"}

	for _, s := range Registry() {
		t.Run(s.Table(), func(t *testing.T) {
			cols := s.Columns()
			schema := s.Schema()
			require.Len(t, schema.Columns, len(cols))
			assert.Equal(t, meta, cols[:5])
			for i, name := range wire {
				assert.Equal(t, name, schema.Columns[i].Name)
			}
			assert.Equal(t, s.RemoteTable(), schema.Name)
		})
	}
}

func TestRegistry_ColumnsExistLocally(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	for _, s := range Registry() {
		var names []string
		err := db.DB().SelectContext(ctx, &names, "SELECT name FROM pragma_table_info(?)", s.Table())
		require.NoError(t, err)
		assert.ElementsMatch(t, names, s.Columns(), s.Table())
	}
}

func TestSchema_Types(t *testing.T) {
	cols := Customers.Schema().Columns
	byName := map[string]remote.Column{}
	for _, c := range cols {
		byName[c.Name] = c
	}
	assert.Equal(t, remote.Text, byName["id"].Type)
	assert.Equal(t, remote.Timestamp, byName["created_at"].Type)
	assert.True(t, byName["deleted_at"].Nullable)
	assert.True(t, byName["phone"].Nullable)
	assert.Equal(t, remote.Boolean, byName["is_active"].Type)
	assert.Equal(t, remote.Integer, byName["credit_balance"].Type)
	assert.False(t, byName["credit_balance"].Nullable)
}

func TestLookup(t *testing.T) {
	s, ok := Lookup("orderLines")
	require.True(t, ok)
	assert.Equal(t, "order_lines", s.RemoteTable())

	_, ok = Lookup("nope")
	assert.False(t, ok)
	assert.Equal(t, "customers", Tables()[0])
}

func TestToWire_NormalizesText(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.FixedZone("IST", 19800))
	c := Customer{
		Meta: Meta{ID: "c1", BusinessUnitID: unit, CreatedAt: at, UpdatedAt: at},
		Name: "Cafe\u0301",
	}

	w := Customers.ToWire(c)
	assert.Equal(t, "Caf\u00e9", w.Name)
	assert.Nil(t, w.Phone)
	assert.Equal(t, time.UTC, w.UpdatedAt.Location())
	assert.Equal(t, 123456000, w.UpdatedAt.Nanosecond())

	back := Customers.FromWire(w)
	assert.Equal(t, "", back.Phone)
	assert.Equal(t, "Caf\u00e9", back.Name)
}

func TestToWire_OptionalReferences(t *testing.T) {
	empty := ""
	o := Order{Meta: Meta{ID: "o1"}, CustomerID: &empty}
	assert.Nil(t, Orders.ToWire(o).CustomerID)

	id := "c1"
	o.CustomerID = &id
	w := Orders.ToWire(o)
	require.NotNil(t, w.CustomerID)
	assert.Equal(t, "c1", *w.CustomerID)
}

func TestInsertUpdateDelete(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	c := Customer{Meta: Meta{ID: "c1", BusinessUnitID: unit}, Name: "Asha", Active: true}
	require.NoError(t, db.WithTransaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		return Customers.Insert(ctx, tx, &c)
	}))
	assert.False(t, c.CreatedAt.IsZero())
	assert.Equal(t, c.CreatedAt, c.UpdatedAt)

	got, err := Customers.Get(ctx, db.DB(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "Asha", got.Name)
	assert.True(t, got.Active)
	assert.True(t, got.UpdatedAt.Equal(c.UpdatedAt))

	created := c.CreatedAt
	c.Name = "Asha K"
	require.NoError(t, db.WithTransaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		return Customers.Update(ctx, tx, &c)
	}))
	got, err = Customers.Get(ctx, db.DB(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "Asha K", got.Name)
	assert.True(t, got.UpdatedAt.After(created))
	assert.True(t, got.CreatedAt.Equal(created))

	require.NoError(t, db.WithTransaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		return Customers.SoftDelete(ctx, tx, "c1")
	}))
	got, err = Customers.Get(ctx, db.DB(), "c1")
	require.NoError(t, err)
	require.NotNil(t, got.DeletedAt)
	assert.True(t, got.DeletedAt.Equal(got.UpdatedAt))

	live, err := Customers.Live(ctx, db.DB(), unit)
	require.NoError(t, err)
	assert.Empty(t, live)

	err = db.WithTransaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		return Customers.SoftDelete(ctx, tx, "c1")
	})
	assert.ErrorIs(t, err, ErrNotFound)

	err = db.WithTransaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		return Customers.Update(ctx, tx, &c)
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsert_RequiresID(t *testing.T) {
	db := openStore(t)
	err := db.WithTransaction(context.Background(), func(ctx context.Context, tx *store.Tx) error {
		return Customers.Insert(ctx, tx, &Customer{Name: "x"})
	})
	assert.ErrorIs(t, err, ErrMissingID)
}

func TestGet_Missing(t *testing.T) {
	db := openStore(t)
	_, err := MenuItems.Get(context.Background(), db.DB(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChanged_ScopeAndSince(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	insert := func(id, scope string) time.Time {
		m := MenuItem{Meta: Meta{ID: id, BusinessUnitID: scope}, Name: id, Price: 100, Available: true}
		require.NoError(t, db.WithTransaction(ctx, func(ctx context.Context, tx *store.Tx) error {
			return MenuItems.Insert(ctx, tx, &m)
		}))
		return m.UpdatedAt
	}
	first := insert("m1", unit)
	second := insert("m2", unit)
	insert("other", "bu-2")

	b, err := MenuItems.Changed(ctx, db.DB(), unit, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, b.IDs)
	assert.True(t, b.High.Equal(second))

	b, err = MenuItems.Changed(ctx, db.DB(), unit, first)
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, b.IDs)

	b, err = MenuItems.Changed(ctx, db.DB(), unit, second)
	require.NoError(t, err)
	assert.Zero(t, b.Len())
	assert.True(t, b.High.IsZero())
}

func TestApply_OverwritesWholeRow(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()

	at := store.Normalize(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	m := MenuItem{Meta: Meta{ID: "m1", BusinessUnitID: unit}, Name: "Tea", Category: "hot", Price: 30, Available: true}
	require.NoError(t, db.WithTransaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		return MenuItems.Insert(ctx, tx, &m)
	}))

	later := at.Add(24 * time.Hour)
	incoming := MenuItemWire{
		WireMeta: WireMeta{ID: "m1", BusinessUnitID: unit, CreatedAt: at, UpdatedAt: later},
		Name:     "Masala Tea",
		Price:    40,
	}
	b := &Batch{Table: "menuItems"}
	b.add("m1", later, incoming, MenuItems.FromWire(incoming))

	require.NoError(t, db.WithTransaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		return MenuItems.Apply(ctx, tx, b)
	}))

	got, err := MenuItems.Get(ctx, db.DB(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "Masala Tea", got.Name)
	assert.Equal(t, "", got.Category)
	assert.Equal(t, int64(40), got.Price)
	assert.False(t, got.Available)
	assert.True(t, got.UpdatedAt.Equal(later))
	assert.True(t, got.CreatedAt.Equal(at))
}
