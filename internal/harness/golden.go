package harness

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/remote"
)

// TableSnapshot is the content of one remote table.
type TableSnapshot struct {
	Table string           `json:"table"`
	Rows  []map[string]any `json:"rows"`
}

// Snapshot reads the given remote tables (every table when none are named)
// ordered by id. Timestamp columns are dropped; deleted_at becomes a
// "deleted" flag.
func Snapshot(t testing.TB, r *remote.Store, tables ...string) []TableSnapshot {
	t.Helper()
	if len(tables) == 0 {
		for _, s := range Schemas() {
			tables = append(tables, s.Name)
		}
	}

	out := make([]TableSnapshot, 0, len(tables))
	for _, table := range tables {
		rows, err := r.DB().QueryxContext(context.Background(), `SELECT * FROM `+table+` ORDER BY id`)
		require.NoError(t, err)

		snap := TableSnapshot{Table: table, Rows: []map[string]any{}}
		for rows.Next() {
			row := make(map[string]any)
			require.NoError(t, rows.MapScan(row))
			snap.Rows = append(snap.Rows, flatten(row))
		}
		require.NoError(t, rows.Err())
		require.NoError(t, rows.Close())
		out = append(out, snap)
	}
	return out
}

func flatten(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		switch v := v.(type) {
		case []byte:
			out[k] = string(v)
		case time.Time:
			// dropped
		case nil:
			if k != "deleted_at" {
				out[k] = nil
			}
		default:
			out[k] = v
		}
	}
	_, deleted := row["deleted_at"].(time.Time)
	out["deleted"] = deleted
	return out
}

// AssertSnapshot compares the snapshot of the given remote tables against
// testdata/golden/{name}.golden.
func AssertSnapshot(t *testing.T, name string, r *remote.Store, tables ...string) {
	t.Helper()

	data, err := json.MarshalIndent(Snapshot(t, r, tables...), "", "  ")
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, append(data, '\n'))
}
