package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/roach88/tillsync/internal/store"
)

// Checkpoint is one table's sync position.
type Checkpoint struct {
	Table      string     `db:"tableName" json:"table"`
	LastPushAt *time.Time `db:"lastPushAt" json:"last_push_at"`
	LastPullAt *time.Time `db:"lastPullAt" json:"last_pull_at"`
	LastSyncAt *time.Time `db:"lastSyncAt" json:"last_sync_at"`
	LastError  string     `db:"lastError" json:"last_error,omitempty"`
}

// PushAt returns lastPushAt, or the zero time when the table was never pushed.
func (c Checkpoint) PushAt() time.Time {
	if c.LastPushAt == nil {
		return time.Time{}
	}
	return store.Normalize(*c.LastPushAt)
}

// PullAt returns lastPullAt, or the zero time when the table was never pulled.
func (c Checkpoint) PullAt() time.Time {
	if c.LastPullAt == nil {
		return time.Time{}
	}
	return store.Normalize(*c.LastPullAt)
}

const checkpointColumns = `tableName, lastPushAt, lastPullAt, lastSyncAt, lastError`

func readCheckpoint(ctx context.Context, q sqlx.QueryerContext, scope, table string) (Checkpoint, error) {
	var cp Checkpoint
	err := sqlx.GetContext(ctx, q, &cp,
		`SELECT `+checkpointColumns+` FROM syncCheckpoints WHERE businessUnitId = ? AND tableName = ?`, scope, table)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{Table: table}, nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("read checkpoint %s: %w", table, err)
	}
	return cp, nil
}

// advancePush moves lastPushAt forward to at. It never moves it back.
func advancePush(ctx context.Context, tx *store.Tx, scope, table string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO syncCheckpoints (businessUnitId, tableName, lastPushAt) VALUES (?, ?, ?)
		ON CONFLICT (businessUnitId, tableName) DO UPDATE SET lastPushAt = excluded.lastPushAt
		WHERE syncCheckpoints.lastPushAt IS NULL OR syncCheckpoints.lastPushAt < excluded.lastPushAt`,
		scope, table, store.Normalize(at))
	if err != nil {
		return fmt.Errorf("advance push checkpoint %s: %w", table, err)
	}
	return nil
}

// advancePull moves lastPullAt forward to at. It never moves it back.
func advancePull(ctx context.Context, tx *store.Tx, scope, table string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO syncCheckpoints (businessUnitId, tableName, lastPullAt) VALUES (?, ?, ?)
		ON CONFLICT (businessUnitId, tableName) DO UPDATE SET lastPullAt = excluded.lastPullAt
		WHERE syncCheckpoints.lastPullAt IS NULL OR syncCheckpoints.lastPullAt < excluded.lastPullAt`,
		scope, table, store.Normalize(at))
	if err != nil {
		return fmt.Errorf("advance pull checkpoint %s: %w", table, err)
	}
	return nil
}

func recordResult(ctx context.Context, tx *store.Tx, scope, table string, at time.Time, syncErr error) error {
	msg := ""
	if syncErr != nil {
		msg = syncErr.Error()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO syncCheckpoints (businessUnitId, tableName, lastSyncAt, lastError) VALUES (?, ?, ?, ?)
		ON CONFLICT (businessUnitId, tableName) DO UPDATE SET lastSyncAt = excluded.lastSyncAt, lastError = excluded.lastError`,
		scope, table, store.Normalize(at), msg)
	return err
}

// Checkpoints returns the engine's checkpoint for every table it syncs, in
// sync order. Tables that never synced have empty timestamps.
func (e *Engine) Checkpoints(ctx context.Context) ([]Checkpoint, error) {
	out := make([]Checkpoint, 0, len(e.tables))
	for _, t := range e.tables {
		cp, err := readCheckpoint(ctx, e.local.DB(), e.scope, t.Table())
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// ResetCheckpoint forgets a table's sync position for the engine's business
// unit. The next sync re-pushes every local row of the table and re-pulls
// every remote row.
func (e *Engine) ResetCheckpoint(ctx context.Context, table string) error {
	if _, ok := e.lookup(table); !ok {
		return fmt.Errorf("unknown table %q", table)
	}
	return e.local.WithTransaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM syncCheckpoints WHERE businessUnitId = ? AND tableName = ?`, e.scope, table)
		return err
	})
}

// ResetAll forgets every sync position of the engine's business unit.
// Other units keep theirs.
func (e *Engine) ResetAll(ctx context.Context) error {
	return e.local.WithTransaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM syncCheckpoints WHERE businessUnitId = ?`, e.scope)
		return err
	})
}
