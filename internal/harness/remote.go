package harness

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/tillsync/internal/entity"
)

// FaultyRemote wraps a remote and fails calls for chosen remote tables.
//
// Thread-safety: FaultyRemote is safe for concurrent use via internal mutex.
type FaultyRemote struct {
	entity.Remote

	mu        sync.Mutex
	upserts   map[string]error
	reads     map[string]error
	upsertLog []string
}

// NewFaultyRemote wraps r. With no faults set it behaves exactly like r.
func NewFaultyRemote(r entity.Remote) *FaultyRemote {
	return &FaultyRemote{
		Remote:  r,
		upserts: make(map[string]error),
		reads:   make(map[string]error),
	}
}

// FailUpserts makes every upsert into table return err. A nil err clears the fault.
func (f *FaultyRemote) FailUpserts(table string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.upserts, table)
		return
	}
	f.upserts[table] = err
}

// FailReads makes every range read of table return err. A nil err clears the fault.
func (f *FaultyRemote) FailReads(table string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.reads, table)
		return
	}
	f.reads[table] = err
}

// Upserted returns the remote tables that received an upsert, in call order.
func (f *FaultyRemote) Upserted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.upsertLog...)
}

func (f *FaultyRemote) Upsert(ctx context.Context, table string, columns []string, rows []any) error {
	f.mu.Lock()
	err := f.upserts[table]
	if err == nil {
		f.upsertLog = append(f.upsertLog, table)
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Remote.Upsert(ctx, table, columns, rows)
}

func (f *FaultyRemote) Since(ctx context.Context, dest any, table string, columns []string, scope string, since time.Time, afterID string, limit int) error {
	f.mu.Lock()
	err := f.reads[table]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Remote.Since(ctx, dest, table, columns, scope, since, afterID, limit)
}
