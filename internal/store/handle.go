package store

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Handle owns a lazily opened store.
//
// Concurrent Get callers share a single Open attempt. A successful open is
// kept for the life of the Handle; a failed one is not, so the next Get
// tries again.
type Handle struct {
	cfg   Config
	group singleflight.Group

	mu sync.Mutex
	db *DB
}

// NewHandle creates a handle that opens cfg on first use.
func NewHandle(cfg Config) *Handle {
	return &Handle{cfg: cfg}
}

// Get returns the open store, opening and migrating it on first call.
//
// The shared open runs detached from any one caller's ctx. A caller whose
// ctx ends returns ctx.Err() while the open carries on for the others.
func (h *Handle) Get(ctx context.Context) (*DB, error) {
	if db := h.current(); db != nil {
		return db, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	openCtx := context.WithoutCancel(ctx)
	ch := h.group.DoChan("open", func() (any, error) {
		if db := h.current(); db != nil {
			return db, nil
		}
		db, err := Open(openCtx, h.cfg)
		if err != nil {
			return nil, err
		}
		h.mu.Lock()
		h.db = db
		h.mu.Unlock()
		return db, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*DB), nil
	}
}

// Close closes the store if it was opened.
func (h *Handle) Close() error {
	h.mu.Lock()
	db := h.db
	h.db = nil
	h.mu.Unlock()
	return db.Close()
}

func (h *Handle) current() *DB {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.db
}
