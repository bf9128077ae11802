package engine

import (
	"time"

	"github.com/roach88/tillsync/internal/entity"
)

// TableResult is the outcome of one table in a SyncAll run.
type TableResult struct {
	Table    string        `json:"table"`
	Pushed   int           `json:"pushed"`
	Pulled   int           `json:"pulled"`
	Skipped  bool          `json:"skipped,omitempty"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
	Err      error         `json:"-"`
}

// Report summarizes a SyncAll run.
type Report struct {
	Run        int64         `json:"run"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Tables     []TableResult `json:"tables"`
}

// Pushed returns the number of rows pushed across all tables.
func (r *Report) Pushed() int {
	n := 0
	for _, t := range r.Tables {
		n += t.Pushed
	}
	return n
}

// Pulled returns the number of rows pulled across all tables.
func (r *Report) Pulled() int {
	n := 0
	for _, t := range r.Tables {
		n += t.Pulled
	}
	return n
}

// Failed returns the tables that failed.
func (r *Report) Failed() []TableResult {
	var out []TableResult
	for _, t := range r.Tables {
		if t.Err != nil {
			out = append(out, t)
		}
	}
	return out
}

// levels groups table indexes by dependency depth. Every table in a level
// only references tables in earlier levels, and levels keep registry order.
func levels(tables []entity.Syncable) [][]int {
	depth := make(map[string]int, len(tables))
	var out [][]int
	for i, t := range tables {
		d := 0
		for _, p := range t.Parents() {
			if pd, ok := depth[p]; ok && pd+1 > d {
				d = pd + 1
			}
		}
		depth[t.Table()] = d
		for len(out) <= d {
			out = append(out, nil)
		}
		out[d] = append(out[d], i)
	}
	return out
}
