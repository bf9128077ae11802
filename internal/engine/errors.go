package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/tillsync/internal/remote"
)

// SyncErrorCode categorizes table sync failures.
type SyncErrorCode string

const (
	// ErrCodeRemotePush indicates the remote upsert failed. lastPushAt is unchanged.
	ErrCodeRemotePush SyncErrorCode = "REMOTE_PUSH"

	// ErrCodeRemotePull indicates the remote range query failed. lastPullAt is unchanged.
	ErrCodeRemotePull SyncErrorCode = "REMOTE_PULL"

	// ErrCodeLocalApply indicates a local read or write failed. The local
	// transaction rolled back and both checkpoints are unchanged.
	ErrCodeLocalApply SyncErrorCode = "LOCAL_APPLY"
)

// SyncError reports the failure of one table's sync.
type SyncError struct {
	Code  SyncErrorCode
	Table string
	Phase string
	Err   error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", e.Code, e.Table, e.Phase, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Rejected reports whether the remote refused the data rather than being
// unreachable. A rejected push will fail again until the row is fixed.
func (e *SyncError) Rejected() bool {
	return remote.IsRejected(e.Err)
}

// IsRemoteError returns true if err is a push or pull failure against the
// remote store. Uses errors.As to handle wrapped and joined errors.
func IsRemoteError(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == ErrCodeRemotePush || se.Code == ErrCodeRemotePull
	}
	return false
}

// IsLocalError returns true if err is a local apply failure.
func IsLocalError(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == ErrCodeLocalApply
	}
	return false
}

// FailedTables lists the tables named by the SyncErrors in err.
func FailedTables(err error) []string {
	var out []string
	var walk func(error)
	walk = func(err error) {
		if err == nil {
			return
		}
		if se, ok := err.(*SyncError); ok {
			out = append(out, se.Table)
			return
		}
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range joined.Unwrap() {
				walk(e)
			}
			return
		}
		walk(errors.Unwrap(err))
	}
	walk(err)
	return out
}
