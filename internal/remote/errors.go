package remote

import (
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// IsRejected reports whether the remote refused the data itself (constraint
// or data error) rather than failing to be reached. Retrying a rejected
// batch unchanged will fail again.
func IsRejected(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		class := pqErr.Code.Class()
		return class == "22" || class == "23"
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1048, 1062, 1264, 1366, 1406, 1451, 1452:
			return true
		}
		return false
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrConstraint || liteErr.Code == sqlite3.ErrMismatch
	}
	return false
}
