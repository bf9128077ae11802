package remote

// ColumnType is the portable type of a remote column.
type ColumnType int

const (
	Text ColumnType = iota
	Integer
	Boolean
	Timestamp
)

func (t ColumnType) String() string {
	switch t {
	case Text:
		return "text"
	case Integer:
		return "integer"
	case Boolean:
		return "boolean"
	case Timestamp:
		return "timestamp"
	default:
		return "unknown"
	}
}

// Column describes one remote column for DDL generation.
type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
}

// Table describes one remote table.
type Table struct {
	Name    string
	Columns []Column
}
