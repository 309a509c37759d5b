package herd

import "context"

// QueryMode selects the result shape a query resolves with.
type QueryMode uint32

const (
	// ModeQuery resolves with all rows.
	ModeQuery QueryMode = iota

	// ModeRow resolves with the first row only.
	ModeRow

	// ModeExec resolves with the execution summary (no rows).
	ModeExec
)

// QueryContext carries one statement to a driver connection.
type QueryContext struct {
	SQL  string
	Args []interface{}
	Mode QueryMode
	Pool string
}

// Result is the driver result shape. Mode decides which fields are filled.
type Result struct {
	Columns      []string
	Rows         [][]interface{}
	Row          []interface{}
	RowsAffected int64
	LastInsertID int64
}

// Connection is the pluggable driver session managed by a Node.
//
// Connect opens the session exactly once; Kill tears it down as soon as
// possible (an idle session immediately, a busy one after its current query,
// a session holding a transaction only once that transaction closes).
//
// A registered end receiver fires exactly once over the session lifetime.
// Trouble receivers may fire zero or more times before the end event and
// signal connectivity degradation, never semantic query failures.
type Connection interface {
	ID() string
	Connect() error
	Query(qc *QueryContext) (*Result, error)
	CreateTransaction() error
	Rollback() error
	Kill() error
	NotifyEnd(receiver chan error) chan error
	NotifyTrouble(receiver chan struct{}) chan struct{}
}

// Describer is optionally implemented by driver connections that can
// report database structure for Cluster.Describe.
type Describer interface {
	Describe(ctx context.Context, databases []string) (map[string]*DatabaseDescription, error)
}

// DatabaseDescription is the shape returned by Describe, one per database.
type DatabaseDescription struct {
	Name   string                  `json:"Name" yaml:"Name"`
	Tables map[string]*TableSchema `json:"Tables" yaml:"Tables"`
}

// TableSchema describes one table.
type TableSchema struct {
	Name    string          `json:"Name" yaml:"Name"`
	Columns []*ColumnSchema `json:"Columns" yaml:"Columns"`
}

// ColumnSchema describes one column.
type ColumnSchema struct {
	Name     string `json:"Name" yaml:"Name"`
	DataType string `json:"DataType" yaml:"DataType"`
	Nullable bool   `json:"Nullable" yaml:"Nullable"`
	Primary  bool   `json:"Primary" yaml:"Primary"`
}

// ConnectionConstructor builds an unconnected driver session for a node.
// The cluster receives it injected at construction; there is no process-wide
// driver registry.
type ConnectionConstructor func(cfg *NodeConfig, id string, node *Node) Connection
