// Package mysql provides a herd driver backed by database/sql and
// go-sql-driver/mysql. Every herd connection maps to one dedicated
// database session.
package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/go-sql-driver/mysql"

	"github.com/swiftlybear/sqlherd/pkg/herd"
)

// Constructor is the factory handed to herd.NewCluster.
var Constructor herd.ConnectionConstructor = func(cfg *herd.NodeConfig, id string, node *herd.Node) herd.Connection {
	return NewConnection(cfg, id)
}

// Connection is a single MySQL session implementing herd.Connection.
type Connection struct {
	id  string
	cfg *herd.NodeConfig

	mu               sync.Mutex
	db               *sql.DB
	tx               *sql.Tx
	busy             bool
	killDeferred     bool
	ended            bool
	endReceivers     []chan error
	troubleReceivers []chan struct{}
}

// NewConnection builds an unconnected session.
func NewConnection(cfg *herd.NodeConfig, id string) *Connection {
	return &Connection{id: id, cfg: cfg}
}

// ID returns the per-node connection identifier.
func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) dsn() string {
	dsnConfig := mysql.NewConfig()
	dsnConfig.User = c.cfg.User
	dsnConfig.Passwd = c.cfg.Pass
	dsnConfig.Net = "tcp"
	dsnConfig.Addr = net.JoinHostPort(c.cfg.Host, strconv.Itoa(int(c.cfg.Port)))
	dsnConfig.DBName = c.cfg.Database
	if dsnConfig.DBName == "" {
		dsnConfig.DBName = c.cfg.Schema
	}
	return dsnConfig.FormatDSN()
}

// Connect opens the session and validates it with a ping.
func (c *Connection) Connect() error {
	db, err := sql.Open("mysql", c.dsn())
	if err != nil {
		return herd.WrapError(herd.KindOpenFailure, "invalid DSN", err)
	}

	// One session per herd connection; the pool above us does the pooling.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err = db.Ping(); err != nil {
		_ = db.Close()
		return herd.WrapError(herd.KindOpenFailure, "ping failed", err)
	}

	c.mu.Lock()
	c.db = db
	c.mu.Unlock()

	return nil
}

// Query executes one statement, inside the open transaction if there is one.
func (c *Connection) Query(qc *herd.QueryContext) (*herd.Result, error) {
	c.mu.Lock()
	if c.ended || c.db == nil {
		c.mu.Unlock()
		return nil, herd.WrapError(herd.KindShutdown, "connection is closed", nil)
	}
	c.busy = true
	db := c.db
	tx := c.tx
	c.mu.Unlock()

	result, err := runQuery(db, tx, qc)

	c.mu.Lock()
	c.busy = false
	deferredKill := c.killDeferred && c.tx == nil
	c.mu.Unlock()

	if err != nil {
		err = c.mapError(err, "query failed")
	}
	if deferredKill {
		_ = c.teardown(nil)
	}

	return result, err
}

func runQuery(db *sql.DB, tx *sql.Tx, qc *herd.QueryContext) (*herd.Result, error) {
	switch qc.Mode {
	case herd.ModeExec:
		var res sql.Result
		var err error
		if tx != nil {
			res, err = tx.Exec(qc.SQL, qc.Args...)
		} else {
			res, err = db.Exec(qc.SQL, qc.Args...)
		}
		if err != nil {
			return nil, err
		}

		affected, _ := res.RowsAffected()
		lastID, _ := res.LastInsertId()
		return &herd.Result{RowsAffected: affected, LastInsertID: lastID}, nil

	default:
		var rows *sql.Rows
		var err error
		if tx != nil {
			rows, err = tx.Query(qc.SQL, qc.Args...)
		} else {
			rows, err = db.Query(qc.SQL, qc.Args...)
		}
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		return collectRows(rows, qc.Mode)
	}
}

func collectRows(rows *sql.Rows, mode herd.QueryMode) (*herd.Result, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &herd.Result{Columns: columns}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		pointers := make([]interface{}, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err = rows.Scan(pointers...); err != nil {
			return nil, err
		}

		// []byte buffers are reused by the driver between scans.
		for i, v := range values {
			if raw, ok := v.([]byte); ok {
				values[i] = string(raw)
			}
		}

		if mode == herd.ModeRow {
			result.Row = values
			return result, rows.Err()
		}
		result.Rows = append(result.Rows, values)
	}

	return result, rows.Err()
}

// CreateTransaction begins a transaction on the session.
func (c *Connection) CreateTransaction() error {
	c.mu.Lock()
	if c.ended || c.db == nil {
		c.mu.Unlock()
		return herd.WrapError(herd.KindShutdown, "connection is closed", nil)
	}
	if c.tx != nil {
		c.mu.Unlock()
		return herd.WrapError(herd.KindQuery, "transaction already open", nil)
	}
	db := c.db
	c.mu.Unlock()

	tx, err := db.Begin()
	if err != nil {
		return c.mapError(err, "begin failed")
	}

	c.mu.Lock()
	c.tx = tx
	c.mu.Unlock()

	return nil
}

// Rollback closes the open transaction. A kill deferred while the
// transaction was open completes here.
func (c *Connection) Rollback() error {
	c.mu.Lock()
	tx := c.tx
	c.tx = nil
	deferredKill := c.killDeferred && !c.busy
	c.mu.Unlock()

	if tx == nil {
		return herd.WrapError(herd.KindQuery, "no open transaction", nil)
	}

	err := tx.Rollback()

	if deferredKill {
		_ = c.teardown(nil)
	}
	if err != nil {
		return c.mapError(err, "rollback failed")
	}
	return nil
}

// Kill tears the session down as soon as possible: an idle session
// immediately, a busy one after its current query, a session holding a
// transaction only once the transaction closes.
func (c *Connection) Kill() error {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return nil
	}
	if c.busy || c.tx != nil {
		c.killDeferred = true
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.teardown(nil)
}

// NotifyEnd registers a receiver for the single end event. A receiver
// registered after teardown is closed immediately.
func (c *Connection) NotifyEnd(receiver chan error) chan error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ended {
		close(receiver)
		return receiver
	}

	c.endReceivers = append(c.endReceivers, receiver)
	return receiver
}

// NotifyTrouble registers a receiver for connectivity-problem events.
func (c *Connection) NotifyTrouble(receiver chan struct{}) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ended {
		close(receiver)
		return receiver
	}

	c.troubleReceivers = append(c.troubleReceivers, receiver)
	return receiver
}

func (c *Connection) emitTrouble() {
	c.mu.Lock()
	receivers := append([]chan struct{}{}, c.troubleReceivers...)
	c.mu.Unlock()

	for _, ch := range receivers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// teardown closes the session and fires the end event exactly once.
func (c *Connection) teardown(cause error) error {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return nil
	}
	c.ended = true
	db := c.db
	endReceivers := c.endReceivers
	troubleReceivers := c.troubleReceivers
	c.endReceivers = nil
	c.troubleReceivers = nil
	c.mu.Unlock()

	var err error
	if db != nil {
		err = db.Close()
	}

	for _, ch := range endReceivers {
		select {
		case ch <- cause:
		default:
		}
		close(ch)
	}
	for _, ch := range troubleReceivers {
		close(ch)
	}

	return err
}

// mapError classifies a driver error. Connectivity failures emit a trouble
// event; a dead session also fires its end event.
func (c *Connection) mapError(err error, msg string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, driver.ErrBadConn) {
		c.emitTrouble()
		_ = c.teardown(err)
		return herd.WrapError(herd.KindConnectivity, msg, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		c.emitTrouble()
		return herd.WrapError(herd.KindConnectivity, msg, err)
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		if isConnectivityCode(mysqlErr.Number) {
			c.emitTrouble()
			return herd.WrapError(herd.KindConnectivity, fmt.Sprintf("%s: %s", msg, mysqlErr.Message), err)
		}
		return herd.WrapError(herd.KindQuery, fmt.Sprintf("%s: %s", msg, mysqlErr.Message), err)
	}

	if errors.Is(err, mysql.ErrInvalidConn) {
		c.emitTrouble()
		_ = c.teardown(err)
		return herd.WrapError(herd.KindConnectivity, msg, err)
	}

	return herd.WrapError(herd.KindQuery, msg, err)
}

// isConnectivityCode reports whether a MySQL error number indicates the
// server, not the statement, is in trouble.
func isConnectivityCode(code uint16) bool {
	switch code {
	case 1040, // ER_CON_COUNT_ERROR: too many connections
		1053, // ER_SERVER_SHUTDOWN
		1077, // ER_NORMAL_SHUTDOWN
		1152, // ER_ABORTING_CONNECTION
		1203, // ER_TOO_MANY_USER_CONNECTIONS
		1927: // ER_CONNECTION_KILLED
		return true
	}
	return false
}

// Describe reports table structure for the given databases from
// information_schema.
func (c *Connection) Describe(ctx context.Context, databases []string) (map[string]*herd.DatabaseDescription, error) {
	c.mu.Lock()
	if c.ended || c.db == nil {
		c.mu.Unlock()
		return nil, herd.WrapError(herd.KindShutdown, "connection is closed", nil)
	}
	db := c.db
	c.mu.Unlock()

	if len(databases) == 0 {
		return map[string]*herd.DatabaseDescription{}, nil
	}

	placeholders := ""
	args := make([]interface{}, 0, len(databases))
	for i, database := range databases {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, database)
	}

	query := `
		SELECT table_schema,
		       table_name,
		       column_name,
		       data_type,
		       is_nullable = 'YES',
		       column_key = 'PRI'
		FROM information_schema.columns
		WHERE table_schema IN (` + placeholders + `)
		ORDER BY table_schema, table_name, ordinal_position`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, c.mapError(err, "describe failed")
	}
	defer rows.Close()

	description := make(map[string]*herd.DatabaseDescription, len(databases))
	for rows.Next() {
		var schema, table string
		column := &herd.ColumnSchema{}
		if err = rows.Scan(&schema, &table, &column.Name, &column.DataType, &column.Nullable, &column.Primary); err != nil {
			return nil, c.mapError(err, "describe scan failed")
		}

		database := description[schema]
		if database == nil {
			database = &herd.DatabaseDescription{Name: schema, Tables: make(map[string]*herd.TableSchema)}
			description[schema] = database
		}

		tableSchema := database.Tables[table]
		if tableSchema == nil {
			tableSchema = &herd.TableSchema{Name: table}
			database.Tables[table] = tableSchema
		}

		tableSchema.Columns = append(tableSchema.Columns, column)
	}

	return description, rows.Err()
}
