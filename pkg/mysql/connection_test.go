package mysql

import (
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftlybear/sqlherd/pkg/herd"
)

func testConfig() *herd.NodeConfig {
	return &herd.NodeConfig{
		Host:     "db-1.local",
		Port:     3306,
		User:     "app",
		Pass:     "secret",
		Database: "app",
	}
}

func TestDSNCarriesCredentials(t *testing.T) {
	conn := NewConnection(testConfig(), "conn-1")
	dsn := conn.dsn()

	assert.Contains(t, dsn, "app:secret@")
	assert.Contains(t, dsn, "tcp(db-1.local:3306)")
	assert.Contains(t, dsn, "/app")
}

func TestDSNFallsBackToSchema(t *testing.T) {
	cfg := testConfig()
	cfg.Database = ""
	cfg.Schema = "reporting"

	conn := NewConnection(cfg, "conn-1")
	assert.Contains(t, conn.dsn(), "/reporting")
}

func TestIsConnectivityCode(t *testing.T) {
	assert.True(t, isConnectivityCode(1040))
	assert.True(t, isConnectivityCode(1053))
	assert.True(t, isConnectivityCode(1927))
	assert.False(t, isConnectivityCode(1064)) // syntax error
	assert.False(t, isConnectivityCode(1146)) // unknown table
}

func TestMapErrorClassifiesSyntaxAsQuery(t *testing.T) {
	conn := NewConnection(testConfig(), "conn-1")

	err := conn.mapError(&mysql.MySQLError{Number: 1064, Message: "syntax error"}, "query failed")
	assert.Equal(t, herd.KindQuery, herd.KindOf(err))
}

func TestMapErrorClassifiesShutdownAsConnectivity(t *testing.T) {
	conn := NewConnection(testConfig(), "conn-1")
	trouble := conn.NotifyTrouble(make(chan struct{}, 1))

	err := conn.mapError(&mysql.MySQLError{Number: 1053, Message: "server shutdown"}, "query failed")
	assert.Equal(t, herd.KindConnectivity, herd.KindOf(err))

	select {
	case <-trouble:
	default:
		t.Fatal("expected a trouble event")
	}
}

func TestMapErrorBadConnTearsDown(t *testing.T) {
	conn := NewConnection(testConfig(), "conn-1")
	endCh := conn.NotifyEnd(make(chan error, 1))

	err := conn.mapError(mysql.ErrInvalidConn, "query failed")
	assert.Equal(t, herd.KindConnectivity, herd.KindOf(err))

	// The session is dead; the end event fired exactly once.
	_, open := <-endCh
	_, stillOpen := <-endCh
	assert.False(t, open && stillOpen)

	assert.NoError(t, conn.Kill())
}

func TestKillOnUnconnectedSessionFiresEnd(t *testing.T) {
	conn := NewConnection(testConfig(), "conn-1")
	endCh := conn.NotifyEnd(make(chan error, 1))

	require.NoError(t, conn.Kill())

	select {
	case <-endCh:
	default:
		t.Fatal("expected the end event")
	}

	// Idempotent.
	require.NoError(t, conn.Kill())
}

func TestNotifyAfterTeardownClosesImmediately(t *testing.T) {
	conn := NewConnection(testConfig(), "conn-1")
	require.NoError(t, conn.Kill())

	endCh := conn.NotifyEnd(make(chan error, 1))
	_, open := <-endCh
	assert.False(t, open)

	troubleCh := conn.NotifyTrouble(make(chan struct{}, 1))
	_, open = <-troubleCh
	assert.False(t, open)
}

func TestQueryOnDeadSessionReturnsShutdown(t *testing.T) {
	conn := NewConnection(testConfig(), "conn-1")
	require.NoError(t, conn.Kill())

	_, err := conn.Query(&herd.QueryContext{SQL: "SELECT 1;", Mode: herd.ModeQuery})
	assert.Equal(t, herd.KindShutdown, herd.KindOf(err))

	err = conn.CreateTransaction()
	assert.Equal(t, herd.KindShutdown, herd.KindOf(err))
}

func TestRollbackWithoutTransaction(t *testing.T) {
	conn := NewConnection(testConfig(), "conn-1")

	err := conn.Rollback()
	require.Error(t, err)
	assert.Equal(t, herd.KindQuery, herd.KindOf(err))
}

func TestConstructorSatisfiesDriverContract(t *testing.T) {
	var _ herd.ConnectionConstructor = Constructor

	conn := Constructor(testConfig(), "conn-7", nil)
	require.NotNil(t, conn)
	assert.Equal(t, "conn-7", conn.ID())
}
