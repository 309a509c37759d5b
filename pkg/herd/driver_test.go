package herd

import (
	"context"
	"sync"
	"time"
)

// fakeConn is the in-memory driver session used across the package tests.
type fakeConn struct {
	id     string
	node   *Node
	driver *fakeDriver

	mu               sync.Mutex
	connected        bool
	killed           bool
	ended            bool
	txOpen           bool
	queries          []*QueryContext
	endReceivers     []chan error
	troubleReceivers []chan struct{}
}

func (fc *fakeConn) ID() string {
	return fc.id
}

func (fc *fakeConn) Connect() error {
	d := fc.driver

	d.mu.Lock()
	d.attempts++
	attempt := d.attempts
	d.inFlight++
	if d.inFlight > d.maxInFlight {
		d.maxInFlight = d.inFlight
	}
	if fc.node != nil {
		observed := fc.node.Count() + fc.node.CreatingCount()
		if observed > int(fc.node.Config.MaxConnections) {
			d.capViolations++
		}
	}
	delay := d.connectDelay
	connectFn := d.connectFn
	d.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	var err error
	if connectFn != nil {
		err = connectFn(attempt)
	}

	d.mu.Lock()
	d.inFlight--
	d.mu.Unlock()

	if err != nil {
		return err
	}

	fc.mu.Lock()
	fc.connected = true
	fc.mu.Unlock()
	return nil
}

func (fc *fakeConn) Query(qc *QueryContext) (*Result, error) {
	fc.mu.Lock()
	fc.queries = append(fc.queries, qc)
	fc.mu.Unlock()

	fc.driver.mu.Lock()
	queryFn := fc.driver.queryFn
	fc.driver.mu.Unlock()

	if queryFn != nil {
		return queryFn(fc, qc)
	}
	return &Result{}, nil
}

func (fc *fakeConn) CreateTransaction() error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.txOpen = true
	return nil
}

func (fc *fakeConn) Rollback() error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.txOpen = false
	return nil
}

func (fc *fakeConn) Kill() error {
	fc.mu.Lock()
	if fc.ended {
		fc.mu.Unlock()
		return nil
	}
	fc.killed = true
	fc.mu.Unlock()

	fc.terminate(nil)
	return nil
}

// terminate fires the end event once, optionally with a cause.
func (fc *fakeConn) terminate(cause error) {
	fc.mu.Lock()
	if fc.ended {
		fc.mu.Unlock()
		return
	}
	fc.ended = true
	endReceivers := fc.endReceivers
	troubleReceivers := fc.troubleReceivers
	fc.endReceivers = nil
	fc.troubleReceivers = nil
	fc.mu.Unlock()

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
}

func (fc *fakeConn) emitTrouble() {
	fc.mu.Lock()
	receivers := append([]chan struct{}{}, fc.troubleReceivers...)
	fc.mu.Unlock()

	for _, ch := range receivers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (fc *fakeConn) NotifyEnd(receiver chan error) chan error {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.ended {
		close(receiver)
		return receiver
	}
	fc.endReceivers = append(fc.endReceivers, receiver)
	return receiver
}

func (fc *fakeConn) NotifyTrouble(receiver chan struct{}) chan struct{} {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.ended {
		close(receiver)
		return receiver
	}
	fc.troubleReceivers = append(fc.troubleReceivers, receiver)
	return receiver
}

func (fc *fakeConn) isConnected() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.connected
}

func (fc *fakeConn) wasKilled() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.killed
}

func (fc *fakeConn) queryCount() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.queries)
}

// describeConn is a fakeConn whose driver supports Describe.
type describeConn struct {
	*fakeConn
	description map[string]*DatabaseDescription
}

func (dc *describeConn) Describe(ctx context.Context, databases []string) (map[string]*DatabaseDescription, error) {
	return dc.description, nil
}

// fakeDriver manufactures fakeConns and records open behavior.
type fakeDriver struct {
	mu            sync.Mutex
	conns         []*fakeConn
	attempts      int
	inFlight      int
	maxInFlight   int
	capViolations int
	connectDelay  time.Duration
	connectFn     func(attempt int) error
	queryFn       func(fc *fakeConn, qc *QueryContext) (*Result, error)
	describe      map[string]*DatabaseDescription
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{}
}

func (d *fakeDriver) constructor() ConnectionConstructor {
	return func(cfg *NodeConfig, id string, node *Node) Connection {
		fc := &fakeConn{id: id, node: node, driver: d}

		d.mu.Lock()
		d.conns = append(d.conns, fc)
		describe := d.describe
		d.mu.Unlock()

		if describe != nil {
			return &describeConn{fakeConn: fc, description: describe}
		}
		return fc
	}
}

func (d *fakeDriver) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *fakeDriver) connections() []*fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeConn{}, d.conns...)
}

func (d *fakeDriver) violations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.capViolations
}

func (d *fakeDriver) maxConcurrentOpens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxInFlight
}
