package herd

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// probeSQL is the trivial statement used to decide whether a host is alive.
const probeSQL = "SELECT 1;"

// NodeHandlers are the lifecycle callbacks a Node fires for its owner.
// Any of them may be nil.
type NodeHandlers struct {
	// OnConnection fires once per successfully opened connection.
	OnConnection func(node *Node, conn Connection)

	// OnLoad fires exactly once, on the scheduling turn after the first
	// OnConnection, so subscribers have time to attach.
	OnLoad func(node *Node)

	// OnEnd fires exactly once when the node ends.
	OnEnd func(node *Node)

	// OnConnectionEnd fires whenever a live connection dies.
	OnConnectionEnd func(node *Node, conn Connection)
}

// Node is a per-host connection pool with its own lifecycle and health
// state. It opens, replenishes, throttles, health-checks and tears down
// driver connections, keeping the pool full up to MaxConnections.
type Node struct {
	ID     string
	Config *NodeConfig

	pools     []string
	composite string
	construct ConnectionConstructor
	handlers  *NodeHandlers
	log       zerolog.Logger

	maxConnections  int
	initialThrottle time.Duration
	checkInterval   time.Duration
	checkTimeout    time.Duration

	mu              sync.Mutex
	connections     *connectionList
	creatingCount   int
	epoch           uint64
	throttling      bool
	throttlePending bool
	throttleTime    time.Duration
	ended           bool
	loadEmitted     bool
	errorChecking   bool
	lastErrorCheck  time.Time
}

// NewNode builds the node and immediately schedules its first connection.
func NewNode(config *NodeConfig, construct ConnectionConstructor, handlers *NodeHandlers, log zerolog.Logger) *Node {
	cfg := config.withDefaults()
	if handlers == nil {
		handlers = &NodeHandlers{}
	}

	n := &Node{
		ID:              uuid.NewString(),
		Config:          cfg,
		pools:           append([]string{}, cfg.Pools...),
		composite:       compositeName(cfg.Pools),
		construct:       construct,
		handlers:        handlers,
		maxConnections:  int(cfg.MaxConnections),
		initialThrottle: time.Duration(cfg.ThrottleTime) * time.Millisecond,
		checkInterval:   time.Duration(cfg.ErrorCheckInterval) * time.Millisecond,
		checkTimeout:    time.Duration(cfg.ErrorCheckTimeout) * time.Millisecond,
		connections:     newConnectionList(),
		throttling:      true,
		throttleTime:    time.Duration(cfg.ThrottleTime) * time.Millisecond,
	}
	n.log = log.With().Str("node", n.ID).Str("pools", n.composite).Logger()

	go n.createConnection()

	return n
}

// Count is the number of live connections.
func (n *Node) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connections.len()
}

// CreatingCount is the number of connections currently being opened.
func (n *Node) CreatingCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.creatingCount
}

// Idle is the share of the connection cap currently open, as a rounded
// percentage. A node with a smaller cap contributes proportionally fewer
// connections to the cluster, which biases traffic toward bigger nodes
// without an explicit weight.
func (n *Node) Idle() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return int(math.Round(float64(n.connections.len()) / float64(n.maxConnections) * 100))
}

// Pools returns the pool names this node serves.
func (n *Node) Pools() []string {
	return n.pools
}

// CompositeName is the deterministic join of the node's pool names.
func (n *Node) CompositeName() string {
	return n.composite
}

// Ended reports whether End has been called.
func (n *Node) Ended() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ended
}

// ServesPool reports whether the node participates in the named pool.
func (n *Node) ServesPool(pool string) bool {
	for _, p := range n.pools {
		if p == pool {
			return true
		}
	}
	return false
}

// nextThrottle grows a backoff by 10%, rounding up to whole milliseconds.
func nextThrottle(d time.Duration) time.Duration {
	ms := math.Ceil(float64(d.Milliseconds()) * 1.1)
	return time.Duration(ms) * time.Millisecond
}

func (n *Node) atCapacityLocked() bool {
	return n.connections.len()+n.creatingCount >= n.maxConnections
}

// createConnection tries to grow the pool by one connection. While
// throttling, only a single delayed attempt may be in flight; otherwise the
// fill is concurrent up to the cap, scheduling the next attempt without
// awaiting the current one.
func (n *Node) createConnection() {
	n.mu.Lock()
	if n.ended || n.atCapacityLocked() {
		n.mu.Unlock()
		return
	}

	if n.throttling {
		if n.creatingCount > 0 || n.throttlePending {
			n.mu.Unlock()
			return
		}

		n.throttleTime = nextThrottle(n.throttleTime)
		n.throttlePending = true
		delay := n.throttleTime
		n.mu.Unlock()

		n.log.Debug().Dur("delay", delay).Msg("throttling connection creation")

		time.AfterFunc(delay, func() {
			n.mu.Lock()
			n.throttlePending = false
			n.mu.Unlock()

			if err := n.executeCreateConnection(); err != nil {
				n.createConnection() // re-enters throttled with a larger backoff
				return
			}
			n.createConnection() // resume filling the pool
		})
		return
	}

	n.mu.Unlock()

	go n.createConnection()

	if err := n.executeCreateConnection(); err != nil {
		go n.createConnection()
	}
}

// executeCreateConnection performs one open attempt. The cap is re-checked
// under the lock when creatingCount is incremented, so concurrent attempts
// can never drive count+creatingCount past the cap.
func (n *Node) executeCreateConnection() error {
	n.mu.Lock()
	if n.ended {
		n.mu.Unlock()
		return ErrNodeEnded
	}
	if n.atCapacityLocked() {
		n.mu.Unlock()
		return nil
	}

	epoch := n.epoch
	n.creatingCount++
	n.mu.Unlock()

	conn := n.construct(n.Config, uuid.NewString(), n)
	err := conn.Connect()

	n.mu.Lock()
	if n.epoch == epoch {
		n.creatingCount--
	}

	if err != nil {
		n.throttling = true
		ended := n.ended
		n.mu.Unlock()

		n.log.Warn().Err(err).Msg("connection open failed")

		if ended {
			return WrapError(KindOpenFailure, "connection open failed after node end", err)
		}

		n.handleConnectivityProblem()
		return WrapError(KindOpenFailure, "connection open failed", err)
	}

	if n.ended || n.epoch != epoch {
		// The node ended or reset while this open was in flight.
		ended := n.ended
		n.mu.Unlock()

		_ = conn.Kill()
		if ended {
			return ErrNodeEnded
		}
		return nil
	}

	n.connections.add(conn)
	n.throttling = false
	n.throttleTime = n.initialThrottle
	first := !n.loadEmitted
	n.loadEmitted = true
	n.mu.Unlock()

	n.log.Debug().Str("conn", conn.ID()).Msg("connection opened")

	endCh := conn.NotifyEnd(make(chan error, 1))
	troubleCh := conn.NotifyTrouble(make(chan struct{}, 8))
	go n.watchConnection(conn, endCh, troubleCh)

	if n.handlers.OnConnection != nil {
		n.handlers.OnConnection(n, conn)
	}
	if first && n.handlers.OnLoad != nil {
		go n.handlers.OnLoad(n)
	}

	return nil
}

// watchConnection drains a connection's notify channels for its lifetime.
func (n *Node) watchConnection(conn Connection, endCh chan error, troubleCh chan struct{}) {
	for {
		select {
		case err := <-endCh:
			if err != nil {
				n.log.Warn().Err(err).Str("conn", conn.ID()).Msg("connection ended")
			}

			n.mu.Lock()
			n.connections.remove(conn.ID())
			ended := n.ended
			n.mu.Unlock()

			if n.handlers.OnConnectionEnd != nil {
				n.handlers.OnConnectionEnd(n, conn)
			}
			if !ended {
				go n.createConnection()
			}
			return

		case _, ok := <-troubleCh:
			if !ok {
				// Drivers may close the trouble channel at teardown;
				// block on the end event alone from here.
				troubleCh = nil
				continue
			}
			n.handleConnectivityProblem()
		}
	}
}

// handleConnectivityProblem reacts to a failed open or a driver-reported
// problem by probing the oldest connection, at most once per check interval.
func (n *Node) handleConnectivityProblem() {
	n.mu.Lock()
	if n.ended || n.errorChecking || time.Since(n.lastErrorCheck) <= n.checkInterval {
		n.mu.Unlock()
		return
	}

	if n.connections.len() == 0 {
		n.mu.Unlock()
		go n.createConnection()
		return
	}

	n.errorChecking = true
	n.lastErrorCheck = time.Now()
	oldest := n.connections.oldest()
	n.mu.Unlock()

	n.log.Debug().Str("conn", oldest.ID()).Msg("probing oldest connection")

	go n.probeConnection(oldest)
}

func (n *Node) probeConnection(conn Connection) {
	timer := time.AfterFunc(n.checkTimeout, func() {
		n.log.Warn().Str("conn", conn.ID()).Msg("health probe timed out")
		n.resetNode()
	})

	_, err := conn.Query(&QueryContext{SQL: probeSQL, Mode: ModeQuery})

	if !timer.Stop() {
		// The deadline fired first and owns the reset; whatever the probe
		// returned afterwards is swallowed.
		return
	}

	n.mu.Lock()
	n.errorChecking = false
	n.mu.Unlock()

	if err != nil {
		n.log.Warn().Err(err).Str("conn", conn.ID()).Msg("health probe failed")
		n.resetNode()
	}
}

// resetNode kills every connection and rebuilds the pool from scratch with
// throttling re-armed.
func (n *Node) resetNode() {
	n.mu.Lock()
	if n.ended {
		n.mu.Unlock()
		return
	}

	conns := n.connections.drain()
	n.connections = newConnectionList()
	n.creatingCount = 0
	n.epoch++
	n.throttling = true
	n.throttleTime = n.initialThrottle
	n.errorChecking = false
	n.mu.Unlock()

	n.log.Warn().Int("killed", len(conns)).Msg("resetting node")

	for _, conn := range conns {
		if err := conn.Kill(); err != nil {
			n.log.Warn().Err(err).Str("conn", conn.ID()).Msg("kill failed during reset")
		}
	}

	go n.createConnection()
}

// End terminates the node. Idempotent; after it returns no new connections
// are ever created. Kill errors are aggregated.
func (n *Node) End() error {
	n.mu.Lock()
	if n.ended {
		n.mu.Unlock()
		return nil
	}

	n.ended = true
	n.epoch++
	conns := n.connections.drain()
	n.connections = newConnectionList()
	n.creatingCount = 0
	n.errorChecking = false
	n.mu.Unlock()

	n.log.Info().Int("killed", len(conns)).Msg("node ended")

	var result *multierror.Error
	for _, conn := range conns {
		if err := conn.Kill(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if n.handlers.OnEnd != nil {
		n.handlers.OnEnd(n)
	}

	return result.ErrorOrNil()
}
