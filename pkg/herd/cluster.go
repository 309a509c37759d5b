package herd

import (
	"context"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/hashicorp/go-multierror"
	cmap "github.com/orcaman/concurrent-map"
	"github.com/rs/zerolog"
)

// connectionEntry ties a connection to its owning node inside the cluster's
// idle and lease registries.
type connectionEntry struct {
	conn Connection
	node *Node
}

// Cluster is the process-wide facade owning all nodes. It routes connection
// requests to an eligible node's connections and offers Query on top of
// GetConnection.
type Cluster struct {
	Config *ClusterConfig

	construct  ConnectionConstructor
	log        zerolog.Logger
	requestTTL time.Duration

	mu     sync.Mutex
	nodes  []*Node
	closed bool

	// dispatchLock serializes every queue scan and the idle/lease moves made
	// by dispatch. claimIdle takes idle connections through the map's atomic
	// remove without it, and lease returns update the maps directly.
	dispatchLock      sync.Mutex
	requestQueues     map[string]*queue.Queue
	idleConnections   cmap.ConcurrentMap
	leasedConnections cmap.ConcurrentMap

	errorHandler     func(error)
	unhealthyHandler func(error)
}

// NewCluster creates the cluster shell. It does not touch the network;
// nodes are added with AddNode.
func NewCluster(config *ClusterConfig, construct ConnectionConstructor) (*Cluster, error) {
	return NewClusterWithHandlers(config, construct, nil, nil)
}

// NewClusterWithLogger creates a cluster that logs lifecycle events.
func NewClusterWithLogger(config *ClusterConfig, construct ConnectionConstructor, log zerolog.Logger) (*Cluster, error) {
	c, err := NewClusterWithHandlers(config, construct, nil, nil)
	if err != nil {
		return nil, err
	}
	c.log = log
	return c, nil
}

// NewClusterWithHandlers creates a cluster with an error and/or unhealthy
// handler. The error handler observes errors the cluster absorbs (expired
// request aborts); the unhealthy handler observes flagged connection returns.
func NewClusterWithHandlers(config *ClusterConfig, construct ConnectionConstructor, errorHandler func(error), unhealthyHandler func(error)) (*Cluster, error) {
	if config == nil {
		return nil, ErrNilConfig
	}
	if construct == nil {
		return nil, ErrNilConstructor
	}

	ttl := config.RequestTTL
	if ttl == 0 {
		ttl = DefaultRequestTTL
	}

	return &Cluster{
		Config:            config,
		construct:         construct,
		log:               zerolog.Nop(),
		requestTTL:        time.Duration(ttl) * time.Millisecond,
		requestQueues:     make(map[string]*queue.Queue),
		idleConnections:   cmap.New(),
		leasedConnections: cmap.New(),
		errorHandler:      errorHandler,
		unhealthyHandler:  unhealthyHandler,
	}, nil
}

func (c *Cluster) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// AddNode constructs a Node for one configured host and blocks until the
// node reports its first load, the node ends, or ctx is done.
func (c *Cluster) AddNode(ctx context.Context, config *NodeConfig) error {
	if config == nil {
		return ErrNilConfig
	}
	if c.isClosed() {
		return WrapError(KindShutdown, "cluster is closed", ErrClusterClosed)
	}

	loadCh := make(chan struct{})
	endCh := make(chan struct{})

	handlers := &NodeHandlers{
		OnConnection: func(node *Node, conn Connection) {
			c.dispatch(node, conn)
		},
		OnLoad: func(*Node) {
			close(loadCh)
		},
		OnEnd: func(*Node) {
			close(endCh)
		},
		OnConnectionEnd: func(_ *Node, conn Connection) {
			c.forgetConnection(conn)
		},
	}

	c.dispatchLock.Lock()
	for _, pool := range config.withDefaults().Pools {
		c.ensureQueueLocked(pool)
	}
	c.dispatchLock.Unlock()

	node := NewNode(config, c.construct, handlers, c.log)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = node.End()
		return WrapError(KindShutdown, "cluster is closed", ErrClusterClosed)
	}
	c.nodes = append(c.nodes, node)
	c.mu.Unlock()

	select {
	case <-loadCh:
		c.log.Info().Str("node", node.ID).Str("pools", node.CompositeName()).Msg("node loaded")
		return nil
	case <-endCh:
		c.removeNode(node)
		return NewError(KindOpenFailure, "node ended before first load")
	case <-ctx.Done():
		c.removeNode(node)
		_ = node.End()
		return WrapError(KindOpenFailure, "node startup cancelled", ctx.Err())
	}
}

func (c *Cluster) removeNode(node *Node) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, n := range c.nodes {
		if n == node {
			c.nodes = append(c.nodes[:i], c.nodes[i+1:]...)
			return
		}
	}
}

// GetConnection leases a connection from the named pool, waiting up to the
// cluster's request TTL.
func (c *Cluster) GetConnection(pool string) (Connection, error) {
	return c.GetConnectionContext(context.Background(), pool)
}

// GetConnectionContext leases a connection from the named pool, waiting up
// to the request TTL or until ctx is done, whichever comes first.
func (c *Cluster) GetConnectionContext(ctx context.Context, pool string) (Connection, error) {
	if c.isClosed() {
		return nil, WrapError(KindShutdown, "cluster is closed", ErrClusterClosed)
	}

	if conn := c.claimIdle(pool); conn != nil {
		return conn, nil
	}

	req := NewConnectionRequest(pool)

	c.dispatchLock.Lock()
	if c.isClosed() {
		c.dispatchLock.Unlock()
		return nil, WrapError(KindShutdown, "cluster is closed", ErrClusterClosed)
	}
	q := c.ensureQueueLocked(pool)
	c.sweepExpiredLocked(q)
	_ = q.Put(req)
	c.dispatchLock.Unlock()

	// A connection may have gone idle between the fast path and the enqueue;
	// without this the request would wait for the next return event.
	if conn := c.claimIdle(pool); conn != nil {
		if req.Execute(conn) {
			return conn, nil
		}
		c.releaseClaim(conn)
	}

	timer := time.NewTimer(c.requestTTL)
	defer timer.Stop()

	select {
	case <-req.Ready():
	case <-timer.C:
		req.Abort(NewError(KindRequestTimeout, "connection request expired"))
		c.dropAnswered(pool)
	case <-ctx.Done():
		req.Abort(WrapError(KindRequestTimeout, "connection request cancelled", ctx.Err()))
		c.dropAnswered(pool)
	}

	return req.Result()
}

// dropAnswered removes a waiter-side aborted request from its pool queue so
// an answered request never lingers there.
func (c *Cluster) dropAnswered(pool string) {
	c.dispatchLock.Lock()
	defer c.dispatchLock.Unlock()

	if q := c.requestQueues[pool]; q != nil {
		c.sweepExpiredLocked(q)
	}
}

// claimIdle moves one idle connection usable for pool into the lease
// registry and returns it, or nil when none is available.
func (c *Cluster) claimIdle(pool string) Connection {
	for item := range c.idleConnections.IterBuffered() {
		entry, ok := item.Val.(*connectionEntry)
		if !ok || !entry.node.ServesPool(pool) || entry.node.Ended() {
			continue
		}

		claimed := c.idleConnections.RemoveCb(item.Key, func(key string, v interface{}, exists bool) bool {
			return exists
		})
		if claimed {
			c.leasedConnections.Set(item.Key, entry)
			return entry.conn
		}
	}

	return nil
}

// releaseClaim hands a just-claimed but unused connection back to dispatch.
func (c *Cluster) releaseClaim(conn Connection) {
	v, ok := c.leasedConnections.Get(conn.ID())
	if !ok {
		return
	}
	entry := v.(*connectionEntry)
	c.leasedConnections.Remove(conn.ID())
	c.dispatch(entry.node, entry.conn)
}

// ReturnConnection puts a leased connection back into rotation. A flagged
// return routes into the owning node's connectivity check first.
func (c *Cluster) ReturnConnection(conn Connection, flagged bool) {
	v, ok := c.leasedConnections.Get(conn.ID())
	if !ok {
		return
	}
	entry := v.(*connectionEntry)
	c.leasedConnections.Remove(conn.ID())

	if flagged {
		if c.unhealthyHandler != nil {
			c.unhealthyHandler(NewError(KindConnectivity, "connection returned flagged"))
		}
		entry.node.handleConnectivityProblem()
	}

	if c.isClosed() {
		return
	}

	c.dispatch(entry.node, entry.conn)
}

// dispatch matches a newly available connection against the queues of the
// pools its node serves, oldest request first, dropping answered and expired
// requests as it scans. With no waiter the connection is recorded idle.
func (c *Cluster) dispatch(node *Node, conn Connection) {
	if c.isClosed() {
		return
	}

	c.dispatchLock.Lock()
	defer c.dispatchLock.Unlock()

	for _, pool := range node.Pools() {
		q := c.requestQueues[pool]
		if q == nil {
			continue
		}

		for q.Len() > 0 {
			items, err := q.Get(1)
			if err != nil || len(items) == 0 {
				break
			}

			req, ok := items[0].(*ConnectionRequest)
			if !ok || req.Answered() {
				continue
			}
			if req.IsExpired(c.requestTTL) {
				c.abortExpired(req)
				continue
			}

			if req.Execute(conn) {
				c.leasedConnections.Set(conn.ID(), &connectionEntry{conn: conn, node: node})
				return
			}
		}
	}

	c.idleConnections.Set(conn.ID(), &connectionEntry{conn: conn, node: node})
}

// forgetConnection purges a dead connection from both registries.
func (c *Cluster) forgetConnection(conn Connection) {
	c.idleConnections.Remove(conn.ID())
	c.leasedConnections.Remove(conn.ID())
}

func (c *Cluster) ensureQueueLocked(pool string) *queue.Queue {
	q := c.requestQueues[pool]
	if q == nil {
		q = queue.New(64)
		c.requestQueues[pool] = q
	}
	return q
}

// sweepExpiredLocked drops every expired request so queues stay bounded even
// when no connection ever shows up to drive a dispatch scan.
func (c *Cluster) sweepExpiredLocked(q *queue.Queue) {
	count := q.Len()
	if count == 0 {
		return
	}

	items, err := q.Get(count)
	if err != nil {
		return
	}

	for _, item := range items {
		req, ok := item.(*ConnectionRequest)
		if !ok || req.Answered() {
			continue
		}
		if req.IsExpired(c.requestTTL) {
			c.abortExpired(req)
			continue
		}
		_ = q.Put(req)
	}
}

func (c *Cluster) abortExpired(req *ConnectionRequest) {
	if req.Abort(NewError(KindRequestTimeout, "connection request expired")) {
		c.log.Debug().Str("request", req.ID).Str("pool", req.Pool).Msg("request expired")
		if c.errorHandler != nil {
			c.errorHandler(NewError(KindRequestTimeout, "connection request expired"))
		}
	}
}

// Query acquires a connection for the query's pool, executes, releases and
// resolves with the driver's result. Driver errors pass through unchanged.
func (c *Cluster) Query(qc *QueryContext) (*Result, error) {
	return c.QueryWithContext(context.Background(), qc)
}

// QueryWithContext is Query bounded by ctx during connection acquisition.
func (c *Cluster) QueryWithContext(ctx context.Context, qc *QueryContext) (*Result, error) {
	conn, err := c.GetConnectionContext(ctx, qc.Pool)
	if err != nil {
		return nil, err
	}

	result, queryErr := conn.Query(qc)
	c.ReturnConnection(conn, false)

	return result, queryErr
}

// Describe delegates schema description to any node whose driver supports it.
func (c *Cluster) Describe(ctx context.Context, databases []string) (map[string]*DatabaseDescription, error) {
	c.mu.Lock()
	nodes := append([]*Node{}, c.nodes...)
	c.mu.Unlock()

	lastErr := error(ErrNoDescriber)
	for _, node := range nodes {
		if node.Ended() || len(node.Pools()) == 0 {
			continue
		}

		conn, err := c.GetConnectionContext(ctx, node.Pools()[0])
		if err != nil {
			lastErr = err
			continue
		}

		describer, ok := conn.(Describer)
		if !ok {
			c.ReturnConnection(conn, false)
			continue
		}

		description, err := describer.Describe(ctx, databases)
		c.ReturnConnection(conn, false)
		if err != nil {
			lastErr = err
			continue
		}

		return description, nil
	}

	return nil, lastErr
}

// End shuts the cluster down: every queued request aborts with a shutdown
// error and every node ends. Idempotent.
func (c *Cluster) End() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	nodes := append([]*Node{}, c.nodes...)
	c.mu.Unlock()

	c.dispatchLock.Lock()
	for pool, q := range c.requestQueues {
		for q.Len() > 0 {
			items, err := q.Get(q.Len())
			if err != nil {
				break
			}
			for _, item := range items {
				if req, ok := item.(*ConnectionRequest); ok {
					req.Abort(WrapError(KindShutdown, "cluster ended", ErrClusterClosed))
				}
			}
		}
		delete(c.requestQueues, pool)
	}
	c.idleConnections = cmap.New()
	c.leasedConnections = cmap.New()
	c.dispatchLock.Unlock()

	c.log.Info().Int("nodes", len(nodes)).Msg("cluster ended")

	var result *multierror.Error
	for _, node := range nodes {
		if err := node.End(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}
