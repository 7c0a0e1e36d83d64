package statesync

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/benbjohnson/clock"
	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/ryandielhenn/fabricsync/internal/telemetry"
	"github.com/ryandielhenn/fabricsync/pkg/correlator"
	"github.com/ryandielhenn/fabricsync/pkg/transport"
)

var (
	ErrAlreadyRunning = errors.New("statesync: controller already running")
	ErrStopped        = errors.New("statesync: controller stopped")
)

// Controller synchronizes state with the peers of one controller class. All
// of its exported methods are safe for concurrent use.
type Controller struct {
	config  Config
	handler Handler
	claims  ClaimHandler
	logger  *zap.Logger
	clock   clock.Clock

	events  chan func()
	done    chan struct{}
	stopped chan struct{}
	running *atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	requests *correlator.Correlator[transport.Message]

	// owned by the event loop
	peers       *Registry
	conns       map[string]*connection
	targets     mapset.Set[string]
	inflight    mapset.Set[inflightKey]
	accelerated mapset.Set[string]
}

type connection struct {
	key   string
	conn  transport.Conn
	ready bool
}

type inflightKey struct {
	peer        string
	incarnation uint64
	key         string
}

func New(config Config, handler Handler, opts ...Option) (*Controller, error) {
	if handler == nil {
		return nil, errors.New("statesync: handler is required")
	}
	config.sanitize()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		config:      config,
		handler:     handler,
		logger:      zap.NewNop(),
		clock:       clock.New(),
		events:      make(chan func(), eventQueueSize),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
		running:     atomic.NewBool(false),
		ctx:         ctx,
		cancel:      cancel,
		peers:       NewRegistry(),
		conns:       make(map[string]*connection),
		targets:     mapset.NewThreadUnsafeSet[string](),
		inflight:    mapset.NewThreadUnsafeSet[inflightKey](),
		accelerated: mapset.NewThreadUnsafeSet[string](),
	}
	if ch, ok := handler.(ClaimHandler); ok {
		c.claims = ch
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("statesync").With(
		zap.String("site", config.ID),
		zap.String("class", string(config.Class)),
	)
	c.requests = correlator.New[transport.Message](c.clock)
	return c, nil
}

func (c *Controller) Config() Config { return c.config }

// Run drives the event loop until ctx is done or Stop is called. On return
// every connection is closed and every outstanding request has failed.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	heartbeat := c.clock.Ticker(c.config.HeartbeatInterval)
	sweep := c.clock.Ticker(c.config.SweepInterval)
	defer func() {
		heartbeat.Stop()
		sweep.Stop()
		c.shutdown()
	}()

	c.logger.Info("state sync controller started",
		zap.String("address", c.config.Address),
		zap.Duration("heartbeat", c.config.HeartbeatInterval),
		zap.Duration("peer_timeout", c.config.PeerTimeout),
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.ctx.Done():
			return nil
		case fn := <-c.events:
			fn()
		case <-heartbeat.C:
			c.tick()
		case <-sweep.C:
			c.sweep()
		}
		c.flushAccelerated()
	}
}

// Stop ends Run and waits for it to clean up.
func (c *Controller) Stop() {
	c.cancel()
	if c.running.Load() {
		<-c.stopped
	}
}

func (c *Controller) shutdown() {
	close(c.done)
	c.cancel()
	c.requests.Close()
	for _, key := range slices.Sorted(maps.Keys(c.conns)) {
		if err := c.conns[key].conn.Close(); err != nil {
			c.logger.Warn("closing connection", zap.String("connection", key), zap.Error(err))
		}
		delete(c.conns, key)
	}
	c.wg.Wait()
	for _, s := range []PeerState{PeerJoining, PeerSynced} {
		telemetry.Peers.WithLabelValues(s.String()).Set(0)
	}
	c.logger.Info("state sync controller stopped")
	close(c.stopped)
}

// post queues fn for the event loop. It reports false once the loop is gone.
func (c *Controller) post(fn func()) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- fn:
		return true
	case <-c.done:
		return false
	}
}

// spawn runs fn off the loop. Only the loop calls it.
func (c *Controller) spawn(fn func(ctx context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
}

// await hands the outcome of f back to the loop.
func (c *Controller) await(f *correlator.Future[transport.Message], fn func(transport.Message, error)) {
	c.spawn(func(context.Context) {
		m, err := f.Result()
		c.post(func() { fn(m, err) })
	})
}

// AddConnection registers conn under key and opens it on the controller's
// address. Readiness is reported asynchronously; a connection that becomes
// ready again after a loss counts as new.
func (c *Controller) AddConnection(key string, conn transport.Conn) error {
	if key == "" || conn == nil {
		return errors.New("statesync: connection key and conn are required")
	}
	if !c.post(func() { c.attach(key, conn) }) {
		return ErrStopped
	}
	err := conn.Open(c.config.Address, transport.Callbacks{
		OnMessage: func(m transport.Message) {
			c.post(func() { c.receive(key, conn, m) })
		},
		OnReady: func(ready bool) {
			c.post(func() { c.readiness(key, conn, ready) })
		},
	})
	if err != nil {
		c.post(func() { c.detach(key, conn) })
		return fmt.Errorf("statesync: open connection %s: %w", key, err)
	}
	return nil
}

// DeleteConnection closes and forgets the connection registered under key.
func (c *Controller) DeleteConnection(key string) {
	c.post(func() {
		if cur, ok := c.conns[key]; ok {
			c.detach(key, cur.conn)
		}
	})
}

func (c *Controller) attach(key string, conn transport.Conn) {
	if old, ok := c.conns[key]; ok && old.conn != conn {
		c.detach(key, old.conn)
	}
	c.conns[key] = &connection{key: key, conn: conn, ready: conn.Ready()}
	c.logger.Info("connection added", zap.String("connection", key))
}

func (c *Controller) detach(key string, conn transport.Conn) {
	if cur, ok := c.conns[key]; ok && cur.conn == conn {
		delete(c.conns, key)
	}
	// Close may wait for the connection's delivery goroutine (BusConn does),
	// and that goroutine may be blocked posting to this loop.
	c.spawn(func(context.Context) {
		if err := conn.Close(); err != nil {
			c.logger.Warn("closing connection", zap.String("connection", key), zap.Error(err))
		}
	})
	c.logger.Info("connection removed", zap.String("connection", key))
}

// lookup returns the registered connection for key if it is still conn.
func (c *Controller) lookup(key string, conn transport.Conn) (*connection, bool) {
	cur, ok := c.conns[key]
	if !ok || cur.conn != conn {
		return nil, false
	}
	return cur, true
}

func (c *Controller) readiness(key string, conn transport.Conn, ready bool) {
	cur, ok := c.lookup(key, conn)
	if !ok {
		return
	}
	cur.ready = ready
	if !ready {
		c.logger.Warn("connection not ready", zap.String("connection", key))
		return
	}
	c.logger.Info("connection ready", zap.String("connection", key), zap.String("reply_to", conn.ReplyAddress()))
	for _, p := range c.peers.All() {
		if p.ConnectionKey == key {
			p.fullSync = true
			c.accelerated.Add(p.ID)
		}
	}
	c.heartbeatTargets(cur)
}

// readyConns returns the ready connections ordered by key.
func (c *Controller) readyConns() []*connection {
	var out []*connection
	for _, key := range slices.Sorted(maps.Keys(c.conns)) {
		if cur := c.conns[key]; cur.ready {
			out = append(out, cur)
		}
	}
	return out
}

// connFor prefers the connection p was last heard on.
func (c *Controller) connFor(p *Peer) *connection {
	if cur, ok := c.conns[p.ConnectionKey]; ok && cur.ready {
		return cur
	}
	if ready := c.readyConns(); len(ready) > 0 {
		return ready[0]
	}
	return nil
}

// AddTarget makes the controller heartbeat address even before anything is
// heard from it.
func (c *Controller) AddTarget(address string) {
	c.post(func() {
		if address == "" || address == c.config.Address || !c.targets.Add(address) {
			return
		}
		c.logger.Info("target added", zap.String("target", address))
		for _, conn := range c.readyConns() {
			c.heartbeatTarget(conn, address)
		}
	})
}

func (c *Controller) RemoveTarget(address string) {
	c.post(func() {
		if c.targets.Contains(address) {
			c.targets.Remove(address)
			c.logger.Info("target removed", zap.String("target", address))
		}
	})
}

// UpdateLocalState records that key, owned by this controller toward peerID,
// now has hash; nil deletes it. The peer learns about it on an accelerated
// heartbeat. Updates for unknown peers are dropped: their baseline will
// carry the key when they join.
func (c *Controller) UpdateLocalState(peerID, key string, hash *string) {
	if hash != nil {
		h := *hash
		hash = &h
	}
	c.post(func() { c.updateLocal(peerID, key, hash) })
}

func (c *Controller) updateLocal(peerID, key string, hash *string) {
	p, ok := c.peers.Get(peerID)
	if !ok {
		c.logger.Debug("local state for unknown peer ignored", zap.String("peer", peerID), zap.String("key", key))
		return
	}
	cur, exists := p.local[key]
	if exists && sameHash(cur, hash) || !exists && hash == nil {
		return
	}
	p.local[key] = hash
	p.dirty.Add(key)
	c.accelerated.Add(p.ID)
}

func sameHash(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Peers returns a snapshot of the peer table.
func (c *Controller) Peers(ctx context.Context) ([]PeerInfo, error) {
	out := make(chan []PeerInfo, 1)
	if !c.post(func() { out <- c.peers.Snapshot() }) {
		return nil, ErrStopped
	}
	select {
	case v := <-out:
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PendingRequests is the number of requests awaiting a reply.
func (c *Controller) PendingRequests() int { return c.requests.Pending() }

func (c *Controller) updatePeerGauge() {
	for _, s := range []PeerState{PeerJoining, PeerSynced} {
		telemetry.Peers.WithLabelValues(s.String()).Set(float64(c.peers.Count(s)))
	}
}
