package transport

import (
	"fmt"
	"sync"

	"go.uber.org/atomic"
)

const busQueueSize = 1024

// Bus is an in-process message fabric. Connections dialled from the same Bus
// reach each other by address, deliveries are asynchronous and ordered per
// receiving connection.
type Bus struct {
	mu     sync.RWMutex
	routes map[string]*BusConn
	filter func(Message) bool
	seq    atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{routes: make(map[string]*BusConn)}
}

// SetFilter installs a predicate consulted for every message; returning false
// drops the message. A nil filter delivers everything.
func (b *Bus) SetFilter(fn func(Message) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filter = fn
}

// Inject delivers msg as if some connection had sent it.
func (b *Bus) Inject(msg Message) {
	b.route(msg)
}

func (b *Bus) Dial() *BusConn {
	c := &BusConn{
		bus:   b,
		queue: make(chan Message, busQueueSize),
		quit:  make(chan struct{}),
		ready: atomic.NewBool(false),
	}
	return c
}

func (b *Bus) route(msg Message) {
	b.mu.RLock()
	filter := b.filter
	dst, ok := b.routes[msg.Address]
	b.mu.RUnlock()

	if !ok || (filter != nil && !filter(msg)) {
		return
	}
	dst.enqueue(msg)
}

func (b *Bus) bind(address string, c *BusConn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routes[address] = c
}

func (b *Bus) unbind(addresses ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, a := range addresses {
		delete(b.routes, a)
	}
}

// BusConn is a Conn on a Bus.
type BusConn struct {
	bus   *Bus
	queue chan Message
	quit  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup

	mu      sync.Mutex
	cb      Callbacks
	listen  string
	replyTo string
	opened  bool
	closed  bool
	ready   *atomic.Bool
}

var _ Conn = (*BusConn)(nil)

func (c *BusConn) Open(listen string, cb Callbacks) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.opened {
		c.mu.Unlock()
		return fmt.Errorf("transport/bus: already open")
	}
	c.opened = true
	c.cb = cb
	c.listen = listen
	c.mu.Unlock()

	c.bus.bind(listen, c)
	c.wg.Add(1)
	go c.pump()
	c.negotiate()
	return nil
}

// Disconnect simulates the loss of the endpoint: readiness drops and nothing
// is delivered until Reconnect.
func (c *BusConn) Disconnect() {
	c.mu.Lock()
	listen, reply, cb := c.listen, c.replyTo, c.cb
	c.replyTo = ""
	c.mu.Unlock()

	c.bus.unbind(listen, reply)
	if c.ready.Swap(false) {
		cb.ready(false)
	}
}

// Reconnect restores delivery with a newly negotiated reply address.
func (c *BusConn) Reconnect() {
	c.mu.Lock()
	listen, closed := c.listen, c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.bus.bind(listen, c)
	c.negotiate()
}

func (c *BusConn) negotiate() {
	address := fmt.Sprintf("_INBOX.bus.%d", c.bus.seq.Inc())
	c.bus.bind(address, c)

	c.mu.Lock()
	c.replyTo = address
	cb := c.cb
	c.mu.Unlock()

	c.ready.Store(true)
	cb.ready(true)
}

func (c *BusConn) Send(msg Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !c.ready.Load() {
		return ErrNotReady
	}
	c.bus.route(msg)
	return nil
}

func (c *BusConn) Ready() bool { return c.ready.Load() }

func (c *BusConn) ReplyAddress() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replyTo
}

// Close is idempotent.
func (c *BusConn) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		listen, reply := c.listen, c.replyTo
		c.mu.Unlock()

		c.ready.Store(false)
		c.bus.unbind(listen, reply)
		close(c.quit)
		c.wg.Wait()
	})
	return nil
}

// enqueue never blocks the sender; a full queue drops like a congested bus.
func (c *BusConn) enqueue(msg Message) {
	select {
	case c.queue <- msg:
	default:
	}
}

func (c *BusConn) pump() {
	defer c.wg.Done()
	for {
		select {
		case <-c.quit:
			return
		case msg := <-c.queue:
			c.mu.Lock()
			cb, reply := c.cb, c.replyTo
			c.mu.Unlock()
			msg.Response = msg.Address == reply
			cb.message(msg)
		}
	}
}
