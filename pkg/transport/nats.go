package transport

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/flowchartsman/retry"
	"github.com/nats-io/nats.go"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const headerCorrelationID = "Correlation-Id"

type NATSConfig struct {
	// URL of the NATS endpoint, nats://host:port
	URL string
	// Name is reported to the server for this connection.
	Name           string
	ConnectTimeout time.Duration
	ReconnectWait  time.Duration
	// ConnectRetries bounds the attempts made by Dial before giving up.
	ConnectRetries int
}

func (c *NATSConfig) sanitize() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 2 * time.Second
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.ConnectRetries <= 0 {
		c.ConnectRetries = 5
	}
}

// NATS is a Conn over a NATS connection. The reply address is a private
// inbox subscription, confirmed by a round trip to the server before the
// connection reports ready. A reconnect negotiates a new inbox.
type NATS struct {
	config NATSConfig
	logger *zap.Logger

	nc *nats.Conn

	mu      sync.Mutex
	cb      Callbacks
	listen  *nats.Subscription
	inbox   *nats.Subscription
	replyTo string

	opened *atomic.Bool
	ready  *atomic.Bool
	closed *atomic.Bool
}

var _ Conn = (*NATS)(nil)

// DialNATS connects to the NATS endpoint, retrying with backoff.
func DialNATS(config NATSConfig, logger *zap.Logger) (*NATS, error) {
	if config.URL == "" {
		return nil, errors.New("transport/nats: url is required")
	}
	config.sanitize()
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &NATS{
		config: config,
		logger: logger.Named("nats").With(zap.String("url", config.URL)),
		opened: atomic.NewBool(false),
		ready:  atomic.NewBool(false),
		closed: atomic.NewBool(false),
	}

	opts := nats.GetDefaultOptions()
	opts.Url = config.URL
	opts.Name = config.Name
	opts.Timeout = config.ConnectTimeout
	opts.ReconnectWait = config.ReconnectWait
	opts.MaxReconnect = -1
	opts.DisconnectedErrCB = t.disconnected
	opts.ReconnectedCB = t.reconnected

	var nc *nats.Conn
	retrier := retry.NewRetrier(config.ConnectRetries, 100*time.Millisecond, config.ReconnectWait)
	err := retrier.Run(func() error {
		var err error
		nc, err = opts.Connect()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("transport/nats: connect: %w", err)
	}
	t.nc = nc
	return t, nil
}

func (t *NATS) Open(listen string, cb Callbacks) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if !t.opened.CompareAndSwap(false, true) {
		return errors.New("transport/nats: already open")
	}

	t.mu.Lock()
	t.cb = cb
	sub, err := t.nc.Subscribe(listen, func(m *nats.Msg) { t.deliver(m, false) })
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("transport/nats: subscribe %s: %w", listen, err)
	}
	t.listen = sub
	t.mu.Unlock()

	return t.negotiate()
}

// negotiate installs a fresh reply inbox and flips the connection to ready.
func (t *NATS) negotiate() error {
	t.mu.Lock()
	old := t.inbox
	address := nats.NewInbox()
	sub, err := t.nc.Subscribe(address, func(m *nats.Msg) { t.deliver(m, true) })
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("transport/nats: subscribe reply inbox: %w", err)
	}
	if err := t.nc.FlushTimeout(t.config.ConnectTimeout); err != nil {
		_ = sub.Unsubscribe()
		t.mu.Unlock()
		return fmt.Errorf("transport/nats: flush reply inbox: %w", err)
	}
	t.inbox = sub
	t.replyTo = address
	cb := t.cb
	t.mu.Unlock()

	if old != nil {
		_ = old.Unsubscribe()
	}
	t.ready.Store(true)
	t.logger.Debug("reply address negotiated", zap.String("address", address))
	cb.ready(true)
	return nil
}

func (t *NATS) Send(msg Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if !t.ready.Load() {
		return ErrNotReady
	}

	out := nats.NewMsg(msg.Address)
	out.Reply = msg.ReplyTo
	out.Data = msg.Body
	for k, v := range msg.Properties {
		out.Header.Set(k, v)
	}
	if msg.CorrelationID != 0 {
		out.Header.Set(headerCorrelationID, strconv.FormatUint(msg.CorrelationID, 10))
	}
	if err := t.nc.PublishMsg(out); err != nil {
		return fmt.Errorf("transport/nats: publish %s: %w", msg.Address, err)
	}
	return nil
}

func (t *NATS) Ready() bool { return t.ready.Load() }

func (t *NATS) ReplyAddress() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.replyTo
}

// Close is idempotent.
func (t *NATS) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.ready.Store(false)
	t.nc.Close()
	return nil
}

func (t *NATS) deliver(m *nats.Msg, response bool) {
	msg := Message{
		Address:  m.Subject,
		ReplyTo:  m.Reply,
		Body:     m.Data,
		Response: response,
	}
	for k, vs := range m.Header {
		if len(vs) == 0 {
			continue
		}
		if k == headerCorrelationID {
			id, err := strconv.ParseUint(vs[0], 10, 64)
			if err != nil {
				t.logger.Warn("dropping message with bad correlation id", zap.String("value", vs[0]))
				return
			}
			msg.CorrelationID = id
			continue
		}
		if msg.Properties == nil {
			msg.Properties = make(map[string]string, len(m.Header))
		}
		msg.Properties[k] = vs[0]
	}

	t.mu.Lock()
	cb := t.cb
	t.mu.Unlock()
	cb.message(msg)
}

func (t *NATS) disconnected(_ *nats.Conn, err error) {
	if t.closed.Load() {
		return
	}
	if t.ready.Swap(false) {
		t.logger.Warn("transport disconnected", zap.Error(err))
		t.mu.Lock()
		cb := t.cb
		t.mu.Unlock()
		cb.ready(false)
	}
}

func (t *NATS) reconnected(_ *nats.Conn) {
	if t.closed.Load() || !t.opened.Load() {
		return
	}
	t.logger.Info("transport reconnected")
	// Flush must not run on the client's callback goroutine.
	go func() {
		if err := t.negotiate(); err != nil {
			t.logger.Error("reply address negotiation failed", zap.Error(err))
		}
	}()
}
