package statesync

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ryandielhenn/fabricsync/internal/telemetry"
	"github.com/ryandielhenn/fabricsync/pkg/correlator"
	"github.com/ryandielhenn/fabricsync/pkg/protocol"
	"github.com/ryandielhenn/fabricsync/pkg/transport"
)

// reconcile starts a pull or a delete for every key p advertised that
// differs from what has been applied. It runs on every heartbeat from p, so a
// failed pull is retried on the next one.
func (c *Controller) reconcile(p *Peer) {
	for key := range p.reported {
		c.reconcileKey(p, key)
	}
}

func (c *Controller) reconcileKey(p *Peer, key string) {
	want, advertised := p.reported[key]
	if !advertised {
		return
	}
	have, held := p.remote[key]
	switch {
	case want == nil && !held:
		return
	case want != nil && held && have == *want:
		return
	case c.inflight.Contains(c.inflightKey(p, key)):
		return
	case want == nil:
		c.remove(p, key)
	default:
		c.fetch(p, key, *want)
	}
}

func (c *Controller) inflightKey(p *Peer, key string) inflightKey {
	return inflightKey{peer: p.ID, incarnation: p.incarnation, key: key}
}

// request sends body to address and returns the future of its reply.
func (c *Controller) request(conn *connection, address string, body []byte) *correlator.Future[transport.Message] {
	replyTo := conn.conn.ReplyAddress()
	return c.requests.Request(c.config.RequestTimeout, func(id uint64) error {
		return conn.conn.Send(transport.Message{
			Address:       address,
			ReplyTo:       replyTo,
			CorrelationID: id,
			Body:          body,
		})
	})
}

func (c *Controller) fetch(p *Peer, key, hash string) {
	conn := c.connFor(p)
	if conn == nil || p.Address == "" {
		c.logger.Debug("cannot request state yet", zap.String("peer", p.ID), zap.String("key", key))
		return
	}
	body, err := protocol.EncodeGet(protocol.GetRequest{Site: c.config.ID, StateKey: key})
	if err != nil {
		c.logger.Error("encoding state request", zap.String("key", key), zap.Error(err))
		return
	}

	ik := c.inflightKey(p, key)
	c.inflight.Add(ik)
	telemetry.InFlightStateRequests.Inc()
	start := c.clock.Now()
	f := c.request(conn, p.Address, body)
	c.logger.Debug("requesting state",
		zap.String("peer", p.ID),
		zap.String("key", key),
		zap.String("hash", hash),
		zap.Uint64("correlation_id", f.ID()),
	)
	c.await(f, func(m transport.Message, err error) {
		telemetry.InFlightStateRequests.Dec()
		telemetry.StateRequestDuration.Observe(c.clock.Since(start).Seconds())
		c.fetched(p, ik, hash, m, err)
	})
}

// fetched handles the reply to a GET for ik.key that was issued while p
// advertised requested.
func (c *Controller) fetched(p *Peer, ik inflightKey, requested string, m transport.Message, err error) {
	key := ik.key
	var resp *protocol.GetResponse
	if err == nil {
		resp, err = protocol.DecodeGetReply(m.Body)
	}

	var status *protocol.StatusError
	switch {
	case err == nil:
	case errors.As(err, &status) && status.Code == protocol.StatusNotFound:
		c.inflight.Remove(ik)
		telemetry.StateRequestsTotal.WithLabelValues("not_found").Inc()
		c.forget(p, key)
		return
	default:
		c.inflight.Remove(ik)
		outcome := "error"
		if errors.Is(err, correlator.ErrTimeout) {
			outcome = "timeout"
		}
		telemetry.StateRequestsTotal.WithLabelValues(outcome).Inc()
		c.logger.Warn("state request failed, waiting for the next heartbeat",
			zap.String("peer", p.ID), zap.String("key", key), zap.Error(err))
		return
	}

	if !c.peers.Current(p) {
		c.inflight.Remove(ik)
		telemetry.StateRequestsTotal.WithLabelValues("superseded").Inc()
		return
	}
	want := p.reported[key]
	if resp.StateKey != key || want == nil || *want != resp.Hash {
		c.inflight.Remove(ik)
		telemetry.StateRequestsTotal.WithLabelValues("superseded").Inc()
		c.logger.Debug("discarding superseded state",
			zap.String("peer", p.ID), zap.String("key", key), zap.String("hash", resp.Hash))
		// Only chase a newer advertisement. If the owner is merely ahead of
		// its own heartbeat, that heartbeat will trigger the next pull.
		if want == nil || *want != requested {
			c.reconcileKey(p, key)
		}
		return
	}
	if have, held := p.remote[key]; held && have == resp.Hash {
		c.inflight.Remove(ik)
		telemetry.StateRequestsTotal.WithLabelValues("unchanged").Inc()
		return
	}
	telemetry.StateRequestsTotal.WithLabelValues("ok").Inc()
	c.apply(p, ik, resp.Hash, resp.Data)
}

// forget handles an owner that no longer has key: the local copy goes and
// the key is not asked for again until the owner advertises it anew.
func (c *Controller) forget(p *Peer, key string) {
	if !c.peers.Current(p) {
		return
	}
	c.logger.Info("owner no longer has state, deleting", zap.String("peer", p.ID), zap.String("key", key))
	p.reported[key] = nil
	c.reconcileKey(p, key)
}

// apply hands a pulled object to the handler. ik stays in flight until the
// handler returns.
func (c *Controller) apply(p *Peer, ik inflightKey, hash string, data []byte) {
	c.spawn(func(ctx context.Context) {
		h := hash
		err := c.handler.OnStateChange(ctx, p.ID, ik.key, &h, data)
		c.post(func() { c.changed(p, ik, &h, err) })
	})
}

func (c *Controller) remove(p *Peer, key string) {
	ik := c.inflightKey(p, key)
	c.inflight.Add(ik)
	c.spawn(func(ctx context.Context) {
		err := c.handler.OnStateChange(ctx, p.ID, key, nil, nil)
		c.post(func() { c.changed(p, ik, nil, err) })
	})
}

// changed records the outcome of OnStateChange and re-checks the key in case
// the peer advertised something newer meanwhile.
func (c *Controller) changed(p *Peer, ik inflightKey, hash *string, err error) {
	c.inflight.Remove(ik)
	op := "put"
	if hash == nil {
		op = "delete"
	}
	if err != nil {
		telemetry.StateChangesTotal.WithLabelValues(op, "error").Inc()
		c.logger.Error("applying state change", zap.String("peer", p.ID), zap.String("key", ik.key), zap.String("op", op), zap.Error(err))
		return
	}
	telemetry.StateChangesTotal.WithLabelValues(op, "ok").Inc()
	if !c.peers.Current(p) {
		return
	}
	if hash == nil {
		delete(p.remote, ik.key)
	} else {
		p.remote[ik.key] = *hash
	}
	c.logger.Debug("state applied", zap.String("peer", p.ID), zap.String("key", ik.key), zap.String("op", op))
	c.reconcileKey(p, ik.key)
}

// confirm asks the owner about baseline keys it has not advertised for a
// whole full-sync period. The owner no longer holding one means it was
// withdrawn while this controller was away.
func (c *Controller) confirm(p *Peer) {
	conn := c.connFor(p)
	if conn == nil || p.Address == "" {
		return
	}
	for _, key := range p.unconfirmed.ToSlice() {
		ik := c.inflightKey(p, key)
		if c.inflight.Contains(ik) {
			continue
		}
		body, err := protocol.EncodeGet(protocol.GetRequest{Site: c.config.ID, StateKey: key})
		if err != nil {
			c.logger.Error("encoding state request", zap.String("key", key), zap.Error(err))
			continue
		}
		c.inflight.Add(ik)
		telemetry.InFlightStateRequests.Inc()
		f := c.request(conn, p.Address, body)
		c.logger.Debug("confirming baseline state",
			zap.String("peer", p.ID),
			zap.String("key", key),
			zap.Uint64("correlation_id", f.ID()),
		)
		c.await(f, func(m transport.Message, err error) {
			telemetry.InFlightStateRequests.Dec()
			c.confirmed(p, ik, m, err)
		})
	}
}

// confirmed handles the reply to confirm. A 404 retracts the key, a reply
// stands in for the advertisement the peer never sent. An advertisement that
// arrived meanwhile takes precedence over both.
func (c *Controller) confirmed(p *Peer, ik inflightKey, m transport.Message, err error) {
	c.inflight.Remove(ik)
	key := ik.key
	var resp *protocol.GetResponse
	if err == nil {
		resp, err = protocol.DecodeGetReply(m.Body)
	}

	var status *protocol.StatusError
	switch {
	case !c.peers.Current(p) || !p.unconfirmed.Contains(key):
		telemetry.StateRequestsTotal.WithLabelValues("superseded").Inc()
		return
	case err == nil:
	case errors.As(err, &status) && status.Code == protocol.StatusNotFound:
		telemetry.StateRequestsTotal.WithLabelValues("not_found").Inc()
		p.unconfirmed.Remove(key)
		c.forget(p, key)
		return
	default:
		outcome := "error"
		if errors.Is(err, correlator.ErrTimeout) {
			outcome = "timeout"
		}
		telemetry.StateRequestsTotal.WithLabelValues(outcome).Inc()
		c.logger.Warn("confirming baseline state failed, retrying later",
			zap.String("peer", p.ID), zap.String("key", key), zap.Error(err))
		return
	}

	p.unconfirmed.Remove(key)
	hash := resp.Hash
	p.reported[key] = &hash
	if have, held := p.remote[key]; held && have == hash {
		telemetry.StateRequestsTotal.WithLabelValues("unchanged").Inc()
		return
	}
	telemetry.StateRequestsTotal.WithLabelValues("ok").Inc()
	c.inflight.Add(ik)
	c.apply(p, ik, hash, resp.Data)
}
