package statesync

import (
	"context"
	"maps"

	"go.uber.org/zap"

	"github.com/ryandielhenn/fabricsync/internal/telemetry"
	"github.com/ryandielhenn/fabricsync/pkg/protocol"
	"github.com/ryandielhenn/fabricsync/pkg/transport"
)

func (c *Controller) tick() {
	for _, p := range c.peers.All() {
		p.ticks++
		if p.ticks >= c.config.FullSyncEvery {
			p.fullSync = true
		}
		c.sendHeartbeat(p)
		if p.State == PeerSynced && p.unconfirmed.Cardinality() > 0 {
			p.confirmTicks++
			if p.confirmTicks > c.config.FullSyncEvery {
				p.confirmTicks = 0
				c.confirm(p)
			}
		}
	}
	for _, conn := range c.readyConns() {
		c.heartbeatTargets(conn)
	}
	c.accelerated.Clear()
}

// flushAccelerated heartbeats the peers whose local state changed or which
// need a full hashset, without waiting for the next tick.
func (c *Controller) flushAccelerated() {
	if c.accelerated.Cardinality() == 0 {
		return
	}
	ids := c.accelerated.ToSlice()
	c.accelerated.Clear()
	for _, id := range ids {
		if p, ok := c.peers.Get(id); ok {
			c.sendHeartbeat(p)
		}
	}
}

func (c *Controller) heartbeat(hs protocol.HashSet) protocol.Heartbeat {
	return protocol.Heartbeat{
		Site:    c.config.ID,
		Class:   c.config.Class,
		Address: c.config.Address,
		HashSet: hs,
	}
}

// sendHeartbeat sends p its heartbeat. The hashset is the whole local state
// when a full sync is due, otherwise only the keys changed since the last
// heartbeat that went out. Changes stay pending until a send succeeds.
func (c *Controller) sendHeartbeat(p *Peer) {
	if p.Address == "" {
		return
	}
	conn := c.connFor(p)
	if conn == nil {
		c.logger.Debug("no ready connection for heartbeat", zap.String("peer", p.ID))
		return
	}

	full := p.fullSync
	var hs protocol.HashSet
	switch {
	case full:
		hs = maps.Clone(p.local)
	case p.dirty.Cardinality() > 0:
		hs = make(protocol.HashSet, p.dirty.Cardinality())
		for _, k := range p.dirty.ToSlice() {
			hs[k] = p.local[k]
		}
	}
	if err := c.sendTo(conn, p.Address, c.heartbeat(hs)); err != nil {
		c.logger.Warn("heartbeat failed", zap.String("peer", p.ID), zap.String("connection", conn.key), zap.Error(err))
		return
	}
	if full {
		p.fullSync = false
		p.ticks = 0
	}
	p.dirty.Clear()
	telemetry.ObserveHeartbeat("sent", len(hs) > 0)
}

// heartbeatTargets announces this controller to configured targets that have
// not been heard from yet.
func (c *Controller) heartbeatTargets(conn *connection) {
	if c.targets.Cardinality() == 0 {
		return
	}
	known := make(map[string]bool, c.peers.Len())
	for _, p := range c.peers.All() {
		known[p.Address] = true
	}
	for _, address := range c.targets.ToSlice() {
		if !known[address] {
			c.heartbeatTarget(conn, address)
		}
	}
}

func (c *Controller) heartbeatTarget(conn *connection, address string) {
	if err := c.sendTo(conn, address, c.heartbeat(nil)); err != nil {
		c.logger.Debug("target heartbeat failed", zap.String("target", address), zap.Error(err))
		return
	}
	telemetry.ObserveHeartbeat("sent", false)
}

func (c *Controller) sendTo(conn *connection, address string, hb protocol.Heartbeat) error {
	body, err := protocol.EncodeHeartbeat(hb)
	if err != nil {
		return err
	}
	return conn.conn.Send(transport.Message{Address: address, Body: body})
}

// onHeartbeat registers or refreshes the sender and reconciles whatever it
// advertised.
func (c *Controller) onHeartbeat(key string, hb *protocol.Heartbeat) {
	if hb.Site == "" || hb.Site == c.config.ID {
		return
	}
	telemetry.ObserveHeartbeat("received", hb.HashSet != nil)
	now := c.clock.Now()

	p, ok := c.peers.Get(hb.Site)
	if !ok {
		if !hb.Class.Valid() {
			c.logger.Warn("heartbeat from unknown class ignored", zap.String("peer", hb.Site), zap.String("peer_class", string(hb.Class)))
			return
		}
		p = c.peers.Join(hb.Site, hb.Class, hb.Address, key, now)
		c.logger.Info("peer joining", zap.String("peer", p.ID), zap.String("peer_class", string(p.Class)), zap.String("address", p.Address))
		c.join(p)
	} else {
		p.LastHeartbeatAt = now
		p.ConnectionKey = key
		if hb.Address != "" {
			p.Address = hb.Address
		}
	}

	p.merge(hb.HashSet)
	if p.State == PeerSynced {
		c.reconcile(p)
	}
	c.updatePeerGauge()
}

func (c *Controller) join(p *Peer) {
	c.spawn(func(ctx context.Context) {
		base, err := c.handler.OnNewPeer(ctx, p.ID, p.Class)
		c.post(func() { c.joined(p, base, err) })
	})
}

func (c *Controller) joined(p *Peer, base Baseline, err error) {
	if !c.peers.Current(p) {
		return
	}
	if err != nil {
		c.logger.Error("peer baseline failed, dropping peer until it is heard again", zap.String("peer", p.ID), zap.Error(err))
		c.peers.Remove(p.ID)
		c.updatePeerGauge()
		return
	}
	// local updates that raced the baseline win
	for k, h := range base.Local {
		if _, ok := p.local[k]; !ok {
			p.local[k] = &h
		}
	}
	for k, h := range base.Remote {
		p.remote[k] = h
		if _, ok := p.reported[k]; !ok {
			p.unconfirmed.Add(k)
		}
	}
	p.State = PeerSynced
	p.fullSync = true
	c.accelerated.Add(p.ID)
	c.logger.Info("peer synced", zap.String("peer", p.ID), zap.Int("local", len(base.Local)), zap.Int("remote", len(base.Remote)))
	c.reconcile(p)
	c.updatePeerGauge()
}

func (c *Controller) sweep() {
	now := c.clock.Now()
	for _, p := range c.peers.Expired(now, c.config.PeerTimeout) {
		p.State = PeerLost
		c.peers.Remove(p.ID)
		telemetry.PeersLostTotal.Inc()
		c.logger.Warn("peer lost", zap.String("peer", p.ID), zap.Duration("silent", now.Sub(p.LastHeartbeatAt)))
		id := p.ID
		c.spawn(func(ctx context.Context) { c.handler.OnPeerLost(ctx, id) })
	}
	c.updatePeerGauge()
}
