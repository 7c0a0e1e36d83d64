package statesync

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/ryandielhenn/fabricsync/internal/telemetry"
	"github.com/ryandielhenn/fabricsync/pkg/correlator"
	"github.com/ryandielhenn/fabricsync/pkg/protocol"
	"github.com/ryandielhenn/fabricsync/pkg/transport"
)

// receive dispatches one message delivered on the connection registered as
// key. Messages from a connection that has since been replaced are dropped.
func (c *Controller) receive(key string, conn transport.Conn, m transport.Message) {
	cur, ok := c.lookup(key, conn)
	if !ok {
		return
	}
	if m.Response {
		if !c.requests.Resolve(m.CorrelationID, m) {
			c.logger.Debug("dropping reply without pending request", zap.Uint64("correlation_id", m.CorrelationID))
		}
		return
	}

	req, err := protocol.Decode(m.Body)
	if err != nil {
		c.rejectUndecodable(cur, m, err)
		return
	}
	switch r := req.(type) {
	case *protocol.Heartbeat:
		c.onHeartbeat(key, r)
	case *protocol.GetRequest:
		c.serveGet(cur, m, r)
	case *protocol.ClaimRequest:
		c.serveClaim(cur, m, r)
	}
}

func (c *Controller) rejectUndecodable(cur *connection, m transport.Message, err error) {
	reason := "malformed"
	switch {
	case errors.Is(err, protocol.ErrVersionMismatch):
		reason = "version"
	case errors.Is(err, protocol.ErrUnknownOpcode):
		reason = "opcode"
	}
	telemetry.DecodeErrorsTotal.WithLabelValues(reason).Inc()
	c.logger.Warn("dropping undecodable message", zap.String("connection", cur.key), zap.Error(err))
	if m.CorrelationID != 0 && m.ReplyTo != "" {
		c.reply(cur.key, cur.conn, m, protocol.StatusFor(err), "invalid")
	}
}

func (c *Controller) serveGet(cur *connection, m transport.Message, req *protocol.GetRequest) {
	if m.CorrelationID == 0 || m.ReplyTo == "" {
		c.logger.Warn("state request without reply address", zap.String("peer", req.Site), zap.String("key", req.StateKey))
		return
	}
	key, conn := cur.key, cur.conn
	c.spawn(func(ctx context.Context) {
		var reply any
		hash, data, err := c.handler.OnStateRequest(ctx, req.Site, req.StateKey)
		switch {
		case err == nil:
			reply = protocol.GetResponse{Status: protocol.OK(), StateKey: req.StateKey, Hash: hash, Data: data}
		case errors.Is(err, ErrStateNotFound):
			reply = protocol.NewStatus(protocol.StatusNotFound, "Not Found")
		default:
			c.logger.Error("serving state request", zap.String("peer", req.Site), zap.String("key", req.StateKey), zap.Error(err))
			reply = protocol.StatusFor(err)
		}
		c.post(func() { c.reply(key, conn, m, reply, "get") })
	})
}

func (c *Controller) serveClaim(cur *connection, m transport.Message, req *protocol.ClaimRequest) {
	if m.CorrelationID == 0 || m.ReplyTo == "" {
		c.logger.Warn("claim without reply address", zap.String("name", req.Name))
		return
	}
	if c.claims == nil {
		c.reply(cur.key, cur.conn, m, protocol.NewStatus(protocol.StatusNotImplemented, "Not Implemented"), "claim")
		return
	}
	key, conn := cur.key, cur.conn
	c.spawn(func(ctx context.Context) {
		var reply any
		resp, err := c.claims.OnClaim(ctx, req.Claim, req.Name)
		if err != nil {
			c.logger.Warn("claim rejected", zap.String("name", req.Name), zap.Error(err))
			reply = protocol.StatusFor(err)
		} else {
			resp.Status = protocol.OK()
			reply = resp
		}
		c.post(func() { c.reply(key, conn, m, reply, "claim") })
	})
}

// reply answers req over the connection it arrived on.
func (c *Controller) reply(key string, conn transport.Conn, req transport.Message, reply any, op string) {
	cur, ok := c.lookup(key, conn)
	if !ok {
		return
	}
	body, err := protocol.EncodeReply(reply)
	if err != nil {
		c.logger.Error("encoding reply", zap.String("op", op), zap.Error(err))
		reply = protocol.StatusFor(err)
		if body, err = protocol.EncodeReply(reply); err != nil {
			return
		}
	}
	err = cur.conn.Send(transport.Message{
		Address:       req.ReplyTo,
		CorrelationID: req.CorrelationID,
		Body:          body,
	})
	if err != nil {
		c.logger.Warn("sending reply", zap.String("op", op), zap.String("reply_to", req.ReplyTo), zap.Error(err))
		return
	}
	telemetry.ServedRequestsTotal.WithLabelValues(op, strconv.Itoa(statusCode(reply))).Inc()
}

func statusCode(reply any) int {
	switch r := reply.(type) {
	case protocol.Status:
		return r.StatusCode
	case protocol.GetResponse:
		return r.StatusCode
	case protocol.ClaimResponse:
		return r.StatusCode
	}
	return 0
}

// Claim redeems claim at the controller listening on address and returns
// the identity it assigned. A refusal comes back as *protocol.StatusError.
func (c *Controller) Claim(ctx context.Context, address, claim, name string) (*protocol.ClaimResponse, error) {
	body, err := protocol.EncodeClaim(protocol.ClaimRequest{Claim: claim, Name: name})
	if err != nil {
		return nil, err
	}
	futures := make(chan *correlator.Future[transport.Message], 1)
	ok := c.post(func() {
		ready := c.readyConns()
		if len(ready) == 0 {
			futures <- c.requests.Request(c.config.RequestTimeout, func(uint64) error { return transport.ErrNotReady })
			return
		}
		futures <- c.request(ready[0], address, body)
	})
	if !ok {
		return nil, ErrStopped
	}

	var f *correlator.Future[transport.Message]
	select {
	case f = <-futures:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	m, err := f.Await(ctx)
	if err != nil {
		return nil, fmt.Errorf("statesync: claim: %w", err)
	}
	return protocol.DecodeClaimReply(m.Body)
}
