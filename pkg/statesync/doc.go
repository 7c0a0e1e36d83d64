// Package statesync keeps named pieces of state converged between
// controllers of a fabric.
//
// Every controller periodically heartbeats each peer it knows over one or
// more transport connections. A heartbeat may carry a hashset: the hashes of
// the keys the sender owns toward the receiver, nil for a deleted key. The
// receiver compares what was advertised with what it has already applied and
// pulls each stale key with a GET, or deletes it. Nothing is pushed; the
// owner only advertises.
//
// All bookkeeping (peers, connections, targets, requests in flight) belongs
// to a single event loop started by Controller.Run. Transport callbacks,
// timers and the results of collaborator calls are posted to that loop, so
// no per-peer locking is needed. Collaborator calls themselves (the Handler)
// run off the loop and may block.
//
// Typical usage:
//
//	c, _ := statesync.New(statesync.Config{Class: protocol.ClassBackbone, ID: "bb-1", Address: "ctl.bb-1"}, handler)
//	go c.Run(ctx)
//	_ = c.AddConnection("nats", conn)
//	c.AddTarget("ctl.mgmt")
package statesync
