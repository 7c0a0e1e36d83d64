// Package discovery publishes controllers in etcd so that others can find the
// addresses they should heartbeat.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/fabricsync/pkg/protocol"
)

const prefix = "/fabricsync/controllers/"

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

func key(class protocol.Class, id string) string {
	return prefix + string(class) + "/" + id
}

func parse(full string) (protocol.Class, string, bool) {
	rest, ok := strings.CutPrefix(full, prefix)
	if !ok {
		return "", "", false
	}
	class, id, ok := strings.Cut(rest, "/")
	if !ok || id == "" || strings.Contains(id, "/") || !protocol.Class(class).Valid() {
		return "", "", false
	}
	return protocol.Class(class), id, true
}

// Register publishes the controller's address under a lease kept alive
// until ctx is done. The registration disappears ttl seconds after the
// process stops renewing it.
func Register(ctx context.Context, cli *clientv3.Client, class protocol.Class, id, address string, ttl int64, logger *zap.Logger) (clientv3.LeaseID, error) {
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, fmt.Errorf("discovery: grant lease: %w", err)
	}
	if _, err := cli.Put(ctx, key(class, id), address, clientv3.WithLease(lease.ID)); err != nil {
		return 0, fmt.Errorf("discovery: register %s: %w", id, err)
	}

	ch, err := cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return 0, fmt.Errorf("discovery: keep alive: %w", err)
	}
	go func() {
		for range ch {
		}
		if ctx.Err() == nil {
			logger.Warn("discovery lease lost", zap.String("site", id))
		}
	}()
	return lease.ID, nil
}

// Event is one change of a registered controller.
type Event struct {
	Class   protocol.Class
	ID      string
	Address string
	// Removed is set when the registration went away; Address is then the
	// last one registered, if known.
	Removed bool
}

// Source is the part of an etcd client WatchTargets reads from.
type Source interface {
	clientv3.KV
	clientv3.Watcher
}

var _ Source = (*clientv3.Client)(nil)

// WatchTargets reports every controller of class already registered and then
// every change, until ctx is done.
func WatchTargets(ctx context.Context, cli Source, class protocol.Class, fn func(Event)) error {
	scope := prefix + string(class) + "/"
	resp, err := cli.Get(ctx, scope, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("discovery: list %s: %w", class, err)
	}
	for _, kv := range resp.Kvs {
		if c, id, ok := parse(string(kv.Key)); ok {
			fn(Event{Class: c, ID: id, Address: string(kv.Value)})
		}
	}

	wch := cli.Watch(ctx, scope, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1), clientv3.WithPrevKV())
	for wr := range wch {
		if err := wr.Err(); err != nil {
			return fmt.Errorf("discovery: watch %s: %w", class, err)
		}
		for _, ev := range wr.Events {
			c, id, ok := parse(string(ev.Kv.Key))
			if !ok {
				continue
			}
			switch ev.Type {
			case mvccpb.PUT:
				fn(Event{Class: c, ID: id, Address: string(ev.Kv.Value)})
			case mvccpb.DELETE:
				e := Event{Class: c, ID: id, Removed: true}
				if ev.PrevKv != nil {
					e.Address = string(ev.PrevKv.Value)
				}
				fn(e)
			}
		}
	}
	return ctx.Err()
}

// Upstream is the class a controller of class heartbeats to.
func Upstream(class protocol.Class) (protocol.Class, bool) {
	switch class {
	case protocol.ClassBackbone:
		return protocol.ClassManagement, true
	case protocol.ClassMember:
		return protocol.ClassBackbone, true
	}
	return "", false
}
