package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/ryandielhenn/fabricsync/pkg/protocol"
	"github.com/ryandielhenn/fabricsync/pkg/roles"
	"github.com/ryandielhenn/fabricsync/pkg/statesync"
	"github.com/ryandielhenn/fabricsync/pkg/store"
	"github.com/ryandielhenn/fabricsync/pkg/transport"
)

// bench measures how long a set of backbones takes to converge on state
// published by one management controller over the in-process bus.
func main() {
	backbones := pflag.IntP("backbones", "b", 4, "backbone controllers")
	keys := pflag.IntP("keys", "n", 500, "keys published per backbone")
	valSize := pflag.Int("val", 256, "value size bytes")
	updates := pflag.Float64("updates", 0.2, "fraction of keys republished after the first convergence")
	heartbeat := pflag.Duration("heartbeat", time.Second, "heartbeat interval")
	timeout := pflag.Duration("timeout", time.Minute, "give up after")
	pflag.Parse()

	if err := run(*backbones, *keys, *valSize, *updates, *heartbeat, *timeout); err != nil {
		fmt.Fprintln(os.Stderr, "bench:", err)
		os.Exit(1)
	}
}

type site struct {
	id    string
	ctl   *statesync.Controller
	store *store.Memory
}

func run(backbones, keys, valSize int, updates float64, heartbeat, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	bus := transport.NewBus()
	logger := zap.NewNop()

	var wg sync.WaitGroup
	start := func(class protocol.Class, id string, h statesync.Handler) (*statesync.Controller, error) {
		c, err := statesync.New(statesync.Config{
			Class:             class,
			ID:                id,
			Address:           "bench." + id,
			HeartbeatInterval: heartbeat,
		}, h, statesync.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		if b, ok := h.(interface{ Bind(roles.Publisher) }); ok {
			b.Bind(c)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Run(ctx)
		}()
		return c, c.AddConnection("bus", bus.Dial())
	}
	defer wg.Wait()
	defer cancel()

	source := store.NewMemory()
	mgmt := roles.NewManagement(source, nil, logger)
	if _, err := start(protocol.ClassManagement, "mgmt", mgmt); err != nil {
		return err
	}

	sites := make([]site, backbones)
	for i := range sites {
		s := site{id: fmt.Sprintf("bb-%d", i), store: store.NewMemory()}
		ctl, err := start(protocol.ClassBackbone, s.id, roles.NewBackbone(s.store, roles.NewLoggingRouter(logger), logger))
		if err != nil {
			return err
		}
		s.ctl = ctl
		ctl.AddTarget("bench.mgmt")
		sites[i] = s
	}

	publish := func(n int) (int, error) {
		for _, s := range sites {
			for k := range n {
				if _, err := mgmt.Publish(ctx, s.id, fmt.Sprintf("link-%d", k), payload(valSize)); err != nil {
					return 0, err
				}
			}
		}
		return n * len(sites), nil
	}

	began := time.Now()
	total, err := publish(keys)
	if err != nil {
		return err
	}
	if err := converge(ctx, source, sites, keys); err != nil {
		return err
	}
	dur := time.Since(began)
	fmt.Printf("Converged %d keys on %d backbones in %s (%.2f keys/s)\n", total, backbones, dur, float64(total)/dur.Seconds())

	changed := int(float64(keys) * updates)
	if changed == 0 {
		return nil
	}
	began = time.Now()
	if total, err = publish(changed); err != nil {
		return err
	}
	if err := converge(ctx, source, sites, keys); err != nil {
		return err
	}
	dur = time.Since(began)
	fmt.Printf("Reconverged %d updated keys in %s (%.2f keys/s)\n", total, dur, float64(total)/dur.Seconds())
	return nil
}

// converge polls until every backbone holds exactly what management
// publishes for it.
func converge(ctx context.Context, source store.Store, sites []site, keys int) error {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		done := true
		for _, s := range sites {
			ok, err := same(ctx, source, s)
			if err != nil {
				return err
			}
			done = done && ok
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("not converged on %d keys: %w", keys, ctx.Err())
		case <-tick.C:
		}
	}
}

func same(ctx context.Context, source store.Store, s site) (bool, error) {
	want, err := source.HashState(ctx, s.id)
	if err != nil {
		return false, err
	}
	have, err := s.store.HashState(ctx, "mgmt")
	if err != nil {
		return false, err
	}
	if len(want) != len(have) {
		return false, nil
	}
	for k, h := range want {
		if have[k] != h {
			return false, nil
		}
	}
	return true, nil
}

func payload(n int) []byte {
	b := make([]byte, n/2)
	_, _ = rand.Read(b)
	return []byte(`"` + hex.EncodeToString(b) + `"`)
}
