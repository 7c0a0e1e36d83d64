package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/fabricsync/discovery"
	"github.com/ryandielhenn/fabricsync/internal/config"
	"github.com/ryandielhenn/fabricsync/internal/telemetry"
	"github.com/ryandielhenn/fabricsync/pkg/node"
	"github.com/ryandielhenn/fabricsync/pkg/protocol"
	"github.com/ryandielhenn/fabricsync/pkg/roles"
	"github.com/ryandielhenn/fabricsync/pkg/statesync"
	"github.com/ryandielhenn/fabricsync/pkg/store"
	"github.com/ryandielhenn/fabricsync/pkg/transport"
)

// set with -ldflags "-X main.version=... -X main.gitSHA=..."
var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := cfg.Logger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("syncd exited", zap.Error(err))
		os.Exit(1)
	}
}

// daemon is everything run wires together.
type daemon struct {
	cfg     *config.Config
	logger  *zap.Logger
	etcd    *clientv3.Client
	store   store.Store
	handler statesync.Handler
	ctl     *statesync.Controller
	mgmt    *roles.Management
	member  *roles.Member
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) (err error) {
	telemetry.SetBuildInfo(version, gitSHA, string(cfg.Class))
	d := &daemon{cfg: cfg, logger: logger}
	defer func() { err = multierr.Append(err, d.close()) }()

	// 1. etcd for discovery and the management state source
	if len(cfg.Etcd.Endpoints) > 0 {
		logger.Info("creating etcd client", zap.Strings("endpoints", cfg.Etcd.Endpoints))
		if d.etcd, err = discovery.NewClient(cfg.Etcd.Endpoints); err != nil {
			return fmt.Errorf("etcd: %w", err)
		}
	}

	// 2. local store and role
	if err := d.openRole(); err != nil {
		return err
	}

	// 3. controller on the bus
	d.ctl, err = statesync.New(cfg.StateSync(), d.handler, statesync.WithLogger(logger))
	if err != nil {
		return err
	}
	if b, ok := d.handler.(interface{ Bind(roles.Publisher) }); ok {
		b.Bind(d.ctl)
	}
	conn, err := transport.DialNATS(cfg.Transport(), logger)
	if err != nil {
		return err
	}
	if err := d.ctl.AddConnection("nats", conn); err != nil {
		_ = conn.Close()
		return err
	}
	for _, t := range cfg.Targets {
		d.ctl.AddTarget(t)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.ctl.Run(ctx) })
	g.Go(func() error { return d.serveHTTP(ctx) })
	if d.etcd != nil {
		g.Go(func() error { return d.discover(ctx) })
		if w, ok := d.store.(store.Watcher); ok && d.mgmt != nil {
			g.Go(func() error { return ignoreCanceled(d.mgmt.Watch(ctx, w)) })
		}
	}
	if d.member != nil && cfg.Claim.Token != "" {
		g.Go(func() error { return d.bootstrap(ctx) })
	}

	logger.Info("syncd started", zap.String("address", cfg.Address), zap.String("nats", cfg.NATS.URL), zap.String("version", version))
	return g.Wait()
}

func (d *daemon) openRole() (err error) {
	cfg, logger := d.cfg, d.logger
	switch cfg.Class {
	case protocol.ClassManagement:
		if d.etcd != nil {
			d.store = store.NewEtcd(d.etcd)
		} else {
			logger.Warn("no etcd endpoints, management state is kept in memory")
			d.store = store.NewMemory()
		}
		claims := roles.NewClaims()
		for _, inv := range cfg.Invitations {
			claims.Add(roles.Invitation{Claim: inv.Claim, Uses: inv.Uses, Links: inv.OutgoingLinks(), SiteClient: inv.SiteClient})
		}
		d.mgmt = roles.NewManagement(d.store, claims, logger)
		d.handler = d.mgmt
	case protocol.ClassBackbone:
		if d.store, err = store.OpenBolt(cfg.Store.Path); err != nil {
			return err
		}
		d.handler = roles.NewBackbone(d.store, roles.NewLoggingRouter(logger), logger)
	case protocol.ClassMember:
		if d.store, err = store.OpenBolt(cfg.Store.Path); err != nil {
			return err
		}
		d.member = roles.NewMember(d.store, logger)
		d.handler = d.member
	}
	return nil
}

func (d *daemon) serveHTTP(ctx context.Context) error {
	n := node.NewNode(d.ctl, d.store, d.logger)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", n.Healthz)
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("/peers", telemetry.Instrument("peers", http.HandlerFunc(n.Peers)))
	mux.Handle("/state/", telemetry.Instrument("state", http.HandlerFunc(n.State)))
	mux.Handle("/metrics", telemetry.MetricsHandler())

	srv := &http.Server{Addr: d.cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	d.logger.Info("http listening", zap.String("addr", d.cfg.HTTPAddr))

	select {
	case err := <-errc:
		return fmt.Errorf("http: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// discover registers this controller and heartbeats every controller of the
// class above it as it comes and goes.
func (d *daemon) discover(ctx context.Context) error {
	cfg := d.cfg
	lease, err := discovery.Register(ctx, d.etcd, cfg.Class, cfg.ID, cfg.Address, cfg.Etcd.LeaseTTL, d.logger)
	if err != nil {
		return err
	}
	defer func() {
		revokeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = d.etcd.Revoke(revokeCtx, lease)
	}()

	upstream, ok := discovery.Upstream(cfg.Class)
	if !ok {
		<-ctx.Done()
		return nil
	}
	return ignoreCanceled(discovery.WatchTargets(ctx, d.etcd, upstream, func(ev discovery.Event) {
		if ev.Removed {
			d.logger.Info("upstream controller gone", zap.String("peer", ev.ID))
			if ev.Address != "" {
				d.ctl.RemoveTarget(ev.Address)
			}
			return
		}
		d.logger.Info("upstream controller found", zap.String("peer", ev.ID), zap.String("address", ev.Address))
		d.ctl.AddTarget(ev.Address)
	}))
}

func (d *daemon) bootstrap(ctx context.Context) error {
	if id, err := d.member.Identity(ctx); err == nil {
		d.logger.Info("site already claimed", zap.String("site_id", id.SiteID))
		return nil
	}
	claim := d.cfg.Claim
	for {
		_, err := d.member.Bootstrap(ctx, d.ctl, claim.Address, claim.Token, claim.Name)
		var se *protocol.StatusError
		switch {
		case err == nil:
			return nil
		case errors.As(err, &se):
			// refused claims are final
			return err
		}
		d.logger.Warn("claim failed, retrying", zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d.cfg.Sync.HeartbeatInterval):
		}
	}
}

func (d *daemon) close() error {
	var err error
	if d.ctl != nil {
		d.ctl.Stop()
	}
	if d.store != nil {
		err = multierr.Append(err, d.store.Close())
	}
	if d.etcd != nil {
		err = multierr.Append(err, d.etcd.Close())
	}
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
