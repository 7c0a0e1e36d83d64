package statesync

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ryandielhenn/fabricsync/pkg/protocol"
)

const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultRequestTimeout    = 5 * time.Second
	DefaultFullSyncEvery     = 6

	eventQueueSize = 1024
)

// Config identifies a controller and tunes its timers.
type Config struct {
	Class protocol.Class
	// ID is the site id advertised in heartbeats.
	ID string
	// Address is where this controller listens for requests.
	Address string

	HeartbeatInterval time.Duration
	// PeerTimeout is how long a peer may stay silent before it is lost.
	// Defaults to three heartbeat intervals.
	PeerTimeout time.Duration
	// SweepInterval is how often silent peers are looked for.
	// Defaults to three heartbeat intervals.
	SweepInterval  time.Duration
	RequestTimeout time.Duration
	// FullSyncEvery sends the whole local hashset every n heartbeats instead
	// of only the keys changed since the last one.
	FullSyncEvery int
}

func (c *Config) sanitize() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.PeerTimeout <= 0 {
		c.PeerTimeout = 3 * c.HeartbeatInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 3 * c.HeartbeatInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.FullSyncEvery <= 0 {
		c.FullSyncEvery = DefaultFullSyncEvery
	}
}

// Validate reports every problem with the configuration at once.
func (c Config) Validate() error {
	var err error
	if !c.Class.Valid() {
		err = multierr.Append(err, errors.New("statesync: unknown controller class "+string(c.Class)))
	}
	if c.ID == "" {
		err = multierr.Append(err, errors.New("statesync: id is required"))
	}
	if c.Address == "" {
		err = multierr.Append(err, errors.New("statesync: address is required"))
	}
	if c.PeerTimeout > 0 && c.PeerTimeout <= c.HeartbeatInterval {
		err = multierr.Append(err, errors.New("statesync: peer timeout must exceed the heartbeat interval"))
	}
	return err
}

type Option func(*Controller)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock replaces the wall clock, e.g. with clock.NewMock in tests.
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) {
		if clk != nil {
			c.clock = clk
		}
	}
}
