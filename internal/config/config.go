// Package config loads the settings of the sync daemon. Values come from
// defaults, then an optional YAML file, then the environment, then flags
// given explicitly on the command line.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ryandielhenn/fabricsync/pkg/node"
	"github.com/ryandielhenn/fabricsync/pkg/protocol"
	"github.com/ryandielhenn/fabricsync/pkg/statesync"
	"github.com/ryandielhenn/fabricsync/pkg/transport"
)

// Environment variables read by Load.
const (
	EnvConfig = "FABRICSYNC_CONFIG"
	EnvID     = "SELF_ID"
	EnvAddr   = "SELF_ADDR"
	EnvClass  = "SELF_CLASS"
	EnvNATS   = "NATS_URL"
	EnvEtcd   = "ETCD_ENDPOINTS"
)

type Config struct {
	Class protocol.Class `yaml:"class"`
	ID    string         `yaml:"id"`
	// Address is the bus address this controller listens on. Defaults to
	// fabricsync.<class>.<id>.
	Address  string   `yaml:"address"`
	HTTPAddr string   `yaml:"httpAddr"`
	Targets  []string `yaml:"targets"`

	// Claim is redeemed once by a member that has no identity yet.
	Claim ClaimConfig `yaml:"claim"`
	// Invitations are offered by a management controller.
	Invitations []InvitationConfig `yaml:"invitations"`

	NATS  NATSConfig  `yaml:"nats"`
	Etcd  EtcdConfig  `yaml:"etcd"`
	Store StoreConfig `yaml:"store"`
	Sync  SyncConfig  `yaml:"sync"`
	Log   LogConfig   `yaml:"log"`
}

type ClaimConfig struct {
	Token string `yaml:"token"`
	Name  string `yaml:"name"`
	// Address of the controller that redeems the claim.
	Address string `yaml:"address"`
}

type InvitationConfig struct {
	Claim      string       `yaml:"claim"`
	Uses       int          `yaml:"uses"`
	SiteClient string       `yaml:"siteClient"`
	Links      []LinkConfig `yaml:"links"`
}

type LinkConfig struct {
	BackboneID string `yaml:"backboneId"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Cost       int    `yaml:"cost"`
}

// OutgoingLinks converts the configured links to their wire form.
func (i InvitationConfig) OutgoingLinks() []protocol.OutgoingLink {
	out := make([]protocol.OutgoingLink, 0, len(i.Links))
	for _, l := range i.Links {
		out = append(out, protocol.OutgoingLink{BackboneID: l.BackboneID, Host: l.Host, Port: l.Port, Cost: l.Cost})
	}
	return out
}

type NATSConfig struct {
	URL            string        `yaml:"url"`
	ReconnectWait  time.Duration `yaml:"reconnectWait"`
	ConnectRetries int           `yaml:"connectRetries"`
}

type EtcdConfig struct {
	// Endpoints enable discovery and, for management, the etcd state source.
	Endpoints []string `yaml:"endpoints"`
	// LeaseTTL is the registration lease in seconds.
	LeaseTTL int64 `yaml:"leaseTTL"`
}

type StoreConfig struct {
	// Path of the bbolt file for backbone and member controllers.
	Path string `yaml:"path"`
}

type SyncConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	PeerTimeout       time.Duration `yaml:"peerTimeout"`
	SweepInterval     time.Duration `yaml:"sweepInterval"`
	RequestTimeout    time.Duration `yaml:"requestTimeout"`
	FullSyncEvery     int           `yaml:"fullSyncEvery"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

const (
	defaultHTTPPort = "8080"
	defaultEtcdPort = "2379"
)

func Default() *Config {
	return &Config{
		HTTPAddr: ":" + defaultHTTPPort,
		NATS:     NATSConfig{URL: "nats://127.0.0.1:4222"},
		Etcd:     EtcdConfig{LeaseTTL: 10},
		Store:    StoreConfig{Path: "/var/lib/fabricsync/state.db"},
		Sync: SyncConfig{
			HeartbeatInterval: statesync.DefaultHeartbeatInterval,
			RequestTimeout:    statesync.DefaultRequestTimeout,
			FullSyncEvery:     statesync.DefaultFullSyncEvery,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load builds the configuration from args (without the program name) and
// the environment looked up through getenv.
func Load(args []string, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Default()

	var (
		file    string
		class   string
		etcd    []string
		flagged Config
	)
	fs := pflag.NewFlagSet("syncd", pflag.ContinueOnError)
	fs.StringVarP(&file, "config", "c", "", "YAML configuration file")
	fs.StringVar(&flagged.ID, "id", "", "site id of this controller")
	fs.StringVar(&class, "class", "", "controller class: management, backbone or member")
	fs.StringVar(&flagged.Address, "address", "", "bus address to listen on")
	fs.StringVar(&flagged.HTTPAddr, "http", "", "HTTP listen address for metrics and introspection")
	fs.StringSliceVar(&flagged.Targets, "target", nil, "bus address to heartbeat (repeatable)")
	fs.StringVar(&flagged.NATS.URL, "nats", "", "NATS server URL")
	fs.StringSliceVar(&etcd, "etcd", nil, "etcd endpoints")
	fs.StringVar(&flagged.Store.Path, "store", "", "bbolt state file")
	fs.DurationVar(&flagged.Sync.HeartbeatInterval, "heartbeat", 0, "heartbeat interval")
	fs.StringVar(&flagged.Log.Level, "log-level", "", "debug, info, warn or error")
	fs.BoolVar(&flagged.Log.Development, "log-dev", false, "human readable development logging")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if file == "" {
		file = getenv(EnvConfig)
	}
	if file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: %s: %w", file, err)
		}
	}

	if v := getenv(EnvID); v != "" {
		cfg.ID = v
	}
	if v := getenv(EnvAddr); v != "" {
		cfg.Address = v
	}
	if v := getenv(EnvClass); v != "" {
		cfg.Class = protocol.Class(v)
	}
	if v := getenv(EnvNATS); v != "" {
		cfg.NATS.URL = v
	}
	if v := getenv(EnvEtcd); v != "" {
		cfg.Etcd.Endpoints = splitList(v)
	}

	changed := fs.Changed
	if changed("id") {
		cfg.ID = flagged.ID
	}
	if changed("class") {
		cfg.Class = protocol.Class(class)
	}
	if changed("address") {
		cfg.Address = flagged.Address
	}
	if changed("http") {
		cfg.HTTPAddr = flagged.HTTPAddr
	}
	if changed("target") {
		cfg.Targets = flagged.Targets
	}
	if changed("nats") {
		cfg.NATS.URL = flagged.NATS.URL
	}
	if changed("etcd") {
		cfg.Etcd.Endpoints = etcd
	}
	if changed("store") {
		cfg.Store.Path = flagged.Store.Path
	}
	if changed("heartbeat") {
		cfg.Sync.HeartbeatInterval = flagged.Sync.HeartbeatInterval
	}
	if changed("log-level") {
		cfg.Log.Level = flagged.Log.Level
	}
	if changed("log-dev") {
		cfg.Log.Development = flagged.Log.Development
	}

	if cfg.Address == "" && cfg.ID != "" {
		cfg.Address = "fabricsync." + string(cfg.Class) + "." + cfg.ID
	}
	cfg.NATS.URL = node.NormalizeURL(cfg.NATS.URL)
	cfg.HTTPAddr = node.NormalizeHostPort(cfg.HTTPAddr, defaultHTTPPort)
	for i, ep := range cfg.Etcd.Endpoints {
		cfg.Etcd.Endpoints[i] = etcdEndpoint(ep)
	}
	return cfg, cfg.Validate()
}

// etcdEndpoint keeps https, everything else is dialed as plain http.
func etcdEndpoint(ep string) string {
	scheme := "http://"
	if strings.HasPrefix(strings.TrimSpace(ep), "https://") {
		scheme = "https://"
	}
	return scheme + node.NormalizeHostPort(ep, defaultEtcdPort)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var err error
	if !c.Class.Valid() {
		err = multierr.Append(err, fmt.Errorf("config: class %q must be management, backbone or member", c.Class))
	}
	if c.ID == "" {
		err = multierr.Append(err, errors.New("config: id is required"))
	}
	if c.NATS.URL == "" {
		err = multierr.Append(err, errors.New("config: nats url is required"))
	}
	if c.Class != protocol.ClassManagement && c.Store.Path == "" {
		err = multierr.Append(err, errors.New("config: store path is required for followers"))
	}
	if c.Sync.HeartbeatInterval < 0 || c.Sync.PeerTimeout < 0 || c.Sync.SweepInterval < 0 || c.Sync.RequestTimeout < 0 {
		err = multierr.Append(err, errors.New("config: sync intervals must not be negative"))
	}
	if c.Sync.PeerTimeout > 0 && c.Sync.PeerTimeout <= c.Sync.HeartbeatInterval {
		err = multierr.Append(err, errors.New("config: peer timeout must exceed the heartbeat interval"))
	}
	if c.Claim.Token != "" && c.Claim.Address == "" {
		err = multierr.Append(err, errors.New("config: claim address is required with a claim token"))
	}
	if _, lerr := zap.ParseAtomicLevel(c.Log.Level); lerr != nil {
		err = multierr.Append(err, fmt.Errorf("config: log level: %w", lerr))
	}
	return err
}

// StateSync returns the controller settings.
func (c *Config) StateSync() statesync.Config {
	return statesync.Config{
		Class:             c.Class,
		ID:                c.ID,
		Address:           c.Address,
		HeartbeatInterval: c.Sync.HeartbeatInterval,
		PeerTimeout:       c.Sync.PeerTimeout,
		SweepInterval:     c.Sync.SweepInterval,
		RequestTimeout:    c.Sync.RequestTimeout,
		FullSyncEvery:     c.Sync.FullSyncEvery,
	}
}

func (c *Config) Transport() transport.NATSConfig {
	return transport.NATSConfig{
		URL:            c.NATS.URL,
		Name:           "fabricsync-" + c.ID,
		ReconnectWait:  c.NATS.ReconnectWait,
		ConnectRetries: c.NATS.ConnectRetries,
	}
}

// Logger builds the process logger.
func (c *Config) Logger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = level
	return zc.Build(zap.Fields(zap.String("site", c.ID), zap.String("class", string(c.Class))))
}
