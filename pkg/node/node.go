package node

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/fabricsync/pkg/statesync"
	"github.com/ryandielhenn/fabricsync/pkg/store"
)

// Controller is the view of a sync controller the HTTP surface needs.
type Controller interface {
	Config() statesync.Config
	Peers(ctx context.Context) ([]statesync.PeerInfo, error)
	PendingRequests() int
}

var _ Controller = (*statesync.Controller)(nil)

// Node serves the introspection endpoints of one controller process.
type Node struct {
	ctl     Controller
	store   store.Store
	logger  *zap.Logger
	started time.Time
}

func NewNode(ctl Controller, s store.Store, logger *zap.Logger) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Node{ctl: ctl, store: s, logger: logger.Named("http"), started: time.Now()}
}

func (n *Node) ID() string { return n.ctl.Config().ID }
