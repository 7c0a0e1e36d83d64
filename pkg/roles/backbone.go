package roles

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/fabricsync/pkg/protocol"
	"github.com/ryandielhenn/fabricsync/pkg/statesync"
	"github.com/ryandielhenn/fabricsync/pkg/store"
)

// AccessNamespace holds the access points a backbone republishes to members.
const AccessNamespace = store.ReservedPrefix + "access"

const accessPrefix = "access-"

// Backbone follows management and owns the access points toward members.
// Everything pulled from management is kept in a durable store under the
// management id and programmed into the router.
type Backbone struct {
	publisher
	store  store.Store
	router RouterClient
	logger *zap.Logger

	mu    sync.Mutex
	peers map[string]protocol.Class
}

var _ statesync.Handler = (*Backbone)(nil)

func NewBackbone(s store.Store, router RouterClient, logger *zap.Logger) *Backbone {
	if logger == nil {
		logger = zap.NewNop()
	}
	if router == nil {
		router = NewLoggingRouter(logger)
	}
	return &Backbone{
		store:  s,
		router: router,
		logger: logger.Named("backbone"),
		peers:  make(map[string]protocol.Class),
	}
}

func (b *Backbone) classOf(peerID string) protocol.Class {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peers[peerID]
}

func (b *Backbone) members() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for id, class := range b.peers {
		if class == protocol.ClassMember {
			out = append(out, id)
		}
	}
	return out
}

// OnNewPeer registers the peer before reading its baseline. An access point
// republished meanwhile is then either in the baseline or announced to the
// peer, never lost between the two.
func (b *Backbone) OnNewPeer(ctx context.Context, peerID string, class protocol.Class) (statesync.Baseline, error) {
	if err := checkPeerID(peerID); err != nil {
		return statesync.Baseline{}, err
	}
	b.mu.Lock()
	b.peers[peerID] = class
	b.mu.Unlock()

	var (
		base statesync.Baseline
		err  error
	)
	switch class {
	case protocol.ClassManagement:
		base.Remote, err = b.store.HashState(ctx, peerID)
	case protocol.ClassMember:
		base.Local, err = b.store.HashState(ctx, AccessNamespace)
	}
	if err != nil {
		b.mu.Lock()
		delete(b.peers, peerID)
		b.mu.Unlock()
		return statesync.Baseline{}, fmt.Errorf("backbone: baseline for %s: %w", peerID, err)
	}
	b.logger.Info("peer joined", zap.String("peer", peerID), zap.String("peer_class", string(class)),
		zap.Int("local", len(base.Local)), zap.Int("remote", len(base.Remote)))
	return base, nil
}

func (b *Backbone) OnPeerLost(_ context.Context, peerID string) {
	b.mu.Lock()
	delete(b.peers, peerID)
	b.mu.Unlock()
	b.logger.Warn("peer lost", zap.String("peer", peerID))
}

// OnStateChange programs the router first and records the object only once
// the router accepted it, so a failure is retried on the next heartbeat.
func (b *Backbone) OnStateChange(ctx context.Context, peerID, key string, hash *string, data []byte) error {
	if b.classOf(peerID) != protocol.ClassManagement {
		b.logger.Debug("ignoring state from non-management peer", zap.String("peer", peerID), zap.String("key", key))
		return nil
	}

	kind, routed := KindOf(key)
	if hash == nil {
		if routed {
			if err := b.router.Delete(ctx, kind, key); err != nil {
				return fmt.Errorf("backbone: delete %s %s: %w", kind, key, err)
			}
		}
		if err := b.store.Delete(ctx, peerID, key); err != nil {
			return err
		}
	} else {
		if routed {
			if err := b.router.Apply(ctx, kind, key, data); err != nil {
				return fmt.Errorf("backbone: apply %s %s: %w", kind, key, err)
			}
		}
		if err := b.store.Put(ctx, peerID, key, *hash, data); err != nil {
			return err
		}
	}

	if strings.HasPrefix(key, accessPrefix) {
		return b.republish(ctx, key, hash, data)
	}
	return nil
}

// republish makes an access point available to every member.
func (b *Backbone) republish(ctx context.Context, key string, hash *string, data []byte) error {
	var err error
	if hash == nil {
		err = b.store.Delete(ctx, AccessNamespace, key)
	} else {
		err = b.store.Put(ctx, AccessNamespace, key, *hash, data)
	}
	if err != nil {
		return fmt.Errorf("backbone: republish %s: %w", key, err)
	}
	pub := b.get()
	for _, member := range b.members() {
		pub.UpdateLocalState(member, key, hash)
	}
	return nil
}

// OnStateRequest serves access points to members.
func (b *Backbone) OnStateRequest(ctx context.Context, peerID, key string) (string, []byte, error) {
	if !strings.HasPrefix(key, accessPrefix) {
		return "", nil, statesync.ErrStateNotFound
	}
	return serve(ctx, b.store, AccessNamespace, key)
}
