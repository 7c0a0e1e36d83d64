package roles

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ryandielhenn/fabricsync/pkg/protocol"
	"github.com/ryandielhenn/fabricsync/pkg/statesync"
	"github.com/ryandielhenn/fabricsync/pkg/store"
)

// Management owns the configuration of every backbone. Objects for a
// backbone live in the source store under the backbone's id.
type Management struct {
	publisher
	source store.Store
	claims *Claims
	logger *zap.Logger
}

var (
	_ statesync.Handler      = (*Management)(nil)
	_ statesync.ClaimHandler = (*Management)(nil)
)

func NewManagement(source store.Store, claims *Claims, logger *zap.Logger) *Management {
	if claims == nil {
		claims = NewClaims()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Management{source: source, claims: claims, logger: logger.Named("management")}
}

func (m *Management) Claims() *Claims { return m.claims }

// Publish stores data as key for backbone and advertises the new hash. Data
// must be a JSON document; it is stored and hashed in canonical form.
func (m *Management) Publish(ctx context.Context, backbone, key string, data []byte) (string, error) {
	data, err := store.Canonical(data)
	if err != nil {
		return "", fmt.Errorf("management: publish %s to %s: %w", key, backbone, err)
	}
	hash := store.Hash(data)
	if err := m.source.Put(ctx, backbone, key, hash, data); err != nil {
		return "", fmt.Errorf("management: publish %s to %s: %w", key, backbone, err)
	}
	m.get().UpdateLocalState(backbone, key, &hash)
	return hash, nil
}

// Withdraw deletes key for backbone and advertises the deletion.
func (m *Management) Withdraw(ctx context.Context, backbone, key string) error {
	if err := m.source.Delete(ctx, backbone, key); err != nil {
		return fmt.Errorf("management: withdraw %s from %s: %w", key, backbone, err)
	}
	m.get().UpdateLocalState(backbone, key, nil)
	return nil
}

// Watch advertises changes other writers make to the source until ctx is done.
func (m *Management) Watch(ctx context.Context, w store.Watcher) error {
	return w.Watch(ctx, func(ch store.Change) {
		m.logger.Debug("source changed", zap.String("peer", ch.Namespace), zap.String("key", ch.Key), zap.Bool("deleted", ch.Hash == nil))
		m.get().UpdateLocalState(ch.Namespace, ch.Key, ch.Hash)
	})
}

func (m *Management) OnNewPeer(ctx context.Context, peerID string, class protocol.Class) (statesync.Baseline, error) {
	if class != protocol.ClassBackbone {
		return statesync.Baseline{}, nil
	}
	local, err := m.source.HashState(ctx, peerID)
	if err != nil {
		return statesync.Baseline{}, fmt.Errorf("management: state of %s: %w", peerID, err)
	}
	m.logger.Info("backbone joined", zap.String("peer", peerID), zap.Int("keys", len(local)))
	return statesync.Baseline{Local: local}, nil
}

func (m *Management) OnPeerLost(_ context.Context, peerID string) {
	m.logger.Warn("backbone lost", zap.String("peer", peerID))
}

// OnStateChange ignores everything: nothing is owned toward management.
func (m *Management) OnStateChange(_ context.Context, peerID, key string, _ *string, _ []byte) error {
	m.logger.Debug("ignoring state from peer", zap.String("peer", peerID), zap.String("key", key))
	return nil
}

func (m *Management) OnStateRequest(ctx context.Context, peerID, key string) (string, []byte, error) {
	return serve(ctx, m.source, peerID, key)
}

func (m *Management) OnClaim(ctx context.Context, claim, name string) (protocol.ClaimResponse, error) {
	resp, err := m.claims.Redeem(ctx, claim, name)
	if err != nil {
		return resp, err
	}
	m.logger.Info("site claimed", zap.String("name", name), zap.String("site", resp.SiteID))
	return resp, nil
}
