package roles

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/ryandielhenn/fabricsync/pkg/protocol"
	"github.com/ryandielhenn/fabricsync/pkg/statesync"
	"github.com/ryandielhenn/fabricsync/pkg/store"
)

const (
	identityNamespace = store.ReservedPrefix + "identity"
	identityKey       = "site"
)

// Member follows its backbones and owns nothing.
type Member struct {
	store  store.Store
	logger *zap.Logger
}

var _ statesync.Handler = (*Member)(nil)

func NewMember(s store.Store, logger *zap.Logger) *Member {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Member{store: s, logger: logger.Named("member")}
}

func (m *Member) OnNewPeer(ctx context.Context, peerID string, class protocol.Class) (statesync.Baseline, error) {
	if err := checkPeerID(peerID); err != nil {
		return statesync.Baseline{}, err
	}
	if class != protocol.ClassBackbone {
		return statesync.Baseline{}, nil
	}
	remote, err := m.store.HashState(ctx, peerID)
	if err != nil {
		return statesync.Baseline{}, fmt.Errorf("member: baseline for %s: %w", peerID, err)
	}
	m.logger.Info("backbone joined", zap.String("peer", peerID), zap.Int("keys", len(remote)))
	return statesync.Baseline{Remote: remote}, nil
}

func (m *Member) OnPeerLost(_ context.Context, peerID string) {
	m.logger.Warn("backbone lost", zap.String("peer", peerID))
}

func (m *Member) OnStateChange(ctx context.Context, peerID, key string, hash *string, data []byte) error {
	if err := checkPeerID(peerID); err != nil {
		return err
	}
	if hash == nil {
		return m.store.Delete(ctx, peerID, key)
	}
	return m.store.Put(ctx, peerID, key, *hash, data)
}

func (m *Member) OnStateRequest(context.Context, string, string) (string, []byte, error) {
	return "", nil, statesync.ErrStateNotFound
}

// Bootstrap redeems claim at the controller listening on address and keeps
// the identity it assigns.
func (m *Member) Bootstrap(ctx context.Context, c Claimer, address, claim, name string) (*protocol.ClaimResponse, error) {
	resp, err := c.Claim(ctx, address, claim, name)
	if err != nil {
		return nil, fmt.Errorf("member: claim: %w", err)
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	if err := m.store.Put(ctx, identityNamespace, identityKey, store.Hash(data), data); err != nil {
		return nil, fmt.Errorf("member: keep identity: %w", err)
	}
	m.logger.Info("site claimed", zap.String("site", resp.SiteID), zap.Int("links", len(resp.OutgoingLinks)))
	return resp, nil
}

// Identity returns the identity kept by Bootstrap, or store.ErrNotFound.
func (m *Member) Identity(ctx context.Context) (*protocol.ClaimResponse, error) {
	obj, err := m.store.Get(ctx, identityNamespace, identityKey)
	if err != nil {
		return nil, err
	}
	resp := &protocol.ClaimResponse{}
	if err := json.Unmarshal(obj.Data, resp); err != nil {
		return nil, fmt.Errorf("member: identity: %w", err)
	}
	return resp, nil
}
