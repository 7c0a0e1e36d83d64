package statesync

import (
	"context"
	"errors"

	"github.com/ryandielhenn/fabricsync/pkg/protocol"
)

// ErrStateNotFound is returned by Handler.OnStateRequest for a key the owner
// does not hold. The requester answers it by deleting its copy.
var ErrStateNotFound = errors.New("statesync: state not found")

// Baseline seeds the hash state kept for a newly discovered peer.
type Baseline struct {
	// Local holds the keys this controller owns toward the peer.
	Local map[string]string
	// Remote holds what was already applied from the peer, e.g. read back
	// from a durable store after a restart.
	Remote map[string]string
}

// Handler is the role-specific collaborator of a Controller. Its methods are
// called off the event loop and may block; they must honor ctx.
type Handler interface {
	// OnNewPeer is called once when a peer is first heard from.
	OnNewPeer(ctx context.Context, peerID string, class protocol.Class) (Baseline, error)
	// OnPeerLost is called after a peer was removed for missing heartbeats.
	OnPeerLost(ctx context.Context, peerID string)
	// OnStateChange applies one key pulled from peerID. A nil hash deletes
	// the key and data is nil.
	OnStateChange(ctx context.Context, peerID, key string, hash *string, data []byte) error
	// OnStateRequest returns the current hash and data of a key this
	// controller owns toward peerID, or ErrStateNotFound.
	OnStateRequest(ctx context.Context, peerID, key string) (hash string, data []byte, err error)
}

// ClaimHandler is implemented by handlers that redeem site claims. A
// controller whose handler does not implement it answers CLAIM with 501.
//
// The returned response's Status is filled in by the controller. A
// *protocol.StatusError is sent back with its code unchanged.
type ClaimHandler interface {
	OnClaim(ctx context.Context, claim, name string) (protocol.ClaimResponse, error)
}
