// Package roles supplies the state sync collaborators of the three
// controller classes: management owns configuration toward backbones,
// backbones apply it to their router and pass access points on to member
// sites, members only follow.
package roles

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ryandielhenn/fabricsync/pkg/protocol"
	"github.com/ryandielhenn/fabricsync/pkg/statesync"
	"github.com/ryandielhenn/fabricsync/pkg/store"
)

// Publisher announces changes to state owned toward a peer. It is satisfied
// by *statesync.Controller.
type Publisher interface {
	UpdateLocalState(peerID, key string, hash *string)
}

// Claimer performs the claim exchange. It is satisfied by *statesync.Controller.
type Claimer interface {
	Claim(ctx context.Context, address, claim, name string) (*protocol.ClaimResponse, error)
}

var (
	_ Publisher = (*statesync.Controller)(nil)
	_ Claimer   = (*statesync.Controller)(nil)
)

type nopPublisher struct{}

func (nopPublisher) UpdateLocalState(string, string, *string) {}

// publisher holds the controller a role publishes through. Roles are
// created before their controller, so it is bound afterwards.
type publisher struct {
	mu sync.RWMutex
	p  Publisher
}

func (b *publisher) Bind(p Publisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.p = p
}

func (b *publisher) get() Publisher {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.p == nil {
		return nopPublisher{}
	}
	return b.p
}

// ErrReservedPeer refuses peers whose id would share a namespace with the
// ones roles keep for themselves.
var ErrReservedPeer = errors.New("roles: peer id uses a reserved namespace")

func checkPeerID(peerID string) error {
	if peerID == "" || strings.HasPrefix(peerID, store.ReservedPrefix) {
		return fmt.Errorf("%w: %q", ErrReservedPeer, peerID)
	}
	return nil
}

// serve reads key from ns and recomputes its hash from the stored data.
func serve(ctx context.Context, s store.Store, ns, key string) (string, []byte, error) {
	obj, err := s.Get(ctx, ns, key)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil, statesync.ErrStateNotFound
	}
	if err != nil {
		return "", nil, err
	}
	return store.Hash(obj.Data), obj.Data, nil
}
