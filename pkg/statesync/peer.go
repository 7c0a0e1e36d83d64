package statesync

import (
	"maps"
	"slices"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/ryandielhenn/fabricsync/pkg/protocol"
)

type PeerState uint8

const (
	// PeerJoining peers are waiting for their baseline.
	PeerJoining PeerState = iota
	PeerSynced
	PeerLost
)

func (s PeerState) String() string {
	switch s {
	case PeerJoining:
		return "joining"
	case PeerSynced:
		return "synced"
	case PeerLost:
		return "lost"
	}
	return "unknown"
}

// Peer is what a controller knows about one remote controller. It belongs to
// the event loop.
type Peer struct {
	ID              string
	Class           protocol.Class
	Address         string
	ConnectionKey   string
	State           PeerState
	JoinedAt        time.Time
	LastHeartbeatAt time.Time

	// incarnation distinguishes a peer that was lost and re-joined from its
	// previous self, so stale results for the old one are never applied.
	incarnation uint64

	// local is owned by this controller and advertised to the peer. Deleted
	// keys stay as nil tombstones.
	local protocol.HashSet
	// remote is what has been applied from the peer.
	remote map[string]string
	// reported is the latest hash the peer advertised for each key.
	reported protocol.HashSet
	// unconfirmed holds keys seeded from the baseline that the peer has not
	// advertised yet. The owner is asked for them directly once a full
	// hashset should have arrived.
	unconfirmed  mapset.Set[string]
	confirmTicks int

	dirty    mapset.Set[string]
	fullSync bool
	ticks    int
}

func (p *Peer) merge(hs protocol.HashSet) {
	for k, v := range hs {
		p.reported[k] = v
		p.unconfirmed.Remove(k)
	}
}

// stale counts reported keys that differ from what has been applied.
func (p *Peer) stale() int {
	n := 0
	for k, want := range p.reported {
		have, held := p.remote[k]
		switch {
		case want == nil && held:
			n++
		case want != nil && (!held || have != *want):
			n++
		}
	}
	return n
}

func (p *Peer) info() PeerInfo {
	return PeerInfo{
		ID:              p.ID,
		Class:           p.Class,
		Address:         p.Address,
		ConnectionKey:   p.ConnectionKey,
		State:           p.State.String(),
		JoinedAt:        p.JoinedAt,
		LastHeartbeatAt: p.LastHeartbeatAt,
		LocalKeys:       live(p.local),
		RemoteKeys:      len(p.remote),
		ReportedKeys:    live(p.reported),
		StaleKeys:       p.stale(),
	}
}

func live(hs protocol.HashSet) int {
	n := 0
	for _, h := range hs {
		if h != nil {
			n++
		}
	}
	return n
}

// PeerInfo is a copy of a peer's bookkeeping that is safe to use off the loop.
type PeerInfo struct {
	ID              string         `json:"id"`
	Class           protocol.Class `json:"class"`
	Address         string         `json:"address"`
	ConnectionKey   string         `json:"connection"`
	State           string         `json:"state"`
	JoinedAt        time.Time      `json:"joinedAt"`
	LastHeartbeatAt time.Time      `json:"lastHeartbeatAt"`
	LocalKeys       int            `json:"localKeys"`
	RemoteKeys      int            `json:"remoteKeys"`
	ReportedKeys    int            `json:"reportedKeys"`
	StaleKeys       int            `json:"staleKeys"`
}

// Registry holds the peers known to one controller. It is not safe for
// concurrent use.
type Registry struct {
	peers       map[string]*Peer
	incarnation uint64
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*Peer)}
}

func (r *Registry) Get(id string) (*Peer, bool) {
	p, ok := r.peers[id]
	return p, ok
}

// Join registers a new peer in the joining state, replacing any previous
// entry with the same id.
func (r *Registry) Join(id string, class protocol.Class, address, conn string, now time.Time) *Peer {
	r.incarnation++
	p := &Peer{
		ID:              id,
		Class:           class,
		Address:         address,
		ConnectionKey:   conn,
		State:           PeerJoining,
		JoinedAt:        now,
		LastHeartbeatAt: now,
		incarnation:     r.incarnation,
		local:           make(protocol.HashSet),
		remote:          make(map[string]string),
		reported:        make(protocol.HashSet),
		dirty:           mapset.NewThreadUnsafeSet[string](),
		unconfirmed:     mapset.NewThreadUnsafeSet[string](),
	}
	r.peers[id] = p
	return p
}

func (r *Registry) Remove(id string) {
	delete(r.peers, id)
}

// Current reports whether p is still the registered incarnation of its id.
func (r *Registry) Current(p *Peer) bool {
	cur, ok := r.peers[p.ID]
	return ok && cur == p
}

// Expired returns the peers silent for longer than timeout.
func (r *Registry) Expired(now time.Time, timeout time.Duration) []*Peer {
	var out []*Peer
	for _, p := range r.All() {
		if now.Sub(p.LastHeartbeatAt) > timeout {
			out = append(out, p)
		}
	}
	return out
}

// All returns the peers ordered by id.
func (r *Registry) All() []*Peer {
	out := make([]*Peer, 0, len(r.peers))
	for _, id := range slices.Sorted(maps.Keys(r.peers)) {
		out = append(out, r.peers[id])
	}
	return out
}

func (r *Registry) Len() int { return len(r.peers) }

// Count returns the number of peers in state s.
func (r *Registry) Count(s PeerState) int {
	n := 0
	for _, p := range r.peers {
		if p.State == s {
			n++
		}
	}
	return n
}

func (r *Registry) Snapshot() []PeerInfo {
	all := r.All()
	out := make([]PeerInfo, 0, len(all))
	for _, p := range all {
		out = append(out, p.info())
	}
	return out
}
