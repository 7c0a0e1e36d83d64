package statesync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/fabricsync/pkg/protocol"
	"github.com/ryandielhenn/fabricsync/pkg/store"
	"github.com/ryandielhenn/fabricsync/pkg/transport"
)

const (
	waitFor = 2 * time.Second
	pollMs  = 5 * time.Millisecond
)

// fakeHandler owns keys toward peers and records what it applies from them.
type fakeHandler struct {
	mu       sync.Mutex
	owned    map[string]map[string][]byte
	applied  map[string]map[string][]byte
	baseline Baseline
	requests int
	deletes  int
	lost     []string
	gate     chan struct{}
	claim    func(claim, name string) (protocol.ClaimResponse, error)
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		owned:   make(map[string]map[string][]byte),
		applied: make(map[string]map[string][]byte),
	}
}

// own stores data for key toward peer and returns its hash.
func (h *fakeHandler) own(peer, key string, data []byte) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.owned[peer] == nil {
		h.owned[peer] = make(map[string][]byte)
	}
	h.owned[peer][key] = data
	return store.Hash(data)
}

func (h *fakeHandler) disown(peer, key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.owned[peer], key)
}

func (h *fakeHandler) hold() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gate = make(chan struct{})
}

func (h *fakeHandler) release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.gate != nil {
		close(h.gate)
		h.gate = nil
	}
}

func (h *fakeHandler) OnNewPeer(context.Context, string, protocol.Class) (Baseline, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.baseline, nil
}

func (h *fakeHandler) OnPeerLost(_ context.Context, peerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lost = append(h.lost, peerID)
}

func (h *fakeHandler) OnStateChange(_ context.Context, peerID, key string, hash *string, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if hash == nil {
		h.deletes++
		delete(h.applied[peerID], key)
		return nil
	}
	if h.applied[peerID] == nil {
		h.applied[peerID] = make(map[string][]byte)
	}
	h.applied[peerID][key] = data
	return nil
}

func (h *fakeHandler) OnStateRequest(ctx context.Context, peerID, key string) (string, []byte, error) {
	h.mu.Lock()
	h.requests++
	gate := h.gate
	h.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	data, ok := h.owned[peerID][key]
	if !ok {
		return "", nil, ErrStateNotFound
	}
	return store.Hash(data), data, nil
}

func (h *fakeHandler) OnClaim(_ context.Context, claim, name string) (protocol.ClaimResponse, error) {
	if h.claim == nil {
		return protocol.ClaimResponse{}, &protocol.StatusError{Code: protocol.StatusNotFound, Description: "Not Found"}
	}
	return h.claim(claim, name)
}

func (h *fakeHandler) appliedData(peer, key string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.applied[peer][key]
	return string(d), ok
}

func (h *fakeHandler) requestCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requests
}

func (h *fakeHandler) deleteCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deletes
}

func (h *fakeHandler) lostPeers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.lost...)
}

// noClaims hides OnClaim.
type noClaims struct{ Handler }

// fabric is a set of controllers on one in-process bus sharing a mock clock.
type fabric struct {
	t     *testing.T
	bus   *transport.Bus
	clock *clock.Mock
}

func newFabric(t *testing.T) *fabric {
	return &fabric{t: t, bus: transport.NewBus(), clock: clock.NewMock()}
}

func (f *fabric) config(class protocol.Class, id string) Config {
	return Config{
		Class:             class,
		ID:                id,
		Address:           "ctl." + id,
		HeartbeatInterval: time.Second,
		PeerTimeout:       time.Hour,
		SweepInterval:     time.Hour,
		RequestTimeout:    5 * time.Second,
	}
}

// start runs a controller with one bus connection until the test ends.
func (f *fabric) start(cfg Config, h Handler) (*Controller, *transport.BusConn) {
	t := f.t
	c, err := New(cfg, h, WithClock(f.clock), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()
	t.Cleanup(func() {
		if fh, ok := h.(*fakeHandler); ok {
			fh.release()
		}
		cancel()
		c.Stop()
		require.NoError(t, <-errc)
	})

	conn := f.bus.Dial()
	require.NoError(t, c.AddConnection("bus", conn))
	return c, conn
}

// pair starts a management owner and a backbone follower and waits until
// each has the other synced.
func (f *fabric) pair(oh, fh Handler, tune func(owner, follower *Config)) (*Controller, *Controller, *transport.BusConn) {
	ocfg := f.config(protocol.ClassManagement, "mgmt")
	fcfg := f.config(protocol.ClassBackbone, "bb-1")
	if tune != nil {
		tune(&ocfg, &fcfg)
	}
	owner, _ := f.start(ocfg, oh)
	follower, fconn := f.start(fcfg, fh)
	follower.AddTarget(ocfg.Address)

	f.waitSynced(owner, "bb-1")
	f.waitSynced(follower, "mgmt")
	return owner, follower, fconn
}

func (f *fabric) waitSynced(c *Controller, peer string) {
	f.t.Helper()
	require.Eventually(f.t, func() bool {
		p, ok := peerInfo(f.t, c, peer)
		return ok && p.State == PeerSynced.String()
	}, waitFor, pollMs, "%s never synced %s", c.Config().ID, peer)
}

// tick advances the shared clock by one heartbeat interval and gives the
// loops a moment to act on it.
func (f *fabric) tick() {
	f.clock.Add(time.Second)
	time.Sleep(10 * time.Millisecond)
}

func peerInfo(t *testing.T, c *Controller, id string) (PeerInfo, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	peers, err := c.Peers(ctx)
	require.NoError(t, err)
	for _, p := range peers {
		if p.ID == id {
			return p, true
		}
	}
	return PeerInfo{}, false
}

func hashOf(s string) *string { return &s }
