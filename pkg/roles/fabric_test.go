package roles

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/fabricsync/pkg/protocol"
	"github.com/ryandielhenn/fabricsync/pkg/statesync"
	"github.com/ryandielhenn/fabricsync/pkg/store"
	"github.com/ryandielhenn/fabricsync/pkg/transport"
)

const waitFor = 3 * time.Second

// countingStore counts reads, which is what serving a GET costs.
type countingStore struct {
	store.Store
	gets *atomic.Int64
}

func (s countingStore) Get(ctx context.Context, ns, key string) (store.Object, error) {
	s.gets.Inc()
	return s.Store.Get(ctx, ns, key)
}

type fabric struct {
	t     *testing.T
	bus   *transport.Bus
	clock *clock.Mock
}

func newFabric(t *testing.T) *fabric {
	return &fabric{t: t, bus: transport.NewBus(), clock: clock.NewMock()}
}

// start runs a controller for h; bind receives it before it runs. The
// returned stop func is also registered as cleanup.
func (f *fabric) start(class protocol.Class, id string, h statesync.Handler, bind func(*statesync.Controller)) (*statesync.Controller, func()) {
	t := f.t
	c, err := statesync.New(statesync.Config{
		Class:             class,
		ID:                id,
		Address:           "ctl." + id,
		HeartbeatInterval: time.Second,
		PeerTimeout:       time.Hour,
		SweepInterval:     time.Hour,
	}, h, statesync.WithClock(f.clock), statesync.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	if bind != nil {
		bind(c)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(context.Background())
	}()
	stop := func() {
		c.Stop()
		<-done
	}
	t.Cleanup(stop)
	require.NoError(t, c.AddConnection("bus", f.bus.Dial()))
	return c, stop
}

func bindTo(p interface{ Bind(Publisher) }) func(*statesync.Controller) {
	return func(c *statesync.Controller) { p.Bind(c) }
}

func TestFabricConverges(t *testing.T) {
	ctx := context.Background()
	f := newFabric(t)

	mgmt := NewManagement(store.NewMemory(), nil, zaptest.NewLogger(t))
	// published before any backbone exists; delivered through the join baseline
	_, err := mgmt.Publish(ctx, "bb-1", "tls-server-1", []byte(`{"ca":"pem"}`))
	require.NoError(t, err)
	f.start(protocol.ClassManagement, "mgmt", mgmt, bindTo(mgmt))

	bstore, err := store.OpenBolt(filepath.Join(t.TempDir(), "bb-1.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bstore.Close() })
	router := NewLoggingRouter(zaptest.NewLogger(t))
	bb := NewBackbone(bstore, router, zaptest.NewLogger(t))
	bc, _ := f.start(protocol.ClassBackbone, "bb-1", bb, bindTo(bb))
	bc.AddTarget("ctl.mgmt")

	mstore := store.NewMemory()
	member := NewMember(mstore, zaptest.NewLogger(t))
	mc, _ := f.start(protocol.ClassMember, "m-1", member, nil)
	mc.AddTarget("ctl.bb-1")

	_, err = mgmt.Publish(ctx, "bb-1", "link-1", []byte(`{"host":"bb2.example","port":55671}`))
	require.NoError(t, err)
	access := []byte(`{"host":"bb1.example","port":5671}`)
	_, err = mgmt.Publish(ctx, "bb-1", "access-amqps", access)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(router.Resources()) == 3 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		obj, err := mstore.Get(ctx, "bb-1", "access-amqps")
		return err == nil && string(obj.Data) == string(access)
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, []byte(`{"ca":"pem"}`), router.Resources()[Resource{Kind: KindSSLProfile, Name: "tls-server-1"}])

	require.NoError(t, mgmt.Withdraw(ctx, "bb-1", "access-amqps"))
	require.Eventually(t, func() bool {
		_, err := mstore.Get(ctx, "bb-1", "access-amqps")
		return store.IsNotFound(err) && len(router.Resources()) == 2
	}, waitFor, 5*time.Millisecond)
}

func TestAccessPayloadReachesMemberVerbatim(t *testing.T) {
	ctx := context.Background()
	f := newFabric(t)

	mgmt := NewManagement(store.NewMemory(), nil, zaptest.NewLogger(t))
	f.start(protocol.ClassManagement, "mgmt", mgmt, bindTo(mgmt))

	bb := NewBackbone(store.NewMemory(), nil, zaptest.NewLogger(t))
	bc, _ := f.start(protocol.ClassBackbone, "bb-1", bb, bindTo(bb))
	bc.AddTarget("ctl.mgmt")

	mstore := store.NewMemory()
	mc, _ := f.start(protocol.ClassMember, "m-1", NewMember(mstore, zaptest.NewLogger(t)), nil)
	mc.AddTarget("ctl.bb-1")

	_, err := mgmt.Publish(ctx, "bb-1", "access-bad", []byte(`{"host": `))
	require.ErrorIs(t, err, store.ErrInvalidData)

	hash, err := mgmt.Publish(ctx, "bb-1", "access-amqps", []byte("{\"host\": \"bb1.example\", \"query\": \"a=1&b=<2>\"}\n"))
	require.NoError(t, err)
	want := `{"host":"bb1.example","query":"a=1&b=<2>"}`
	assert.Equal(t, store.Hash([]byte(want)), hash)

	require.Eventually(t, func() bool {
		obj, err := mstore.Get(ctx, "bb-1", "access-amqps")
		return err == nil && string(obj.Data) == want && obj.Hash == hash
	}, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		peers, err := mc.Peers(ctx)
		return err == nil && len(peers) == 1 && peers[0].ReportedKeys == 1 && peers[0].StaleKeys == 0
	}, waitFor, 5*time.Millisecond)
}

func TestMemberBootstrap(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	f := newFabric(t)

	mgmt := NewManagement(store.NewMemory(), nil, nil)
	token := mgmt.Claims().Add(Invitation{
		Uses:  1,
		Links: []protocol.OutgoingLink{{BackboneID: "bb-1", Host: "bb1.example", Port: 55671}},
	})
	f.start(protocol.ClassManagement, "mgmt", mgmt, bindTo(mgmt))

	member := NewMember(store.NewMemory(), zaptest.NewLogger(t))
	mc, _ := f.start(protocol.ClassMember, "m-1", member, nil)

	_, err := member.Identity(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)

	resp, err := member.Bootstrap(ctx, mc, "ctl.mgmt", token, "site-a")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.SiteID)

	id, err := member.Identity(ctx)
	require.NoError(t, err)
	assert.Equal(t, resp.SiteID, id.SiteID)
	assert.Equal(t, "bb1.example", id.OutgoingLinks[0].Host)

	_, err = member.Bootstrap(ctx, mc, "ctl.mgmt", token, "site-b")
	var se *protocol.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, protocol.StatusGone, se.Code)
}

func TestBackboneRestartResumes(t *testing.T) {
	ctx := context.Background()
	f := newFabric(t)

	gets := atomic.NewInt64(0)
	mgmt := NewManagement(countingStore{Store: store.NewMemory(), gets: gets}, nil, nil)
	for _, key := range []string{"tls-server-1", "link-1", "access-1"} {
		_, err := mgmt.Publish(ctx, "bb-1", key, []byte(`{"key":"`+key+`"}`))
		require.NoError(t, err)
	}
	f.start(protocol.ClassManagement, "mgmt", mgmt, bindTo(mgmt))

	path := filepath.Join(t.TempDir(), "bb-1.db")
	bstore, err := store.OpenBolt(path)
	require.NoError(t, err)
	bb := NewBackbone(bstore, nil, nil)
	bc, stop := f.start(protocol.ClassBackbone, "bb-1", bb, bindTo(bb))
	bc.AddTarget("ctl.mgmt")

	require.Eventually(t, func() bool {
		hs, err := bstore.HashState(ctx, "mgmt")
		return err == nil && len(hs) == 3
	}, waitFor, 5*time.Millisecond)
	require.Equal(t, int64(3), gets.Load())

	stop()
	require.NoError(t, bstore.Close())

	bstore, err = store.OpenBolt(path)
	require.NoError(t, err)
	t.Cleanup(func() { bstore.Close() })
	bb = NewBackbone(bstore, nil, nil)
	bc, _ = f.start(protocol.ClassBackbone, "bb-1", bb, bindTo(bb))
	bc.AddTarget("ctl.mgmt")

	// management still knows bb-1 and re-advertises everything on its
	// periodic full sync; nothing needs pulling again
	require.Eventually(t, func() bool {
		f.clock.Add(time.Second)
		peers, err := bc.Peers(ctx)
		if err != nil || len(peers) != 1 {
			return false
		}
		return peers[0].ReportedKeys == 3 && peers[0].StaleKeys == 0
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, int64(3), gets.Load())
}

func TestWithdrawnWhileBackboneDown(t *testing.T) {
	ctx := context.Background()
	f := newFabric(t)

	source := store.NewMemory()
	mgmt := NewManagement(source, nil, nil)
	for _, key := range []string{"link-1", "link-2"} {
		_, err := mgmt.Publish(ctx, "bb-1", key, []byte(`{"key":"`+key+`"}`))
		require.NoError(t, err)
	}
	_, stopMgmt := f.start(protocol.ClassManagement, "mgmt", mgmt, bindTo(mgmt))

	path := filepath.Join(t.TempDir(), "bb-1.db")
	bstore, err := store.OpenBolt(path)
	require.NoError(t, err)
	router := NewLoggingRouter(zaptest.NewLogger(t))
	bb := NewBackbone(bstore, router, nil)
	bc, stopBackbone := f.start(protocol.ClassBackbone, "bb-1", bb, bindTo(bb))
	bc.AddTarget("ctl.mgmt")
	require.Eventually(t, func() bool {
		hs, err := bstore.HashState(ctx, "mgmt")
		return err == nil && len(hs) == 2
	}, waitFor, 5*time.Millisecond)

	stopBackbone()
	stopMgmt()
	require.NoError(t, bstore.Close())
	// nobody is around to be told
	require.NoError(t, source.Delete(ctx, "bb-1", "link-2"))

	mgmt = NewManagement(source, nil, nil)
	f.start(protocol.ClassManagement, "mgmt", mgmt, bindTo(mgmt))
	bstore, err = store.OpenBolt(path)
	require.NoError(t, err)
	t.Cleanup(func() { bstore.Close() })
	bb = NewBackbone(bstore, router, nil)
	bc, _ = f.start(protocol.ClassBackbone, "bb-1", bb, bindTo(bb))
	bc.AddTarget("ctl.mgmt")

	require.Eventually(t, func() bool {
		f.clock.Add(time.Second)
		hs, err := bstore.HashState(ctx, "mgmt")
		if err != nil {
			return false
		}
		_, withdrawn := hs["link-2"]
		return len(hs) == 1 && !withdrawn
	}, waitFor, 10*time.Millisecond)
	assert.NotContains(t, router.Resources(), Resource{Kind: KindConnector, Name: "link-2"})
	assert.Contains(t, router.Resources(), Resource{Kind: KindConnector, Name: "link-1"})
}
