package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// memKV is an etcd KV over a map, enough for single key and prefix reads.
type memKV struct {
	clientv3.KV
	mu   sync.Mutex
	data map[string]string
}

func newMemKV() *memKV { return &memKV{data: make(map[string]string)} }

func (m *memKV) Put(_ context.Context, key, val string, _ ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = val
	return &clientv3.PutResponse{}, nil
}

func (m *memKV) Get(_ context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	end := string(clientv3.OpGet(key, opts...).RangeBytes())
	m.mu.Lock()
	defer m.mu.Unlock()
	resp := &clientv3.GetResponse{Header: &etcdserverpb.ResponseHeader{Revision: 1}}
	for k, v := range m.data {
		if k == key || end != "" && k >= key && k < end {
			resp.Kvs = append(resp.Kvs, &mvccpb.KeyValue{Key: []byte(k), Value: []byte(v)})
		}
	}
	return resp, nil
}

func (m *memKV) Delete(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.DeleteResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return &clientv3.DeleteResponse{}, nil
}

// chanWatcher serves every watch from one channel fed by the test.
type chanWatcher struct {
	ch  chan clientv3.WatchResponse
	key string
}

func (w *chanWatcher) Watch(_ context.Context, key string, _ ...clientv3.OpOption) clientv3.WatchChan {
	w.key = key
	return w.ch
}

func (w *chanWatcher) RequestProgress(context.Context) error { return nil }
func (w *chanWatcher) Close() error                          { return nil }

func TestEtcdKeyLayout(t *testing.T) {
	s := NewEtcd(nil)

	full := s.key("bb-1", "tls-server-42")
	if full != "/fabricsync/state/bb-1/tls-server-42" {
		t.Fatalf("key = %q", full)
	}

	ns, key, ok := s.parse(full)
	if !ok || ns != "bb-1" || key != "tls-server-42" {
		t.Fatalf("parse(%q) = %q %q %v", full, ns, key, ok)
	}

	// keys may contain slashes, namespaces may not
	ns, key, ok = s.parse("/fabricsync/state/bb-1/access/a")
	if !ok || ns != "bb-1" || key != "access/a" {
		t.Fatalf("parse nested = %q %q %v", ns, key, ok)
	}

	for _, bad := range []string{"/other/bb-1/k", "/fabricsync/state/bb-1", "/fabricsync/state//k", "/fabricsync/state/bb-1/"} {
		if _, _, ok := s.parse(bad); ok {
			t.Fatalf("parse(%q) accepted", bad)
		}
	}
}

func TestEtcdStore(t *testing.T) {
	ctx := context.Background()
	s := newEtcd(newMemKV(), nil)

	require.NoError(t, s.Put(ctx, "bb-1", "link-1", "h1", []byte(`{"host":"a"}`)))
	require.NoError(t, s.Put(ctx, "bb-1", "link-2", "h2", []byte(`{}`)))
	// a namespace sharing the prefix of another one
	require.NoError(t, s.Put(ctx, "bb-10", "link-1", "h3", []byte(`{}`)))

	obj, err := s.Get(ctx, "bb-1", "link-1")
	require.NoError(t, err)
	assert.Equal(t, Object{Namespace: "bb-1", Key: "link-1", Hash: "h1", Data: []byte(`{"host":"a"}`)}, obj)

	hs, err := s.HashState(ctx, "bb-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"link-1": "h1", "link-2": "h2"}, hs)

	require.NoError(t, s.Delete(ctx, "bb-1", "link-1"))
	_, err = s.Get(ctx, "bb-1", "link-1")
	assert.True(t, IsNotFound(err))
}

func TestEtcdWatchReportsChanges(t *testing.T) {
	w := &chanWatcher{ch: make(chan clientv3.WatchResponse, 1)}
	s := newEtcd(newMemKV(), w)

	kv := func(key string, value []byte) *mvccpb.KeyValue {
		return &mvccpb.KeyValue{Key: []byte(key), Value: value}
	}
	w.ch <- clientv3.WatchResponse{Events: []*clientv3.Event{
		{Type: mvccpb.PUT, Kv: kv(s.key("bb-1", "link-1"), encodeValue("h1", []byte(`{}`)))},
		{Type: mvccpb.PUT, Kv: kv("/fabricsync/controllers/backbone/bb-1", []byte("ctl.bb-1"))},
		{Type: mvccpb.PUT, Kv: kv(s.key("bb-1", "corrupt"), []byte{0x09})},
		{Type: mvccpb.DELETE, Kv: kv(s.key("bb-1", "link-2"), nil)},
	}}
	close(w.ch)

	var got []Change
	require.NoError(t, s.Watch(context.Background(), func(c Change) { got = append(got, c) }))
	assert.Equal(t, statePrefix, w.key)

	h1 := "h1"
	assert.Equal(t, []Change{
		{Namespace: "bb-1", Key: "link-1", Hash: &h1},
		{Namespace: "bb-1", Key: "link-2"},
	}, got)
}

func TestEtcdWatchFailsOnCompaction(t *testing.T) {
	w := &chanWatcher{ch: make(chan clientv3.WatchResponse, 1)}
	s := newEtcd(newMemKV(), w)
	w.ch <- clientv3.WatchResponse{CompactRevision: 7}
	close(w.ch)

	err := s.Watch(context.Background(), func(Change) { t.Fatal("unexpected change") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store/etcd: watch")
}
