package statesync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/fabricsync/pkg/protocol"
)

func TestRegistryJoinReplacesIncarnation(t *testing.T) {
	r := NewRegistry()
	now := time.Unix(1000, 0)

	first := r.Join("bb-1", protocol.ClassBackbone, "ctl.bb-1", "nats", now)
	assert.Equal(t, PeerJoining, first.State)
	assert.True(t, r.Current(first))

	second := r.Join("bb-1", protocol.ClassBackbone, "ctl.bb-1", "nats", now)
	assert.False(t, r.Current(first))
	assert.True(t, r.Current(second))
	assert.NotEqual(t, first.incarnation, second.incarnation)
	assert.Equal(t, 1, r.Len())

	r.Remove("bb-1")
	assert.False(t, r.Current(second))
	_, ok := r.Get("bb-1")
	assert.False(t, ok)
}

func TestRegistryExpiredAndOrder(t *testing.T) {
	r := NewRegistry()
	now := time.Unix(1000, 0)

	r.Join("m-2", protocol.ClassMember, "ctl.m-2", "nats", now)
	r.Join("m-1", protocol.ClassMember, "ctl.m-1", "nats", now.Add(-40*time.Second))
	fresh := r.Join("bb-1", protocol.ClassBackbone, "ctl.bb-1", "nats", now)
	fresh.State = PeerSynced

	var ids []string
	for _, p := range r.All() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"bb-1", "m-1", "m-2"}, ids)

	expired := r.Expired(now, 30*time.Second)
	require.Len(t, expired, 1)
	assert.Equal(t, "m-1", expired[0].ID)

	assert.Equal(t, 1, r.Count(PeerSynced))
	assert.Equal(t, 2, r.Count(PeerJoining))
}

func TestPeerStaleKeys(t *testing.T) {
	p := NewRegistry().Join("mgmt", protocol.ClassManagement, "ctl.mgmt", "nats", time.Now())
	p.remote["same"] = "h1"
	p.remote["changed"] = "h1"
	p.remote["deleted"] = "h1"
	p.merge(protocol.HashSet{
		"same":    hashOf("h1"),
		"changed": hashOf("h2"),
		"deleted": nil,
		"new":     hashOf("h3"),
		"gone":    nil,
	})

	info := p.info()
	assert.Equal(t, 3, info.StaleKeys)
	assert.Equal(t, 3, info.ReportedKeys)
	assert.Equal(t, 3, info.RemoteKeys)
	assert.Equal(t, "joining", info.State)
}
