package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "member.db")

	s, err := OpenBolt(path)
	require.NoError(t, err)
	assert.Equal(t, path, s.Path())

	bundle := []byte(`{"ca":"pem"}`)
	require.NoError(t, s.Put(ctx, "bb-1", "tls-server-42", "h1", bundle))
	require.NoError(t, s.Put(ctx, "bb-1", "link-7", "h2", []byte(`{}`)))
	require.NoError(t, s.Put(ctx, "bb-2", "link-7", "h3", []byte(`{}`)))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Get(ctx, "bb-1", "link-7")
	require.ErrorIs(t, err, ErrClosed)

	s, err = OpenBolt(path)
	require.NoError(t, err)
	defer s.Close()

	hs, err := s.HashState(ctx, "bb-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"tls-server-42": "h1", "link-7": "h2"}, hs)

	obj, err := s.Get(ctx, "bb-1", "tls-server-42")
	require.NoError(t, err)
	assert.Equal(t, bundle, obj.Data)
	assert.Equal(t, "h1", obj.Hash)
}

func TestBoltDelete(t *testing.T) {
	ctx := context.Background()
	s, err := OpenBolt(filepath.Join(t.TempDir(), "s.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Delete(ctx, "nobody", "nothing"))

	require.NoError(t, s.Put(ctx, "mgmt", "access-9", "h", []byte(`{}`)))
	require.NoError(t, s.Delete(ctx, "mgmt", "access-9"))
	require.NoError(t, s.Delete(ctx, "mgmt", "access-9"))

	_, err = s.Get(ctx, "mgmt", "access-9")
	assert.True(t, IsNotFound(err))

	hs, err := s.HashState(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, hs)
}

func TestBoltContextCancelled(t *testing.T) {
	s, err := OpenBolt(filepath.Join(t.TempDir(), "s.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, s.Put(ctx, "ns", "k", "h", nil), context.Canceled)
}
