package roles

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	for key, want := range map[string]Kind{
		"tls-server-42":   KindSSLProfile,
		"ssl-profile-bb1": KindSSLProfile,
		"link-7":          KindConnector,
		"access-amqps":    KindListener,
	} {
		got, ok := KindOf(key)
		assert.True(t, ok, key)
		assert.Equal(t, want, got, key)
	}
	_, ok := KindOf("site-config")
	assert.False(t, ok)
}

func TestLoggingRouter(t *testing.T) {
	ctx := context.Background()
	r := NewLoggingRouter(nil)
	require.NoError(t, r.Apply(ctx, KindConnector, "link-7", []byte(`{"host":"a"}`)))
	require.NoError(t, r.Apply(ctx, KindListener, "access-1", []byte(`{}`)))
	require.NoError(t, r.Delete(ctx, KindListener, "access-1"))

	assert.Equal(t, map[Resource][]byte{
		{Kind: KindConnector, Name: "link-7"}: []byte(`{"host":"a"}`),
	}, r.Resources())
}
