package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/fabricsync/pkg/protocol"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadPrecedence(t *testing.T) {
	file := filepath.Join(t.TempDir(), "syncd.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
class: backbone
id: from-file
httpAddr: ":9090"
nats:
  url: nats://file:4222
store:
  path: /tmp/bb.db
sync:
  heartbeatInterval: 2s
  fullSyncEvery: 3
log:
  level: debug
claim:
  token: tok-1
  name: site-a
  address: ctl.mgmt
invitations:
  - claim: inv-1
    uses: 2
    links:
      - backboneId: bb-1
        host: bb1.example
        port: 55671
`), 0o600))

	cfg, err := Load(
		[]string{"--config", file, "--nats", "flag-host", "--target", "a", "--target", "b"},
		env(map[string]string{EnvID: "from-env", EnvNATS: "nats://env:4222", EnvEtcd: "http://e1:2379, http://e2:2379"}),
	)
	require.NoError(t, err)

	assert.Equal(t, protocol.ClassBackbone, cfg.Class)
	assert.Equal(t, "from-env", cfg.ID)
	assert.Equal(t, "fabricsync.backbone.from-env", cfg.Address)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "nats://flag-host:4222", cfg.NATS.URL)
	assert.Equal(t, []string{"http://e1:2379", "http://e2:2379"}, cfg.Etcd.Endpoints)
	assert.Equal(t, []string{"a", "b"}, cfg.Targets)
	assert.Equal(t, 2*time.Second, cfg.Sync.HeartbeatInterval)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ClaimConfig{Token: "tok-1", Name: "site-a", Address: "ctl.mgmt"}, cfg.Claim)
	require.Len(t, cfg.Invitations, 1)
	assert.Equal(t, []protocol.OutgoingLink{{BackboneID: "bb-1", Host: "bb1.example", Port: 55671}}, cfg.Invitations[0].OutgoingLinks())

	sc := cfg.StateSync()
	assert.Equal(t, 3, sc.FullSyncEvery)
	assert.Equal(t, "fabricsync.backbone.from-env", sc.Address)
	assert.Equal(t, "fabricsync-from-env", cfg.Transport().Name)

	logger, err := cfg.Logger()
	require.NoError(t, err)
	_ = logger.Sync()
}

func TestLoadFromEnvOnly(t *testing.T) {
	cfg, err := Load(nil, env(map[string]string{
		EnvID:    "mgmt",
		EnvClass: "management",
		EnvAddr:  "ctl.mgmt",
	}))
	require.NoError(t, err)
	assert.Equal(t, "ctl.mgmt", cfg.Address)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	assert.Equal(t, int64(10), cfg.Etcd.LeaseTTL)
}

func TestLoadNormalizesAddresses(t *testing.T) {
	cfg, err := Load(
		[]string{"--http", "9091", "--etcd", "e1", "--etcd", "https://e2", "--etcd", "http://e3:2380/"},
		env(map[string]string{EnvID: "mgmt", EnvClass: "management"}),
	)
	require.NoError(t, err)
	assert.Equal(t, ":9091", cfg.HTTPAddr)
	assert.Equal(t, []string{"http://e1:2379", "https://e2:2379", "http://e3:2380"}, cfg.Etcd.Endpoints)
}

func TestValidateAggregates(t *testing.T) {
	_, err := Load([]string{"--class", "router", "--log-level", "loud", "--store", ""}, env(nil))
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `class "router"`)
	assert.Contains(t, msg, "id is required")
	assert.Contains(t, msg, "store path is required")
	assert.Contains(t, msg, "log level")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load([]string{"-c", filepath.Join(t.TempDir(), "nope.yaml")}, env(nil))
	require.Error(t, err)
}
