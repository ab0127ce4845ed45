package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadLayersFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
namespace: docs
liveness:
  keepalive: 10s
  expire: 30s
transport:
  kind: etcd
  etcd:
    endpoints: ["http://a:2379", "http://b:2379"]
`), 0o600))
	t.Setenv("ZEPHYR_LIVENESS_GC", "15s")
	t.Setenv("ZEPHYR_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "docs", cfg.Namespace)
	assert.Equal(t, ":8080", cfg.Listen, "untouched defaults survive")
	assert.Equal(t, 10*time.Second, cfg.Liveness.KeepAlive)
	assert.Equal(t, 30*time.Second, cfg.Liveness.Expire)
	assert.Equal(t, 15*time.Second, cfg.Liveness.GC)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, TransportEtcd, cfg.Transport.Kind)
	assert.Equal(t, []string{"http://a:2379", "http://b:2379"}, cfg.Transport.Etcd.Endpoints)
	assert.Equal(t, 5*time.Second, cfg.Transport.Etcd.DialTimeout)
}

func TestLoadEnvEndpointsList(t *testing.T) {
	t.Setenv("ZEPHYR_TRANSPORT_KIND", "etcd")
	t.Setenv("ZEPHYR_TRANSPORT_ETCD_ENDPOINTS", "http://a:2379,http://b:2379")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a:2379", "http://b:2379"}, cfg.Transport.Etcd.Endpoints)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("ZEPHYR_LIVENESS_KEEPALIVE", "5m")

	_, err := Load("")
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "keepalive")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"default", func(*Config) {}, true},
		{"memory transport", func(c *Config) { c.Transport.Kind = TransportMemory }, true},
		{"empty namespace", func(c *Config) { c.Namespace = "" }, false},
		{"namespace with separator", func(c *Config) { c.Namespace = "a:b" }, false},
		{"keepalive equals expire", func(c *Config) { c.Liveness.KeepAlive = c.Liveness.Expire }, false},
		{"zero gc", func(c *Config) { c.Liveness.GC = 0 }, false},
		{"unknown transport", func(c *Config) { c.Transport.Kind = "carrier-pigeon" }, false},
		{"redis without addr", func(c *Config) { c.Transport.Redis.Addr = "" }, false},
		{"etcd without endpoints", func(c *Config) {
			c.Transport.Kind = TransportEtcd
			c.Transport.Etcd.Endpoints = nil
		}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.mutate(&c)
			err := c.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalid)
			}
		})
	}
}
