package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mark-sch/GpsdTracking/controller"
	"github.com/mark-sch/GpsdTracking/errors"
	"github.com/mark-sch/GpsdTracking/output/feed"
)

const yamlConfig = `
name: harbour
backend:
  type: sqlite
  workers: 2
  sqlite:
    path: /tmp/gpsd.db
    auto_create: true
services:
  tk102:
    adapter: gps103
    mode: persistent-server
    address: ":5001"
    max_silence: 10m
    idle_timeout: 2d
  aishub:
    adapter: aisfeed
    mode: outbound-client
    address: data.aishub.net:4001
    device_id: aishub
    reconnect_timeout: 30
queue:
  pacing: 1s
feed:
  enabled: true
  format: json
log:
  level: debug
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	cfg, err := LoadFile(writeFile(t, "gpsd.yaml", yamlConfig))
	require.NoError(t, err)

	assert.Equal(t, "harbour", cfg.Name)
	assert.Equal(t, "sqlite", cfg.Backend.Type)
	assert.Equal(t, 2, cfg.Backend.Workers)
	assert.Equal(t, 1024, cfg.Backend.QueueSize, "default kept")
	assert.JSONEq(t, `{"path":"/tmp/gpsd.db","auto_create":true}`, string(cfg.Backend.Options()))

	assert.Equal(t, []string{"aishub", "tk102"}, cfg.ServiceNames())
	tk := cfg.Services["tk102"]
	assert.Equal(t, 10*time.Minute, tk.MaxSilence.Std())
	assert.Equal(t, 48*time.Hour, tk.IdleTimeout.Std())
	assert.Equal(t, 30*time.Second, cfg.Services["aishub"].ReconnectTimeout.Std())

	assert.Equal(t, time.Second, cfg.Queue.Pacing.Std())
	assert.Equal(t, 30*time.Second, cfg.Queue.RetryDelay.Std())
	assert.True(t, cfg.Feed.Enabled)
	assert.Equal(t, feed.FormatJSON, cfg.Feed.Format)
	assert.Equal(t, 20, cfg.Feed.StaticEvery)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ":8080", cfg.API.Address)
}

func TestLoadJSONLayers(t *testing.T) {
	base := writeFile(t, "base.json", `{
		"backend": {"type": "memory"},
		"services": {
			"gtc": {"adapter": "gtcfree", "mode": "request-response", "address": ":5002", "path": "/gtc"}
		}
	}`)
	override := writeFile(t, "prod.json", `{
		"name": "prod",
		"services": {"gtc": {"address": ":6002"}},
		"metrics": {"enabled": false}
	}`)

	l := NewLoader()
	l.AddLayer(base)
	l.AddLayer(override)
	l.EnableValidation(true)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.Name)
	gtc := cfg.Services["gtc"]
	assert.Equal(t, ":6002", gtc.Address)
	assert.Equal(t, "/gtc", gtc.Path, "kept from the base layer")
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestEnvOverrides(t *testing.T) {
	path := writeFile(t, "gpsd.yml", yamlConfig)
	env := map[string]string{
		"GPSD_NAME":         "from-env",
		"GPSD_NATS_URL":     "nats://broker:4222",
		"GPSD_LOG_FORMAT":   "json",
		"GPSD_FEED_ENABLED": "false",
	}
	l := NewLoader()
	l.getenv = func(k string) string { return env[k] }
	l.AddLayer(path)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Name)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.False(t, cfg.Feed.Enabled)

	env["GPSD_FEED_ENABLED"] = "maybe"
	_, err = l.Load()
	assert.Error(t, err)
}

func TestLoadErrors(t *testing.T) {
	_, err := LoadFile(writeFile(t, "gpsd.toml", "name = 1"))
	assert.Error(t, err)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = LoadFile(writeFile(t, "broken.json", `{"name": `))
	assert.Error(t, err)

	_, err = LoadFile(writeFile(t, "bad.yaml", "queue:\n  pacing: soon\n"))
	assert.Error(t, err)

	_, err = LoadFile(writeFile(t, "empty.yaml", ""))
	assert.True(t, errors.IsFatal(err), "no services is fatal: %v", err)
}

func validConfig() *Config {
	cfg := Default()
	cfg.Services["nmea"] = ServiceConfig{Adapter: "nmea183", Mode: controller.ModePersistentServer, Address: ":5000"}
	return cfg
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no name", func(c *Config) { c.Name = "" }},
		{"no backend", func(c *Config) { c.Backend.Type = "" }},
		{"natskv without nats", func(c *Config) { c.Backend.Type = "natskv" }},
		{"bad mode", func(c *Config) {
			c.Services["x"] = ServiceConfig{Adapter: "nmea183", Mode: "push", Address: ":1"}
		}},
		{"shared address", func(c *Config) {
			c.Services["other"] = ServiceConfig{Adapter: "gps103", Mode: controller.ModePersistentServer, Address: ":5000"}
		}},
		{"negative queue", func(c *Config) { c.Queue.Pacing = -1 }},
		{"bad feed", func(c *Config) { c.Feed.Enabled = true; c.Feed.Format = "xml" }},
		{"websocket without api", func(c *Config) { c.API.Address = "" }},
		{"tls without files", func(c *Config) { c.API.TLS.Enabled = true }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"all disabled", func(c *Config) {
			off := false
			svc := c.Services["nmea"]
			svc.Enabled = &off
			c.Services["nmea"] = svc
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsFatal(err))
		})
	}
}

func TestValidateDuplicateFeedDevice(t *testing.T) {
	cfg := validConfig()
	cfg.Services["a"] = ServiceConfig{Adapter: "aisfeed", Mode: controller.ModeOutboundClient, Address: "h1:4001", DeviceID: "hub"}
	cfg.Services["b"] = ServiceConfig{Adapter: "aisfeed", Mode: controller.ModeOutboundClient, Address: "h2:4001", DeviceID: "hub"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDuplicateDevice)
	assert.True(t, errors.IsFatal(err))
}

func TestServiceController(t *testing.T) {
	svc := ServiceConfig{
		Adapter:     "gps103",
		Mode:        controller.ModePersistentServer,
		Address:     ":5001",
		MaxSilence:  Duration(5 * time.Minute),
		MinDistance: 50,
	}
	cfg, err := svc.Controller("tk102")
	require.NoError(t, err)
	assert.Equal(t, "tk102", cfg.Name)
	assert.Equal(t, 5*time.Minute, cfg.MaxSilence)
	assert.Equal(t, 50.0, cfg.MinDistance)
	assert.NotZero(t, cfg.IdleTimeout, "defaults applied")
	assert.Nil(t, cfg.TLS)

	svc.TLS.Enabled = true
	svc.TLS.CertFile = "missing.pem"
	svc.TLS.KeyFile = "missing.key"
	_, err = svc.Controller("tk102")
	assert.Error(t, err)
}

func TestDuration(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1m30s"`), &d))
	assert.Equal(t, 90*time.Second, d.Std())
	require.NoError(t, json.Unmarshal([]byte(`2.5`), &d))
	assert.Equal(t, 2500*time.Millisecond, d.Std())
	assert.Error(t, json.Unmarshal([]byte(`"x"`), &d))
	assert.Error(t, json.Unmarshal([]byte(`true`), &d))

	out, err := json.Marshal(Duration(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, `"1m0s"`, string(out))
}

func TestSaveAndReload(t *testing.T) {
	cfg := validConfig()
	cfg.NATS.Password = "secret"
	dir := t.TempDir()

	for _, name := range []string{"out.json", "out.yaml"} {
		path := filepath.Join(dir, name)
		require.NoError(t, cfg.SaveToFile(path))
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

		loaded, err := LoadFile(path)
		require.NoError(t, err, name)
		assert.Equal(t, cfg.Services, loaded.Services)
		assert.Equal(t, cfg.Queue, loaded.Queue)
	}

	assert.NotContains(t, cfg.String(), "secret")
	assert.Error(t, cfg.SaveToFile(filepath.Join(dir, "out.txt")))
}

func TestValidateJSONDepth(t *testing.T) {
	assert.NoError(t, validateJSONDepth([]byte(`{"a":"[{not nested","b":[1,2]}`)))
	assert.Error(t, validateJSONDepth([]byte(`{"a":[1}`)))
	assert.Error(t, validateJSONDepth([]byte(`]`)))

	deep := make([]byte, 0, 2*(maxJSONDepth+1))
	for i := 0; i <= maxJSONDepth; i++ {
		deep = append(deep, '[')
	}
	for i := 0; i <= maxJSONDepth; i++ {
		deep = append(deep, ']')
	}
	assert.Error(t, validateJSONDepth(deep))
}
