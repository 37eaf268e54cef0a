package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/protogate/codec"
	"github.com/c360/protogate/config"
	"github.com/c360/protogate/device"
	"github.com/c360/protogate/metric"
)

func TestParseFlags(t *testing.T) {
	var stderr bytes.Buffer
	cli, err := parseFlags([]string{"-log-level", "debug", "-log-format", "text", "-admin-port", "9000"}, &stderr)
	require.NoError(t, err)
	assert.Equal(t, "debug", cli.LogLevel)
	assert.Equal(t, 9000, cli.AdminPort)

	_, err = parseFlags([]string{"-log-level", "loud"}, &stderr)
	assert.Error(t, err)

	_, err = parseFlags([]string{"-config", "/does/not/exist.json"}, &stderr)
	assert.Error(t, err)
}

func TestSetupLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	setupLogger(&buf, "info", "json").Info("hello", "tenant", "t1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["msg"])
	assert.Equal(t, appName, line["service"])
	assert.Equal(t, "t1", line["tenant"])
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"gateway": {"workers": 4},
		"products": [{"key": "p1", "allow_auto_register": true}]
	}`), 0o600))

	cfg, err := loadConfig(&CLIConfig{ConfigPath: path, TenantsPath: "/etc/tenants.yaml", AdminPort: 0})
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Gateway.Workers)
	assert.Equal(t, "/etc/tenants.yaml", cfg.Tenants.Path)
	assert.Equal(t, 0, cfg.Admin.Port)
	require.Len(t, cfg.Products, 1)
}

func TestBuildDirectory_SeedsProducts(t *testing.T) {
	cfg := config.Defaults()
	cfg.Products = []config.ProductConfig{{Key: "p1", AllowAutoRegister: true}}

	dir, closeFn, err := buildDirectory(context.Background(), cfg, metric.NewMetricsRegistry())
	require.NoError(t, err)
	defer func() { _ = closeFn() }()

	_, isCached := dir.(*device.CachedDirectory)
	assert.True(t, isCached)

	p, err := dir.GetProduct(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, p.AllowAutoRegister)

	_, err = dir.GetProduct(context.Background(), "nope")
	assert.True(t, device.IsNotFound(err))
}

func TestBuildCodecs_BindsProducts(t *testing.T) {
	reg, err := buildCodecs([]config.ProductConfig{
		{Key: "meter", Codec: "cbor"},
		{Key: "hexed", PreDecode: config.DecoderHex},
	})
	require.NoError(t, err)

	raw, err := reg.PreDecode("hexed", []byte("7b7d"))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(raw))

	msgs, err := reg.Decode(context.Background(), codec.Context{ProductKey: "other", DeviceID: "d1"}, []byte(`{"properties":{"temp":1}}`))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "d1", msgs[0].DeviceID)

	_, err = buildCodecs([]config.ProductConfig{{Key: "bad", PreDecode: "rot13"}})
	assert.Error(t, err)
}

func TestBuildSink_DefaultsToLog(t *testing.T) {
	cfg := config.Defaults()
	cfg.Sinks = nil

	out, err := buildSink(cfg, nil, metric.NewMetricsRegistry(), setupLogger(&bytes.Buffer{}, "error", "json"))
	require.NoError(t, err)
	assert.Equal(t, "multi", out.Name())

	cfg.Sinks = []string{config.SinkNATS}
	_, err = buildSink(cfg, nil, metric.NewMetricsRegistry(), setupLogger(&bytes.Buffer{}, "error", "json"))
	assert.Error(t, err)
}
