// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonmq/axonmq/sparkplug"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "axonmq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Len(t, cfg.Listeners, 1)
	assert.Equal(t, ":1883", cfg.Listeners[0].Address)
	assert.Equal(t, "tcp", cfg.Listeners[0].Protocol)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "ignore", cfg.Sparkplug.RebirthOnError.OnSequenceMismatch)
	assert.Equal(t, "request", cfg.Sparkplug.RebirthOnError.OnMalformedPayload)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
listeners:
  - address: ":1883"
    protocol: tcp
  - address: ":8083"
    protocol: ws
    path: /mqtt
broker:
  max_qos: 1
  outbound_queue_size: 256
log:
  level: debug
  format: json
api:
  enabled: true
  address: ":9090"
sparkplug:
  rebirth_on_error:
    on_sequence_mismatch: request
    on_malformed_payload: ignore
processors:
  - uuid: p-log
    config:
      type: logger
      level: info
  - uuid: p-filter
    config:
      type: filter
      condition: "{{ payload.active }}"
chains:
  - name: audit
    processors: [p-filter, p-log]
    delivery: false
routers:
  - topic: "sensors/#"
    client_id: gateway-1
    chains: [audit]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Listeners, 2)
	assert.Equal(t, "ws", cfg.Listeners[1].Protocol)
	assert.Equal(t, "/mqtt", cfg.Listeners[1].Path)
	assert.Equal(t, uint8(1), cfg.Broker.MaxQoS)
	assert.Equal(t, 256, cfg.Broker.OutboundQueueSize)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ":9090", cfg.API.Address)

	opts := cfg.SparkplugOptions()
	assert.Equal(t, sparkplug.PolicyRequest, opts.OnSequenceMismatch)
	assert.Equal(t, sparkplug.PolicyIgnore, opts.OnMalformedPayload)

	procs, chains, rules, err := cfg.RouterSpecs()
	require.NoError(t, err)
	require.Len(t, procs, 2)
	assert.Equal(t, "p-log", procs[0].UUID)
	assert.JSONEq(t, `{"type":"logger","level":"info"}`, string(procs[0].Config))
	require.Len(t, chains, 1)
	assert.Equal(t, []string{"p-filter", "p-log"}, chains[0].Processors)
	assert.False(t, chains[0].Delivery)
	require.Len(t, rules, 1)
	assert.Equal(t, "sensors/#", rules[0].Topic)
	assert.Equal(t, "gateway-1", rules[0].ClientID)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "no listeners",
			mutate:  func(c *Config) { c.Listeners = nil },
			wantErr: "at least one listener",
		},
		{
			name:    "bad protocol",
			mutate:  func(c *Config) { c.Listeners[0].Protocol = "udp" },
			wantErr: "protocol",
		},
		{
			name:    "tls cert without key",
			mutate:  func(c *Config) { c.Listeners[0].TLSCertFile = "cert.pem" },
			wantErr: "tls_key_file",
		},
		{
			name: "client auth without ca",
			mutate: func(c *Config) {
				c.Listeners[0].TLSCertFile = "cert.pem"
				c.Listeners[0].TLSKeyFile = "key.pem"
				c.Listeners[0].TLSClientAuth = "require"
			},
			wantErr: "tls_ca_file",
		},
		{
			name:    "bad qos",
			mutate:  func(c *Config) { c.Broker.MaxQoS = 3 },
			wantErr: "max_qos",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: "log.level",
		},
		{
			name:    "bad rebirth policy",
			mutate:  func(c *Config) { c.Sparkplug.RebirthOnError.OnSequenceMismatch = "panic" },
			wantErr: "on_sequence_mismatch",
		},
		{
			name: "processor without type",
			mutate: func(c *Config) {
				c.Processors = []ProcessorConfig{{UUID: "p1", Config: map[string]any{"level": "info"}}}
			},
			wantErr: "config.type",
		},
		{
			name:    "health enabled without address",
			mutate:  func(c *Config) { c.Health.Address = "" },
			wantErr: "health.address",
		},
		{
			name: "router without chains",
			mutate: func(c *Config) {
				c.Routers = []RouterConfig{{Topic: "a/#"}}
			},
			wantErr: "at least one chain",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "listeners: [")
	_, err := Load(path)
	assert.Error(t, err)
}
