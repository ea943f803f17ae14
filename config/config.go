// Copyright (c) AxonMQ
// SPDX-License-Identifier: Apache-2.0

// Package config loads the broker configuration from a YAML file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/axonmq/axonmq/router"
	"github.com/axonmq/axonmq/sparkplug"
)

// Config holds all configuration for the AxonMQ broker.
type Config struct {
	Listeners  []ListenerConfig  `yaml:"listeners"`
	Broker     BrokerConfig      `yaml:"broker"`
	Session    SessionConfig     `yaml:"session"`
	Log        LogConfig         `yaml:"log"`
	API        APIConfig         `yaml:"api"`
	Health     HealthConfig      `yaml:"health"`
	Sparkplug  SparkplugConfig   `yaml:"sparkplug"`
	Processors []ProcessorConfig `yaml:"processors"`
	Chains     []ChainConfig     `yaml:"chains"`
	Routers    []RouterConfig    `yaml:"routers"`
}

// ListenerConfig describes one network listener.
type ListenerConfig struct {
	Address        string `yaml:"address"`
	Protocol       string `yaml:"protocol"` // tcp, ws
	TLSCertFile    string `yaml:"tls_cert_file"`
	TLSKeyFile     string `yaml:"tls_key_file"`
	TLSCAFile      string `yaml:"tls_ca_file"`
	TLSClientAuth  string `yaml:"tls_client_auth"` // none, request, require
	Path           string `yaml:"path"`            // ws only
	MaxConnections int    `yaml:"max_connections"`
}

// TLSEnabled reports whether the listener carries TLS material.
func (l ListenerConfig) TLSEnabled() bool {
	return l.TLSCertFile != "" || l.TLSKeyFile != ""
}

// BrokerConfig holds broker-wide protocol limits.
type BrokerConfig struct {
	ReceiveMaximum    uint16        `yaml:"receive_maximum"`
	TopicAliasMaximum uint16        `yaml:"topic_alias_maximum"`
	MaxPacketSize     uint32        `yaml:"max_packet_size"`
	MaxQoS            uint8         `yaml:"max_qos"`
	OutboundQueueSize int           `yaml:"outbound_queue_size"`
	KeepAliveMax      uint16        `yaml:"keep_alive_max"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// SessionConfig holds session management settings.
type SessionConfig struct {
	MaxSessions           int    `yaml:"max_sessions"`
	DefaultExpiryInterval uint32 `yaml:"default_expiry_interval"`
	MaxOfflineQueueSize   int    `yaml:"max_offline_queue_size"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// APIConfig holds the HTTP API listener settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// HealthConfig holds the health probe listener settings.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// SparkplugConfig holds host application settings.
type SparkplugConfig struct {
	RebirthOnError RebirthConfig `yaml:"rebirth_on_error"`
	InboxSize      int           `yaml:"inbox_size"`
}

// RebirthConfig selects the recovery policy per error class.
type RebirthConfig struct {
	OnSequenceMismatch string `yaml:"on_sequence_mismatch"` // ignore, request
	OnMalformedPayload string `yaml:"on_malformed_payload"` // ignore, request
}

// ProcessorConfig declares one processor instance. The config mapping
// is passed through to the processor unchanged; its `type` key selects
// the implementation.
type ProcessorConfig struct {
	UUID   string         `yaml:"uuid"`
	Config map[string]any `yaml:"config"`
}

// ChainConfig declares an ordered processor chain.
type ChainConfig struct {
	Name       string   `yaml:"name"`
	Processors []string `yaml:"processors"`
	Delivery   bool     `yaml:"delivery"`
}

// RouterConfig declares one routing rule.
type RouterConfig struct {
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`
	Chains   []string `yaml:"chains"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Listeners: []ListenerConfig{
			{Address: ":1883", Protocol: "tcp", TLSClientAuth: "none", MaxConnections: 10000},
		},
		Broker: BrokerConfig{
			ReceiveMaximum:    1024,
			TopicAliasMaximum: 32,
			MaxPacketSize:     1024 * 1024,
			MaxQoS:            2,
			OutboundQueueSize: 1024,
			ShutdownTimeout:   30 * time.Second,
		},
		Session: SessionConfig{
			MaxSessions:           10000,
			DefaultExpiryInterval: 300,
			MaxOfflineQueueSize:   1000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		API: APIConfig{
			Enabled: true,
			Address: ":8080",
		},
		Health: HealthConfig{
			Enabled: true,
			Address: ":8081",
		},
		Sparkplug: SparkplugConfig{
			RebirthOnError: RebirthConfig{
				OnSequenceMismatch: string(sparkplug.PolicyIgnore),
				OnMalformedPayload: string(sparkplug.PolicyRequest),
			},
			InboxSize: 1024,
		},
	}
}

// Load loads configuration from a YAML file. An empty filename or a
// missing file yields the defaults.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Listeners) == 0 {
		return fmt.Errorf("at least one listener required")
	}
	for i, l := range c.Listeners {
		if l.Address == "" {
			return fmt.Errorf("listeners[%d].address cannot be empty", i)
		}
		switch l.Protocol {
		case "tcp", "ws":
		default:
			return fmt.Errorf("listeners[%d].protocol must be one of: tcp, ws", i)
		}
		if l.TLSEnabled() {
			if l.TLSCertFile == "" || l.TLSKeyFile == "" {
				return fmt.Errorf("listeners[%d]: both tls_cert_file and tls_key_file required for TLS", i)
			}
			switch l.TLSClientAuth {
			case "", "none", "request", "require":
			default:
				return fmt.Errorf("listeners[%d].tls_client_auth must be one of: none, request, require", i)
			}
			if (l.TLSClientAuth == "request" || l.TLSClientAuth == "require") && l.TLSCAFile == "" {
				return fmt.Errorf("listeners[%d].tls_ca_file required when tls_client_auth is %q", i, l.TLSClientAuth)
			}
		}
	}

	if c.Broker.MaxQoS > 2 {
		return fmt.Errorf("broker.max_qos must be 0, 1, or 2")
	}
	if c.Broker.OutboundQueueSize < 1 {
		return fmt.Errorf("broker.outbound_queue_size must be at least 1")
	}
	if c.Session.MaxSessions < 1 {
		return fmt.Errorf("session.max_sessions must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validPolicies := map[string]bool{"ignore": true, "request": true}
	if !validPolicies[c.Sparkplug.RebirthOnError.OnSequenceMismatch] {
		return fmt.Errorf("sparkplug.rebirth_on_error.on_sequence_mismatch must be one of: ignore, request")
	}
	if !validPolicies[c.Sparkplug.RebirthOnError.OnMalformedPayload] {
		return fmt.Errorf("sparkplug.rebirth_on_error.on_malformed_payload must be one of: ignore, request")
	}

	if c.API.Enabled && c.API.Address == "" {
		return fmt.Errorf("api.address required when api is enabled")
	}
	if c.Health.Enabled && c.Health.Address == "" {
		return fmt.Errorf("health.address required when health is enabled")
	}

	for i, p := range c.Processors {
		if p.UUID == "" {
			return fmt.Errorf("processors[%d].uuid cannot be empty", i)
		}
		if _, ok := p.Config["type"]; !ok {
			return fmt.Errorf("processors[%d] (%s): config.type required", i, p.UUID)
		}
	}
	for i, ch := range c.Chains {
		if ch.Name == "" {
			return fmt.Errorf("chains[%d].name cannot be empty", i)
		}
	}
	for i, r := range c.Routers {
		if r.Topic == "" {
			return fmt.Errorf("routers[%d].topic cannot be empty", i)
		}
		if len(r.Chains) == 0 {
			return fmt.Errorf("routers[%d] (%s): at least one chain required", i, r.Topic)
		}
	}

	return nil
}

// RouterSpecs converts the declared processors, chains, and rules to
// the router factory's input types.
func (c *Config) RouterSpecs() ([]router.ProcessorSpec, []router.ChainSpec, []router.RuleSpec, error) {
	procs := make([]router.ProcessorSpec, 0, len(c.Processors))
	for _, p := range c.Processors {
		raw, err := json.Marshal(p.Config)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("processor %s: %w", p.UUID, err)
		}
		procs = append(procs, router.ProcessorSpec{UUID: p.UUID, Config: raw})
	}

	chains := make([]router.ChainSpec, 0, len(c.Chains))
	for _, ch := range c.Chains {
		chains = append(chains, router.ChainSpec{
			Name:       ch.Name,
			Processors: ch.Processors,
			Delivery:   ch.Delivery,
		})
	}

	rules := make([]router.RuleSpec, 0, len(c.Routers))
	for _, r := range c.Routers {
		rules = append(rules, router.RuleSpec{
			Topic:    r.Topic,
			ClientID: r.ClientID,
			Chains:   r.Chains,
		})
	}

	return procs, chains, rules, nil
}

// SparkplugOptions converts the sparkplug section to service options.
func (c *Config) SparkplugOptions() sparkplug.Options {
	return sparkplug.Options{
		OnSequenceMismatch: sparkplug.Policy(c.Sparkplug.RebirthOnError.OnSequenceMismatch),
		OnMalformedPayload: sparkplug.Policy(c.Sparkplug.RebirthOnError.OnMalformedPayload),
		InboxSize:          c.Sparkplug.InboxSize,
	}
}
