// Package config loads the YAML configuration shared by both webbook
// binaries: relay endpoint and storage path for the CLI client,
// listen address and rate-limit knobs for the relay server.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ClientConfig controls cmd/webbook.
type ClientConfig struct {
	RelayURL    string `yaml:"relayUrl"`
	StoragePath string `yaml:"storagePath"`
}

// DefaultClientConfig returns the client's built-in defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RelayURL:    "wss://relay.webbook.example/relay",
		StoragePath: "webbook.db",
	}
}

// LoadClientConfig reads a YAML file at path over the defaults. An empty
// path returns the defaults unchanged.
func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read client config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse client config: %w", err)
	}
	return cfg, nil
}

// RelayConfig controls cmd/webbookd. RateLimitRPS and RateLimitBurst are
// loaded but not passed to the relay server, whose per-source-IP limiter
// uses fixed values (5/s, burst 20); FederationPeers is likewise loaded
// and not used.
type RelayConfig struct {
	Addr            string   `yaml:"addr"`
	BlobDBPath      string   `yaml:"blobDbPath"`
	MaxConnections  int64    `yaml:"maxConnections"`
	RateLimitRPS    float64  `yaml:"rateLimitRps"`
	RateLimitBurst  int      `yaml:"rateLimitBurst"`
	FederationPeers []string `yaml:"federationPeers"`
}

// DefaultRelayConfig returns the relay server's built-in defaults (§4.14).
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Addr:           ":8443",
		BlobDBPath:     "relay-blobs.sqlite",
		MaxConnections: 1024,
		RateLimitRPS:   5.0,
		RateLimitBurst: 20,
	}
}

// LoadRelayConfig reads a YAML file at path over the defaults. An empty
// path returns the defaults unchanged.
func LoadRelayConfig(path string) (RelayConfig, error) {
	cfg := DefaultRelayConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read relay config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse relay config: %w", err)
	}
	return cfg, nil
}
