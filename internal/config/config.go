// Package config loads the YAML configuration for both core
// processes — tunneld (signaling + relay broker) and tunnel-agent —
// and watches the backing file so either process can pick up a
// changed upstream map or ICE-server list without a restart.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ICEServer is a STUN/TURN server offered to the agent's P2P
// transport (spec §4.8 / SPEC_FULL §2 domain stack: pion/webrtc).
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// BrokerConfig is tunneld's configuration: listen address, the dev
// JWT secret backing the reference auth.Validator, and the ICE-server
// list handed to agents that attach (served at GET /ice-servers).
type BrokerConfig struct {
	ListenAddr string      `yaml:"listen_addr"`
	JWTSecret  string      `yaml:"jwt_secret"`
	ICEServers []ICEServer `yaml:"ice_servers,omitempty"`
}

// DefaultBrokerConfig returns the broker's built-in defaults, used
// when no config file is present.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		ListenAddr: ":8443",
		ICEServers: []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	}
}

// AgentConfig is the tunnel-agent's configuration: where to find the
// signaling and relay brokers, and the router's client→upstream map
// (spec §4.2, SPEC_FULL §3 "Upstream map").
type AgentConfig struct {
	SignalingURL    string            `yaml:"signaling_url"`
	RelayURL        string            `yaml:"relay_url"`
	DefaultUpstream string            `yaml:"default_upstream"`
	Upstreams       map[string]string `yaml:"upstreams,omitempty"`
	MaxP2PAttempts  int               `yaml:"max_p2p_attempts,omitempty"`
	P2PTimeoutSecs  int               `yaml:"p2p_timeout_secs,omitempty"`
	ICEServers      []ICEServer       `yaml:"ice_servers,omitempty"`
}

// DefaultAgentConfig returns the agent's built-in defaults, applied
// under whatever a loaded file leaves unset.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		DefaultUpstream: "http://127.0.0.1:8080",
		MaxP2PAttempts:  3,
		P2PTimeoutSecs:  15,
		ICEServers:      []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	}
}

// LoadBroker reads a BrokerConfig from path, layered over the
// defaults. A missing file is not an error — the defaults apply.
func LoadBroker(path string) (BrokerConfig, error) {
	cfg := DefaultBrokerConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read broker config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse broker config: %w", err)
	}
	return cfg, nil
}

// LoadAgent reads an AgentConfig from path, layered over the
// defaults. A missing file is not an error — the defaults apply.
func LoadAgent(path string) (AgentConfig, error) {
	cfg := DefaultAgentConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read agent config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse agent config: %w", err)
	}
	if len(cfg.Upstreams) == 0 {
		cfg.Upstreams = make(map[string]string)
	}
	return cfg, nil
}
