// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"os"

	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"
)

// ICEServer is one STUN or TURN server entry in the ICE configuration
// file.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// ICEConfig holds the STUN/TURN servers used during candidate
// gathering. The zero value means host candidates only — sufficient
// for two devices on the same LAN, which is the common sync scenario.
// Order matters: pion tries servers in sequence.
type ICEConfig struct {
	Servers []ICEServer `yaml:"servers"`
}

// LoadICEConfig reads an ICE configuration from a single explicit
// YAML file. There is no discovery or fallback chain: the caller
// names the file or gets the zero config.
func LoadICEConfig(path string) (ICEConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ICEConfig{}, fmt.Errorf("reading ICE config: %w", err)
	}

	var config ICEConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return ICEConfig{}, fmt.Errorf("parsing ICE config %s: %w", path, err)
	}

	for index, server := range config.Servers {
		if len(server.URLs) == 0 {
			return ICEConfig{}, fmt.Errorf("ICE config %s: server entry %d has no urls", path, index)
		}
	}

	return config, nil
}

// webrtcServers converts the config into pion ICE server entries.
func (c ICEConfig) webrtcServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(c.Servers))
	for _, server := range c.Servers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       server.URLs,
			Username:   server.Username,
			Credential: server.Credential,
		})
	}
	return servers
}
