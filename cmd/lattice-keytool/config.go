// Copyright 2026 The Lattice Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lattice-im/lattice/lib/ref"
)

// configEnvVar names the environment variable checked when --config is
// not given. There is no other discovery; configuration comes from
// exactly one file.
const configEnvVar = "LATTICE_KEYTOOL_CONFIG"

// toolConfig is the keytool configuration file.
type toolConfig struct {
	// HomeserverURL is the base URL of the homeserver.
	HomeserverURL string `yaml:"homeserver_url"`

	// UserID is the account whose sessions the tool operates on.
	UserID ref.UserID `yaml:"user_id"`

	// DeviceID identifies this tool to the server, for commands that
	// talk to it (restore, request).
	DeviceID ref.DeviceID `yaml:"device_id"`

	// AccessTokenFile holds the access token, one line. Kept out of
	// the config file so the config can be world-readable.
	AccessTokenFile string `yaml:"access_token_file"`

	// StoreDir is the root of the local session record store.
	StoreDir string `yaml:"store_dir"`

	// Export configures session export sealing.
	Export exportConfig `yaml:"export,omitempty"`
}

// exportConfig configures how export files are sealed.
type exportConfig struct {
	// Recipients are age X25519 public keys the export is sealed to.
	// When empty the export command prompts for a passphrase instead.
	Recipients []string `yaml:"recipients,omitempty"`
}

// loadConfig reads the config file named by the --config flag value or
// the environment, and validates the fields every command needs.
func loadConfig(path string) (*toolConfig, error) {
	if path == "" {
		path = os.Getenv(configEnvVar)
	}
	if path == "" {
		return nil, fmt.Errorf("no config file (pass --config or set %s)", configEnvVar)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var config toolConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if config.UserID.IsZero() {
		return nil, fmt.Errorf("config %s: user_id is required", path)
	}
	if config.StoreDir == "" {
		return nil, fmt.Errorf("config %s: store_dir is required", path)
	}
	return &config, nil
}

// requireServer validates the fields only server-facing commands need.
func (c *toolConfig) requireServer() error {
	if c.HomeserverURL == "" {
		return fmt.Errorf("homeserver_url is required for this command")
	}
	if c.DeviceID.IsZero() {
		return fmt.Errorf("device_id is required for this command")
	}
	if c.AccessTokenFile == "" {
		return fmt.Errorf("access_token_file is required for this command")
	}
	return nil
}

// accessToken reads the token file. Trailing whitespace is stripped so
// a file written with a final newline works.
func (c *toolConfig) accessToken() (string, error) {
	data, err := os.ReadFile(c.AccessTokenFile)
	if err != nil {
		return "", fmt.Errorf("reading access token: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("access token file %s is empty", c.AccessTokenFile)
	}
	return token, nil
}
