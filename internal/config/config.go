// SPDX-License-Identifier: MIT

// Package config loads and validates the karaqueue configuration file.
package config

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// Paths groups all filesystem locations the server works with.
type Paths struct {
	// Database is the sqlite catalog written by the importer.
	Database string `yaml:"database"`
	// Media is the directory the encoded cover/audio paths point into.
	Media string `yaml:"media"`
	// WebApp is the directory containing the client (index.html).
	WebApp string `yaml:"web_app"`
	// Playlist is the persisted playlist snapshot. Created when missing.
	Playlist string `yaml:"playlist"`
	// SongLog receives one CSV row per played song. Optional.
	SongLog string `yaml:"song_log"`
	// SuggestionLog receives one CSV row per song suggestion. Optional.
	SuggestionLog string `yaml:"suggestion_log"`
	// BugLog receives one CSV row per song bug report. Optional.
	BugLog string `yaml:"bug_log"`
}

// Server groups the network-facing settings.
type Server struct {
	// Listen is the address and port to bind, e.g. "[::1]:8080".
	Listen string `yaml:"listen"`
	// Password is the admin password for managing the playlist.
	Password string `yaml:"password"`
}

// Logging configures the structured logger.
type Logging struct {
	Level string `yaml:"level"`
}

// Config is the root of the YAML configuration file.
type Config struct {
	Paths   Paths   `yaml:"paths"`
	Server  Server  `yaml:"server"`
	Logging Logging `yaml:"logging"`
}

// DefaultListen is used when server.listen is not configured.
const DefaultListen = "[::1]:8080"

// Load reads, parses and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Server.Listen == "" {
		cfg.Server.Listen = DefaultListen
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for the fields the server cannot run without.
func (c *Config) Validate() error {
	if c.Paths.Database == "" {
		return fmt.Errorf("config: paths.database is required")
	}
	if c.Paths.Playlist == "" {
		return fmt.Errorf("config: paths.playlist is required")
	}
	if c.Server.Password == "" {
		return fmt.Errorf("config: server.password is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		return fmt.Errorf("config: server.listen %q: %w", c.Server.Listen, err)
	}
	return nil
}
