// SPDX-FileCopyrightText: 2024, The Burrow Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// config.go - Burrow client configuration.

// Package config implements the configuration for the burrow client
// engine.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/katzenpost/katzenpost/core/log"
)

const defaultPageSize = 50

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

// Config is the top level burrow client configuration.
type Config struct {
	// RelayURL is the relay endpoint. An empty value is not an error;
	// the engine starts in offline mode and serves cached data only.
	RelayURL string

	// DataDir is the directory holding the encrypted state database.
	DataDir string

	// PageSize overrides the timeline pagination page size.
	PageSize int

	// BackupIntervalHours overrides the idle backup flush interval.
	BackupIntervalHours int

	Logging *Logging
}

// Offline reports whether the configuration has no relay endpoint.
func (c *Config) Offline() bool {
	return c.RelayURL == ""
}

func (c *Config) FixupAndValidate() error {
	if c.DataDir == "" {
		return errors.New("config: DataDir is not set")
	}
	if !filepath.IsAbs(c.DataDir) {
		return fmt.Errorf("config: DataDir '%s' is not an absolute path", c.DataDir)
	}
	if c.PageSize < 0 {
		return fmt.Errorf("config: PageSize %d is negative", c.PageSize)
	}
	if c.PageSize == 0 {
		c.PageSize = defaultPageSize
	}
	if c.BackupIntervalHours < 0 {
		return fmt.Errorf("config: BackupIntervalHours %d is negative", c.BackupIntervalHours)
	}
	if c.Logging == nil {
		c.Logging = &Logging{Level: "NOTICE"}
	}
	return nil
}

func (c *Config) InitLogBackend() (*log.Backend, error) {
	f := c.Logging.File
	if !c.Logging.Disable && c.Logging.File != "" {
		if !filepath.IsAbs(f) {
			return nil, errors.New("log file path must be absolute path")
		}
	}
	logBackend, err := log.New(f, c.Logging.Level, c.Logging.Disable)
	if err != nil {
		return nil, err
	}
	return logBackend, nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
