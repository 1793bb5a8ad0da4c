// SPDX-FileCopyrightText: 2024, The Burrow Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// config_test.go - configuration tests

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte(`
RelayURL = "wss://relay.example.com"
DataDir = "/var/lib/burrow"
PageSize = 25

[Logging]
Level = "DEBUG"
`))
	require.NoError(err)
	require.Equal("wss://relay.example.com", cfg.RelayURL)
	require.Equal(25, cfg.PageSize)
	require.False(cfg.Offline())
	require.Equal("DEBUG", cfg.Logging.Level)
}

func TestLoadConfigDefaults(t *testing.T) {
	require := require.New(t)

	// no relay means offline mode, not an error
	cfg, err := Load([]byte(`DataDir = "/var/lib/burrow"`))
	require.NoError(err)
	require.True(cfg.Offline())
	require.Equal(defaultPageSize, cfg.PageSize)
	require.NotNil(cfg.Logging)
}

func TestLoadConfigRejectsBadInput(t *testing.T) {
	require := require.New(t)

	_, err := Load([]byte(``))
	require.Error(err)

	_, err = Load([]byte(`DataDir = "relative/path"`))
	require.Error(err)

	_, err = Load([]byte("DataDir = \"/var/lib/burrow\"\nNoSuchKey = true\n"))
	require.Error(err)
}
