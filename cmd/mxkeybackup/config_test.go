// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", cfg.Database.Type)
	assert.Empty(t, cfg.Homeserver.Address)
	assert.ErrorIs(t, cfg.Validate(), ErrMissingHomeserver)
	_, err = cfg.Logging.Compile()
	assert.NoError(t, err)
}

func TestLoadConfig_File(t *testing.T) {
	path := writeConfig(t, `
homeserver:
    address: https://matrix.example.org
    http_retries: 2
user_id: "@alice:example.org"
access_token: syt_abc
database:
    type: postgres
    uri: postgres://localhost/keybackup
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://matrix.example.org", cfg.Homeserver.Address)
	assert.Equal(t, 2, cfg.Homeserver.HTTPRetries)
	assert.EqualValues(t, "@alice:example.org", cfg.UserID)
	assert.Equal(t, "postgres", cfg.Database.Type)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
homeserver:
    address: https://matrix.example.org
user_id: "@alice:example.org"
`)
	t.Setenv("MXKEYBACKUP_ACCESS_TOKEN", "syt_env")
	t.Setenv("MXKEYBACKUP_HOMESERVER", "https://other.example.org")
	t.Setenv("MXKEYBACKUP_HTTP_RETRIES", "3")
	t.Setenv("MXKEYBACKUP_DATABASE_URI", "file:env.db")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "syt_env", cfg.AccessToken)
	assert.Equal(t, "https://other.example.org", cfg.Homeserver.Address)
	assert.Equal(t, 3, cfg.Homeserver.HTTPRetries)
	assert.Equal(t, "file:env.db", cfg.Database.URI)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_ValidateUserID(t *testing.T) {
	cfg := &Config{UserID: "alice", AccessToken: "syt_abc"}
	cfg.Homeserver.Address = "https://matrix.example.org"
	assert.Error(t, cfg.Validate())
	cfg.UserID = ""
	assert.ErrorIs(t, cfg.Validate(), ErrMissingCredentials)
}
