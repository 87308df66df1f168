// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maunium.net/go/mautrix-keybackup"
	"maunium.net/go/mautrix-keybackup/keybackup"
	"maunium.net/go/mautrix-keybackup/mockserver"
)

func TestRunOfflineCommand(t *testing.T) {
	output, ok, err := runOfflineCommand([]string{"emoji", "63"})
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, emojiOutput{Code: 63, Emoji: "📌", Name: "pin"}, output)

	_, ok, err = runOfflineCommand([]string{"emoji", "64"})
	assert.True(t, ok)
	assert.Error(t, err)

	output, ok, err = runOfflineCommand([]string{"sas", "000000000000"})
	require.True(t, ok)
	require.NoError(t, err)
	sas := output.(sasOutput)
	require.Len(t, sas.Emojis, 7)
	assert.Equal(t, "dog", sas.Emojis[0].Name)
	assert.Equal(t, 0, sas.Emojis[6].Code)
	assert.Equal(t, [3]int{1000, 1000, 1000}, sas.Decimals)

	_, ok, _ = runOfflineCommand([]string{"keys", "get"})
	assert.False(t, ok)
}

func TestRunCommand(t *testing.T) {
	ctx := context.Background()
	ms := mockserver.Create(t)
	store := keybackup.NewStore(ms.Login(t, "@alice:example.com"), nil)

	output, err := runCommand(ctx, store, "", []string{"version", "latest"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"version": nil}, output)

	output, err = runCommand(ctx, store, "", []string{"version", "create"})
	require.NoError(t, err)
	created := output.(*keybackup.Version)

	_, err = runCommand(ctx, store, "", []string{"keys", "put", "!abc", "SESSID1", `{"first_message_index":0,"forwarded_count":0,"is_verified":true,"session_data":{"ciphertext":"a"}}`})
	require.NoError(t, err)
	output, err = runCommand(ctx, store, created.Version, []string{"keys", "get", "!abc", "SESSID1"})
	require.NoError(t, err)
	assert.True(t, output.(*mautrix.KeyBackupData[json.RawMessage]).IsVerified)

	_, err = runCommand(ctx, store, "", []string{"keys", "put", "!abc", "SESSID2", `{"is_verified":true}`})
	assert.ErrorIs(t, err, ErrUsage)
	_, err = runCommand(ctx, store, "", []string{"keys", "get", "!abc", "SESSID2"})
	assert.ErrorIs(t, err, keybackup.ErrNotFound)

	output, err = runCommand(ctx, store, "", []string{"keys", "delete"})
	require.NoError(t, err)
	assert.Equal(t, okOutput{OK: true}, output)

	_, err = runCommand(ctx, store, "", []string{"frobnicate"})
	assert.ErrorIs(t, err, ErrUsage)
}
