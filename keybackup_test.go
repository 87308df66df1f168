// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mautrix_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maunium.net/go/mautrix-keybackup"
	"maunium.net/go/mautrix-keybackup/id"
	"maunium.net/go/mautrix-keybackup/mockserver"
)

func TestClient_KeyBackup(t *testing.T) {
	ctx := context.Background()
	ms := mockserver.Create(t)
	client := ms.Login(t, "@alice:example.com")

	_, err := client.GetKeyBackupLatestVersion(ctx)
	assert.ErrorIs(t, err, mautrix.MNotFound)
	var httpErr mautrix.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.True(t, httpErr.IsStatus(http.StatusNotFound))

	created, err := client.CreateKeyBackupVersion(ctx, &mautrix.ReqRoomKeysVersionCreate[json.RawMessage]{
		Algorithm: id.KeyBackupAlgorithmMegolmBackupV1,
		AuthData:  json.RawMessage(`{"public_key":"abc"}`),
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.Version)

	latest, err := client.GetKeyBackupLatestVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, created.Version, latest.Version)
	assert.Equal(t, id.KeyBackupAlgorithmMegolmBackupV1, latest.Algorithm)
	assert.JSONEq(t, `{"public_key":"abc"}`, string(latest.AuthData))
	assert.Zero(t, latest.Count)

	resp, err := client.PutKeysInBackupForRoomAndSession(ctx, created.Version, "!abc:example.com", "SESSID1", &mautrix.KeyBackupData[json.RawMessage]{
		IsVerified:  true,
		SessionData: json.RawMessage(`{"ciphertext":"a"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Count)

	room, err := client.GetKeyBackupForRoom(ctx, created.Version, "!abc:example.com")
	require.NoError(t, err)
	assert.Contains(t, room.Sessions, id.SessionID("SESSID1"))

	_, err = client.GetKeyBackupForRoomAndSession(ctx, created.Version, "!abc:example.com", "SESSID2")
	assert.ErrorIs(t, err, mautrix.MNotFound)

	_, err = client.PutKeysInBackup(ctx, "12345", &mautrix.KeysBackupData[json.RawMessage]{})
	assert.ErrorIs(t, err, mautrix.MWrongRoomKeysVersion)
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, string(created.Version), httpErr.RespError.ExtraData["current_version"])

	require.NoError(t, client.DeleteKeyBackupVersion(ctx, created.Version))
	_, err = client.GetKeyBackupVersion(ctx, created.Version)
	assert.ErrorIs(t, err, mautrix.MNotFound)
}

func TestClient_KeyBackup_MissingVersion(t *testing.T) {
	ctx := context.Background()
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)
	client, err := mautrix.NewClient(server.URL, "@alice:example.com", "token")
	require.NoError(t, err)

	_, err = client.GetKeyBackup(ctx, "")
	assert.ErrorIs(t, err, mautrix.ErrMissingKeyBackupVersion)
	_, err = client.GetKeyBackupVersion(ctx, "")
	assert.ErrorIs(t, err, mautrix.ErrMissingKeyBackupVersion)
	_, err = client.DeleteKeysInBackupForRoomAndSession(ctx, "", "!abc:example.com", "SESSID1")
	assert.ErrorIs(t, err, mautrix.ErrMissingKeyBackupVersion)
	assert.Zero(t, requests.Load())
}

func TestClient_RetryOnGatewayError(t *testing.T) {
	ctx := context.Background()
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"algorithm":"m.megolm_backup.v1.curve25519-aes-sha2","auth_data":{},"count":0,"etag":"1","version":"1"}`))
	}))
	t.Cleanup(server.Close)
	client, err := mautrix.NewClient(server.URL, "@alice:example.com", "token")
	require.NoError(t, err)
	client.DefaultHTTPRetries = 1

	resp, err := client.GetKeyBackupLatestVersion(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, "1", resp.Version)
	assert.EqualValues(t, 2, requests.Load())
}

func TestClient_UnknownErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("not json"))
	}))
	t.Cleanup(server.Close)
	client, err := mautrix.NewClient(server.URL, "@alice:example.com", "token")
	require.NoError(t, err)

	_, err = client.GetKeyBackupLatestVersion(context.Background())
	var httpErr mautrix.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Nil(t, httpErr.RespError)
	assert.Equal(t, "not json", httpErr.ResponseBody)
	assert.False(t, errors.Is(err, mautrix.MNotFound))
}
