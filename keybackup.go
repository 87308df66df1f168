// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mautrix

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"maunium.net/go/mautrix-keybackup/id"
)

// ErrMissingKeyBackupVersion is returned by the key endpoints when called without a version.
// The server would otherwise interpret a missing version parameter as an invalid request.
var ErrMissingKeyBackupVersion = errors.New("key backup version is required")

func (cli *Client) buildKeyBackupURL(version id.KeyBackupVersion, path ...any) (string, error) {
	if version == "" {
		return "", ErrMissingKeyBackupVersion
	}
	return cli.BuildURLWithQuery(append(ClientURLPath{"v3", "room_keys", "keys"}, path...), map[string]string{
		"version": string(version),
	}), nil
}

// GetKeyBackupLatestVersion returns information about the latest backup version.
// If there is no backup on the server, the returned error will match [MNotFound].
// See https://spec.matrix.org/v1.9/client-server-api/#get_matrixclientv3room_keysversion
func (cli *Client) GetKeyBackupLatestVersion(ctx context.Context) (resp *RespRoomKeysVersion[json.RawMessage], err error) {
	urlPath := cli.BuildClientURL("v3", "room_keys", "version")
	_, err = cli.MakeRequest(ctx, http.MethodGet, urlPath, nil, &resp)
	return
}

// GetKeyBackupVersion returns information about an existing key backup.
// See https://spec.matrix.org/v1.9/client-server-api/#get_matrixclientv3room_keysversionversion
func (cli *Client) GetKeyBackupVersion(ctx context.Context, version id.KeyBackupVersion) (resp *RespRoomKeysVersion[json.RawMessage], err error) {
	if version == "" {
		return nil, ErrMissingKeyBackupVersion
	}
	urlPath := cli.BuildClientURL("v3", "room_keys", "version", version)
	_, err = cli.MakeRequest(ctx, http.MethodGet, urlPath, nil, &resp)
	return
}

// CreateKeyBackupVersion creates a new key backup. Calling this twice creates two versions.
// See https://spec.matrix.org/v1.9/client-server-api/#post_matrixclientv3room_keysversion
func (cli *Client) CreateKeyBackupVersion(ctx context.Context, req *ReqRoomKeysVersionCreate[json.RawMessage]) (resp *RespRoomKeysVersionCreate, err error) {
	urlPath := cli.BuildClientURL("v3", "room_keys", "version")
	_, err = cli.MakeRequest(ctx, http.MethodPost, urlPath, req, &resp)
	return
}

// UpdateKeyBackupVersion updates the auth data of an existing key backup. The algorithm can't be changed.
// See https://spec.matrix.org/v1.9/client-server-api/#put_matrixclientv3room_keysversionversion
func (cli *Client) UpdateKeyBackupVersion(ctx context.Context, version id.KeyBackupVersion, req *ReqRoomKeysVersionUpdate[json.RawMessage]) error {
	if version == "" {
		return ErrMissingKeyBackupVersion
	}
	urlPath := cli.BuildClientURL("v3", "room_keys", "version", version)
	_, err := cli.MakeRequest(ctx, http.MethodPut, urlPath, req, nil)
	return err
}

// DeleteKeyBackupVersion deletes an existing key backup, including all the keys stored in it.
// See https://spec.matrix.org/v1.9/client-server-api/#delete_matrixclientv3room_keysversionversion
func (cli *Client) DeleteKeyBackupVersion(ctx context.Context, version id.KeyBackupVersion) error {
	if version == "" {
		return ErrMissingKeyBackupVersion
	}
	urlPath := cli.BuildClientURL("v3", "room_keys", "version", version)
	_, err := cli.MakeRequest(ctx, http.MethodDelete, urlPath, nil, nil)
	return err
}

// GetKeyBackup retrieves all the keys from the given backup version.
// See https://spec.matrix.org/v1.9/client-server-api/#get_matrixclientv3room_keyskeys
func (cli *Client) GetKeyBackup(ctx context.Context, version id.KeyBackupVersion) (resp *KeysBackupData[json.RawMessage], err error) {
	urlPath, err := cli.buildKeyBackupURL(version)
	if err != nil {
		return nil, err
	}
	_, err = cli.MakeRequest(ctx, http.MethodGet, urlPath, nil, &resp)
	return
}

// PutKeysInBackup stores several keys in the backup.
// See https://spec.matrix.org/v1.9/client-server-api/#put_matrixclientv3room_keyskeys
func (cli *Client) PutKeysInBackup(ctx context.Context, version id.KeyBackupVersion, req *KeysBackupData[json.RawMessage]) (resp *RespRoomKeysUpdate, err error) {
	urlPath, err := cli.buildKeyBackupURL(version)
	if err != nil {
		return nil, err
	}
	_, err = cli.MakeFullRequest(ctx, FullRequest{
		Method:           http.MethodPut,
		URL:              urlPath,
		RequestJSON:      req,
		ResponseJSON:     &resp,
		SensitiveContent: true,
	})
	return
}

// DeleteKeyBackup deletes all keys from the backup.
// See https://spec.matrix.org/v1.9/client-server-api/#delete_matrixclientv3room_keyskeys
func (cli *Client) DeleteKeyBackup(ctx context.Context, version id.KeyBackupVersion) (resp *RespRoomKeysUpdate, err error) {
	urlPath, err := cli.buildKeyBackupURL(version)
	if err != nil {
		return nil, err
	}
	_, err = cli.MakeRequest(ctx, http.MethodDelete, urlPath, nil, &resp)
	return
}

// GetKeyBackupForRoom retrieves the keys from the backup for the given room.
// See https://spec.matrix.org/v1.9/client-server-api/#get_matrixclientv3room_keyskeysroomid
func (cli *Client) GetKeyBackupForRoom(ctx context.Context, version id.KeyBackupVersion, roomID id.RoomID) (resp *RoomKeyBackupData[json.RawMessage], err error) {
	urlPath, err := cli.buildKeyBackupURL(version, roomID)
	if err != nil {
		return nil, err
	}
	_, err = cli.MakeRequest(ctx, http.MethodGet, urlPath, nil, &resp)
	return
}

// PutKeysInBackupForRoom stores several keys in the backup for the given room.
// See https://spec.matrix.org/v1.9/client-server-api/#put_matrixclientv3room_keyskeysroomid
func (cli *Client) PutKeysInBackupForRoom(ctx context.Context, version id.KeyBackupVersion, roomID id.RoomID, req *RoomKeyBackupData[json.RawMessage]) (resp *RespRoomKeysUpdate, err error) {
	urlPath, err := cli.buildKeyBackupURL(version, roomID)
	if err != nil {
		return nil, err
	}
	_, err = cli.MakeFullRequest(ctx, FullRequest{
		Method:           http.MethodPut,
		URL:              urlPath,
		RequestJSON:      req,
		ResponseJSON:     &resp,
		SensitiveContent: true,
	})
	return
}

// DeleteKeysFromBackupForRoom deletes all the keys in the backup for the given room.
// See https://spec.matrix.org/v1.9/client-server-api/#delete_matrixclientv3room_keyskeysroomid
func (cli *Client) DeleteKeysFromBackupForRoom(ctx context.Context, version id.KeyBackupVersion, roomID id.RoomID) (resp *RespRoomKeysUpdate, err error) {
	urlPath, err := cli.buildKeyBackupURL(version, roomID)
	if err != nil {
		return nil, err
	}
	_, err = cli.MakeRequest(ctx, http.MethodDelete, urlPath, nil, &resp)
	return
}

// GetKeyBackupForRoomAndSession retrieves a key from the backup.
// See https://spec.matrix.org/v1.9/client-server-api/#get_matrixclientv3room_keyskeysroomidsessionid
func (cli *Client) GetKeyBackupForRoomAndSession(ctx context.Context, version id.KeyBackupVersion, roomID id.RoomID, sessionID id.SessionID) (resp *KeyBackupData[json.RawMessage], err error) {
	urlPath, err := cli.buildKeyBackupURL(version, roomID, sessionID)
	if err != nil {
		return nil, err
	}
	_, err = cli.MakeRequest(ctx, http.MethodGet, urlPath, nil, &resp)
	return
}

// PutKeysInBackupForRoomAndSession stores a key in the backup.
// See https://spec.matrix.org/v1.9/client-server-api/#put_matrixclientv3room_keyskeysroomidsessionid
func (cli *Client) PutKeysInBackupForRoomAndSession(ctx context.Context, version id.KeyBackupVersion, roomID id.RoomID, sessionID id.SessionID, req *KeyBackupData[json.RawMessage]) (resp *RespRoomKeysUpdate, err error) {
	urlPath, err := cli.buildKeyBackupURL(version, roomID, sessionID)
	if err != nil {
		return nil, err
	}
	_, err = cli.MakeFullRequest(ctx, FullRequest{
		Method:           http.MethodPut,
		URL:              urlPath,
		RequestJSON:      req,
		ResponseJSON:     &resp,
		SensitiveContent: true,
	})
	return
}

// DeleteKeysInBackupForRoomAndSession deletes a key from the backup.
// See https://spec.matrix.org/v1.9/client-server-api/#delete_matrixclientv3room_keyskeysroomidsessionid
func (cli *Client) DeleteKeysInBackupForRoomAndSession(ctx context.Context, version id.KeyBackupVersion, roomID id.RoomID, sessionID id.SessionID) (resp *RespRoomKeysUpdate, err error) {
	urlPath, err := cli.buildKeyBackupURL(version, roomID, sessionID)
	if err != nil {
		return nil, err
	}
	_, err = cli.MakeRequest(ctx, http.MethodDelete, urlPath, nil, &resp)
	return
}
