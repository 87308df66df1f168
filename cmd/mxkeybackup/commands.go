// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"

	"maunium.net/go/mautrix-keybackup"
	"maunium.net/go/mautrix-keybackup/crypto/backup"
	"maunium.net/go/mautrix-keybackup/crypto/sasemoji"
	"maunium.net/go/mautrix-keybackup/id"
	"maunium.net/go/mautrix-keybackup/keybackup"
)

var ErrUsage = errors.New("invalid usage")

type emojiOutput struct {
	Code  int    `json:"code"`
	Emoji string `json:"emoji"`
	Name  string `json:"name"`
}

type sasOutput struct {
	Emojis   []emojiOutput `json:"emojis"`
	Decimals [3]int        `json:"decimals"`
}

type okOutput struct {
	OK bool `json:"ok"`
}

func usageErr(msg string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUsage, fmt.Sprintf(msg, args...))
}

// runOfflineCommand handles the commands that don't need a homeserver connection.
// The second return value is false if the command isn't an offline command.
func runOfflineCommand(args []string) (any, bool, error) {
	switch args[0] {
	case "emoji":
		if len(args) != 2 {
			return nil, true, usageErr("emoji <code>")
		}
		code, err := strconv.Atoi(args[1])
		if err != nil {
			return nil, true, usageErr("code must be an integer")
		}
		emoji, ok := sasemoji.ForCode(code)
		if !ok {
			return nil, true, fmt.Errorf("no emoji for code %d", code)
		}
		return emojiOutput{Code: code, Emoji: emoji.DisplayEmoji(), Name: emoji.Name}, true, nil
	case "sas":
		if len(args) != 2 {
			return nil, true, usageErr("sas <hex bytes>")
		}
		sasBytes, err := hex.DecodeString(args[1])
		if err != nil {
			return nil, true, usageErr("invalid hex: %v", err)
		}
		emojis, err := sasemoji.FromSASBytes(sasBytes)
		if err != nil {
			return nil, true, err
		}
		decimals, err := sasemoji.Decimals(sasBytes)
		if err != nil {
			return nil, true, err
		}
		output := sasOutput{Decimals: decimals, Emojis: make([]emojiOutput, len(emojis))}
		for i, emoji := range emojis {
			output.Emojis[i] = emojiOutput{Code: -1, Emoji: emoji.DisplayEmoji(), Name: emoji.Name}
			for code, candidate := range sasemoji.All() {
				if candidate == emoji {
					output.Emojis[i].Code = code
					break
				}
			}
		}
		return output, true, nil
	default:
		return nil, false, nil
	}
}

func parseJSONArg(arg, what string) (json.RawMessage, error) {
	if !gjson.Valid(arg) {
		return nil, usageErr("%s is not valid JSON", what)
	}
	return json.RawMessage(arg), nil
}

func parseKeyData(raw string) (*mautrix.KeyBackupData[json.RawMessage], error) {
	if !gjson.Valid(raw) {
		return nil, usageErr("key data is not valid JSON")
	} else if !gjson.Get(raw, "session_data").IsObject() {
		return nil, usageErr("key data must contain a session_data object")
	}
	var data mautrix.KeyBackupData[json.RawMessage]
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, usageErr("invalid key data: %v", err)
	}
	return &data, nil
}

func runVersionCommand(ctx context.Context, store *keybackup.Store, version id.KeyBackupVersion, args []string) (any, error) {
	if len(args) == 0 {
		return nil, usageErr("version <latest|get|create|update|delete>")
	}
	switch args[0] {
	case "latest":
		latest, err := store.GetLastVersion(ctx)
		if err != nil {
			return nil, err
		} else if latest == nil {
			return map[string]any{"version": nil}, nil
		}
		return latest, nil
	case "get":
		if len(args) > 1 {
			version = id.KeyBackupVersion(args[1])
		}
		return store.GetVersion(ctx, version)
	case "create":
		algorithm := id.KeyBackupAlgorithmMegolmBackupV1
		authData := json.RawMessage("{}")
		if len(args) > 1 {
			algorithm = id.KeyBackupAlgorithm(args[1])
		}
		if len(args) > 2 {
			var err error
			if authData, err = parseJSONArg(args[2], "auth data"); err != nil {
				return nil, err
			}
		}
		if algorithm == id.KeyBackupAlgorithmMegolmBackupV1 && len(args) > 2 {
			if _, err := backup.ParseMegolmAuthData(algorithm, authData); err != nil {
				return nil, usageErr("%v", err)
			}
		}
		return store.CreateVersion(ctx, algorithm, authData)
	case "update":
		if len(args) != 2 {
			return nil, usageErr("version update <auth data JSON>")
		}
		authData, err := parseJSONArg(args[1], "auth data")
		if err != nil {
			return nil, err
		}
		return store.UpdateVersion(ctx, version, authData)
	case "delete":
		if err := store.DeleteVersion(ctx, version); err != nil {
			return nil, err
		}
		return okOutput{OK: true}, nil
	default:
		return nil, usageErr("unknown version command %q", args[0])
	}
}

func runKeysCommand(ctx context.Context, store *keybackup.Store, version id.KeyBackupVersion, args []string) (any, error) {
	if len(args) == 0 {
		return nil, usageErr("keys <get|put|put-room|put-all|delete>")
	}
	switch args[0] {
	case "get":
		switch len(args) {
		case 1:
			return store.GetAllSessionKeys(ctx, version)
		case 2:
			return store.GetRoomSessionKeys(ctx, id.RoomID(args[1]), version)
		case 3:
			return store.GetSessionKey(ctx, id.RoomID(args[1]), id.SessionID(args[2]), version)
		}
		return nil, usageErr("keys get [room ID] [session ID]")
	case "put":
		if len(args) != 4 {
			return nil, usageErr("keys put <room ID> <session ID> <key data JSON>")
		}
		data, err := parseKeyData(args[3])
		if err != nil {
			return nil, err
		}
		return store.PutSessionKey(ctx, id.RoomID(args[1]), id.SessionID(args[2]), version, data)
	case "put-room":
		if len(args) != 3 {
			return nil, usageErr("keys put-room <room ID> <sessions JSON>")
		}
		var data mautrix.RoomKeyBackupData[json.RawMessage]
		if raw, err := parseJSONArg(args[2], "sessions"); err != nil {
			return nil, err
		} else if err = json.Unmarshal(raw, &data); err != nil {
			return nil, usageErr("invalid sessions: %v", err)
		}
		return store.PutRoomSessionKeys(ctx, id.RoomID(args[1]), version, &data)
	case "put-all":
		if len(args) != 2 {
			return nil, usageErr("keys put-all <rooms JSON>")
		}
		var data mautrix.KeysBackupData[json.RawMessage]
		if raw, err := parseJSONArg(args[1], "rooms"); err != nil {
			return nil, err
		} else if err = json.Unmarshal(raw, &data); err != nil {
			return nil, usageErr("invalid rooms: %v", err)
		}
		return store.PutAllSessionKeys(ctx, version, &data)
	case "delete":
		var err error
		switch len(args) {
		case 1:
			err = store.DeleteAllSessionKeys(ctx, version)
		case 2:
			err = store.DeleteRoomSessionKeys(ctx, id.RoomID(args[1]), version)
		case 3:
			err = store.DeleteSessionKey(ctx, id.RoomID(args[1]), id.SessionID(args[2]), version)
		default:
			return nil, usageErr("keys delete [room ID] [session ID]")
		}
		if err != nil {
			return nil, err
		}
		return okOutput{OK: true}, nil
	default:
		return nil, usageErr("unknown keys command %q", args[0])
	}
}

func runCommand(ctx context.Context, store *keybackup.Store, version id.KeyBackupVersion, args []string) (any, error) {
	switch args[0] {
	case "version":
		return runVersionCommand(ctx, store, version, args[1:])
	case "keys":
		return runKeysCommand(ctx, store, version, args[1:])
	default:
		return nil, usageErr("unknown command %q", args[0])
	}
}
