// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package keybackup implements reading and writing Megolm session keys in the server-side key backup.
package keybackup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"maunium.net/go/mautrix-keybackup"
	"maunium.net/go/mautrix-keybackup/id"
)

// Transport is the subset of [mautrix.Client] used by [Store].
type Transport interface {
	VersionTransport

	GetKeyBackup(ctx context.Context, version id.KeyBackupVersion) (*mautrix.KeysBackupData[json.RawMessage], error)
	PutKeysInBackup(ctx context.Context, version id.KeyBackupVersion, req *mautrix.KeysBackupData[json.RawMessage]) (*mautrix.RespRoomKeysUpdate, error)
	DeleteKeyBackup(ctx context.Context, version id.KeyBackupVersion) (*mautrix.RespRoomKeysUpdate, error)

	GetKeyBackupForRoom(ctx context.Context, version id.KeyBackupVersion, roomID id.RoomID) (*mautrix.RoomKeyBackupData[json.RawMessage], error)
	PutKeysInBackupForRoom(ctx context.Context, version id.KeyBackupVersion, roomID id.RoomID, req *mautrix.RoomKeyBackupData[json.RawMessage]) (*mautrix.RespRoomKeysUpdate, error)
	DeleteKeysFromBackupForRoom(ctx context.Context, version id.KeyBackupVersion, roomID id.RoomID) (*mautrix.RespRoomKeysUpdate, error)

	GetKeyBackupForRoomAndSession(ctx context.Context, version id.KeyBackupVersion, roomID id.RoomID, sessionID id.SessionID) (*mautrix.KeyBackupData[json.RawMessage], error)
	PutKeysInBackupForRoomAndSession(ctx context.Context, version id.KeyBackupVersion, roomID id.RoomID, sessionID id.SessionID, req *mautrix.KeyBackupData[json.RawMessage]) (*mautrix.RespRoomKeysUpdate, error)
	DeleteKeysInBackupForRoomAndSession(ctx context.Context, version id.KeyBackupVersion, roomID id.RoomID, sessionID id.SessionID) (*mautrix.RespRoomKeysUpdate, error)
}

var _ Transport = (*mautrix.Client)(nil)

// Store reads and writes session keys in the server-side key backup.
// It is safe for concurrent use, but concurrent writes to the same session have no defined order.
type Store struct {
	Transport Transport
	Registry  *Registry
	Log       zerolog.Logger
}

// NewStore creates a store using the given transport. The cache may be nil.
func NewStore(transport Transport, cache VersionCache) *Store {
	return &Store{
		Transport: transport,
		Registry:  NewRegistry(transport, cache),
		Log:       zerolog.Nop(),
	}
}

// GetLastVersion returns the latest backup version, or nil if there is no backup on the server.
func (s *Store) GetLastVersion(ctx context.Context) (*Version, error) {
	return s.Registry.ResolveLatest(ctx)
}

// GetVersion returns the given backup version. An empty version returns the latest one.
func (s *Store) GetVersion(ctx context.Context, version id.KeyBackupVersion) (*Version, error) {
	return s.Registry.ResolveExplicit(ctx, version)
}

// CreateVersion creates a new backup version. It is not idempotent.
func (s *Store) CreateVersion(ctx context.Context, algorithm id.KeyBackupAlgorithm, authData json.RawMessage) (*Version, error) {
	return s.Registry.CreateVersion(ctx, algorithm, authData)
}

// UpdateVersion replaces the auth data of the given backup version.
func (s *Store) UpdateVersion(ctx context.Context, version id.KeyBackupVersion, authData json.RawMessage) (*Version, error) {
	info, err := s.Registry.ResolveExplicit(ctx, version)
	if err != nil {
		return nil, err
	} else if info == nil {
		return nil, fmt.Errorf("%w: no backup version", ErrNotFound)
	}
	err = s.Transport.UpdateKeyBackupVersion(ctx, info.Version, &mautrix.ReqRoomKeysVersionUpdate[json.RawMessage]{
		Algorithm: info.Algorithm,
		AuthData:  authData,
		Version:   info.Version,
	})
	if err != nil {
		return nil, s.classify(ctx, info.Version, err)
	}
	return s.Registry.ResolveExplicit(ctx, info.Version)
}

// DeleteVersion deletes the given backup version and all keys in it from the server.
func (s *Store) DeleteVersion(ctx context.Context, version id.KeyBackupVersion) error {
	addr, err := s.resolve(ctx, BackupAddress(version))
	if err != nil {
		return err
	}
	err = s.Transport.DeleteKeyBackupVersion(ctx, addr.Version)
	if err != nil {
		err = s.classify(ctx, addr.Version, err)
		if errors.Is(err, ErrNotFound) {
			s.Registry.Forget(ctx, addr.Version)
		}
		return err
	}
	s.Registry.Forget(ctx, addr.Version)
	contextLog(ctx, &s.Log).Debug().Object("address", addr).Msg("Deleted key backup version")
	return nil
}

var errVersionGone = errors.New("backup version doesn't exist")

func (s *Store) classify(ctx context.Context, version id.KeyBackupVersion, err error) error {
	err = classifyError(err)
	if errors.Is(err, ErrVersionMismatch) {
		s.Registry.MarkSuperseded(ctx, version)
	}
	return err
}

func (s *Store) resolve(ctx context.Context, addr Address) (Address, error) {
	if !addr.UsesLatest() {
		return addr, nil
	}
	latest, err := s.Registry.latestCached(ctx)
	if err != nil {
		return addr, err
	} else if latest == nil {
		return addr, fmt.Errorf("%w: no backup version", ErrNotFound)
	}
	return addr.WithVersion(latest.Version), nil
}

// run calls fn with the address bound to a concrete version. If the address uses the latest version
// and the version it was bound to has been deleted from the server, the version is forgotten and
// fn is called once more with the new latest version.
func (s *Store) run(ctx context.Context, addr Address, fn func(addr Address) error) error {
	bound, err := s.resolve(ctx, addr)
	if err != nil {
		return err
	}
	err = fn(bound)
	if !addr.UsesLatest() || !errors.Is(err, ErrNotFound) {
		return err
	} else if !errors.Is(err, errVersionGone) {
		if exists, existsErr := s.versionExists(ctx, bound.Version); existsErr != nil || exists {
			return err
		}
	}
	contextLog(ctx, &s.Log).Debug().
		Object("address", bound).
		Msg("Key backup version no longer exists, resolving latest version again")
	s.Registry.Forget(ctx, bound.Version)
	if bound, err = s.resolve(ctx, addr); err != nil {
		return err
	}
	return fn(bound)
}

func (s *Store) versionExists(ctx context.Context, version id.KeyBackupVersion) (bool, error) {
	info, err := s.Registry.ResolveExplicit(ctx, version)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return info != nil, nil
}

// absentUnlessVersionMissing is used when the server returned M_NOT_FOUND for a key or room.
// That is only an error if the backup version itself doesn't exist.
func (s *Store) absentUnlessVersionMissing(ctx context.Context, addr Address) error {
	exists, err := s.versionExists(ctx, addr.Version)
	if err != nil {
		return err
	} else if !exists {
		return fmt.Errorf("%w: %w (%s)", ErrNotFound, errVersionGone, addr.Version)
	}
	return nil
}

func (s *Store) PutSessionKey(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, version id.KeyBackupVersion, data *mautrix.KeyBackupData[json.RawMessage]) (resp *mautrix.RespRoomKeysUpdate, err error) {
	addr, err := SessionAddress(roomID, sessionID, version)
	if err != nil {
		return nil, err
	} else if data == nil {
		return nil, fmt.Errorf("%w: no session data", ErrInvalidAddress)
	}
	err = s.run(ctx, addr, func(addr Address) (err error) {
		resp, err = s.Transport.PutKeysInBackupForRoomAndSession(ctx, addr.Version, addr.RoomID, addr.SessionID, data)
		if err != nil {
			return s.classify(ctx, addr.Version, err)
		}
		contextLog(ctx, &s.Log).Debug().Object("address", addr).Msg("Uploaded session key to backup")
		return nil
	})
	return
}

// PutRoomSessionKeys uploads all the given sessions in a single request.
// Either every session is stored or the call fails.
func (s *Store) PutRoomSessionKeys(ctx context.Context, roomID id.RoomID, version id.KeyBackupVersion, data *mautrix.RoomKeyBackupData[json.RawMessage]) (resp *mautrix.RespRoomKeysUpdate, err error) {
	addr, err := RoomAddress(roomID, version)
	if err != nil {
		return nil, err
	}
	if data == nil || data.Sessions == nil {
		data = &mautrix.RoomKeyBackupData[json.RawMessage]{Sessions: map[id.SessionID]mautrix.KeyBackupData[json.RawMessage]{}}
	}
	for sessionID := range data.Sessions {
		if sessionID == "" {
			return nil, fmt.Errorf("%w: empty session ID in %s", ErrInvalidAddress, roomID)
		}
	}
	err = s.run(ctx, addr, func(addr Address) (err error) {
		resp, err = s.Transport.PutKeysInBackupForRoom(ctx, addr.Version, addr.RoomID, data)
		if err != nil {
			return s.classify(ctx, addr.Version, err)
		}
		contextLog(ctx, &s.Log).Debug().
			Object("address", addr).
			Int("session_count", len(data.Sessions)).
			Msg("Uploaded room session keys to backup")
		return nil
	})
	return
}

// PutAllSessionKeys uploads all the given rooms in a single request.
// Either every session is stored or the call fails.
func (s *Store) PutAllSessionKeys(ctx context.Context, version id.KeyBackupVersion, data *mautrix.KeysBackupData[json.RawMessage]) (resp *mautrix.RespRoomKeysUpdate, err error) {
	if data == nil || data.Rooms == nil {
		data = &mautrix.KeysBackupData[json.RawMessage]{Rooms: map[id.RoomID]mautrix.RoomKeyBackupData[json.RawMessage]{}}
	}
	sessionCount := 0
	for roomID, room := range data.Rooms {
		if roomID == "" {
			return nil, fmt.Errorf("%w: empty room ID", ErrInvalidAddress)
		}
		for sessionID := range room.Sessions {
			if sessionID == "" {
				return nil, fmt.Errorf("%w: empty session ID in %s", ErrInvalidAddress, roomID)
			}
		}
		sessionCount += len(room.Sessions)
	}
	err = s.run(ctx, BackupAddress(version), func(addr Address) (err error) {
		resp, err = s.Transport.PutKeysInBackup(ctx, addr.Version, data)
		if err != nil {
			return s.classify(ctx, addr.Version, err)
		}
		contextLog(ctx, &s.Log).Debug().
			Object("address", addr).
			Int("room_count", len(data.Rooms)).
			Int("session_count", sessionCount).
			Msg("Uploaded session keys to backup")
		return nil
	})
	return
}

// GetSessionKey returns a single session from the backup, or an error wrapping [ErrNotFound] if it's not there.
func (s *Store) GetSessionKey(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, version id.KeyBackupVersion) (resp *mautrix.KeyBackupData[json.RawMessage], err error) {
	addr, err := SessionAddress(roomID, sessionID, version)
	if err != nil {
		return nil, err
	}
	err = s.run(ctx, addr, func(addr Address) (err error) {
		resp, err = s.Transport.GetKeyBackupForRoomAndSession(ctx, addr.Version, addr.RoomID, addr.SessionID)
		if err != nil {
			return s.classify(ctx, addr.Version, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetRoomSessionKeys returns all sessions of the given room. The map is empty if the room has no sessions.
func (s *Store) GetRoomSessionKeys(ctx context.Context, roomID id.RoomID, version id.KeyBackupVersion) (map[id.SessionID]mautrix.KeyBackupData[json.RawMessage], error) {
	addr, err := RoomAddress(roomID, version)
	if err != nil {
		return nil, err
	}
	output := map[id.SessionID]mautrix.KeyBackupData[json.RawMessage]{}
	err = s.run(ctx, addr, func(addr Address) error {
		resp, err := s.Transport.GetKeyBackupForRoom(ctx, addr.Version, addr.RoomID)
		if errors.Is(err, mautrix.MNotFound) {
			return s.absentUnlessVersionMissing(ctx, addr)
		} else if err != nil {
			return s.classify(ctx, addr.Version, err)
		} else if resp != nil && resp.Sessions != nil {
			output = resp.Sessions
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return output, nil
}

// GetAllSessionKeys returns every session in the backup, grouped by room. The map is empty if there are no keys.
func (s *Store) GetAllSessionKeys(ctx context.Context, version id.KeyBackupVersion) (map[id.RoomID]map[id.SessionID]mautrix.KeyBackupData[json.RawMessage], error) {
	output := make(map[id.RoomID]map[id.SessionID]mautrix.KeyBackupData[json.RawMessage])
	err := s.run(ctx, BackupAddress(version), func(addr Address) error {
		resp, err := s.Transport.GetKeyBackup(ctx, addr.Version)
		if err != nil {
			return s.classify(ctx, addr.Version, err)
		} else if resp == nil {
			return nil
		}
		for roomID, room := range resp.Rooms {
			if len(room.Sessions) > 0 {
				output[roomID] = room.Sessions
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return output, nil
}

func (s *Store) deleted(ctx context.Context, addr Address, err error) error {
	if errors.Is(err, mautrix.MNotFound) {
		if err = s.absentUnlessVersionMissing(ctx, addr); err != nil {
			return err
		}
	} else if err != nil {
		return s.classify(ctx, addr.Version, err)
	}
	contextLog(ctx, &s.Log).Debug().Object("address", addr).Msg("Deleted session keys from backup")
	return nil
}

// DeleteSessionKey deletes a single session from the backup. Deleting a session that isn't there is not an error.
func (s *Store) DeleteSessionKey(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, version id.KeyBackupVersion) error {
	addr, err := SessionAddress(roomID, sessionID, version)
	if err != nil {
		return err
	}
	return s.run(ctx, addr, func(addr Address) error {
		_, err := s.Transport.DeleteKeysInBackupForRoomAndSession(ctx, addr.Version, addr.RoomID, addr.SessionID)
		return s.deleted(ctx, addr, err)
	})
}

// DeleteRoomSessionKeys deletes all sessions of the given room from the backup.
func (s *Store) DeleteRoomSessionKeys(ctx context.Context, roomID id.RoomID, version id.KeyBackupVersion) error {
	addr, err := RoomAddress(roomID, version)
	if err != nil {
		return err
	}
	return s.run(ctx, addr, func(addr Address) error {
		_, err := s.Transport.DeleteKeysFromBackupForRoom(ctx, addr.Version, addr.RoomID)
		return s.deleted(ctx, addr, err)
	})
}

// DeleteAllSessionKeys deletes every session from the backup, but keeps the backup version itself.
func (s *Store) DeleteAllSessionKeys(ctx context.Context, version id.KeyBackupVersion) error {
	return s.run(ctx, BackupAddress(version), func(addr Address) error {
		_, err := s.Transport.DeleteKeyBackup(ctx, addr.Version)
		return s.deleted(ctx, addr, err)
	})
}
