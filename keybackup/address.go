// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keybackup

import (
	"fmt"

	"github.com/rs/zerolog"

	"maunium.net/go/mautrix-keybackup/id"
)

// Scope is the granularity of an [Address].
type Scope int

const (
	ScopeBackup Scope = iota
	ScopeRoom
	ScopeSession
)

func (s Scope) String() string {
	switch s {
	case ScopeBackup:
		return "backup"
	case ScopeRoom:
		return "room"
	case ScopeSession:
		return "session"
	default:
		return fmt.Sprintf("Scope(%d)", int(s))
	}
}

// Address points at a single session, all sessions of a room, or the whole backup.
// An empty version means the latest backup version.
type Address struct {
	RoomID    id.RoomID
	SessionID id.SessionID
	Version   id.KeyBackupVersion
}

// SessionAddress returns the address of a single session in the given room.
func SessionAddress(roomID id.RoomID, sessionID id.SessionID, version id.KeyBackupVersion) (Address, error) {
	if roomID == "" {
		return Address{}, fmt.Errorf("%w: empty room ID", ErrInvalidAddress)
	} else if sessionID == "" {
		return Address{}, fmt.Errorf("%w: empty session ID", ErrInvalidAddress)
	}
	return Address{RoomID: roomID, SessionID: sessionID, Version: version}, nil
}

// RoomAddress returns the address of all sessions in the given room.
func RoomAddress(roomID id.RoomID, version id.KeyBackupVersion) (Address, error) {
	if roomID == "" {
		return Address{}, fmt.Errorf("%w: empty room ID", ErrInvalidAddress)
	}
	return Address{RoomID: roomID, Version: version}, nil
}

// BackupAddress returns the address of the whole backup.
func BackupAddress(version id.KeyBackupVersion) Address {
	return Address{Version: version}
}

func (addr Address) Scope() Scope {
	if addr.SessionID != "" {
		return ScopeSession
	} else if addr.RoomID != "" {
		return ScopeRoom
	}
	return ScopeBackup
}

// UsesLatest returns true if the address doesn't pin a backup version.
func (addr Address) UsesLatest() bool {
	return addr.Version == ""
}

// WithVersion returns a copy of the address bound to the given version.
func (addr Address) WithVersion(version id.KeyBackupVersion) Address {
	addr.Version = version
	return addr
}

func (addr Address) MarshalZerologObject(evt *zerolog.Event) {
	evt.Stringer("scope", addr.Scope())
	if addr.RoomID != "" {
		evt.Stringer("room_id", addr.RoomID)
	}
	if addr.SessionID != "" {
		evt.Stringer("session_id", addr.SessionID)
	}
	if addr.Version != "" {
		evt.Str("key_backup_version", string(addr.Version))
	}
}
