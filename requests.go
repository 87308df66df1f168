package mautrix

import (
	"maunium.net/go/mautrix-keybackup/id"
)

// ReqRoomKeysVersionCreate is the request body for https://spec.matrix.org/v1.9/client-server-api/#post_matrixclientv3room_keysversion
type ReqRoomKeysVersionCreate[A any] struct {
	Algorithm id.KeyBackupAlgorithm `json:"algorithm"`
	AuthData  A                     `json:"auth_data"`
}

// ReqRoomKeysVersionUpdate is the request body for https://spec.matrix.org/v1.9/client-server-api/#put_matrixclientv3room_keysversionversion
type ReqRoomKeysVersionUpdate[A any] struct {
	Algorithm id.KeyBackupAlgorithm `json:"algorithm"`
	AuthData  A                     `json:"auth_data"`
	Version   id.KeyBackupVersion   `json:"version,omitempty"`
}

// KeyBackupData is a single backed up session key. The session data is encrypted by the caller,
// the key backup store instantiates S as [json.RawMessage] and never looks inside.
//
// https://spec.matrix.org/v1.9/client-server-api/#get_matrixclientv3room_keyskeysroomidsessionid
type KeyBackupData[S any] struct {
	FirstMessageIndex int  `json:"first_message_index"`
	ForwardedCount    int  `json:"forwarded_count"`
	IsVerified        bool `json:"is_verified"`
	SessionData       S    `json:"session_data"`
}

// RoomKeyBackupData contains all backed up session keys of one room.
type RoomKeyBackupData[S any] struct {
	Sessions map[id.SessionID]KeyBackupData[S] `json:"sessions"`
}

// KeysBackupData contains all backed up session keys of a backup version.
type KeysBackupData[S any] struct {
	Rooms map[id.RoomID]RoomKeyBackupData[S] `json:"rooms"`
}
