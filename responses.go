package mautrix

import (
	"maunium.net/go/mautrix-keybackup/id"
)

// RespRoomKeysVersionCreate is the response for https://spec.matrix.org/v1.9/client-server-api/#post_matrixclientv3room_keysversion
type RespRoomKeysVersionCreate struct {
	Version id.KeyBackupVersion `json:"version"`
}

// RespRoomKeysVersion is the response for https://spec.matrix.org/v1.9/client-server-api/#get_matrixclientv3room_keysversion
// The auth data type depends on the algorithm, use [json.RawMessage] to keep it opaque.
type RespRoomKeysVersion[A any] struct {
	Algorithm id.KeyBackupAlgorithm `json:"algorithm"`
	AuthData  A                     `json:"auth_data"`
	Count     int                   `json:"count"`
	ETag      string                `json:"etag"`
	Version   id.KeyBackupVersion   `json:"version"`
}

// RespRoomKeysUpdate is the response for uploading or deleting keys in a backup.
type RespRoomKeysUpdate struct {
	Count int    `json:"count"`
	ETag  string `json:"etag"`
}
