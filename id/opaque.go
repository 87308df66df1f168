// Copyright (c) 2020 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package id

// A RoomID is a string starting with ! that references a specific room.
// https://spec.matrix.org/v1.9/appendices/#room-ids
type RoomID string

// A DeviceID is an arbitrary string that references a specific device.
type DeviceID string

// A KeyID is a string usually formatted as <algorithm>:<device_id> that is used as the key in deviceid-key mappings.
type KeyID string

func (roomID RoomID) String() string {
	return string(roomID)
}

func (deviceID DeviceID) String() string {
	return string(deviceID)
}

func (keyID KeyID) String() string {
	return string(keyID)
}

// Parse splits the key ID into the algorithm and key name parts.
func (keyID KeyID) Parse() (algorithm KeyAlgorithm, keyName string) {
	for i := 0; i < len(keyID); i++ {
		if keyID[i] == ':' {
			return KeyAlgorithm(keyID[:i]), string(keyID[i+1:])
		}
	}
	return "", string(keyID)
}

// NewKeyID creates a key ID from the given algorithm and key name.
func NewKeyID(algorithm KeyAlgorithm, keyName string) KeyID {
	return KeyID(string(algorithm) + ":" + keyName)
}
