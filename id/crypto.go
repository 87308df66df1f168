// Copyright (c) 2020 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package id

// KeyAlgorithm is the algorithm part of a key ID.
type KeyAlgorithm string

const (
	KeyAlgorithmCurve25519       KeyAlgorithm = "curve25519"
	KeyAlgorithmEd25519          KeyAlgorithm = "ed25519"
	KeyAlgorithmSignedCurve25519 KeyAlgorithm = "signed_curve25519"
)

// Ed25519 is the base64 representation of an Ed25519 public key
type Ed25519 string

func (ed25519 Ed25519) String() string {
	return string(ed25519)
}

// A SessionID is an arbitrary string that identifies an Olm or Megolm session.
type SessionID string

func (sessionID SessionID) String() string {
	return string(sessionID)
}

// KeyBackupVersion is an opaque identifier assigned by the server to a key backup version.
//
// The empty string is not a valid version: APIs that accept a version treat it as "the latest
// version known to the server".
type KeyBackupVersion string

func (version KeyBackupVersion) String() string {
	return string(version)
}

// KeyBackupAlgorithm is the algorithm used for encrypting the sessions stored in a key backup.
type KeyBackupAlgorithm string

const (
	KeyBackupAlgorithmMegolmBackupV1 KeyBackupAlgorithm = "m.megolm_backup.v1.curve25519-aes-sha2"
)

func (algorithm KeyBackupAlgorithm) String() string {
	return string(algorithm)
}
