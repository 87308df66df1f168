package backup

import (
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix-keybackup/id"
)

// Signatures is a map of user IDs to key IDs to signatures, as used in signed JSON objects.
type Signatures map[id.UserID]map[id.KeyID]string

// MegolmAuthData is the auth_data when the key backup is created with
// the [id.KeyBackupAlgorithmMegolmBackupV1] algorithm as defined in
// [Section 11.12.3.2.2 of the Spec].
//
// Verifying the signatures is left to the caller.
//
// [Section 11.12.3.2.2 of the Spec]: https://spec.matrix.org/v1.9/client-server-api/#backup-algorithm-mmegolm_backupv1curve25519-aes-sha2
type MegolmAuthData struct {
	PublicKey  id.Ed25519 `json:"public_key"`
	Signatures Signatures `json:"signatures,omitempty"`
}

// SignedBy returns the key IDs which the given user has signed the auth data with.
func (ad *MegolmAuthData) SignedBy(userID id.UserID) []id.KeyID {
	keyIDs := make([]id.KeyID, 0, len(ad.Signatures[userID]))
	for keyID := range ad.Signatures[userID] {
		keyIDs = append(keyIDs, keyID)
	}
	return keyIDs
}

// ParseMegolmAuthData parses the raw auth_data of a key backup version.
func ParseMegolmAuthData(algorithm id.KeyBackupAlgorithm, authData json.RawMessage) (*MegolmAuthData, error) {
	if algorithm != id.KeyBackupAlgorithmMegolmBackupV1 {
		return nil, fmt.Errorf("unsupported key backup algorithm: %s", algorithm)
	}
	var parsed MegolmAuthData
	if err := json.Unmarshal(authData, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse key backup auth data: %w", err)
	} else if parsed.PublicKey == "" {
		return nil, fmt.Errorf("key backup auth data is missing public key")
	}
	return &parsed, nil
}
