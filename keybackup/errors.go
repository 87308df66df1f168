// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keybackup

import (
	"context"
	"errors"
	"fmt"

	"maunium.net/go/mautrix-keybackup"
)

var (
	// ErrNotFound is returned when the addressed key, room or backup version doesn't exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionMismatch is returned when the server rejected a write because the backup version is no
	// longer the current one. The registry is marked as superseded and the latest version must be resolved
	// again before retrying.
	ErrVersionMismatch = errors.New("backup version mismatch")
	// ErrInvalidAddress is returned when a room ID or session ID is empty.
	ErrInvalidAddress = errors.New("invalid key address")
	// ErrTransport is returned for any other network or server failure. The cause is joined into the error.
	ErrTransport = errors.New("key backup request failed")
)

// classifyError maps an error from the transport into the error taxonomy of this package.
// Context cancellation and deadline errors are returned unchanged.
func classifyError(err error) error {
	var httpErr mautrix.HTTPError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, mautrix.MNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, mautrix.MWrongRoomKeysVersion):
		if errors.As(err, &httpErr) && httpErr.RespError != nil {
			if current, ok := httpErr.RespError.ExtraData["current_version"].(string); ok {
				return fmt.Errorf("%w (current version is %s): %w", ErrVersionMismatch, current, err)
			}
		}
		return fmt.Errorf("%w: %w", ErrVersionMismatch, err)
	case errors.Is(err, mautrix.ErrMissingKeyBackupVersion):
		return fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	default:
		return errors.Join(ErrTransport, err)
	}
}
