// Copyright (c) 2021 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package id

import (
	"errors"
	"fmt"
	"strings"
)

// UserID represents a Matrix user ID.
// https://spec.matrix.org/v1.9/appendices/#user-identifiers
type UserID string

var ErrInvalidUserID = errors.New("is not a valid user ID")

func (userID UserID) String() string {
	return string(userID)
}

// Parse parses the user ID into the localpart and server name.
//
// Note that this only enforces very basic user ID formatting requirements: user IDs start with
// a @, and contain a : after the @.
func (userID UserID) Parse() (localpart, homeserver string, err error) {
	if len(userID) == 0 || userID[0] != '@' || !strings.ContainsRune(string(userID), ':') {
		err = fmt.Errorf("'%s' %w", userID, ErrInvalidUserID)
		return
	}
	parts := strings.SplitN(string(userID), ":", 2)
	localpart, homeserver = strings.TrimPrefix(parts[0], "@"), parts[1]
	return
}

// Homeserver returns the server name part of the user ID, or an empty string if the user ID is invalid.
func (userID UserID) Homeserver() string {
	_, homeserver, _ := userID.Parse()
	return homeserver
}
