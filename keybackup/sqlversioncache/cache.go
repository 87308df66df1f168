// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package sqlversioncache stores the current key backup version of a user in an SQL database.
package sqlversioncache

import (
	"context"
	"encoding/json"
	"time"

	"go.mau.fi/util/dbutil"

	"maunium.net/go/mautrix-keybackup/id"
	"maunium.net/go/mautrix-keybackup/keybackup"
)

const (
	getVersionQuery = `
		SELECT version, algorithm, auth_data, key_count, etag, updated_at
		FROM keybackup_version WHERE user_id=$1
	`
	upsertVersionQuery = `
		INSERT INTO keybackup_version (user_id, version, algorithm, auth_data, key_count, etag, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE
			SET version=excluded.version, algorithm=excluded.algorithm, auth_data=excluded.auth_data,
			    key_count=excluded.key_count, etag=excluded.etag, updated_at=excluded.updated_at
	`
	deleteVersionQuery = `DELETE FROM keybackup_version WHERE user_id=$1`
)

type cachedVersion struct {
	keybackup.Version
	UpdatedAt time.Time
}

func newCachedVersion(_ *dbutil.QueryHelper[*cachedVersion]) *cachedVersion {
	return &cachedVersion{}
}

func (cv *cachedVersion) Scan(row dbutil.Scannable) (*cachedVersion, error) {
	var updatedAt int64
	err := row.Scan(&cv.Version.Version, &cv.Algorithm, dbutil.JSON{Data: &cv.AuthData}, &cv.Count, &cv.ETag, &updatedAt)
	if err != nil {
		return nil, err
	}
	cv.UpdatedAt = time.UnixMilli(updatedAt)
	return cv, nil
}

// Cache implements [keybackup.VersionCache] for a single user.
type Cache struct {
	*dbutil.Database
	UserID id.UserID

	query *dbutil.QueryHelper[*cachedVersion]
}

var _ keybackup.VersionCache = (*Cache)(nil)

// New creates a version cache for the given user. The tables are created by calling Upgrade.
func New(db *dbutil.Database, userID id.UserID, log dbutil.DatabaseLogger) *Cache {
	child := db.Child(VersionTableName, UpgradeTable, log)
	return &Cache{
		Database: child,
		UserID:   userID,
		query:    dbutil.MakeQueryHelper(child, newCachedVersion),
	}
}

func (c *Cache) LoadVersion(ctx context.Context) (*keybackup.Version, error) {
	cv, err := c.query.QueryOne(ctx, getVersionQuery, c.UserID)
	if err != nil || cv == nil {
		return nil, err
	}
	return &cv.Version, nil
}

// LastUpdated returns the time when the cached version was last saved, or zero if nothing is cached.
func (c *Cache) LastUpdated(ctx context.Context) (time.Time, error) {
	cv, err := c.query.QueryOne(ctx, getVersionQuery, c.UserID)
	if err != nil || cv == nil {
		return time.Time{}, err
	}
	return cv.UpdatedAt, nil
}

func (c *Cache) SaveVersion(ctx context.Context, version *keybackup.Version) error {
	authData := version.AuthData
	if len(authData) == 0 {
		authData = json.RawMessage("{}")
	}
	return c.query.Exec(
		ctx, upsertVersionQuery,
		c.UserID, version.Version, version.Algorithm, string(authData), version.Count, version.ETag,
		time.Now().UnixMilli(),
	)
}

func (c *Cache) ClearVersion(ctx context.Context) error {
	return c.query.Exec(ctx, deleteVersionQuery, c.UserID)
}
