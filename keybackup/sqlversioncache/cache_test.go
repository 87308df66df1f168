// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package sqlversioncache_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/dbutil"

	"maunium.net/go/mautrix-keybackup/id"
	"maunium.net/go/mautrix-keybackup/keybackup"
	"maunium.net/go/mautrix-keybackup/keybackup/sqlversioncache"
	"maunium.net/go/mautrix-keybackup/mockserver"
)

func openDB(t *testing.T) *dbutil.Database {
	t.Helper()
	db, err := dbutil.NewWithDialect("file:"+filepath.Join(t.TempDir(), "cache.db")+"?_txlock=immediate", "sqlite3")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func newCache(t *testing.T, db *dbutil.Database, userID id.UserID) *sqlversioncache.Cache {
	t.Helper()
	cache := sqlversioncache.New(db, userID, dbutil.ZeroLogger(zerolog.Nop()))
	require.NoError(t, cache.Upgrade(context.Background()))
	return cache
}

func TestCache_RoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	alice := newCache(t, db, "@alice:example.com")
	bob := newCache(t, db, "@bob:example.com")

	loaded, err := alice.LoadVersion(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)
	updated, err := alice.LastUpdated(ctx)
	require.NoError(t, err)
	assert.True(t, updated.IsZero())

	version := &keybackup.Version{
		Version:   "3",
		Algorithm: id.KeyBackupAlgorithmMegolmBackupV1,
		AuthData:  json.RawMessage(`{"public_key":"abc"}`),
		Count:     12,
		ETag:      "etag1",
	}
	require.NoError(t, alice.SaveVersion(ctx, version))

	loaded, err = alice.LoadVersion(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, version.Version, loaded.Version)
	assert.Equal(t, version.Algorithm, loaded.Algorithm)
	assert.JSONEq(t, string(version.AuthData), string(loaded.AuthData))
	assert.Equal(t, 12, loaded.Count)
	assert.Equal(t, "etag1", loaded.ETag)
	updated, err = alice.LastUpdated(ctx)
	require.NoError(t, err)
	assert.False(t, updated.IsZero())

	loaded, err = bob.LoadVersion(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	version2 := *version
	version2.Version = "4"
	require.NoError(t, alice.SaveVersion(ctx, &version2))
	loaded, err = alice.LoadVersion(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, "4", loaded.Version)

	require.NoError(t, alice.ClearVersion(ctx))
	loaded, err = alice.LoadVersion(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestCache_WithRegistry(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	ms := mockserver.Create(t)
	const userID = id.UserID("@alice:example.com")

	store := keybackup.NewStore(ms.Login(t, userID), newCache(t, db, userID))
	created, err := store.CreateVersion(ctx, id.KeyBackupAlgorithmMegolmBackupV1, nil)
	require.NoError(t, err)

	restarted := keybackup.NewStore(ms.Login(t, userID), newCache(t, db, userID))
	require.NoError(t, restarted.Registry.Load(ctx))
	current, state := restarted.Registry.Current()
	assert.Equal(t, keybackup.StateResolved, state)
	assert.Equal(t, created.Version, current.Version)

	require.NoError(t, restarted.DeleteVersion(ctx, ""))
	loaded, err := newCache(t, db, userID).LoadVersion(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}
