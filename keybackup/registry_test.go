// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keybackup_test

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maunium.net/go/mautrix-keybackup"
	"maunium.net/go/mautrix-keybackup/id"
	"maunium.net/go/mautrix-keybackup/keybackup"
	"maunium.net/go/mautrix-keybackup/mockserver"
)

type memoryCache struct {
	lock    sync.Mutex
	version *keybackup.Version
	saves   int
	clears  int
}

func (mc *memoryCache) LoadVersion(ctx context.Context) (*keybackup.Version, error) {
	mc.lock.Lock()
	defer mc.lock.Unlock()
	return mc.version, nil
}

func (mc *memoryCache) SaveVersion(ctx context.Context, version *keybackup.Version) error {
	mc.lock.Lock()
	defer mc.lock.Unlock()
	mc.version = version
	mc.saves++
	return nil
}

func (mc *memoryCache) ClearVersion(ctx context.Context) error {
	mc.lock.Lock()
	defer mc.lock.Unlock()
	mc.version = nil
	mc.clears++
	return nil
}

// blockingTransport holds every latest version request until release is closed.
type blockingTransport struct {
	started     chan struct{}
	release     chan struct{}
	latestCalls atomic.Int32

	lock     sync.Mutex
	versions []id.KeyBackupVersion
}

func newBlockingTransport() *blockingTransport {
	return &blockingTransport{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (bt *blockingTransport) response(version id.KeyBackupVersion) *mautrix.RespRoomKeysVersion[json.RawMessage] {
	return &mautrix.RespRoomKeysVersion[json.RawMessage]{
		Algorithm: testAlgorithm,
		AuthData:  json.RawMessage("{}"),
		Version:   version,
	}
}

func (bt *blockingTransport) GetKeyBackupLatestVersion(ctx context.Context) (*mautrix.RespRoomKeysVersion[json.RawMessage], error) {
	bt.latestCalls.Add(1)
	bt.lock.Lock()
	var latest id.KeyBackupVersion
	if len(bt.versions) > 0 {
		latest = bt.versions[len(bt.versions)-1]
	}
	bt.lock.Unlock()
	bt.started <- struct{}{}
	select {
	case <-bt.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if latest == "" {
		return nil, mautrix.MNotFound
	}
	return bt.response(latest), nil
}

func (bt *blockingTransport) GetKeyBackupVersion(ctx context.Context, version id.KeyBackupVersion) (*mautrix.RespRoomKeysVersion[json.RawMessage], error) {
	return bt.response(version), nil
}

func (bt *blockingTransport) CreateKeyBackupVersion(ctx context.Context, req *mautrix.ReqRoomKeysVersionCreate[json.RawMessage]) (*mautrix.RespRoomKeysVersionCreate, error) {
	bt.lock.Lock()
	defer bt.lock.Unlock()
	version := id.KeyBackupVersion(strconv.Itoa(len(bt.versions) + 1))
	bt.versions = append(bt.versions, version)
	return &mautrix.RespRoomKeysVersionCreate{Version: version}, nil
}

func (bt *blockingTransport) UpdateKeyBackupVersion(ctx context.Context, version id.KeyBackupVersion, req *mautrix.ReqRoomKeysVersionUpdate[json.RawMessage]) error {
	return nil
}

func (bt *blockingTransport) DeleteKeyBackupVersion(ctx context.Context, version id.KeyBackupVersion) error {
	return nil
}

func TestRegistry_ResolveLatest_CancelOnlyAffectsCaller(t *testing.T) {
	transport := newBlockingTransport()
	transport.versions = []id.KeyBackupVersion{"1"}
	registry := keybackup.NewRegistry(transport, nil)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := registry.ResolveLatest(ctxA)
		errA <- err
	}()
	<-transport.started

	resultB := make(chan *keybackup.Version, 1)
	errB := make(chan error, 1)
	go func() {
		version, err := registry.ResolveLatest(context.Background())
		resultB <- version
		errB <- err
	}()
	time.Sleep(50 * time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled caller didn't return")
	}

	close(transport.release)
	select {
	case version := <-resultB:
		require.NoError(t, <-errB)
		require.NotNil(t, version)
		assert.EqualValues(t, "1", version.Version)
	case <-time.After(5 * time.Second):
		t.Fatal("live caller didn't return")
	}
	assert.EqualValues(t, 1, transport.latestCalls.Load())
	current, state := registry.Current()
	assert.Equal(t, keybackup.StateResolved, state)
	assert.EqualValues(t, "1", current.Version)
}

func TestRegistry_ResolveLatest_DoesNotOverwriteNewerVersion(t *testing.T) {
	ctx := context.Background()
	transport := newBlockingTransport()
	cache := &memoryCache{}
	registry := keybackup.NewRegistry(transport, cache)

	resolved := make(chan *keybackup.Version, 1)
	go func() {
		version, err := registry.ResolveLatest(ctx)
		assert.NoError(t, err)
		resolved <- version
	}()
	<-transport.started

	created, err := registry.CreateVersion(ctx, testAlgorithm, nil)
	require.NoError(t, err)
	assert.EqualValues(t, "1", created.Version)

	close(transport.release)
	select {
	case version := <-resolved:
		require.NotNil(t, version)
		assert.Equal(t, created.Version, version.Version)
	case <-time.After(5 * time.Second):
		t.Fatal("resolve didn't return")
	}
	current, state := registry.Current()
	assert.Equal(t, keybackup.StateResolved, state)
	require.NotNil(t, current)
	assert.Equal(t, created.Version, current.Version)
	assert.Equal(t, created.Version, cache.version.Version)
	assert.Zero(t, cache.clears)
}

func TestRegistry_CacheWriteThrough(t *testing.T) {
	ctx := context.Background()
	ms := mockserver.Create(t)
	cache := &memoryCache{}
	registry := keybackup.NewRegistry(ms.Login(t, testUserID), cache)

	version, err := registry.CreateVersion(ctx, testAlgorithm, nil)
	require.NoError(t, err)
	assert.Equal(t, version, cache.version)

	restarted := keybackup.NewRegistry(ms.Login(t, testUserID), cache)
	require.NoError(t, restarted.Load(ctx))
	current, state := restarted.Current()
	assert.Equal(t, keybackup.StateResolved, state)
	assert.Equal(t, version.Version, current.Version)

	restarted.MarkSuperseded(ctx, "other")
	_, state = restarted.Current()
	assert.Equal(t, keybackup.StateResolved, state)

	restarted.MarkSuperseded(ctx, version.Version)
	_, state = restarted.Current()
	assert.Equal(t, keybackup.StateSuperseded, state)
	assert.Nil(t, cache.version)
}

func TestRegistry_ResolveLatest_ClearsWhenGone(t *testing.T) {
	ctx := context.Background()
	ms := mockserver.Create(t)
	cache := &memoryCache{}
	client := ms.Login(t, testUserID)
	registry := keybackup.NewRegistry(client, cache)

	version, err := registry.CreateVersion(ctx, testAlgorithm, nil)
	require.NoError(t, err)
	require.NoError(t, client.DeleteKeyBackupVersion(ctx, version.Version))

	latest, err := registry.ResolveLatest(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)
	current, state := registry.Current()
	assert.Nil(t, current)
	assert.Equal(t, keybackup.StateUnknown, state)
	assert.Nil(t, cache.version)
	assert.Equal(t, 1, cache.clears)
}

func TestRegistry_ConcurrentResolve(t *testing.T) {
	ctx := context.Background()
	ms := mockserver.Create(t)
	registry := keybackup.NewRegistry(ms.Login(t, testUserID), nil)
	created, err := registry.CreateVersion(ctx, testAlgorithm, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*keybackup.Version, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = registry.ResolveLatest(ctx)
		}(i)
	}
	wg.Wait()
	for _, result := range results {
		require.NotNil(t, result)
		assert.Equal(t, created.Version, result.Version)
	}
	assert.LessOrEqual(t, ms.RequestCount("GET /room_keys/version"), 1+len(results))
}

func TestVersion_MegolmAuthData(t *testing.T) {
	ctx := context.Background()
	ms := mockserver.Create(t)
	registry := keybackup.NewRegistry(ms.Login(t, testUserID), nil)

	version, err := registry.CreateVersion(ctx, id.KeyBackupAlgorithmMegolmBackupV1, json.RawMessage(`{
		"public_key": "hSDwCYkwp1R0i33ctD73Wg2/Og0mOBr066SpjqqbTmo",
		"signatures": {"@alice:example.com": {"ed25519:DEVICE": "sig"}}
	}`))
	require.NoError(t, err)
	authData, err := version.MegolmAuthData()
	require.NoError(t, err)
	assert.EqualValues(t, "hSDwCYkwp1R0i33ctD73Wg2/Og0mOBr066SpjqqbTmo", authData.PublicKey)
	assert.Equal(t, []id.KeyID{"ed25519:DEVICE"}, authData.SignedBy(testUserID))

	other, err := registry.CreateVersion(ctx, testAlgorithm, nil)
	require.NoError(t, err)
	_, err = other.MegolmAuthData()
	assert.Error(t, err)
}
