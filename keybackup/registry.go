// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keybackup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"maunium.net/go/mautrix-keybackup"
	"maunium.net/go/mautrix-keybackup/crypto/backup"
	"maunium.net/go/mautrix-keybackup/id"
)

// Version is the information about a single backup version on the server.
// Values are never mutated after creation.
type Version struct {
	Version   id.KeyBackupVersion   `json:"version"`
	Algorithm id.KeyBackupAlgorithm `json:"algorithm"`
	AuthData  json.RawMessage       `json:"auth_data"`
	Count     int                   `json:"count"`
	ETag      string                `json:"etag"`
}

// MegolmAuthData parses the auth data of a version that uses [id.KeyBackupAlgorithmMegolmBackupV1].
func (v *Version) MegolmAuthData() (*backup.MegolmAuthData, error) {
	return backup.ParseMegolmAuthData(v.Algorithm, v.AuthData)
}

func versionFromResponse(resp *mautrix.RespRoomKeysVersion[json.RawMessage]) *Version {
	return &Version{
		Version:   resp.Version,
		Algorithm: resp.Algorithm,
		AuthData:  resp.AuthData,
		Count:     resp.Count,
		ETag:      resp.ETag,
	}
}

type State int

const (
	StateUnknown State = iota
	StateResolved
	StateSuperseded
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateResolved:
		return "resolved"
	case StateSuperseded:
		return "superseded"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// VersionTransport is the subset of [mautrix.Client] used for managing backup versions.
type VersionTransport interface {
	GetKeyBackupLatestVersion(ctx context.Context) (*mautrix.RespRoomKeysVersion[json.RawMessage], error)
	GetKeyBackupVersion(ctx context.Context, version id.KeyBackupVersion) (*mautrix.RespRoomKeysVersion[json.RawMessage], error)
	CreateKeyBackupVersion(ctx context.Context, req *mautrix.ReqRoomKeysVersionCreate[json.RawMessage]) (*mautrix.RespRoomKeysVersionCreate, error)
	UpdateKeyBackupVersion(ctx context.Context, version id.KeyBackupVersion, req *mautrix.ReqRoomKeysVersionUpdate[json.RawMessage]) error
	DeleteKeyBackupVersion(ctx context.Context, version id.KeyBackupVersion) error
}

// VersionCache persists the currently resolved backup version between restarts.
type VersionCache interface {
	LoadVersion(ctx context.Context) (*Version, error)
	SaveVersion(ctx context.Context, version *Version) error
	ClearVersion(ctx context.Context) error
}

// Registry keeps track of the current backup version.
type Registry struct {
	Transport VersionTransport
	Cache     VersionCache
	Log       zerolog.Logger

	lock       sync.RWMutex
	commitLock sync.Mutex
	current    *Version
	state      State
	generation uint64
	latest     singleflight.Group
}

func NewRegistry(transport VersionTransport, cache VersionCache) *Registry {
	return &Registry{
		Transport: transport,
		Cache:     cache,
		Log:       zerolog.Nop(),
	}
}

func contextLog(ctx context.Context, fallback *zerolog.Logger) *zerolog.Logger {
	log := zerolog.Ctx(ctx)
	if log.GetLevel() == zerolog.Disabled || log == zerolog.DefaultContextLogger {
		return fallback
	}
	return log
}

// Current returns the currently known version and the state of the registry.
// The version is nil when the state is [StateUnknown].
func (r *Registry) Current() (*Version, State) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.current, r.state
}

// Load restores the version saved in the cache, if there is one.
func (r *Registry) Load(ctx context.Context) error {
	if r.Cache == nil {
		return nil
	}
	version, err := r.Cache.LoadVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to load cached backup version: %w", err)
	} else if version == nil {
		return nil
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.state == StateUnknown {
		r.current = version
		r.state = StateResolved
		r.generation++
		contextLog(ctx, &r.Log).Debug().
			Stringer("key_backup_version", version.Version).
			Msg("Loaded cached key backup version")
	}
	return nil
}

func (r *Registry) snapshot() uint64 {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.generation
}

// commit replaces the current version and writes it through to the cache.
// If expectGeneration is non-nil, nothing is changed when another commit happened after that generation.
func (r *Registry) commit(ctx context.Context, version *Version, state State, expectGeneration *uint64) bool {
	r.commitLock.Lock()
	defer r.commitLock.Unlock()
	r.lock.Lock()
	if expectGeneration != nil && *expectGeneration != r.generation {
		r.lock.Unlock()
		return false
	}
	r.current = version
	r.state = state
	r.generation++
	r.lock.Unlock()
	if r.Cache == nil {
		return true
	}
	log := contextLog(ctx, &r.Log)
	if state == StateResolved {
		if err := r.Cache.SaveVersion(ctx, version); err != nil {
			log.Warn().Err(err).
				Stringer("key_backup_version", version.Version).
				Msg("Failed to save key backup version to cache")
		}
	} else if err := r.Cache.ClearVersion(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to clear cached key backup version")
	}
	return true
}

// ResolveLatest fetches the latest backup version from the server.
// If there's no backup on the server, this returns nil with no error.
//
// Concurrent calls share a single request. Cancelling the context only affects the calling goroutine,
// the shared request keeps running for the other callers. A response that arrives after the current
// version was changed by another call (e.g. [Registry.CreateVersion]) is not stored.
func (r *Registry) ResolveLatest(ctx context.Context) (*Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := r.latest.DoChan("latest", func() (any, error) {
		return r.fetchLatest(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		version, _ := res.Val.(*Version)
		return version, nil
	}
}

func (r *Registry) fetchLatest(ctx context.Context) (*Version, error) {
	generation := r.snapshot()
	resp, err := r.Transport.GetKeyBackupLatestVersion(ctx)
	var version *Version
	if errors.Is(err, mautrix.MNotFound) {
		contextLog(ctx, &r.Log).Debug().Msg("No key backup found on server")
	} else if err != nil {
		return nil, classifyError(err)
	} else {
		version = versionFromResponse(resp)
	}
	state := StateResolved
	if version == nil {
		state = StateUnknown
	}
	if !r.commit(ctx, version, state, &generation) {
		current, currentState := r.Current()
		contextLog(ctx, &r.Log).Debug().
			Stringer("current_state", currentState).
			Msg("Current key backup version changed while fetching latest version, discarding response")
		if currentState == StateResolved {
			return current, nil
		}
	}
	return version, nil
}

// ResolveExplicit fetches the given backup version from the server.
// An empty version is the same as calling [Registry.ResolveLatest].
func (r *Registry) ResolveExplicit(ctx context.Context, version id.KeyBackupVersion) (*Version, error) {
	if version == "" {
		return r.ResolveLatest(ctx)
	}
	resp, err := r.Transport.GetKeyBackupVersion(ctx, version)
	if err != nil {
		return nil, classifyError(err)
	}
	info := versionFromResponse(resp)
	r.lock.Lock()
	if r.current != nil && r.current.Version == info.Version && r.state == StateResolved {
		r.current = info
	}
	r.lock.Unlock()
	return info, nil
}

// latestCached returns the current version if it's resolved and resolves the latest one otherwise.
func (r *Registry) latestCached(ctx context.Context) (*Version, error) {
	current, state := r.Current()
	if state == StateResolved {
		return current, nil
	}
	return r.ResolveLatest(ctx)
}

// CreateVersion creates a new backup version on the server and makes it the current one.
// Calling this twice creates two separate versions.
func (r *Registry) CreateVersion(ctx context.Context, algorithm id.KeyBackupAlgorithm, authData json.RawMessage) (*Version, error) {
	if len(authData) == 0 {
		authData = json.RawMessage("{}")
	}
	resp, err := r.Transport.CreateKeyBackupVersion(ctx, &mautrix.ReqRoomKeysVersionCreate[json.RawMessage]{
		Algorithm: algorithm,
		AuthData:  authData,
	})
	if err != nil {
		return nil, classifyError(err)
	}
	log := contextLog(ctx, &r.Log).With().Stringer("key_backup_version", resp.Version).Logger()
	var version *Version
	if info, err := r.Transport.GetKeyBackupVersion(ctx, resp.Version); err != nil {
		log.Warn().Err(err).Msg("Failed to fetch info of created key backup version")
		version = &Version{Version: resp.Version, Algorithm: algorithm, AuthData: authData}
	} else {
		version = versionFromResponse(info)
	}
	r.commit(ctx, version, StateResolved, nil)
	log.Debug().Msg("Created key backup version")
	return version, nil
}

// MarkSuperseded marks the given version as no longer being the latest one,
// if it's still the current version of the registry.
func (r *Registry) MarkSuperseded(ctx context.Context, version id.KeyBackupVersion) {
	r.lock.RLock()
	generation := r.generation
	current := r.current
	marked := current != nil && current.Version == version && r.state == StateResolved
	r.lock.RUnlock()
	if marked && r.commit(ctx, current, StateSuperseded, &generation) {
		contextLog(ctx, &r.Log).Debug().
			Stringer("key_backup_version", version).
			Msg("Key backup version was superseded")
	}
}

// Forget drops the given version if it's the current one, e.g. after it was deleted from the server.
func (r *Registry) Forget(ctx context.Context, version id.KeyBackupVersion) {
	r.lock.RLock()
	generation := r.generation
	isCurrent := r.current != nil && r.current.Version == version
	r.lock.RUnlock()
	if isCurrent && r.commit(ctx, nil, StateUnknown, &generation) {
		contextLog(ctx, &r.Log).Debug().
			Stringer("key_backup_version", version).
			Msg("Forgot key backup version")
	}
}
