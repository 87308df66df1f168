// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mockserver contains an in-memory homeserver implementing the server-side key backup
// endpoints, for use in tests.
package mockserver

import (
	"encoding/json"
	"io"
	"maps"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/rs/xid"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.mau.fi/util/random"

	"maunium.net/go/mautrix-keybackup"
	"maunium.net/go/mautrix-keybackup/id"
)

var MMissingParam = mautrix.RespError{ErrCode: "M_MISSING_PARAM", StatusCode: http.StatusBadRequest}

// PutHook is called for every session while a key upload is being staged. Returning an error
// aborts the whole upload with a 500 response and nothing from the request is stored.
type PutHook func(version id.KeyBackupVersion, roomID id.RoomID, sessionID id.SessionID) error

type BackupVersion struct {
	Version   id.KeyBackupVersion
	Algorithm id.KeyBackupAlgorithm
	AuthData  json.RawMessage
	ETag      string
	Deleted   bool

	Keys map[id.RoomID]map[id.SessionID]mautrix.KeyBackupData[json.RawMessage]
}

func (bv *BackupVersion) count() (count int) {
	for _, sessions := range bv.Keys {
		count += len(sessions)
	}
	return
}

type userBackups struct {
	versions []*BackupVersion
}

func (ub *userBackups) latest() *BackupVersion {
	for i := len(ub.versions) - 1; i >= 0; i-- {
		if !ub.versions[i].Deleted {
			return ub.versions[i]
		}
	}
	return nil
}

func (ub *userBackups) get(version id.KeyBackupVersion) *BackupVersion {
	for _, bv := range ub.versions {
		if bv.Version == version && !bv.Deleted {
			return bv
		}
	}
	return nil
}

type MockServer struct {
	Router *http.ServeMux
	Server *httptest.Server

	AccessTokenToUserID map[string]id.UserID

	lock           sync.Mutex
	putHook        PutHook
	strictNotFound bool
	backups        map[id.UserID]*userBackups
	nextVersion    int
	requests       []string
}

func Create(t *testing.T) *MockServer {
	t.Helper()

	server := MockServer{
		AccessTokenToUserID: map[string]id.UserID{},
		backups:             map[id.UserID]*userBackups{},
		nextVersion:         1,
	}

	router := http.NewServeMux()
	router.HandleFunc("GET /_matrix/client/v3/room_keys/version", server.getLatestVersion)
	router.HandleFunc("POST /_matrix/client/v3/room_keys/version", server.postVersion)
	router.HandleFunc("GET /_matrix/client/v3/room_keys/version/{version}", server.getVersion)
	router.HandleFunc("PUT /_matrix/client/v3/room_keys/version/{version}", server.putVersion)
	router.HandleFunc("DELETE /_matrix/client/v3/room_keys/version/{version}", server.deleteVersion)
	router.HandleFunc("GET /_matrix/client/v3/room_keys/keys", server.getKeys)
	router.HandleFunc("GET /_matrix/client/v3/room_keys/keys/{roomID}", server.getKeys)
	router.HandleFunc("GET /_matrix/client/v3/room_keys/keys/{roomID}/{sessionID}", server.getKeys)
	router.HandleFunc("PUT /_matrix/client/v3/room_keys/keys", server.putKeys)
	router.HandleFunc("PUT /_matrix/client/v3/room_keys/keys/{roomID}", server.putKeys)
	router.HandleFunc("PUT /_matrix/client/v3/room_keys/keys/{roomID}/{sessionID}", server.putKeys)
	router.HandleFunc("DELETE /_matrix/client/v3/room_keys/keys", server.deleteKeys)
	router.HandleFunc("DELETE /_matrix/client/v3/room_keys/keys/{roomID}", server.deleteKeys)
	router.HandleFunc("DELETE /_matrix/client/v3/room_keys/keys/{roomID}/{sessionID}", server.deleteKeys)
	server.Router = router
	server.Server = httptest.NewServer(http.HandlerFunc(server.serveHTTP))
	t.Cleanup(server.Server.Close)
	return &server
}

func (ms *MockServer) serveHTTP(w http.ResponseWriter, r *http.Request) {
	ms.lock.Lock()
	ms.requests = append(ms.requests, r.Method+" "+strings.TrimPrefix(r.URL.Path, "/_matrix/client/v3"))
	ms.lock.Unlock()
	ms.Router.ServeHTTP(w, r)
}

// RequestCount returns the number of requests received so far whose method and path
// (without the /_matrix/client/v3 prefix) start with the given string, e.g. "GET /room_keys/version".
func (ms *MockServer) RequestCount(prefix string) (count int) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	for _, req := range ms.requests {
		if strings.HasPrefix(req, prefix) {
			count++
		}
	}
	return
}

// Login registers a new access token for the given user and returns a client using it.
func (ms *MockServer) Login(t *testing.T, userID id.UserID) *mautrix.Client {
	t.Helper()
	accessToken := random.String(30)
	ms.lock.Lock()
	ms.AccessTokenToUserID[accessToken] = userID
	ms.lock.Unlock()
	client, err := mautrix.NewClient(ms.Server.URL, userID, accessToken)
	require.NoError(t, err)
	return client
}

// SetPutHook sets the function called for each session of a key upload. Pass nil to remove it.
// The hook is called with the server lock held.
func (ms *MockServer) SetPutHook(hook PutHook) {
	ms.lock.Lock()
	ms.putHook = hook
	ms.lock.Unlock()
}

// SetStrictNotFound makes room reads and key deletes answer M_NOT_FOUND when the room or session
// has no keys, like some homeservers do, instead of an empty response.
func (ms *MockServer) SetStrictNotFound(strict bool) {
	ms.lock.Lock()
	ms.strictNotFound = strict
	ms.lock.Unlock()
}

// Keys returns a copy of the sessions currently stored in the given room of the given backup version.
func (ms *MockServer) Keys(userID id.UserID, version id.KeyBackupVersion, roomID id.RoomID) map[id.SessionID]mautrix.KeyBackupData[json.RawMessage] {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	bv := ms.userBackups(userID).get(version)
	if bv == nil {
		return nil
	}
	return maps.Clone(bv.Keys[roomID])
}

// userBackups must be called with the lock held.
func (ms *MockServer) userBackups(userID id.UserID) *userBackups {
	ub, ok := ms.backups[userID]
	if !ok {
		ub = &userBackups{}
		ms.backups[userID] = ub
	}
	return ub
}

func (ms *MockServer) authenticate(w http.ResponseWriter, r *http.Request) (id.UserID, bool) {
	accessToken := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	ms.lock.Lock()
	userID, ok := ms.AccessTokenToUserID[accessToken]
	ms.lock.Unlock()
	if !ok {
		mautrix.MUnknownToken.WithMessage("Unknown access token").Write(w)
	}
	return userID, ok
}

func writeJSON(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func versionResponse(bv *BackupVersion) []byte {
	resp := []byte(`{}`)
	resp, _ = sjson.SetBytes(resp, "algorithm", bv.Algorithm)
	resp, _ = sjson.SetRawBytes(resp, "auth_data", bv.AuthData)
	resp, _ = sjson.SetBytes(resp, "count", bv.count())
	resp, _ = sjson.SetBytes(resp, "etag", bv.ETag)
	resp, _ = sjson.SetBytes(resp, "version", bv.Version)
	return resp
}

func updateResponse(bv *BackupVersion) []byte {
	resp, _ := json.Marshal(&mautrix.RespRoomKeysUpdate{Count: bv.count(), ETag: bv.ETag})
	return resp
}

func (ms *MockServer) getLatestVersion(w http.ResponseWriter, r *http.Request) {
	userID, ok := ms.authenticate(w, r)
	if !ok {
		return
	}
	ms.lock.Lock()
	defer ms.lock.Unlock()
	bv := ms.userBackups(userID).latest()
	if bv == nil {
		mautrix.MNotFound.WithMessage("No current backup version").Write(w)
		return
	}
	writeJSON(w, versionResponse(bv))
}

func (ms *MockServer) getVersion(w http.ResponseWriter, r *http.Request) {
	userID, ok := ms.authenticate(w, r)
	if !ok {
		return
	}
	ms.lock.Lock()
	defer ms.lock.Unlock()
	bv := ms.userBackups(userID).get(id.KeyBackupVersion(r.PathValue("version")))
	if bv == nil {
		mautrix.MNotFound.WithMessage("Unknown backup version").Write(w)
		return
	}
	writeJSON(w, versionResponse(bv))
}

func (ms *MockServer) postVersion(w http.ResponseWriter, r *http.Request) {
	userID, ok := ms.authenticate(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil || !gjson.ValidBytes(body) {
		mautrix.MNotJSON.WithMessage("Content not JSON").Write(w)
		return
	}
	algorithm := gjson.GetBytes(body, "algorithm")
	authData := gjson.GetBytes(body, "auth_data")
	if algorithm.Type != gjson.String || algorithm.Str == "" || !authData.IsObject() {
		mautrix.MBadJSON.WithMessage("algorithm and auth_data are required").Write(w)
		return
	}
	ms.lock.Lock()
	defer ms.lock.Unlock()
	bv := &BackupVersion{
		Version:   id.KeyBackupVersion(strconv.Itoa(ms.nextVersion)),
		Algorithm: id.KeyBackupAlgorithm(algorithm.Str),
		AuthData:  json.RawMessage(authData.Raw),
		ETag:      xid.New().String(),
		Keys:      map[id.RoomID]map[id.SessionID]mautrix.KeyBackupData[json.RawMessage]{},
	}
	ms.nextVersion++
	ub := ms.userBackups(userID)
	ub.versions = append(ub.versions, bv)
	resp, _ := json.Marshal(&mautrix.RespRoomKeysVersionCreate{Version: bv.Version})
	writeJSON(w, resp)
}

func (ms *MockServer) putVersion(w http.ResponseWriter, r *http.Request) {
	userID, ok := ms.authenticate(w, r)
	if !ok {
		return
	}
	var req mautrix.ReqRoomKeysVersionUpdate[json.RawMessage]
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		mautrix.MNotJSON.WithMessage("Content not JSON").Write(w)
		return
	}
	version := id.KeyBackupVersion(r.PathValue("version"))
	ms.lock.Lock()
	defer ms.lock.Unlock()
	bv := ms.userBackups(userID).get(version)
	if bv == nil {
		mautrix.MNotFound.WithMessage("Unknown backup version").Write(w)
		return
	} else if req.Version != "" && req.Version != version {
		mautrix.MInvalidParam.WithMessage("Version in body does not match").Write(w)
		return
	} else if req.Algorithm != bv.Algorithm {
		mautrix.MInvalidParam.WithMessage("Algorithm does not match").Write(w)
		return
	}
	bv.AuthData = req.AuthData
	writeJSON(w, []byte("{}"))
}

func (ms *MockServer) deleteVersion(w http.ResponseWriter, r *http.Request) {
	userID, ok := ms.authenticate(w, r)
	if !ok {
		return
	}
	ms.lock.Lock()
	defer ms.lock.Unlock()
	bv := ms.userBackups(userID).get(id.KeyBackupVersion(r.PathValue("version")))
	if bv == nil {
		mautrix.MNotFound.WithMessage("Unknown backup version").Write(w)
		return
	}
	bv.Deleted = true
	writeJSON(w, []byte("{}"))
}

// lookupVersion must be called with the lock held. For writes, only the latest version is accepted.
func (ms *MockServer) lookupVersion(w http.ResponseWriter, r *http.Request, userID id.UserID, write bool) *BackupVersion {
	version := id.KeyBackupVersion(r.URL.Query().Get("version"))
	if version == "" {
		MMissingParam.WithMessage("version parameter is required").Write(w)
		return nil
	}
	ub := ms.userBackups(userID)
	if write {
		latest := ub.latest()
		if latest == nil {
			mautrix.MNotFound.WithMessage("No current backup version").Write(w)
			return nil
		} else if latest.Version != version {
			mautrix.MWrongRoomKeysVersion.
				WithMessage("Wrong backup version").
				WithExtraData("current_version", latest.Version).
				Write(w)
			return nil
		}
		return latest
	}
	bv := ub.get(version)
	if bv == nil {
		mautrix.MNotFound.WithMessage("Unknown backup version").Write(w)
	}
	return bv
}

func (ms *MockServer) getKeys(w http.ResponseWriter, r *http.Request) {
	userID, ok := ms.authenticate(w, r)
	if !ok {
		return
	}
	ms.lock.Lock()
	defer ms.lock.Unlock()
	bv := ms.lookupVersion(w, r, userID, false)
	if bv == nil {
		return
	}
	roomID := id.RoomID(r.PathValue("roomID"))
	sessionID := id.SessionID(r.PathValue("sessionID"))
	var resp any
	switch {
	case roomID == "":
		all := mautrix.KeysBackupData[json.RawMessage]{Rooms: make(map[id.RoomID]mautrix.RoomKeyBackupData[json.RawMessage], len(bv.Keys))}
		for roomID, sessions := range bv.Keys {
			all.Rooms[roomID] = mautrix.RoomKeyBackupData[json.RawMessage]{Sessions: maps.Clone(sessions)}
		}
		resp = &all
	case sessionID == "":
		sessions := maps.Clone(bv.Keys[roomID])
		if sessions == nil && ms.strictNotFound {
			mautrix.MNotFound.WithMessage("No room_keys found").Write(w)
			return
		} else if sessions == nil {
			sessions = map[id.SessionID]mautrix.KeyBackupData[json.RawMessage]{}
		}
		resp = &mautrix.RoomKeyBackupData[json.RawMessage]{Sessions: sessions}
	default:
		data, ok := bv.Keys[roomID][sessionID]
		if !ok {
			mautrix.MNotFound.WithMessage("No room_keys found").Write(w)
			return
		}
		resp = &data
	}
	data, _ := json.Marshal(resp)
	writeJSON(w, data)
}

func (ms *MockServer) putKeys(w http.ResponseWriter, r *http.Request) {
	userID, ok := ms.authenticate(w, r)
	if !ok {
		return
	}
	roomID := id.RoomID(r.PathValue("roomID"))
	sessionID := id.SessionID(r.PathValue("sessionID"))
	var req mautrix.KeysBackupData[json.RawMessage]
	var err error
	switch {
	case roomID == "":
		err = json.NewDecoder(r.Body).Decode(&req)
	case sessionID == "":
		var room mautrix.RoomKeyBackupData[json.RawMessage]
		err = json.NewDecoder(r.Body).Decode(&room)
		req.Rooms = map[id.RoomID]mautrix.RoomKeyBackupData[json.RawMessage]{roomID: room}
	default:
		var session mautrix.KeyBackupData[json.RawMessage]
		err = json.NewDecoder(r.Body).Decode(&session)
		req.Rooms = map[id.RoomID]mautrix.RoomKeyBackupData[json.RawMessage]{roomID: {
			Sessions: map[id.SessionID]mautrix.KeyBackupData[json.RawMessage]{sessionID: session},
		}}
	}
	if err != nil {
		mautrix.MNotJSON.WithMessage("Content not JSON").Write(w)
		return
	}

	ms.lock.Lock()
	defer ms.lock.Unlock()
	bv := ms.lookupVersion(w, r, userID, true)
	if bv == nil {
		return
	}
	staged := make(map[id.RoomID]map[id.SessionID]mautrix.KeyBackupData[json.RawMessage], len(bv.Keys))
	for roomID, sessions := range bv.Keys {
		staged[roomID] = maps.Clone(sessions)
	}
	for roomID, room := range req.Rooms {
		if staged[roomID] == nil {
			staged[roomID] = map[id.SessionID]mautrix.KeyBackupData[json.RawMessage]{}
		}
		for sessionID, data := range room.Sessions {
			if ms.putHook != nil {
				if err = ms.putHook(bv.Version, roomID, sessionID); err != nil {
					mautrix.MUnknown.WithMessage("Internal server error").Write(w)
					return
				}
			}
			if len(data.SessionData) == 0 {
				mautrix.MBadJSON.WithMessage("session_data is required").Write(w)
				return
			}
			staged[roomID][sessionID] = data
		}
		if len(staged[roomID]) == 0 {
			delete(staged, roomID)
		}
	}
	bv.Keys = staged
	bv.ETag = xid.New().String()
	writeJSON(w, updateResponse(bv))
}

func (ms *MockServer) deleteKeys(w http.ResponseWriter, r *http.Request) {
	userID, ok := ms.authenticate(w, r)
	if !ok {
		return
	}
	ms.lock.Lock()
	defer ms.lock.Unlock()
	bv := ms.lookupVersion(w, r, userID, false)
	if bv == nil {
		return
	}
	roomID := id.RoomID(r.PathValue("roomID"))
	sessionID := id.SessionID(r.PathValue("sessionID"))
	switch {
	case roomID == "":
		bv.Keys = map[id.RoomID]map[id.SessionID]mautrix.KeyBackupData[json.RawMessage]{}
	case sessionID == "":
		if _, ok := bv.Keys[roomID]; !ok && ms.strictNotFound {
			mautrix.MNotFound.WithMessage("No room_keys found").Write(w)
			return
		}
		delete(bv.Keys, roomID)
	default:
		if _, ok := bv.Keys[roomID][sessionID]; !ok && ms.strictNotFound {
			mautrix.MNotFound.WithMessage("No room_keys found").Write(w)
			return
		}
		delete(bv.Keys[roomID], sessionID)
		if len(bv.Keys[roomID]) == 0 {
			delete(bv.Keys, roomID)
		}
	}
	bv.ETag = xid.New().String()
	writeJSON(w, updateResponse(bv))
}
