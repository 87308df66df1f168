// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package sqlversioncache

import (
	"context"

	"go.mau.fi/util/dbutil"
)

var UpgradeTable dbutil.UpgradeTable

const VersionTableName = "keybackup_cache_version"

func init() {
	UpgradeTable.Register(-1, 1, 0, "Initial revision", dbutil.TxnModeOn, func(ctx context.Context, db *dbutil.Database) error {
		_, err := db.Exec(ctx, `
			CREATE TABLE keybackup_version (
				user_id    TEXT   PRIMARY KEY,
				version    TEXT   NOT NULL,
				algorithm  TEXT   NOT NULL,
				auth_data  TEXT   NOT NULL,
				key_count  BIGINT NOT NULL DEFAULT 0,
				etag       TEXT   NOT NULL DEFAULT '',
				updated_at BIGINT NOT NULL
			)
		`)
		return err
	})
}
