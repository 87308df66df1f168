// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/exerrors"
	"go.mau.fi/util/exzerolog"
	flag "maunium.net/go/mauflag"

	"maunium.net/go/mautrix-keybackup"
	"maunium.net/go/mautrix-keybackup/id"
	"maunium.net/go/mautrix-keybackup/keybackup"
	"maunium.net/go/mautrix-keybackup/keybackup/sqlversioncache"
)

var configPath = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
var backupVersion = flag.MakeFull("b", "backup-version", "The key backup version to use. Defaults to the latest version.", "").String()
var writeExampleConfig = flag.MakeFull("e", "generate-example-config", "Save the example config to the config path and quit.", "false").Bool()
var version = flag.MakeFull("v", "version", "View program version and quit.", "false").Bool()
var wantHelp, _ = flag.MakeHelpFlag()

const helpCommands = `Commands:
  emoji <code>                               Show the SAS emoji for a 6-bit code.
  sas <hex bytes>                            Show the emoji and decimal SAS for 6 bytes of SAS output.
  version latest                             Show the latest backup version.
  version get [version]                      Show a backup version.
  version create [algorithm] [auth data]     Create a new backup version.
  version update <auth data>                 Replace the auth data of a backup version.
  version delete                             Delete a backup version and all keys in it.
  keys get [room ID] [session ID]            Get keys from the backup.
  keys put <room ID> <session ID> <data>     Upload a single key.
  keys put-room <room ID> <sessions>         Upload all keys of a room in one request.
  keys put-all <rooms>                       Upload keys of many rooms in one request.
  keys delete [room ID] [session ID]         Delete keys from the backup.`

func printJSON(data any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	exerrors.PanicIfNotNil(enc.Encode(data))
}

func exitWithUsage(err error) {
	_, _ = fmt.Fprintln(os.Stderr, err)
	flag.PrintHelp()
	_, _ = fmt.Fprintln(os.Stderr, helpCommands)
	os.Exit(1)
}

func main() {
	flag.SetHelpTitles(
		"mxkeybackup - Manage Matrix server-side room key backups.",
		"mxkeybackup [-hve] [-c <path>] [-b <version>] <command> [args...]")
	err := flag.Parse()
	if err != nil {
		exitWithUsage(err)
	} else if *wantHelp {
		flag.PrintHelp()
		fmt.Println(helpCommands)
		return
	} else if *version {
		fmt.Println("mxkeybackup", mautrix.Version)
		return
	} else if *writeExampleConfig {
		exerrors.PanicIfNotNil(os.WriteFile(*configPath, []byte(ExampleConfig), 0600))
		return
	}
	args := flag.Args()
	if len(args) == 0 {
		exitWithUsage(usageErr("no command specified"))
	}
	if output, ok, err := runOfflineCommand(args); ok {
		if err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		printJSON(output)
		return
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(11)
	}
	log := exerrors.Must(cfg.Logging.Compile())
	exzerolog.SetupDefaults(log)
	if err = cfg.Validate(); err != nil {
		log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Invalid config")
		os.Exit(11)
	}

	ctx, cancel := signal.NotifyContext(log.WithContext(context.Background()), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	store, db := initStore(ctx, cfg, log)
	defer func() {
		_ = db.Close()
	}()

	pending := keybackup.Dispatch(ctx, func(ctx context.Context) (any, error) {
		return runCommand(ctx, store, id.KeyBackupVersion(*backupVersion), args)
	})
	select {
	case <-pending.Done():
	case <-ctx.Done():
		pending.Cancel()
		log.Warn().Msg("Interrupted, cancelled request")
		os.Exit(130)
	}
	output, err := pending.Wait(context.Background())
	if errors.Is(err, ErrUsage) {
		exitWithUsage(err)
	} else if err != nil {
		evt := log.Error().Err(err)
		if current, state := store.Registry.Current(); state == keybackup.StateSuperseded {
			evt.Stringer("stale_version", current.Version)
		}
		evt.Msg("Command failed")
		switch {
		case errors.Is(err, keybackup.ErrNotFound):
			os.Exit(2)
		case errors.Is(err, keybackup.ErrVersionMismatch):
			os.Exit(3)
		default:
			os.Exit(1)
		}
	}
	printJSON(output)
}

func initStore(ctx context.Context, cfg *Config, log *zerolog.Logger) (*keybackup.Store, *dbutil.Database) {
	client, err := mautrix.NewClient(cfg.Homeserver.Address, cfg.UserID, cfg.AccessToken)
	if err != nil {
		log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to create client")
		os.Exit(12)
	}
	client.DeviceID = cfg.DeviceID
	client.DefaultHTTPRetries = cfg.Homeserver.HTTPRetries
	client.Log = log.With().Str("component", "client").Logger()

	db, err := dbutil.NewFromConfig("mxkeybackup", cfg.Database, dbutil.ZeroLogger(log.With().Str("db_section", "main").Logger()))
	if err != nil {
		log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to initialize database connection")
		os.Exit(14)
	}
	cache := sqlversioncache.New(db, cfg.UserID, dbutil.ZeroLogger(log.With().Str("db_section", "version_cache").Logger()))
	if err = cache.Upgrade(ctx); err != nil {
		log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to upgrade database")
		os.Exit(15)
	}

	store := keybackup.NewStore(client, cache)
	store.Log = log.With().Str("component", "keybackup").Logger()
	store.Registry.Log = log.With().Str("component", "version_registry").Logger()
	if err = store.Registry.Load(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to load cached backup version")
	}
	return store, db
}
