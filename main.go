// ABOUTME: Entry point for the chunkd CLI
// ABOUTME: Routes to engine operations based on command arguments
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/chunkdev/chunkd/config"
	"github.com/chunkdev/chunkd/engine"
	"github.com/chunkdev/chunkd/graph"
	"github.com/chunkdev/chunkd/models"
	"github.com/chunkdev/chunkd/store"
)

const version = "0.2.0"

func main() {
	// Global flags
	showVersion := flag.Bool("version", false, "Show version and exit")
	dbPath := flag.String("db-path", "", "Database path (default: ~/.local/share/chunkd/chunkd.db)")
	initOnly := flag.Bool("init", false, "Initialize database and exit")

	_ = flag.CommandLine.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("chunkd version %s\n", version)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(0)
	}

	cfg := config.Load()
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	log := newLogger(cfg.Debug)

	db, err := store.Open(cfg.DBPath, log)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("failed to open database")
	}

	// Bootstrap an empty database from a provided snapshot before the
	// engine loads it.
	if cfg.Snapshot != "" {
		if err := bootstrap(db, cfg.Snapshot, log); err != nil {
			log.Fatal().Err(err).Str("path", cfg.Snapshot).Msg("bootstrap failed")
		}
	}

	eng, err := engine.New(db, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to restore state")
	}
	defer eng.Close()

	if *initOnly {
		log.Info().Str("path", cfg.DBPath).Msg("database initialized")
		os.Exit(0)
	}

	command := args[0]
	commandArgs := args[1:]

	switch command {
	case "user":
		if len(commandArgs) == 0 {
			fmt.Println("Error: user requires a subcommand")
			printUsage()
			os.Exit(1)
		}
		userCommand := commandArgs[0]
		userArgs := commandArgs[1:]

		switch userCommand {
		case "add":
			if len(userArgs) != 2 {
				fmt.Println("Usage: chunkd user add <name> <password>")
				os.Exit(1)
			}
			if err := eng.NewUser(userArgs[0], userArgs[1]); err != nil {
				log.Fatal().Err(err).Msg("failed to add user")
			}
			fmt.Printf("User %s created\n", userArgs[0])

		case "passwd":
			if len(userArgs) != 2 {
				fmt.Println("Usage: chunkd user passwd <name> <password>")
				os.Exit(1)
			}
			if err := eng.SetPass(userArgs[0], userArgs[1]); err != nil {
				log.Fatal().Err(err).Msg("failed to change password")
			}
			fmt.Printf("Password for %s changed\n", userArgs[0])

		case "logout-all":
			if len(userArgs) != 1 {
				fmt.Println("Usage: chunkd user logout-all <name>")
				os.Exit(1)
			}
			if err := eng.InvalidateSessions(userArgs[0]); err != nil {
				log.Fatal().Err(err).Msg("failed to invalidate sessions")
			}
			fmt.Printf("All sessions for %s invalidated\n", userArgs[0])

		default:
			fmt.Printf("Unknown user command: %s\n\n", userCommand)
			printUsage()
			os.Exit(1)
		}

	case "import":
		if len(commandArgs) != 1 {
			fmt.Println("Usage: chunkd import <snapshot.json>")
			os.Exit(1)
		}
		snap := replaceState(db, commandArgs[0], log)
		fmt.Printf("Imported %d chunks, %d users\n", len(snap.Chunks), len(snap.Users))
		// Exit without the usual engine flush, which would write the
		// pre-import state back.
		db.Close()
		os.Exit(0)

	case "restore":
		path, err := store.LatestBackup(cfg.BackupDir)
		if err != nil {
			log.Fatal().Err(err).Str("dir", cfg.BackupDir).Msg("failed to scan backups")
		}
		if path == "" {
			log.Fatal().Str("dir", cfg.BackupDir).Msg("no backups found")
		}
		snap := replaceState(db, path, log)
		fmt.Printf("Restored %s: %d chunks, %d users\n", path, len(snap.Chunks), len(snap.Users))
		db.Close()
		os.Exit(0)

	case "export":
		data, err := json.MarshalIndent(eng.Snapshot(), "", "  ")
		if err != nil {
			log.Fatal().Err(err).Msg("failed to serialize snapshot")
		}
		fmt.Println(string(data))

	case "backup":
		path, err := store.WriteBackup(cfg.BackupDir, eng.Snapshot())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to write backup")
		}
		fmt.Printf("Backup written to %s\n", path)

	case "show":
		if len(commandArgs) != 2 {
			fmt.Println("Usage: chunkd show <user> <id-or-title>")
			os.Exit(1)
		}
		view, err := eng.Get(commandArgs[0], commandArgs[1], graph.ViewEdit)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to fetch chunk")
		}
		data, _ := json.MarshalIndent(view, "", "  ")
		fmt.Println(string(data))

	case "stats":
		snap := eng.Snapshot()
		fmt.Printf("Chunks: %d\nUsers:  %d\nGroups: %d\n",
			len(snap.Chunks), len(snap.Users), len(snap.Groups))

	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

// bootstrap imports a JSON snapshot into the database when it holds no
// chunks yet. An already-populated database is left alone.
func bootstrap(db *store.Store, path string, log zerolog.Logger) error {
	current, err := db.Load()
	if err != nil {
		return err
	}
	if len(current.Chunks) > 0 || len(current.Users) > 0 {
		return nil
	}
	snap, err := store.ReadSnapshot(path)
	if err != nil {
		return err
	}
	// Reject snapshots the engine could not load back.
	loaded, err := engine.FromSnapshot(snap, log)
	if err != nil {
		return err
	}
	loaded.Close()
	if err := db.Save(snap); err != nil {
		return err
	}
	log.Info().Int("chunks", len(snap.Chunks)).Msg("bootstrapped from snapshot")
	return nil
}

// replaceState overwrites the database with the snapshot at path, after
// checking the engine can actually load it. Fatal on any failure.
func replaceState(db *store.Store, path string, log zerolog.Logger) models.Snapshot {
	snap, err := store.ReadSnapshot(path)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("failed to read snapshot")
	}
	loaded, err := engine.FromSnapshot(snap, log)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("snapshot is not loadable")
	}
	loaded.Close()
	if err := db.Save(snap); err != nil {
		log.Fatal().Err(err).Msg("failed to replace state")
	}
	return snap
}

func newLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}

func printUsage() {
	fmt.Printf(`chunkd v%s - shared note graph engine

USAGE:
  chunkd [global flags] <command> [subcommand] [flags]

GLOBAL FLAGS:
  --version              Show version and exit
  --db-path <path>       Database path (default: ~/.local/share/chunkd/chunkd.db)
  --init                 Initialize database and exit

COMMANDS:
  user add <name> <password>      Create an account
  user passwd <name> <password>   Overwrite an account password
  user logout-all <name>          Invalidate every session for an account
  import <snapshot.json>          Replace the database with a JSON snapshot
  export                          Print the full state as JSON
  backup                          Write a JSON backup (CHUNKD_BACKUP_DIR)
  restore                         Replace the database with the newest backup
  show <user> <id-or-title>       Print one chunk as that user sees it
  stats                           Print state counts

ENVIRONMENT:
  CHUNKD_DB_PATH     Database path
  CHUNKD_BACKUP_DIR  Backup directory
  CHUNKD_SNAPSHOT    JSON snapshot imported into an empty database at startup
  CHUNKD_DEBUG       Verbose logging
`, version)
}
