// ABOUTME: Process configuration from environment variables and .env files
// ABOUTME: Defaults follow the XDG base directory spec
package config

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
)

// Config holds everything the process reads from its environment.
type Config struct {
	// DBPath is the SQLite database location (CHUNKD_DB_PATH).
	DBPath string
	// BackupDir receives JSON snapshot exports (CHUNKD_BACKUP_DIR).
	BackupDir string
	// Snapshot, when set, is a JSON snapshot imported into an empty
	// database at startup (CHUNKD_SNAPSHOT).
	Snapshot string
	// Debug enables verbose logging (CHUNKD_DEBUG).
	Debug bool
}

// Load reads a .env file when present, then the environment.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		DBPath:    envOr("CHUNKD_DB_PATH", filepath.Join(xdg.DataHome, "chunkd", "chunkd.db")),
		BackupDir: envOr("CHUNKD_BACKUP_DIR", filepath.Join(xdg.DataHome, "chunkd", "backups")),
		Snapshot:  os.Getenv("CHUNKD_SNAPSHOT"),
		Debug:     os.Getenv("CHUNKD_DEBUG") != "",
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
