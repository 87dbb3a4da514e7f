// ABOUTME: JSON snapshot export and import for backups and migration
// ABOUTME: Backup files are named by ULID so they sort by creation time
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/oklog/ulid/v2"

	"github.com/chunkdev/chunkd/models"
)

// WriteBackup serializes snap to a new JSON file under dir and returns
// the file path. Existing backups are never touched.
func WriteBackup(dir string, snap models.Snapshot) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, ulid.Make().String()+".json")

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", err
	}
	return path, nil
}

// ReadSnapshot parses a JSON snapshot file written by WriteBackup (or by
// a compatible exporter).
func ReadSnapshot(path string) (models.Snapshot, error) {
	var snap models.Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("parsing snapshot %s: %w", path, err)
	}
	return snap, nil
}

// LatestBackup returns the newest backup file in dir, or "" when none
// exist. ULID names sort lexicographically by time.
func LatestBackup(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	latest := ""
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		if e.Name() > latest {
			latest = e.Name()
		}
	}
	if latest == "" {
		return "", nil
	}
	return filepath.Join(dir, latest), nil
}
