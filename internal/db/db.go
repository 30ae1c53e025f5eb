// Package db locates and opens the per-workspace sqlite store kept under
// .storyline/.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	stateDirName = ".storyline"
	dbFileName   = "storyline.db"
)

// StateDir returns the workspace state directory.
func StateDir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDirName)
}

// Path returns the database file location for a workspace.
func Path(workspace string) string {
	return filepath.Join(StateDir(workspace), dbFileName)
}

// EnsureWorkspace creates the state directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	dir := StateDir(workspace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	return dir, nil
}

// Open opens the workspace database with foreign keys enforced and a busy
// timeout for overlapping CLI invocations.
func Open(workspace string) (*sql.DB, error) {
	if _, err := EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", Path(workspace))
	return sql.Open("sqlite", dsn)
}
