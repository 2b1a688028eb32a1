package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	stateDir           = ".jobledger"
	fileName           = "jobledger.db"
	defaultBusyTimeout = 5 * time.Second
)

type Config struct {
	Workspace   string
	// BusyTimeout bounds how long a writer waits for another process holding
	// the database lock. Defaults to 5s.
	BusyTimeout time.Duration
}

// EnsureWorkspace creates the workspace state directory and returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(orDot(workspace), stateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", dir, err)
	}
	return dir, nil
}

// Open opens the workspace ledger. Write transactions take the database lock
// at BEGIN, so writers in this or another process serialize; readers use WAL
// snapshots and never block them.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)",
		Path(cfg.Workspace), busy.Milliseconds())
	return sql.Open("sqlite", dsn)
}

// Path returns the database file path for the workspace.
func Path(workspace string) string {
	return filepath.Join(orDot(workspace), stateDir, fileName)
}

func orDot(workspace string) string {
	if workspace == "" {
		return "."
	}
	return workspace
}
