package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// NewSQLiteStore opens (creating if absent) a SQLite-backed Store, the
// default backend for a single-gateway deployment.
func NewSQLiteStore(dbPath string) (Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver does not support concurrent writers

	return newSQLStore(db, questionPlaceholder, false)
}
