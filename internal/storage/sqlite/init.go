package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS upload_tasks (
	file_digest     TEXT PRIMARY KEY,
	file_name       TEXT NOT NULL,
	file_size       INTEGER NOT NULL,
	file_type       TEXT NOT NULL DEFAULT '',
	total_chunks    INTEGER NOT NULL,
	uploaded_chunks TEXT NOT NULL DEFAULT '[]',
	status          TEXT NOT NULL DEFAULT 'uploading',
	source_path     TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_upload_tasks_status ON upload_tasks (status);
CREATE INDEX IF NOT EXISTS idx_upload_tasks_created_at ON upload_tasks (created_at);
`

// InitDB opens the SQLite database at dbPath and creates the upload_tasks table if it doesn't exist.
func InitDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes writers, SQLite allows only one anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}
