package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS downloads (
	id TEXT PRIMARY KEY,
	media_id TEXT NOT NULL,
	media_type TEXT NOT NULL DEFAULT 'SONG',
	title TEXT NOT NULL,
	artist TEXT NOT NULL,
	album_title TEXT,
	image_url TEXT,
	status TEXT NOT NULL DEFAULT 'QUEUED',
	progress REAL NOT NULL DEFAULT 0,
	bytes_downloaded INTEGER NOT NULL DEFAULT 0,
	total_bytes INTEGER NOT NULL DEFAULT 0,
	local_file_path TEXT,
	queued_at DATETIME NOT NULL,
	completed_at DATETIME,
	failure_reason TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	format TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_downloads_status ON downloads(status);
CREATE INDEX IF NOT EXISTS idx_downloads_media_id ON downloads(media_id);

-- One active download per media item
CREATE UNIQUE INDEX IF NOT EXISTS idx_downloads_active_media ON downloads(media_id)
WHERE status IN ('QUEUED', 'DOWNLOADING', 'PAUSED');

CREATE TABLE IF NOT EXISTS offline_songs (
	id TEXT PRIMARY KEY,
	song_id TEXT NOT NULL,
	local_file_path TEXT NOT NULL,
	file_size INTEGER NOT NULL DEFAULT 0,
	downloaded_at DATETIME NOT NULL,
	last_accessed_at DATETIME NOT NULL,
	is_available INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_offline_songs_song_id ON offline_songs(song_id);

-- One available local copy per song
CREATE UNIQUE INDEX IF NOT EXISTS idx_offline_songs_available ON offline_songs(song_id)
WHERE is_available = 1;

CREATE TABLE IF NOT EXISTS servers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	base_url TEXT NOT NULL,
	username TEXT NOT NULL,
	password TEXT NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_servers_active ON servers(is_active) WHERE is_active = 1;
`

// InitDB opens the SQLite database at path and creates the schema if it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't handle concurrent writes well
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}
