package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/italolelis/subsonic_offline/internal/storage"
)

// Store groups the repositories that share one database so writes made by any
// of them, including the completion transaction, reach the same live queries.
type Store struct {
	db        *sql.DB
	downloads *DownloadRepository
	offline   *OfflineRepository
	servers   *ServerRepository
}

func NewStore(dbConn *sql.DB) *Store {
	return &Store{
		db:        dbConn,
		downloads: &DownloadRepository{db: dbConn, feed: newChangeFeed()},
		offline:   &OfflineRepository{db: dbConn, feed: newChangeFeed()},
		servers:   NewServerRepository(dbConn),
	}
}

func (s *Store) Downloads() *DownloadRepository { return s.downloads }
func (s *Store) Offline() *OfflineRepository     { return s.offline }
func (s *Store) Servers() *ServerRepository      { return s.servers }

// CommitCompletion marks the download COMPLETED and records the song as
// available offline. Both writes commit together or not at all.
func (s *Store) CommitCompletion(ctx context.Context, downloadID string, completedAt time.Time, localFilePath string, bytesDownloaded int64, song storage.OfflineSong) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := markCompleted(ctx, tx, downloadID, completedAt, localFilePath, bytesDownloaded); err != nil {
		return err
	}

	if err := upsertAvailable(ctx, tx, song); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit completion: %w", err)
	}

	s.downloads.feed.publish()
	s.offline.feed.publish()

	return nil
}

// markCompleted only applies to rows still owned by a worker; a row deleted
// mid-flight yields storage.ErrNotFound.
func markCompleted(ctx context.Context, tx *sql.Tx, id string, completedAt time.Time, localFilePath string, bytesDownloaded int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE downloads SET
			status = 'COMPLETED',
			progress = 1.0,
			completed_at = ?,
			local_file_path = ?,
			bytes_downloaded = MAX(bytes_downloaded, ?),
			total_bytes = CASE WHEN total_bytes = 0 THEN ? ELSE total_bytes END,
			failure_reason = NULL
		WHERE id = ? AND status IN ('DOWNLOADING', 'PAUSED')`,
		completedAt.UTC(), localFilePath, bytesDownloaded, bytesDownloaded, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark download completed: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark download completed: %w", err)
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

func upsertAvailable(ctx context.Context, tx *sql.Tx, song storage.OfflineSong) error {
	if song.ID == "" {
		song.ID = uuid.NewString()
	}

	if song.DownloadedAt.IsZero() {
		song.DownloadedAt = time.Now().UTC()
	}

	if song.LastAccessedAt.IsZero() {
		song.LastAccessedAt = song.DownloadedAt
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO offline_songs (id, song_id, local_file_path, file_size, downloaded_at, last_accessed_at, is_available)
		VALUES (?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(song_id) WHERE is_available = 1 DO UPDATE SET
			local_file_path = excluded.local_file_path,
			file_size = excluded.file_size,
			downloaded_at = excluded.downloaded_at,
			last_accessed_at = excluded.last_accessed_at`,
		song.ID, song.SongID, song.LocalFilePath, song.FileSize, song.DownloadedAt.UTC(), song.LastAccessedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert offline song: %w", err)
	}

	return nil
}
