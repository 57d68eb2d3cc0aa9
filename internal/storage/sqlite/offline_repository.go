package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/subsonic_offline/internal/storage"
)

const offlineColumns = `id, song_id, local_file_path, file_size, downloaded_at, last_accessed_at, is_available`

type OfflineRepository struct {
	db   *sql.DB
	feed *changeFeed
}

func NewOfflineRepository(dbConn *sql.DB) *OfflineRepository {
	return &OfflineRepository{db: dbConn, feed: newChangeFeed()}
}

// Get returns the available local copy of songID.
func (r *OfflineRepository) Get(ctx context.Context, songID string) (*storage.OfflineSong, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+offlineColumns+` FROM offline_songs WHERE song_id = ? AND is_available = 1`, songID)

	s, err := scanOfflineSong(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	return s, err
}

func (r *OfflineRepository) IsAvailable(ctx context.Context, songID string) (bool, error) {
	var exists bool

	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM offline_songs WHERE song_id = ? AND is_available = 1)`, songID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check availability: %w", err)
	}

	return exists, nil
}

// WatchAvailability emits the availability of songID now and after every
// change to the offline registry.
func (r *OfflineRepository) WatchAvailability(ctx context.Context, songID string) (<-chan bool, error) {
	return watch(ctx, r.feed, func(ctx context.Context) (bool, error) {
		return r.IsAvailable(ctx, songID)
	})
}

// MarkUnavailable flags the available copy of songID as gone. It is a no-op
// when the song has no available copy.
func (r *OfflineRepository) MarkUnavailable(ctx context.Context, songID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE offline_songs SET is_available = 0 WHERE song_id = ? AND is_available = 1`, songID)
	if err != nil {
		return fmt.Errorf("failed to mark song unavailable: %w", err)
	}

	if affected, _ := res.RowsAffected(); affected > 0 {
		r.feed.publish()
	}

	return nil
}

func (r *OfflineRepository) Touch(ctx context.Context, songID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE offline_songs SET last_accessed_at = ? WHERE song_id = ? AND is_available = 1`,
		time.Now().UTC(), songID)
	if err != nil {
		return fmt.Errorf("failed to touch offline song: %w", err)
	}

	if affected, _ := res.RowsAffected(); affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

func (r *OfflineRepository) TotalAvailableSize(ctx context.Context) (int64, error) {
	var total int64

	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(file_size), 0) FROM offline_songs WHERE is_available = 1`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum offline sizes: %w", err)
	}

	return total, nil
}

// ListAvailableIDs returns the subset of songIDs that have an available copy.
func (r *OfflineRepository) ListAvailableIDs(ctx context.Context, songIDs []string) ([]string, error) {
	if len(songIDs) == 0 {
		return nil, nil
	}

	args := make([]any, len(songIDs))
	for i, id := range songIDs {
		args[i] = id
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT song_id FROM offline_songs WHERE is_available = 1 AND song_id IN (`+placeholders(len(songIDs))+`) ORDER BY song_id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list available songs: %w", err)
	}
	defer rows.Close()

	var ids []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}

		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// SweepIntegrity returns every available row so the caller can verify the
// backing files still exist.
func (r *OfflineRepository) SweepIntegrity(ctx context.Context) ([]storage.OfflineSong, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+offlineColumns+` FROM offline_songs WHERE is_available = 1 ORDER BY downloaded_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list offline songs: %w", err)
	}
	defer rows.Close()

	var songs []storage.OfflineSong

	for rows.Next() {
		s, err := scanOfflineSong(rows)
		if err != nil {
			return nil, err
		}

		songs = append(songs, *s)
	}

	return songs, rows.Err()
}

// PurgeUnavailable deletes rows whose copy was flagged unavailable.
func (r *OfflineRepository) PurgeUnavailable(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM offline_songs WHERE is_available = 0`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge offline songs: %w", err)
	}

	affected, _ := res.RowsAffected()
	if affected > 0 {
		r.feed.publish()
	}

	return affected, nil
}

func scanOfflineSong(row rowScanner) (*storage.OfflineSong, error) {
	var s storage.OfflineSong

	err := row.Scan(&s.ID, &s.SongID, &s.LocalFilePath, &s.FileSize, &s.DownloadedAt, &s.LastAccessedAt, &s.IsAvailable)
	if err != nil {
		return nil, err
	}

	return &s, nil
}
