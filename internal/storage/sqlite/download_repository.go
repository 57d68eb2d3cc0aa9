package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/italolelis/subsonic_offline/internal/storage"
	"github.com/mattn/go-sqlite3"
)

const downloadColumns = `id, media_id, media_type, title, artist, album_title, image_url, status,
	progress, bytes_downloaded, total_bytes, local_file_path, queued_at, completed_at,
	failure_reason, retry_count, format`

type DownloadRepository struct {
	db   *sql.DB
	feed *changeFeed
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{db: dbConn, feed: newChangeFeed()}
}

// Enqueue inserts d as QUEUED. It fails with *storage.DuplicateMediaError when
// an active download for the same media id exists.
func (r *DownloadRepository) Enqueue(ctx context.Context, d *storage.Download) error {
	if d.ID == "" || d.MediaID == "" {
		return fmt.Errorf("download id and media id are required")
	}

	existing, err := r.activeByMediaID(ctx, d.MediaID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	if existing != nil {
		return &storage.DuplicateMediaError{MediaID: d.MediaID, ExistingID: existing.ID}
	}

	if d.QueuedAt.IsZero() {
		d.QueuedAt = time.Now().UTC()
	}

	if d.MediaType == "" {
		d.MediaType = storage.MediaTypeSong
	}

	d.Status = storage.StatusQueued
	d.Progress = 0
	d.BytesDownloaded = 0
	d.LocalFilePath = ""
	d.CompletedAt = nil
	d.FailureReason = ""

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO downloads (id, media_id, media_type, title, artist, album_title, image_url,
			status, progress, bytes_downloaded, total_bytes, queued_at, retry_count, format)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?, ?)`,
		d.ID, d.MediaID, string(d.MediaType), d.Title, d.Artist, nullString(d.AlbumTitle), nullString(d.ImageURL),
		string(d.Status), d.TotalBytes, d.QueuedAt.UTC(), d.RetryCount, d.Format,
	)
	if err != nil {
		if isUniqueViolation(err) {
			// lost the race against a concurrent enqueue of the same media
			if existing, lookupErr := r.activeByMediaID(ctx, d.MediaID); lookupErr == nil {
				return &storage.DuplicateMediaError{MediaID: d.MediaID, ExistingID: existing.ID}
			}

			return fmt.Errorf("download %s already exists: %w", d.ID, err)
		}

		return fmt.Errorf("failed to insert download: %w", err)
	}

	r.feed.publish()

	return nil
}

func (r *DownloadRepository) Get(ctx context.Context, id string) (*storage.Download, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+downloadColumns+` FROM downloads WHERE id = ?`, id)

	d, err := scanDownload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	return d, err
}

// GetByMediaID returns the most recently queued download for mediaID.
func (r *DownloadRepository) GetByMediaID(ctx context.Context, mediaID string) (*storage.Download, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+downloadColumns+` FROM downloads WHERE media_id = ? ORDER BY queued_at DESC LIMIT 1`, mediaID)

	d, err := scanDownload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	return d, err
}

func (r *DownloadRepository) activeByMediaID(ctx context.Context, mediaID string) (*storage.Download, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+downloadColumns+` FROM downloads WHERE media_id = ? AND status IN ('QUEUED', 'DOWNLOADING', 'PAUSED') LIMIT 1`,
		mediaID)

	d, err := scanDownload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	return d, err
}

// ListByStatus returns downloads in any of the given statuses, oldest first.
// With no statuses it returns every download.
func (r *DownloadRepository) ListByStatus(ctx context.Context, statuses ...storage.Status) ([]storage.Download, error) {
	query := `SELECT ` + downloadColumns + ` FROM downloads`

	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`

		for _, s := range statuses {
			args = append(args, string(s))
		}
	}

	query += ` ORDER BY queued_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var downloads []storage.Download

	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}

		downloads = append(downloads, *d)
	}

	return downloads, rows.Err()
}

func (r *DownloadRepository) ListActive(ctx context.Context) ([]storage.Download, error) {
	return r.ListByStatus(ctx, storage.ActiveStatuses...)
}

func (r *DownloadRepository) ListPaused(ctx context.Context) ([]storage.Download, error) {
	return r.ListByStatus(ctx, storage.StatusPaused)
}

func (r *DownloadRepository) CountActive(ctx context.Context) (int, error) {
	var count int

	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM downloads WHERE status IN ('QUEUED', 'DOWNLOADING', 'PAUSED')`).Scan(&count)

	return count, err
}

// Watch is the live variant of ListByStatus.
func (r *DownloadRepository) Watch(ctx context.Context, statuses ...storage.Status) (<-chan []storage.Download, error) {
	return watch(ctx, r.feed, func(ctx context.Context) ([]storage.Download, error) {
		return r.ListByStatus(ctx, statuses...)
	})
}

// Claim moves a QUEUED or FAILED download to DOWNLOADING and resets its
// progress for a new attempt. Rows in any other status are left untouched and
// ErrNotClaimable is returned.
func (r *DownloadRepository) Claim(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE downloads SET
			status = 'DOWNLOADING',
			progress = 0,
			bytes_downloaded = 0,
			local_file_path = NULL,
			completed_at = NULL
		WHERE id = ? AND status IN ('QUEUED', 'FAILED')`,
		id,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return r.duplicateFor(ctx, id)
		}

		return fmt.Errorf("failed to claim download: %w", err)
	}

	if affected, _ := res.RowsAffected(); affected == 0 {
		d, err := r.Get(ctx, id)
		if err != nil {
			return err
		}

		return fmt.Errorf("%w: %s", storage.ErrNotClaimable, d.Status)
	}

	r.feed.publish()

	return nil
}

// UpdateStatus moves a download to status. Entering DOWNLOADING from any other
// status starts a fresh attempt, so progress counters are reset. COMPLETED can
// only be reached through CommitCompletion.
func (r *DownloadRepository) UpdateStatus(ctx context.Context, id string, status storage.Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}

	if status == storage.StatusCompleted {
		return fmt.Errorf("downloads are completed through CommitCompletion")
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE downloads SET
			progress = CASE WHEN ? = 'DOWNLOADING' AND status <> 'DOWNLOADING' THEN 0 ELSE progress END,
			bytes_downloaded = CASE WHEN ? = 'DOWNLOADING' AND status <> 'DOWNLOADING' THEN 0 ELSE bytes_downloaded END,
			status = ?,
			local_file_path = NULL,
			completed_at = NULL
		WHERE id = ?`,
		string(status), string(status), string(status), id,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return r.duplicateFor(ctx, id)
		}

		return fmt.Errorf("failed to update download status: %w", err)
	}

	r.feed.publish()

	return nil
}

// UpdateProgress persists progress for a DOWNLOADING row. Values never move
// backwards within an attempt.
func (r *DownloadRepository) UpdateProgress(ctx context.Context, id string, progress float64, bytesDownloaded, totalBytes int64) error {
	progress = clamp(progress)

	_, err := r.db.ExecContext(ctx, `
		UPDATE downloads SET
			progress = MAX(progress, ?),
			bytes_downloaded = MAX(bytes_downloaded, ?),
			total_bytes = ?
		WHERE id = ? AND status = 'DOWNLOADING'`,
		progress, bytesDownloaded, totalBytes, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update download progress: %w", err)
	}

	r.feed.publish()

	return nil
}

// MarkFailed sets FAILED with reason and increments retry_count, returning the
// new count. The count is incremented for every failure, retryable or not.
func (r *DownloadRepository) MarkFailed(ctx context.Context, id, reason string) (int, error) {
	var retryCount int

	err := r.db.QueryRowContext(ctx, `
		UPDATE downloads SET
			status = 'FAILED',
			failure_reason = ?,
			retry_count = retry_count + 1,
			local_file_path = NULL,
			completed_at = NULL
		WHERE id = ?
		RETURNING retry_count`,
		reason, id,
	).Scan(&retryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storage.ErrNotFound
	}

	if err != nil {
		return 0, fmt.Errorf("failed to mark download failed: %w", err)
	}

	r.feed.publish()

	return retryCount, nil
}

// ResetForRetry puts a download back to QUEUED and clears its failure reason.
// retry_count is preserved.
func (r *DownloadRepository) ResetForRetry(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE downloads SET
			status = 'QUEUED',
			failure_reason = NULL,
			progress = 0,
			bytes_downloaded = 0,
			local_file_path = NULL,
			completed_at = NULL
		WHERE id = ?`,
		id,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return r.duplicateFor(ctx, id)
		}

		return fmt.Errorf("failed to reset download: %w", err)
	}

	if affected, _ := res.RowsAffected(); affected == 0 {
		return storage.ErrNotFound
	}

	r.feed.publish()

	return nil
}

// Resume moves a PAUSED download back to QUEUED. Downloads in any other status
// are left untouched.
func (r *DownloadRepository) Resume(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE downloads SET status = 'QUEUED' WHERE id = ? AND status = 'PAUSED'`, id)
	if err != nil {
		return fmt.Errorf("failed to resume download: %w", err)
	}

	if affected, _ := res.RowsAffected(); affected == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}

		return nil
	}

	r.feed.publish()

	return nil
}

// PauseAllActive moves every QUEUED or DOWNLOADING download to PAUSED.
func (r *DownloadRepository) PauseAllActive(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE downloads SET status = 'PAUSED' WHERE status IN ('QUEUED', 'DOWNLOADING')`)
	if err != nil {
		return 0, fmt.Errorf("failed to pause downloads: %w", err)
	}

	affected, _ := res.RowsAffected()
	if affected > 0 {
		r.feed.publish()
	}

	return affected, nil
}

func (r *DownloadRepository) DeleteCompleted(ctx context.Context) (int64, error) {
	return r.deleteWhere(ctx, `status = 'COMPLETED'`)
}

func (r *DownloadRepository) DeleteFailed(ctx context.Context) (int64, error) {
	return r.deleteWhere(ctx, `status = 'FAILED'`)
}

func (r *DownloadRepository) DeleteByID(ctx context.Context, id string) error {
	_, err := r.deleteWhere(ctx, `id = ?`, id)

	return err
}

func (r *DownloadRepository) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	return r.deleteWhere(ctx, `id IN (`+placeholders(len(ids))+`)`, args...)
}

func (r *DownloadRepository) deleteWhere(ctx context.Context, where string, args ...any) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM downloads WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete downloads: %w", err)
	}

	affected, _ := res.RowsAffected()
	if affected > 0 {
		r.feed.publish()
	}

	return affected, nil
}

func (r *DownloadRepository) duplicateFor(ctx context.Context, id string) error {
	d, err := r.Get(ctx, id)
	if err != nil {
		return err
	}

	existing, err := r.activeByMediaID(ctx, d.MediaID)
	if err != nil {
		return &storage.DuplicateMediaError{MediaID: d.MediaID}
	}

	return &storage.DuplicateMediaError{MediaID: d.MediaID, ExistingID: existing.ID}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDownload(row rowScanner) (*storage.Download, error) {
	var (
		d                                                storage.Download
		mediaType, status                                string
		albumTitle, imageURL, localPath, failureReason   sql.NullString
		completedAt                                      sql.NullTime
	)

	err := row.Scan(
		&d.ID, &d.MediaID, &mediaType, &d.Title, &d.Artist, &albumTitle, &imageURL, &status,
		&d.Progress, &d.BytesDownloaded, &d.TotalBytes, &localPath, &d.QueuedAt, &completedAt,
		&failureReason, &d.RetryCount, &d.Format,
	)
	if err != nil {
		return nil, err
	}

	d.MediaType = storage.MediaType(mediaType)
	d.Status = storage.Status(status)
	d.AlbumTitle = albumTitle.String
	d.ImageURL = imageURL.String
	d.LocalFilePath = localPath.String
	d.FailureReason = failureReason.String

	if completedAt.Valid {
		t := completedAt.Time
		d.CompletedAt = &t
	}

	return &d, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}

	return false
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func clamp(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}
