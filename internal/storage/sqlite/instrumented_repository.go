package sqlite

import (
	"context"
	"time"

	"github.com/italolelis/subsonic_offline/internal/storage"
	"github.com/italolelis/subsonic_offline/internal/telemetry"
)

// InstrumentedDownloadRepository wraps a storage.DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      storage.DownloadRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(repo storage.DownloadRepository, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      repo,
		telemetry: tel,
	}
}

func (r *InstrumentedDownloadRepository) Enqueue(ctx context.Context, d *storage.Download) error {
	return r.telemetry.InstrumentDBOperation(ctx, "enqueue", func(ctx context.Context) error {
		return r.repo.Enqueue(ctx, d)
	})
}

func (r *InstrumentedDownloadRepository) Get(ctx context.Context, id string) (*storage.Download, error) {
	var result *storage.Download

	err := r.telemetry.InstrumentDBOperation(ctx, "get_download", func(ctx context.Context) error {
		var err error
		result, err = r.repo.Get(ctx, id)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) GetByMediaID(ctx context.Context, mediaID string) (*storage.Download, error) {
	var result *storage.Download

	err := r.telemetry.InstrumentDBOperation(ctx, "get_download_by_media", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetByMediaID(ctx, mediaID)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) ListByStatus(ctx context.Context, statuses ...storage.Status) ([]storage.Download, error) {
	var result []storage.Download

	err := r.telemetry.InstrumentDBOperation(ctx, "list_downloads", func(ctx context.Context) error {
		var err error
		result, err = r.repo.ListByStatus(ctx, statuses...)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) ListActive(ctx context.Context) ([]storage.Download, error) {
	return r.ListByStatus(ctx, storage.ActiveStatuses...)
}

func (r *InstrumentedDownloadRepository) ListPaused(ctx context.Context) ([]storage.Download, error) {
	return r.ListByStatus(ctx, storage.StatusPaused)
}

func (r *InstrumentedDownloadRepository) CountActive(ctx context.Context) (int, error) {
	var result int

	err := r.telemetry.InstrumentDBOperation(ctx, "count_active", func(ctx context.Context) error {
		var err error
		result, err = r.repo.CountActive(ctx)

		return err
	})

	return result, err
}

// Watch is not instrumented; re-queries happen in the background.
func (r *InstrumentedDownloadRepository) Watch(ctx context.Context, statuses ...storage.Status) (<-chan []storage.Download, error) {
	return r.repo.Watch(ctx, statuses...)
}

func (r *InstrumentedDownloadRepository) Claim(ctx context.Context, id string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "claim", func(ctx context.Context) error {
		return r.repo.Claim(ctx, id)
	})
}

func (r *InstrumentedDownloadRepository) UpdateStatus(ctx context.Context, id string, status storage.Status) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_status", func(ctx context.Context) error {
		return r.repo.UpdateStatus(ctx, id, status)
	})
}

func (r *InstrumentedDownloadRepository) UpdateProgress(ctx context.Context, id string, progress float64, bytesDownloaded, totalBytes int64) error {
	start := time.Now()

	err := r.telemetry.InstrumentDBOperation(ctx, "update_progress", func(ctx context.Context) error {
		return r.repo.UpdateProgress(ctx, id, progress, bytesDownloaded, totalBytes)
	})

	r.telemetry.RecordProgressWrite(time.Since(start))

	return err
}

func (r *InstrumentedDownloadRepository) MarkFailed(ctx context.Context, id, reason string) (int, error) {
	var result int

	err := r.telemetry.InstrumentDBOperation(ctx, "mark_failed", func(ctx context.Context) error {
		var err error
		result, err = r.repo.MarkFailed(ctx, id, reason)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) ResetForRetry(ctx context.Context, id string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "reset_for_retry", func(ctx context.Context) error {
		return r.repo.ResetForRetry(ctx, id)
	})
}

func (r *InstrumentedDownloadRepository) Resume(ctx context.Context, id string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "resume", func(ctx context.Context) error {
		return r.repo.Resume(ctx, id)
	})
}

func (r *InstrumentedDownloadRepository) PauseAllActive(ctx context.Context) (int64, error) {
	var result int64

	err := r.telemetry.InstrumentDBOperation(ctx, "pause_all_active", func(ctx context.Context) error {
		var err error
		result, err = r.repo.PauseAllActive(ctx)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) DeleteCompleted(ctx context.Context) (int64, error) {
	var result int64

	err := r.telemetry.InstrumentDBOperation(ctx, "delete_completed", func(ctx context.Context) error {
		var err error
		result, err = r.repo.DeleteCompleted(ctx)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) DeleteFailed(ctx context.Context) (int64, error) {
	var result int64

	err := r.telemetry.InstrumentDBOperation(ctx, "delete_failed", func(ctx context.Context) error {
		var err error
		result, err = r.repo.DeleteFailed(ctx)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) DeleteByID(ctx context.Context, id string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_download", func(ctx context.Context) error {
		return r.repo.DeleteByID(ctx, id)
	})
}

func (r *InstrumentedDownloadRepository) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	var result int64

	err := r.telemetry.InstrumentDBOperation(ctx, "delete_downloads", func(ctx context.Context) error {
		var err error
		result, err = r.repo.DeleteByIDs(ctx, ids)

		return err
	})

	return result, err
}

// InstrumentedCompletionStore wraps a storage.CompletionStore with telemetry.
type InstrumentedCompletionStore struct {
	store     storage.CompletionStore
	telemetry *telemetry.Telemetry
}

func NewInstrumentedCompletionStore(store storage.CompletionStore, tel *telemetry.Telemetry) *InstrumentedCompletionStore {
	return &InstrumentedCompletionStore{store: store, telemetry: tel}
}

func (s *InstrumentedCompletionStore) CommitCompletion(ctx context.Context, downloadID string, completedAt time.Time, localFilePath string, bytesDownloaded int64, song storage.OfflineSong) error {
	return s.telemetry.InstrumentDBOperation(ctx, "commit_completion", func(ctx context.Context) error {
		return s.store.CommitCompletion(ctx, downloadID, completedAt, localFilePath, bytesDownloaded, song)
	})
}
