package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/italolelis/subsonic_offline/internal/logctx"
	"github.com/italolelis/subsonic_offline/internal/storage"
)

// Resubmit hands every unfinished download back to driver after a restart.
// PAUSED rows become QUEUED again. Rows left in DOWNLOADING by a previous
// process are re-queued so the new attempt starts from zero.
func Resubmit(ctx context.Context, repo storage.DownloadRepository, driver Driver) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	paused, err := repo.ListPaused(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list paused downloads: %w", err)
	}

	for _, d := range paused {
		if err := repo.Resume(ctx, d.ID); err != nil {
			return 0, fmt.Errorf("failed to resume download %s: %w", d.ID, err)
		}
	}

	active, err := repo.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active downloads: %w", err)
	}

	submitted := 0

	for _, d := range active {
		if d.Status == storage.StatusDownloading {
			if err := repo.UpdateStatus(ctx, d.ID, storage.StatusQueued); err != nil {
				return submitted, fmt.Errorf("failed to requeue interrupted download %s: %w", d.ID, err)
			}
		}

		err := driver.Submit(ctx, FromDownload(d))
		if errors.Is(err, ErrAlreadyRunning) {
			continue
		}

		if err != nil {
			return submitted, fmt.Errorf("failed to submit download %s: %w", d.ID, err)
		}

		submitted++
	}

	logger.Info("resubmitted unfinished downloads", "resumed", len(paused), "submitted", submitted)

	return submitted, nil
}
