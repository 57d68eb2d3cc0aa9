package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/italolelis/subsonic_offline/internal/logctx"
	"github.com/italolelis/subsonic_offline/internal/storage"
	"github.com/italolelis/subsonic_offline/internal/telemetry"
)

// stagingMarker is the infix of in-flight download files.
const stagingMarker = ".part-"

// Report summarizes one integrity sweep.
type Report struct {
	Checked int
	Missing int
	Purged  int64
}

// Sweeper reconciles the offline registry with the files on disk.
type Sweeper struct {
	offline   storage.OfflineRepository
	interval  time.Duration
	purge     bool
	telemetry *telemetry.Telemetry
}

type Option func(*Sweeper)

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(s *Sweeper) { s.telemetry = t }
}

// NewSweeper creates a sweeper. When purge is set, rows marked unavailable are
// deleted at the end of every sweep.
func NewSweeper(offline storage.OfflineRepository, interval time.Duration, purge bool, opts ...Option) *Sweeper {
	s := &Sweeper{
		offline:  offline,
		interval: interval,
		purge:    purge,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Sweep marks every available offline song whose file is gone as unavailable.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	logger := logctx.LoggerFromContext(ctx)

	songs, err := s.offline.SweepIntegrity(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to list offline songs: %w", err)
	}

	var report Report

	for _, song := range songs {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		report.Checked++

		_, err := os.Stat(song.LocalFilePath)
		if err == nil {
			continue
		}

		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("failed to stat offline file", "song_id", song.SongID, "file", song.LocalFilePath, "err", err)

			continue
		}

		if err := s.offline.MarkUnavailable(ctx, song.SongID); err != nil {
			return report, fmt.Errorf("failed to mark song %s unavailable: %w", song.SongID, err)
		}

		report.Missing++

		logger.Info("offline file missing, marked unavailable", "song_id", song.SongID, "file", song.LocalFilePath)
	}

	s.telemetry.RecordSweep(report.Checked, report.Missing)

	if s.purge {
		report.Purged, err = s.offline.PurgeUnavailable(ctx)
		if err != nil {
			return report, fmt.Errorf("failed to purge unavailable songs: %w", err)
		}
	}

	return report, nil
}

// Run sweeps on every tick until ctx is cancelled. It restarts itself after a
// panic.
func (s *Sweeper) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("integrity sweeper panic",
					"operation", "sweep",
					"panic", r,
					"stack", string(debug.Stack()))
				s.telemetry.RecordSystemError("cleanup", "panic")

				if ctx.Err() == nil {
					logger.Info("restarting integrity sweeper after panic", "operation", "sweep")
					time.Sleep(time.Second)
					s.Run(ctx)
				}
			}
		}()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("integrity sweeper shutdown",
					"operation", "sweep",
					"reason", "context_cancelled")

				return
			case <-ticker.C:
				report, err := s.Sweep(ctx)
				if err != nil {
					logger.Error("failed to sweep offline files", "err", err)

					continue
				}

				logger.Debug("integrity sweep finished", "checked", report.Checked, "missing", report.Missing, "purged", report.Purged)
			}
		}
	}()
}

// DeleteStaleStagingFiles removes leftover partial download files in dir
// older than keepDuration. They are left behind when the process dies
// mid-download.
func DeleteStaleStagingFiles(ctx context.Context, dir string, keepDuration time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}

		return 0, fmt.Errorf("failed to read target directory: %w", err)
	}

	deleted := 0

	for _, entry := range entries {
		if entry.IsDir() || !strings.Contains(entry.Name(), stagingMarker) {
			continue
		}

		filePath := filepath.Join(dir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}

			return deleted, fmt.Errorf("failed to stat staging file: %w", err)
		}

		if now.Sub(info.ModTime()) <= keepDuration {
			continue
		}

		if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Error("failed to delete stale staging file", "file", filePath, "err", err)

			return deleted, err
		}

		deleted++

		logger.Info("deleted stale staging file", "file", filePath)
	}

	return deleted, nil
}
