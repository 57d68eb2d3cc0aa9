package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/subsonic_offline/internal/downloader/progress"
	"github.com/italolelis/subsonic_offline/internal/jobs"
	"github.com/italolelis/subsonic_offline/internal/logctx"
	"github.com/italolelis/subsonic_offline/internal/storage"
	"github.com/italolelis/subsonic_offline/internal/telemetry"
	"github.com/italolelis/subsonic_offline/internal/transfer"
)

const chunkSize = 8 * 1024

// Phase is the execution state of a single attempt.
type Phase string

const (
	PhaseStarted          Phase = "STARTED"
	PhaseFetching         Phase = "FETCHING"
	PhaseCommitting       Phase = "COMMITTING"
	PhaseDone             Phase = "DONE"
	PhaseClassifying      Phase = "CLASSIFYING"
	PhaseRetryableFailure Phase = "RETRYABLE_FAILURE"
	PhaseTerminalFailure  Phase = "TERMINAL_FAILURE"
)

// Fetcher opens a byte stream for a media item on a remote server. The
// returned length is 0 when unknown.
type Fetcher interface {
	Open(ctx context.Context, server storage.Server, mediaID, format string) (io.ReadCloser, int64, error)
}

// ProgressUpdate is the job's progress output, published for every chunk.
type ProgressUpdate struct {
	DownloadID      string
	Progress        float64
	BytesDownloaded int64
	TotalBytes      int64
}

type ProgressSink interface {
	Publish(u ProgressUpdate)
}

// ProgressSinkFunc adapts a function to ProgressSink.
type ProgressSinkFunc func(u ProgressUpdate)

func (f ProgressSinkFunc) Publish(u ProgressUpdate) { f(u) }

type EventKind string

const (
	EventStarted   EventKind = "started"
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// Event is sent to the side channel (user-visible notifications).
type Event struct {
	Kind       EventKind
	DownloadID string
	MediaID    string
	Title      string
	Artist     string
	Progress   float64
	Retrying   bool
	Err        error
}

type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// Worker executes download jobs. It holds no per-download state; everything
// lives in the store.
type Worker struct {
	targetDir   string
	downloads   storage.DownloadRepository
	completions storage.CompletionStore
	servers     storage.ServerRepository
	fetcher     Fetcher

	sink      ProgressSink
	notifier  Notifier
	telemetry *telemetry.Telemetry

	now       func() time.Time
	attemptID func() string
	files     fileOps
}

type Option func(*Worker)

func WithProgressSink(s ProgressSink) Option {
	return func(w *Worker) { w.sink = s }
}

func WithNotifier(n Notifier) Option {
	return func(w *Worker) { w.notifier = n }
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(w *Worker) { w.telemetry = t }
}

func NewWorker(
	targetDir string,
	downloads storage.DownloadRepository,
	completions storage.CompletionStore,
	servers storage.ServerRepository,
	fetcher Fetcher,
	opts ...Option,
) *Worker {
	w := &Worker{
		targetDir:   targetDir,
		downloads:   downloads,
		completions: completions,
		servers:     servers,
		fetcher:     fetcher,
		now:         func() time.Time { return time.Now().UTC() },
		attemptID:   NewAttemptID,
		files:       osFileOps,
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

var _ jobs.Executor = (*Worker)(nil)

// Execute runs one attempt of the download described by in. It never returns
// an error: every failure ends in a FAILED row (when the id is known) and a
// verdict telling the driver whether to retry. Only QUEUED and FAILED rows are
// started; any other row is left untouched with a terminal verdict.
func (w *Worker) Execute(ctx context.Context, in jobs.Input) transfer.Verdict {
	logger := logctx.LoggerFromContext(ctx).With("download_id", in.DownloadID, "media_id", in.MediaID)
	ctx = logctx.WithLogger(ctx, logger)

	w.enter(ctx, PhaseStarted)

	if err := in.Validate(); err != nil {
		if in.DownloadID == "" {
			logger.Error("rejecting job without download id", "err", err)
			w.enter(ctx, PhaseTerminalFailure)
			w.telemetry.RecordVerdict(transfer.TerminalFailure.String())

			return transfer.Terminal(err)
		}

		return w.fail(ctx, in, err)
	}

	if err := w.downloads.Claim(ctx, in.DownloadID); err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrNotClaimable) || errors.Is(err, storage.ErrDuplicateMedia) {
			logger.Info("skipping download that cannot be started", "err", err)
			w.enter(ctx, PhaseTerminalFailure)
			w.telemetry.RecordVerdict("skipped")

			return transfer.Terminal(err)
		}

		return w.fail(ctx, in, fmt.Errorf("failed to mark download as downloading: %w", err))
	}

	err := w.telemetry.InstrumentDownload(ctx, in.DownloadID, in.Title, func(ctx context.Context) error {
		return w.run(ctx, in)
	})
	if err != nil {
		return w.fail(ctx, in, err)
	}

	w.enter(ctx, PhaseDone)
	w.notify(ctx, Event{Kind: EventCompleted, Progress: 1}, in)
	w.telemetry.RecordVerdict(transfer.Success.String())

	return transfer.Succeeded()
}

func (w *Worker) run(ctx context.Context, in jobs.Input) (err error) {
	logger := logctx.LoggerFromContext(ctx)

	w.notify(ctx, Event{Kind: EventStarted}, in)

	server, err := w.servers.Active(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNoActiveServer) {
			return &transfer.ConfigurationError{Reason: err.Error(), Err: err}
		}

		return fmt.Errorf("failed to load active server: %w", err)
	}

	finalPath := FinalPath(w.targetDir, in.Artist, in.Title, in.MediaID, in.Format)
	stagingPath := StagingPath(finalPath, w.attemptID())
	created := false

	defer func() {
		if err == nil {
			return
		}

		if rmErr := removeIfExists(stagingPath); rmErr != nil {
			logger.Warn("failed to remove staging file", "file", stagingPath, "err", rmErr)
		}

		// a copy from an earlier download of the same song is still referenced
		if created {
			if rmErr := removeIfExists(finalPath); rmErr != nil {
				logger.Warn("failed to remove promoted file", "file", finalPath, "err", rmErr)
			}
		}
	}()

	w.enter(ctx, PhaseFetching)

	body, total, err := w.fetcher.Open(ctx, *server, in.MediaID, in.Format)
	if err != nil {
		return fmt.Errorf("failed to open media stream: %w", err)
	}
	defer body.Close()

	logger.Info("downloading file", "file", finalPath, "file_size", humanize.Bytes(uint64(total)))

	written, err := w.stream(ctx, in, body, total, stagingPath)
	if err != nil {
		return err
	}

	// cancellation never leads to a commit
	if err := ctx.Err(); err != nil {
		return err
	}

	w.enter(ctx, PhaseCommitting)

	existed := fileExists(finalPath)

	if err := w.files.promote(stagingPath, finalPath); err != nil {
		return err
	}

	created = !existed

	completedAt := w.now()

	err = w.completions.CommitCompletion(ctx, in.DownloadID, completedAt, finalPath, written, storage.OfflineSong{
		SongID:         in.MediaID,
		LocalFilePath:  finalPath,
		FileSize:       written,
		DownloadedAt:   completedAt,
		LastAccessedAt: completedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to commit completed download: %w", err)
	}

	logger.Info("downloaded and saved file", "file", finalPath, "file_size", humanize.Bytes(uint64(written)))

	return nil
}

func (w *Worker) stream(ctx context.Context, in jobs.Input, body io.Reader, total int64, stagingPath string) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	if err := os.MkdirAll(w.targetDir, dirPerm); err != nil {
		return 0, fmt.Errorf("failed to create target directory: %w", err)
	}

	out, err := os.OpenFile(stagingPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, filePerm)
	if err != nil {
		return 0, fmt.Errorf("failed to create staging file: %w", err)
	}

	throttle := progress.NewThrottle(progress.DefaultStep)

	pr := progress.NewReader(body, total, func(written, total int64) {
		fraction := progress.Fraction(written, total)

		w.publish(ProgressUpdate{
			DownloadID:      in.DownloadID,
			Progress:        fraction,
			BytesDownloaded: written,
			TotalBytes:      total,
		})

		if !throttle.Advance(fraction) {
			return
		}

		if err := w.downloads.UpdateProgress(ctx, in.DownloadID, fraction, written, total); err != nil {
			logger.Warn("failed to persist download progress", "progress", fraction, "err", err)
		}

		w.notify(ctx, Event{Kind: EventProgress, Progress: fraction}, in)
	})

	buf := make([]byte, chunkSize)

	for {
		if err := ctx.Err(); err != nil {
			out.Close()

			return pr.Written(), err
		}

		n, readErr := pr.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				out.Close()

				return pr.Written(), fmt.Errorf("failed to write staging file: %w", err)
			}
		}

		if errors.Is(readErr, io.EOF) {
			break
		}

		if readErr != nil {
			out.Close()

			return pr.Written(), fmt.Errorf("failed to read media stream: %w", readErr)
		}
	}

	if err := out.Close(); err != nil {
		return pr.Written(), fmt.Errorf("failed to close staging file: %w", err)
	}

	return pr.Written(), nil
}

// fail records the failure and turns it into a verdict.
func (w *Worker) fail(ctx context.Context, in jobs.Input, cause error) transfer.Verdict {
	logger := logctx.LoggerFromContext(ctx)

	w.enter(ctx, PhaseClassifying)

	// the failure must be recorded even when the job was cancelled
	writeCtx := context.WithoutCancel(ctx)

	if errors.Is(cause, context.Canceled) && w.isPaused(writeCtx, in.DownloadID) {
		logger.Info("download paused mid-flight")
		w.enter(ctx, PhaseTerminalFailure)
		w.telemetry.RecordVerdict("paused")

		return transfer.Terminal(cause)
	}

	retryCount, err := w.downloads.MarkFailed(writeCtx, in.DownloadID, transfer.Reason(cause))
	if err != nil {
		logger.Error("failed to record download failure", "cause", cause, "err", err)

		if errors.Is(err, storage.ErrNotFound) {
			// the download was deleted while running
			w.enter(ctx, PhaseTerminalFailure)
			w.telemetry.RecordVerdict(transfer.TerminalFailure.String())

			return transfer.Terminal(cause)
		}
	}

	verdict := transfer.Classify(cause, retryCount)

	if verdict.ShouldRetry() {
		w.enter(ctx, PhaseRetryableFailure)
		logger.Warn("download failed, will retry", "retry_count", retryCount, "err", cause)
	} else {
		w.enter(ctx, PhaseTerminalFailure)
		logger.Error("download failed", "retry_count", retryCount, "err", cause)
	}

	w.notify(writeCtx, Event{Kind: EventFailed, Retrying: verdict.ShouldRetry(), Err: cause}, in)
	w.telemetry.RecordVerdict(verdict.Outcome.String())

	return verdict
}

func (w *Worker) isPaused(ctx context.Context, id string) bool {
	d, err := w.downloads.Get(ctx, id)

	return err == nil && d.Status == storage.StatusPaused
}

func (w *Worker) enter(ctx context.Context, p Phase) {
	logctx.LoggerFromContext(ctx).Debug("download phase", "phase", p)
}

func (w *Worker) publish(u ProgressUpdate) {
	if w.sink != nil {
		w.sink.Publish(u)
	}
}

func (w *Worker) notify(ctx context.Context, e Event, in jobs.Input) {
	if w.notifier == nil {
		return
	}

	e.DownloadID = in.DownloadID
	e.MediaID = in.MediaID
	e.Title = in.Title
	e.Artist = in.Artist

	w.notifier.Notify(ctx, e)
}
