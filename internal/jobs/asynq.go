package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/italolelis/subsonic_offline/internal/logctx"
	"github.com/italolelis/subsonic_offline/internal/transfer"
)

const (
	TypeDownloadMedia = "download:media"

	// QueueDownloads is the asynq queue download tasks are enqueued on.
	QueueDownloads = "downloads"

	taskTimeout = 30 * time.Minute
)

// TaskID is the asynq task id used for a download. At most one task per
// download exists in the queue.
func TaskID(downloadID string) string {
	return "download:" + downloadID
}

// NewDownloadTask builds the asynq task for in.
func NewDownloadTask(in Input) (*asynq.Task, error) {
	payload, err := json.Marshal(in.ToPayload())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal download payload: %w", err)
	}

	return asynq.NewTask(TypeDownloadMedia, payload), nil
}

// AsynqDriver is a Driver that persists jobs in Redis.
type AsynqDriver struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

func NewAsynqDriver(redis asynq.RedisClientOpt) *AsynqDriver {
	return &AsynqDriver{
		client:    asynq.NewClient(redis),
		inspector: asynq.NewInspector(redis),
	}
}

// Submit enqueues in. A pending, active or retrying task for the same download
// yields ErrAlreadyRunning. An archived one is replaced.
func (d *AsynqDriver) Submit(ctx context.Context, in Input) error {
	if in.DownloadID == "" {
		return &transfer.MalformedJobError{Field: KeyDownloadID}
	}

	task, err := NewDownloadTask(in)
	if err != nil {
		return err
	}

	err = d.enqueue(ctx, task, in.DownloadID)
	if !errors.Is(err, asynq.ErrTaskIDConflict) {
		return err
	}

	info, err := d.inspector.GetTaskInfo(QueueDownloads, TaskID(in.DownloadID))
	if err != nil {
		return fmt.Errorf("failed to inspect existing download task: %w", err)
	}

	if info.State != asynq.TaskStateArchived && info.State != asynq.TaskStateCompleted {
		return ErrAlreadyRunning
	}

	if err := d.inspector.DeleteTask(QueueDownloads, info.ID); err != nil {
		return fmt.Errorf("failed to delete finished download task: %w", err)
	}

	return d.enqueue(ctx, task, in.DownloadID)
}

func (d *AsynqDriver) enqueue(ctx context.Context, task *asynq.Task, downloadID string) error {
	info, err := d.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueDownloads),
		asynq.TaskID(TaskID(downloadID)),
		asynq.MaxRetry(transfer.MaxRetries),
		asynq.Timeout(taskTimeout),
	)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return err
		}

		return fmt.Errorf("failed to enqueue download task: %w", err)
	}

	logctx.LoggerFromContext(ctx).Debug("enqueued download task", "task_id", info.ID, "queue", info.Queue)

	return nil
}

// Cancel asks the server running the task for downloadID to stop it.
func (d *AsynqDriver) Cancel(downloadID string) error {
	return d.inspector.CancelProcessing(TaskID(downloadID))
}

// CancelAll cancels every download task currently being processed.
func (d *AsynqDriver) CancelAll() (int, error) {
	active, err := d.inspector.ListActiveTasks(QueueDownloads)
	if err != nil {
		return 0, fmt.Errorf("failed to list active download tasks: %w", err)
	}

	var errs []error

	for _, t := range active {
		if err := d.inspector.CancelProcessing(t.ID); err != nil {
			errs = append(errs, err)
		}
	}

	return len(active) - len(errs), errors.Join(errs...)
}

func (d *AsynqDriver) Close() error {
	return errors.Join(d.client.Close(), d.inspector.Close())
}

// NewHandler adapts exec to an asynq handler. Retryable verdicts are returned
// as errors so asynq schedules a retry; terminal ones skip it.
func NewHandler(exec Executor) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload map[string]string
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("failed to decode download payload: %v: %w", err, asynq.SkipRetry)
		}

		verdict := exec.Execute(ctx, ParseInput(payload))

		switch verdict.Outcome {
		case transfer.Success:
			return nil
		case transfer.RetryableFailure:
			return verdict.Err
		default:
			return fmt.Errorf("%w: %w", verdict.Err, asynq.SkipRetry)
		}
	}
}

// ServerConfig holds the asynq worker settings.
type ServerConfig struct {
	Concurrency int
	Cooldown    time.Duration
	Exponent    float64
}

// NewServer creates an asynq server processing the download queue with
// exponential retry delays.
func NewServer(ctx context.Context, redis asynq.RedisClientOpt, cfg ServerConfig) *asynq.Server {
	logger := logctx.LoggerFromContext(ctx)

	return asynq.NewServer(redis, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      map[string]int{QueueDownloads: 1},
		BaseContext: func() context.Context { return ctx },
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return RetryDelay(cfg.Cooldown, cfg.Exponent, n)
		},
		Logger:   &asynqLogger{logger: logger},
		LogLevel: asynq.InfoLevel,
	})
}

// NewServeMux routes download tasks to exec.
func NewServeMux(exec Executor) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TypeDownloadMedia, NewHandler(exec))

	return mux
}

// RetryDelay returns cooldown * exponent^n.
func RetryDelay(cooldown time.Duration, exponent float64, n int) time.Duration {
	if exponent < 1 {
		exponent = 1
	}

	return time.Duration(float64(cooldown) * math.Pow(exponent, float64(n)))
}

type asynqLogger struct {
	logger *slog.Logger
}

func (l *asynqLogger) Debug(args ...interface{}) { l.logger.Debug(fmt.Sprint(args...)) }
func (l *asynqLogger) Info(args ...interface{})  { l.logger.Info(fmt.Sprint(args...)) }
func (l *asynqLogger) Warn(args ...interface{})  { l.logger.Warn(fmt.Sprint(args...)) }
func (l *asynqLogger) Error(args ...interface{}) { l.logger.Error(fmt.Sprint(args...)) }

func (l *asynqLogger) Fatal(args ...interface{}) {
	l.logger.Error(fmt.Sprint(args...))
	os.Exit(1)
}
