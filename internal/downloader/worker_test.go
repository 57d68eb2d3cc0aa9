package downloader

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/subsonic_offline/internal/jobs"
	"github.com/italolelis/subsonic_offline/internal/storage"
	"github.com/italolelis/subsonic_offline/internal/storage/sqlite"
	"github.com/italolelis/subsonic_offline/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	open func(ctx context.Context, mediaID string) (io.ReadCloser, int64, error)
}

func (f *fakeFetcher) Open(ctx context.Context, _ storage.Server, mediaID, _ string) (io.ReadCloser, int64, error) {
	return f.open(ctx, mediaID)
}

func bytesFetcher(data []byte, announceLength bool) *fakeFetcher {
	return &fakeFetcher{open: func(context.Context, string) (io.ReadCloser, int64, error) {
		var total int64
		if announceLength {
			total = int64(len(data))
		}

		return io.NopCloser(bytes.NewReader(data)), total, nil
	}}
}

// failingReader returns data and then fails with err.
type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}

	n := copy(p, r.data)
	r.data = r.data[n:]

	return n, nil
}

type recordingSink struct {
	mu      sync.Mutex
	updates []ProgressUpdate
}

func (s *recordingSink) Publish(u ProgressUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.updates = append(s.updates, u)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(_ context.Context, e Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.events = append(n.events, e)
}

type failingCompletions struct {
	err error
}

func (c failingCompletions) CommitCompletion(context.Context, string, time.Time, string, int64, storage.OfflineSong) error {
	return c.err
}

type testEnv struct {
	store     *sqlite.Store
	targetDir string
}

func newTestEnv(t *testing.T, withServer bool) *testEnv {
	t.Helper()

	db, err := sqlite.InitDB(filepath.Join(t.TempDir(), "worker.db"))
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	store := sqlite.NewStore(db)

	if withServer {
		require.NoError(t, store.Servers().Save(context.Background(), &storage.Server{
			Name: "home", BaseURL: "http://music.local", Username: "u", Password: "p", IsActive: true,
		}))
	}

	return &testEnv{store: store, targetDir: filepath.Join(t.TempDir(), "music")}
}

func (e *testEnv) worker(fetcher Fetcher, opts ...Option) *Worker {
	w := NewWorker(e.targetDir, e.store.Downloads(), e.store, e.store.Servers(), fetcher, opts...)
	w.attemptID = func() string { return "test" }

	return w
}

func (e *testEnv) enqueue(t *testing.T, id, mediaID string) jobs.Input {
	t.Helper()

	d := &storage.Download{ID: id, MediaID: mediaID, Title: "Song " + mediaID, Artist: "The Band", Format: "mp3"}
	require.NoError(t, e.store.Downloads().Enqueue(context.Background(), d))

	return jobs.FromDownload(*d)
}

func (e *testEnv) files(t *testing.T) []string {
	t.Helper()

	entries, err := os.ReadDir(e.targetDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}

	return names
}

func TestExecute_Success(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)
	in := env.enqueue(t, "d1", "s1")

	data := bytes.Repeat([]byte{0xAB}, 10000)
	sink := &recordingSink{}
	notifier := &recordingNotifier{}

	verdict := env.worker(bytesFetcher(data, true), WithProgressSink(sink), WithNotifier(notifier)).Execute(ctx, in)
	require.Equal(t, transfer.Success, verdict.Outcome, verdict.String())

	d, err := env.store.Downloads().Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, d.Status)
	assert.InDelta(t, 1.0, d.Progress, 0.0001)
	assert.Equal(t, int64(10000), d.BytesDownloaded)
	assert.Equal(t, int64(10000), d.TotalBytes)
	assert.Equal(t, 0, d.RetryCount)
	require.NotNil(t, d.CompletedAt)

	finalPath := filepath.Join(env.targetDir, "The Band - Song s1 [s1].mp3")
	assert.Equal(t, finalPath, d.LocalFilePath)

	content, err := os.ReadFile(finalPath)
	require.NoError(t, err)
	assert.Equal(t, data, content)

	song, err := env.store.Offline().Get(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, song.IsAvailable)
	assert.Equal(t, finalPath, song.LocalFilePath)
	assert.Equal(t, int64(10000), song.FileSize)

	assert.Equal(t, []string{"The Band - Song s1 [s1].mp3"}, env.files(t))

	// 10000 bytes in 8 KiB chunks
	require.Len(t, sink.updates, 2)
	assert.Equal(t, int64(8192), sink.updates[0].BytesDownloaded)
	assert.InDelta(t, 1.0, sink.updates[1].Progress, 0.0001)

	require.NotEmpty(t, notifier.events)
	assert.Equal(t, EventStarted, notifier.events[0].Kind)
	assert.Equal(t, EventCompleted, notifier.events[len(notifier.events)-1].Kind)
}

func TestExecute_UnknownLength(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)
	in := env.enqueue(t, "d1", "s1")

	verdict := env.worker(bytesFetcher(bytes.Repeat([]byte("x"), 20000), false)).Execute(ctx, in)
	require.Equal(t, transfer.Success, verdict.Outcome)

	d, err := env.store.Downloads().Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, d.Status)
	assert.Equal(t, int64(20000), d.BytesDownloaded)
}

func TestExecute_UnknownHost(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)
	in := env.enqueue(t, "d1", "s1")

	dnsErr := &net.DNSError{Err: "no such host", Name: "music.local", IsNotFound: true}
	fetcher := &fakeFetcher{open: func(context.Context, string) (io.ReadCloser, int64, error) {
		return io.NopCloser(&failingReader{err: &transfer.NetworkError{Operation: "stream", APIMessage: dnsErr.Error(), Err: dnsErr}}), 0, nil
	}}

	verdict := env.worker(fetcher).Execute(ctx, in)
	assert.Equal(t, transfer.RetryableFailure, verdict.Outcome)

	d, err := env.store.Downloads().Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, d.Status)
	assert.Equal(t, 1, d.RetryCount)
	assert.Contains(t, d.FailureReason, "no such host")
	assert.Empty(t, d.LocalFilePath)

	assert.Empty(t, env.files(t))
}

func TestExecute_NoActiveServer(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false)
	in := env.enqueue(t, "d1", "s1")

	verdict := env.worker(bytesFetcher([]byte("never"), true)).Execute(ctx, in)
	assert.Equal(t, transfer.TerminalFailure, verdict.Outcome)

	var configErr *transfer.ConfigurationError
	assert.ErrorAs(t, verdict.Err, &configErr)

	d, err := env.store.Downloads().Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, d.Status)
	assert.Contains(t, d.FailureReason, "Configuration")
	// MarkFailed increments even for terminal failures
	assert.Equal(t, 1, d.RetryCount)
}

func TestExecute_FailsMidStreamLeavesNoFiles(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)
	in := env.enqueue(t, "d1", "s1")

	fetcher := &fakeFetcher{open: func(context.Context, string) (io.ReadCloser, int64, error) {
		r := &failingReader{
			data: bytes.Repeat([]byte("a"), 30000),
			err:  &transfer.NetworkError{Operation: "stream", APIMessage: "connection reset"},
		}

		return io.NopCloser(r), 100000, nil
	}}

	verdict := env.worker(fetcher).Execute(ctx, in)
	assert.Equal(t, transfer.RetryableFailure, verdict.Outcome)
	assert.Empty(t, env.files(t))

	d, err := env.store.Downloads().Get(ctx, "d1")
	require.NoError(t, err)
	// progress persisted before the failure is kept for display
	assert.Greater(t, d.Progress, 0.0)
	assert.LessOrEqual(t, d.Progress, 0.3)
}

func TestExecute_RetryThenSuccess(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)
	in := env.enqueue(t, "d1", "s1")

	attempts := 0
	fetcher := &fakeFetcher{open: func(context.Context, string) (io.ReadCloser, int64, error) {
		attempts++
		if attempts == 1 {
			return nil, 0, &transfer.NetworkError{Operation: "stream", StatusCode: 503, APIMessage: "unavailable"}
		}

		return io.NopCloser(bytes.NewReader([]byte("payload"))), 7, nil
	}}

	w := env.worker(fetcher)

	assert.Equal(t, transfer.RetryableFailure, w.Execute(ctx, in).Outcome)
	assert.Equal(t, transfer.Success, w.Execute(ctx, in).Outcome)

	d, err := env.store.Downloads().Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, d.Status)
	assert.Equal(t, 1, d.RetryCount)
	assert.Empty(t, d.FailureReason)
}

func TestExecute_RetryCap(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)
	in := env.enqueue(t, "d1", "s1")

	fetcher := &fakeFetcher{open: func(context.Context, string) (io.ReadCloser, int64, error) {
		return nil, 0, &transfer.NetworkError{Operation: "stream", APIMessage: "timeout"}
	}}

	w := env.worker(fetcher)

	for i := 1; i < transfer.MaxRetries; i++ {
		assert.Equal(t, transfer.RetryableFailure, w.Execute(ctx, in).Outcome, "attempt %d", i)
	}

	assert.Equal(t, transfer.TerminalFailure, w.Execute(ctx, in).Outcome)

	d, err := env.store.Downloads().Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, transfer.MaxRetries, d.RetryCount)
}

func TestExecute_MalformedInput(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)
	in := env.enqueue(t, "d1", "s1")

	in.Title = ""

	verdict := env.worker(bytesFetcher([]byte("x"), true)).Execute(ctx, in)
	assert.Equal(t, transfer.TerminalFailure, verdict.Outcome)

	d, err := env.store.Downloads().Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, d.Status)

	// without an id there is nothing to record
	verdict = env.worker(bytesFetcher([]byte("x"), true)).Execute(ctx, jobs.Input{MediaID: "s2"})
	assert.Equal(t, transfer.TerminalFailure, verdict.Outcome)
}

func TestExecute_CancelledAfterPause(t *testing.T) {
	env := newTestEnv(t, true)
	in := env.enqueue(t, "d1", "s1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// pause and cancel once the first chunk has been read
	sink := ProgressSinkFunc(func(u ProgressUpdate) {
		_, err := env.store.Downloads().PauseAllActive(context.Background())
		require.NoError(t, err)
		cancel()
	})

	verdict := env.worker(bytesFetcher(bytes.Repeat([]byte("z"), 50000), true), WithProgressSink(sink)).Execute(ctx, in)
	assert.Equal(t, transfer.TerminalFailure, verdict.Outcome)
	assert.ErrorIs(t, verdict.Err, context.Canceled)

	d, err := env.store.Downloads().Get(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPaused, d.Status)
	assert.Equal(t, 0, d.RetryCount)

	available, err := env.store.Offline().IsAvailable(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, available)

	assert.Empty(t, env.files(t))
}

func TestExecute_DeletedWhileRunning(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)
	in := env.enqueue(t, "d1", "s1")

	sink := ProgressSinkFunc(func(u ProgressUpdate) {
		require.NoError(t, env.store.Downloads().DeleteByID(ctx, "d1"))
	})

	verdict := env.worker(bytesFetcher([]byte("short"), true), WithProgressSink(sink)).Execute(ctx, in)
	assert.Equal(t, transfer.TerminalFailure, verdict.Outcome)
	assert.ErrorIs(t, verdict.Err, storage.ErrNotFound)

	available, err := env.store.Offline().IsAvailable(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, available)

	assert.Empty(t, env.files(t))
}

func TestExecute_SameArtistAndTitleKeepSeparateFiles(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)

	payloads := map[string][]byte{
		"s1": bytes.Repeat([]byte("A"), 100),
		"s2": bytes.Repeat([]byte("B"), 200),
	}

	fetcher := &fakeFetcher{open: func(_ context.Context, mediaID string) (io.ReadCloser, int64, error) {
		data := payloads[mediaID]

		return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
	}}

	w := env.worker(fetcher)

	for _, d := range []*storage.Download{
		{ID: "d1", MediaID: "s1", Title: "Intro", Artist: "X", Format: "mp3"},
		{ID: "d2", MediaID: "s2", Title: "Intro", Artist: "X", Format: "mp3"},
	} {
		require.NoError(t, env.store.Downloads().Enqueue(ctx, d))
		require.Equal(t, transfer.Success, w.Execute(ctx, jobs.FromDownload(*d)).Outcome)
	}

	s1, err := env.store.Offline().Get(ctx, "s1")
	require.NoError(t, err)
	s2, err := env.store.Offline().Get(ctx, "s2")
	require.NoError(t, err)

	assert.NotEqual(t, s1.LocalFilePath, s2.LocalFilePath)
	assert.ElementsMatch(t, []string{"X - Intro [s1].mp3", "X - Intro [s2].mp3"}, env.files(t))

	for _, song := range []*storage.OfflineSong{s1, s2} {
		content, err := os.ReadFile(song.LocalFilePath)
		require.NoError(t, err)
		assert.Equal(t, payloads[song.SongID], content)
		assert.Equal(t, int64(len(content)), song.FileSize)
	}
}

func TestExecute_RedownloadKeepsExistingCopyWhenCommitFails(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)
	data := []byte("first copy")

	require.Equal(t, transfer.Success, env.worker(bytesFetcher(data, true)).Execute(ctx, env.enqueue(t, "d1", "s1")).Outcome)

	in := env.enqueue(t, "d2", "s1")

	w := NewWorker(env.targetDir, env.store.Downloads(), failingCompletions{err: errors.New("database is locked")},
		env.store.Servers(), bytesFetcher(data, true))
	w.attemptID = func() string { return "test" }

	verdict := w.Execute(ctx, in)
	assert.Equal(t, transfer.RetryableFailure, verdict.Outcome)

	song, err := env.store.Offline().Get(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, song.IsAvailable)

	content, err := os.ReadFile(song.LocalFilePath)
	require.NoError(t, err)
	assert.Equal(t, data, content)

	assert.Equal(t, []string{"The Band - Song s1 [s1].mp3"}, env.files(t))
}

func TestExecute_CommitFailureRemovesNewFile(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)
	in := env.enqueue(t, "d1", "s1")

	w := NewWorker(env.targetDir, env.store.Downloads(), failingCompletions{err: errors.New("database is locked")},
		env.store.Servers(), bytesFetcher([]byte("payload"), true))
	w.attemptID = func() string { return "test" }

	assert.Equal(t, transfer.RetryableFailure, w.Execute(ctx, in).Outcome)
	assert.Empty(t, env.files(t))
}

func TestExecute_PromoteFallsBackToCopy(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)
	in := env.enqueue(t, "d1", "s1")
	data := bytes.Repeat([]byte("c"), 12345)

	w := env.worker(bytesFetcher(data, true))
	w.files.rename = func(string, string) error { return errors.New("invalid cross-device link") }

	require.Equal(t, transfer.Success, w.Execute(ctx, in).Outcome)

	song, err := env.store.Offline().Get(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, song.IsAvailable)
	assert.Equal(t, int64(len(data)), song.FileSize)

	content, err := os.ReadFile(song.LocalFilePath)
	require.NoError(t, err)
	assert.Equal(t, data, content)

	assert.Equal(t, []string{"The Band - Song s1 [s1].mp3"}, env.files(t))
}

func TestExecute_StagingRemovalFailureLeavesNoFiles(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)
	in := env.enqueue(t, "d1", "s1")

	w := env.worker(bytesFetcher([]byte("payload"), true))
	w.files.rename = func(string, string) error { return errors.New("invalid cross-device link") }
	w.files.remove = func(string) error { return errors.New("device or resource busy") }

	verdict := w.Execute(ctx, in)
	assert.Equal(t, transfer.RetryableFailure, verdict.Outcome)
	assert.ErrorContains(t, verdict.Err, "failed to remove staging file")

	d, err := env.store.Downloads().Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, d.Status)
	assert.Empty(t, d.LocalFilePath)

	available, err := env.store.Offline().IsAvailable(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, available)

	assert.Empty(t, env.files(t))
}

func TestExecute_PausedRowIsNotStarted(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)
	in := env.enqueue(t, "d1", "s1")

	_, err := env.store.Downloads().PauseAllActive(ctx)
	require.NoError(t, err)

	opened := false
	fetcher := &fakeFetcher{open: func(context.Context, string) (io.ReadCloser, int64, error) {
		opened = true

		return io.NopCloser(bytes.NewReader([]byte("x"))), 1, nil
	}}

	verdict := env.worker(fetcher).Execute(ctx, in)
	assert.Equal(t, transfer.TerminalFailure, verdict.Outcome)
	assert.ErrorIs(t, verdict.Err, storage.ErrNotClaimable)
	assert.False(t, opened)

	d, err := env.store.Downloads().Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPaused, d.Status)
	assert.Equal(t, 0, d.RetryCount)
	assert.Empty(t, d.FailureReason)

	available, err := env.store.Offline().IsAvailable(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, available)

	assert.Empty(t, env.files(t))
}

func TestExecute_CompletedRowIsNotRerun(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)
	in := env.enqueue(t, "d1", "s1")

	w := env.worker(bytesFetcher([]byte("payload"), true))
	require.Equal(t, transfer.Success, w.Execute(ctx, in).Outcome)

	verdict := w.Execute(ctx, in)
	assert.Equal(t, transfer.TerminalFailure, verdict.Outcome)
	assert.ErrorIs(t, verdict.Err, storage.ErrNotClaimable)

	d, err := env.store.Downloads().Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, d.Status)
	assert.NotEmpty(t, d.LocalFilePath)
}

func TestExecute_MissingRowIsSkipped(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)

	in := jobs.Input{DownloadID: "gone", MediaID: "s1", Title: "Song", Artist: "The Band", Format: "mp3"}

	verdict := env.worker(bytesFetcher([]byte("x"), true)).Execute(ctx, in)
	assert.Equal(t, transfer.TerminalFailure, verdict.Outcome)
	assert.ErrorIs(t, verdict.Err, storage.ErrNotFound)
	assert.Empty(t, env.files(t))
}
