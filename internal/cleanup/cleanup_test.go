package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/subsonic_offline/internal/storage"
	"github.com/italolelis/subsonic_offline/internal/storage/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()

	db, err := sqlite.InitDB(filepath.Join(t.TempDir(), "offline.db"))
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	return sqlite.NewStore(db)
}

// completeSong stores a completed download for songID pointing at path.
func completeSong(t *testing.T, store *sqlite.Store, songID, path string) {
	t.Helper()

	ctx := context.Background()
	id := "d-" + songID

	require.NoError(t, store.Downloads().Enqueue(ctx, &storage.Download{
		ID: id, MediaID: songID, Title: "Title", Artist: "Artist", Format: "mp3",
	}))
	require.NoError(t, store.Downloads().UpdateStatus(ctx, id, storage.StatusDownloading))

	now := time.Now().UTC()
	require.NoError(t, store.CommitCompletion(ctx, id, now, path, 3, storage.OfflineSong{
		SongID:        songID,
		LocalFilePath: path,
		FileSize:      3,
	}))
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	dir := t.TempDir()

	present := filepath.Join(dir, "present.mp3")
	require.NoError(t, os.WriteFile(present, []byte("abc"), 0o644))

	completeSong(t, store, "s1", present)
	completeSong(t, store, "s2", filepath.Join(dir, "gone.mp3"))

	report, err := NewSweeper(store.Offline(), time.Minute, false).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Checked: 2, Missing: 1}, report)

	ok, err := store.Offline().IsAvailable(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Offline().IsAvailable(ctx, "s2")
	require.NoError(t, err)
	assert.False(t, ok)

	// a second sweep only looks at available rows
	report, err = NewSweeper(store.Offline(), time.Minute, false).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Checked: 1}, report)
}

func TestSweep_Purge(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	completeSong(t, store, "s1", filepath.Join(t.TempDir(), "gone.mp3"))

	report, err := NewSweeper(store.Offline(), time.Minute, true).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Checked: 1, Missing: 1, Purged: 1}, report)
}

func TestSweep_CancelledContext(t *testing.T) {
	store := newStore(t)
	completeSong(t, store, "s1", filepath.Join(t.TempDir(), "gone.mp3"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSweeper(store.Offline(), time.Minute, false).Sweep(ctx)
	assert.Error(t, err)
}

func TestRun_SweepsPeriodically(t *testing.T) {
	store := newStore(t)
	completeSong(t, store, "s1", filepath.Join(t.TempDir(), "gone.mp3"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	NewSweeper(store.Offline(), 10*time.Millisecond, false).Run(ctx)

	assert.Eventually(t, func() bool {
		ok, err := store.Offline().IsAvailable(context.Background(), "s1")

		return err == nil && !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDeleteStaleStagingFiles(t *testing.T) {
	dir := t.TempDir()

	stale := filepath.Join(dir, "Artist - Song.mp3.part-1-abc")
	fresh := filepath.Join(dir, "Artist - Other.mp3.part-2-def")
	final := filepath.Join(dir, "Artist - Song.mp3")

	for _, p := range []string{stale, fresh, final} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))
	require.NoError(t, os.Chtimes(final, old, old))

	n, err := DeleteStaleStagingFiles(context.Background(), dir, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
	assert.FileExists(t, final)
}

func TestDeleteStaleStagingFiles_MissingDir(t *testing.T) {
	n, err := DeleteStaleStagingFiles(context.Background(), filepath.Join(t.TempDir(), "nope"), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}
