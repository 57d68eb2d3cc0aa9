package jobs

import (
	"context"
	"errors"

	"github.com/italolelis/subsonic_offline/internal/storage"
	"github.com/italolelis/subsonic_offline/internal/transfer"
)

// Payload keys of a persisted download job.
const (
	KeyDownloadID = "download_id"
	KeyMediaID    = "media_id"
	KeyTitle      = "title"
	KeyArtist     = "artist"
	KeyFormat     = "format"
)

// ErrAlreadyRunning is returned when a job for the same download is already in flight.
var ErrAlreadyRunning = errors.New("download job already running")

// Input is everything a worker needs to execute one download.
type Input struct {
	DownloadID string
	MediaID    string
	Title      string
	Artist     string
	Format     string
}

func FromDownload(d storage.Download) Input {
	return Input{
		DownloadID: d.ID,
		MediaID:    d.MediaID,
		Title:      d.Title,
		Artist:     d.Artist,
		Format:     d.Format,
	}
}

func (in Input) ToPayload() map[string]string {
	return map[string]string{
		KeyDownloadID: in.DownloadID,
		KeyMediaID:    in.MediaID,
		KeyTitle:      in.Title,
		KeyArtist:     in.Artist,
		KeyFormat:     in.Format,
	}
}

func ParseInput(payload map[string]string) Input {
	return Input{
		DownloadID: payload[KeyDownloadID],
		MediaID:    payload[KeyMediaID],
		Title:      payload[KeyTitle],
		Artist:     payload[KeyArtist],
		Format:     payload[KeyFormat],
	}
}

// Validate returns a *transfer.MalformedJobError naming the first missing field.
func (in Input) Validate() error {
	fields := []struct {
		key   string
		value string
	}{
		{KeyDownloadID, in.DownloadID},
		{KeyMediaID, in.MediaID},
		{KeyTitle, in.Title},
		{KeyArtist, in.Artist},
		{KeyFormat, in.Format},
	}

	for _, f := range fields {
		if f.value == "" {
			return &transfer.MalformedJobError{Field: f.key}
		}
	}

	return nil
}

// Executor runs one attempt of a download job.
type Executor interface {
	Execute(ctx context.Context, in Input) transfer.Verdict
}

// Driver schedules download jobs for execution.
type Driver interface {
	Submit(ctx context.Context, in Input) error
}

// Canceller stops in-flight jobs, e.g. when downloads are paused.
type Canceller interface {
	Cancel(id string) error
	CancelAll() (int, error)
}

// Result is the final outcome of a job once the driver stops retrying it.
type Result struct {
	Input    Input
	Verdict  transfer.Verdict
	Attempts int
}
